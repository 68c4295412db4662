package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/models"
	"chatsync/notify"
)

func TestDraftStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	drafts := store.Client(alice).Drafts()

	if _, err := drafts.Get(ctx, "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found before save, got %v", err)
	}

	saved := models.Draft{
		Text:    "half-written",
		ReplyTo: "srv-1",
		Poll:    &models.PollDraft{Question: "Pizza?", Options: []string{"Yes", "No"}},
		Media:   []models.Attachment{models.Audio{URL: "https://cdn.example/a.m4a", DurationSeconds: 3}},
	}
	if err := drafts.Set(ctx, "c1", saved); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	loaded, err := drafts.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.Text != saved.Text || loaded.ReplyTo != saved.ReplyTo {
		t.Fatalf("unexpected draft: %+v", loaded)
	}
	if loaded.Poll == nil || loaded.Poll.Question != "Pizza?" {
		t.Fatalf("poll draft lost: %+v", loaded.Poll)
	}
	if len(loaded.Media) != 1 || loaded.Media[0].Kind() != models.MediaAudio {
		t.Fatalf("media lost: %+v", loaded.Media)
	}

	if _, err := store.Client(bob).Drafts().Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("drafts must be per viewer, got %v", err)
	}

	if err := drafts.Clear(ctx, "c1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := drafts.Clear(ctx, "c1"); err != nil {
		t.Fatalf("second Clear failed: %v", err)
	}
	if _, err := drafts.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after clear, got %v", err)
	}
}

func TestNotificationLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var dispatcher notify.Dispatcher = store.Client(alice)
	if err := dispatcher.Notify(ctx, notify.Event{
		Type:           notify.TypeReaction,
		Recipient:      bob.ID,
		ConversationID: "c1",
		Target:         "srv-1",
		Metadata:       map[string]string{"emoji": "🔥"},
	}); err != nil {
		t.Fatalf("Notify reaction failed: %v", err)
	}
	if err := dispatcher.Notify(ctx, notify.Event{Type: notify.TypeMention, Recipient: "bob", Target: "srv-2"}); err != nil {
		t.Fatalf("Notify mention failed: %v", err)
	}
	if err := dispatcher.Notify(ctx, notify.Event{Type: notify.TypeMention}); err == nil {
		t.Fatalf("expected missing recipient error")
	}

	events, err := store.Notifications(ctx, bob.ID, 10)
	if err != nil {
		t.Fatalf("Notifications failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 notification for bob's id, got %d", len(events))
	}
	if events[0].Actor != alice.ID || events[0].Metadata["emoji"] != "🔥" {
		t.Fatalf("unexpected notification: %+v", events[0])
	}

	store.SetNotificationRetention(time.Second)
	if err := dispatcher.Notify(ctx, notify.Event{Type: notify.TypeMention, Recipient: "carol"}); err != nil {
		t.Fatalf("Notify with short retention failed: %v", err)
	}
	events, err = store.Notifications(ctx, bob.ID, 10)
	if err != nil {
		t.Fatalf("Notifications after prune failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old notifications pruned, got %d", len(events))
	}
}
