package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/aggregate"
	"chatsync/models"
	"chatsync/notify"
)

func TestSendReconcilesAndAgesToRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.engine.Send(ctx, "c1", models.Draft{Text: "hello"})
	require.NoError(t, err)

	list := h.messages(t)
	require.Len(t, list, 1)
	assert.True(t, list[0].Provisional())
	assert.Equal(t, models.StatusSending, list[0].Status)
	assert.Equal(t, "hello", list[0].Content)
	assert.Equal(t, pending.ID(), list[0].ID)

	h.store.createResults <- createResult{id: "m1"}
	message, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m1", message.ID)
	assert.Equal(t, pending.ID(), message.ClientID)

	list = h.messages(t)
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, models.StatusSent, list[0].Status)

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, models.StatusDelivered, h.messages(t)[0].Status)

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, models.StatusRead, h.messages(t)[0].Status)
}

func TestSendRejectsEmptyDraft(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Send(context.Background(), "c1", models.Draft{Text: "   "})
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.True(t, IsSoft(err))
	assert.Empty(t, h.messages(t))
}

func TestSendAcceptsMediaOnlyAndPollOnlyDrafts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	image, err := h.engine.Send(ctx, "c1", models.Draft{Media: []models.Attachment{models.Image{URL: "https://cdn/a.png", Width: 4, Height: 3}}})
	require.NoError(t, err)
	assert.Len(t, image.Message().Media, 1)

	poll, err := h.engine.Send(ctx, "c1", models.Draft{Poll: &models.PollDraft{Question: "Lunch?", Options: []string{"Yes", "No"}}})
	require.NoError(t, err)
	require.NotNil(t, poll.Message().Poll)
	assert.Len(t, poll.Message().Poll.Options, 2)

	_, err = h.engine.Send(ctx, "c1", models.Draft{Media: []models.Attachment{models.Image{}}})
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestSendToClosedConversation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Send(context.Background(), "other", models.Draft{Text: "hi"})
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestSendFailureRemovesProvisional(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, historyMessage(1))

	pending, err := h.engine.Send(ctx, "c1", models.Draft{Text: "doomed"})
	require.NoError(t, err)
	require.Len(t, h.messages(t), 2)

	h.store.createResults <- createResult{err: errors.New("store unavailable")}
	message, err := pending.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, CodeRemoteFailure, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, pending.ID(), message.ID)

	assert.Equal(t, []string{"m1"}, ids(h.messages(t)))
	conversation, ok := h.engine.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "message 1", conversation.LastMessage)
}

func TestSendTimeoutForcesSentAndIgnoresLateEcho(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.engine.Send(ctx, "c1", models.Draft{Text: "slow"})
	require.NoError(t, err)

	h.clock.Advance(9 * time.Second)
	select {
	case <-pending.Done():
		t.Fatalf("send settled before the timeout")
	default:
	}

	h.clock.Advance(time.Second)
	message, err := pending.Result()
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.True(t, IsSoft(err))
	assert.Equal(t, models.StatusSent, message.Status)

	list := h.messages(t)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID(), list[0].ID)
	assert.Equal(t, models.StatusSent, list[0].Status)

	h.store.createResults <- createResult{id: "m1"}
	h.engine.Stop()

	list = h.messages(t)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID(), list[0].ID, "late echo must not replace the forced message")

	h.clock.Advance(time.Minute)
	assert.Equal(t, models.StatusSent, h.messages(t)[0].Status)
}

func TestSendLateFailureAfterTimeoutIsIgnored(t *testing.T) {
	h := newHarness(t)

	pending, err := h.engine.Send(context.Background(), "c1", models.Draft{Text: "slow"})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	h.store.createResults <- createResult{err: errors.New("late failure")}
	h.engine.Stop()

	list := h.messages(t)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID(), list[0].ID)
	assert.Equal(t, models.StatusSent, list[0].Status)
}

func TestSendNotifiesMentionsUpdatesPreviewAndClearsDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SaveDraft(ctx, "c1", models.Draft{Text: "hi @bob"}))

	pending, err := h.engine.Send(ctx, "c1", models.Draft{Text: "hi @bob and @alice, @bob again"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice"}, pending.Message().Mentions)

	h.store.createResults <- createResult{id: "m1"}
	_, err = pending.Wait(ctx)
	require.NoError(t, err)
	h.engine.Stop()

	events := h.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.TypeMention, events[0].Type)
	assert.Equal(t, "bob", events[0].Recipient)
	assert.Equal(t, testViewer.ID, events[0].Actor)
	assert.Equal(t, "m1", events[0].Target)

	preview, ok := h.store.lastPreview()
	require.True(t, ok)
	assert.Equal(t, "hi @bob and @alice, @bob again", preview.LastMessage)
	assert.Equal(t, 0, preview.UnreadCount)

	_, found, err := h.engine.LoadDraft(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.drafts, 1)
	assert.Equal(t, pending.ID(), h.store.drafts[0].ClientID)
}

func TestListStaysSortedAcrossSendsAndDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seed(t, historyMessage(1), historyMessage(2), historyMessage(3))
	require.True(t, aggregate.IsSorted(h.messages(t)))

	var pendings []*PendingSend
	for _, text := range []string{"one", "two", "three"} {
		pending, err := h.engine.Send(ctx, "c1", models.Draft{Text: text})
		require.NoError(t, err)
		pendings = append(pendings, pending)
		require.True(t, aggregate.IsSorted(h.messages(t)))
		h.clock.Advance(time.Millisecond)
	}

	for _, id := range []string{"s1", "s2", "s3"} {
		h.store.createResults <- createResult{id: id}
	}
	for _, pending := range pendings {
		_, err := pending.Wait(ctx)
		require.NoError(t, err)
	}
	list := h.messages(t)
	assert.Len(t, list, 6)
	assert.True(t, aggregate.IsSorted(list))

	require.NoError(t, h.engine.Delete(ctx, "c1", "m2"))
	assert.True(t, aggregate.IsSorted(h.messages(t)))
	assert.Len(t, h.messages(t), 5)
}

func TestPageThatOvertakesSendNeverShowsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.engine.Send(ctx, "c1", models.Draft{Text: "race"})
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.history = []models.Message{{
		ID:        "srv-1",
		ClientID:  pending.ID(),
		Author:    testViewer,
		Content:   "race",
		CreatedAt: epoch.Add(time.Minute),
	}}
	h.store.mu.Unlock()

	_, err = h.engine.LoadInitial(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1"}, ids(h.messages(t)))

	h.store.createResults <- createResult{id: "srv-1"}
	_, err = pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-1"}, ids(h.messages(t)))
}

func TestDeletedMessageStopsStatusProgression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.engine.Send(ctx, "c1", models.Draft{Text: "bye"})
	require.NoError(t, err)
	h.store.createResults <- createResult{id: "m1"}
	_, err = pending.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, h.engine.Delete(ctx, "c1", "m1"))
	h.clock.Advance(time.Minute)
	assert.Empty(t, h.messages(t))
	assert.Equal(t, 0, h.engine.scheduler.Pending())
}

func TestSendAfterStopIsRejected(t *testing.T) {
	h := newHarness(t)
	h.engine.Stop()

	_, err := h.engine.Send(context.Background(), "c1", models.Draft{Text: "late"})
	assert.ErrorIs(t, err, ErrStopped)

	_, open := <-h.engine.Events()
	for open {
		_, open = <-h.engine.Events()
	}
}
