package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatsync/models"
)

var (
	alice = models.UserSummary{ID: "u-alice", Handle: "alice", DisplayName: "Alice"}
	bob   = models.UserSummary{ID: "u-bob", Handle: "bob", DisplayName: "Bob"}
	carol = models.UserSummary{ID: "u-carol", Handle: "carol", DisplayName: "Carol"}
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	// Each read of the clock moves it one second forward so rows created in
	// sequence never share a timestamp.
	var mu sync.Mutex
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}

	return store
}

func mustConversation(t *testing.T, store *Store, id string, members ...models.UserSummary) models.Conversation {
	t.Helper()

	conversation, err := store.CreateConversation(context.Background(), id, members)
	if err != nil {
		t.Fatalf("create conversation %q: %v", id, err)
	}
	return conversation
}

func mustSend(t *testing.T, client *Client, conversationID, text string) models.Message {
	t.Helper()

	message, err := client.CreateMessage(context.Background(), conversationID, models.Draft{Text: text})
	if err != nil {
		t.Fatalf("create message %q: %v", text, err)
	}
	return message
}
