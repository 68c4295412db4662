package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/aggregate"
	"chatsync/models"
)

func historyRange(from, to int) []models.Message {
	out := make([]models.Message, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, historyMessage(i))
	}
	return out
}

func TestLoadInitialThenOlderMergesWithoutGaps(t *testing.T) {
	h := newHarness(t)
	h.store.history = historyRange(5, 20)
	ctx := context.Background()

	page, err := h.engine.LoadInitial(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ids(historyRange(10, 20)), ids(page.Messages))
	assert.True(t, page.HasMore)

	view, ok := h.engine.Snapshot("c1")
	require.True(t, ok)
	assert.True(t, view.HasMore)

	older, err := h.engine.LoadOlder(ctx, "c1", "m10")
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m6", "m7", "m8", "m9"}, ids(older.Messages))
	assert.False(t, older.HasMore)

	view, _ = h.engine.Snapshot("c1")
	assert.Equal(t, ids(historyRange(5, 20)), ids(view.Messages))
	assert.True(t, aggregate.IsSorted(view.Messages))
	assert.False(t, view.HasMore)
}

func TestLoadOlderDefaultsToOldestLoaded(t *testing.T) {
	h := newHarness(t)
	h.store.history = historyRange(1, 20)
	ctx := context.Background()

	_, err := h.engine.LoadInitial(ctx, "c1")
	require.NoError(t, err)

	page, err := h.engine.LoadOlder(ctx, "c1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"m5", "m6", "m7", "m8", "m9"}, ids(page.Messages))
	assert.True(t, page.HasMore)
}

func TestLoadOlderIsIdempotentUnderRetry(t *testing.T) {
	h := newHarness(t)
	h.store.history = historyRange(1, 20)
	ctx := context.Background()

	_, err := h.engine.LoadInitial(ctx, "c1")
	require.NoError(t, err)

	first, err := h.engine.LoadOlder(ctx, "c1", "m10")
	require.NoError(t, err)
	second, err := h.engine.LoadOlder(ctx, "c1", "m10")
	require.NoError(t, err)
	assert.Equal(t, ids(first.Messages), ids(second.Messages))
	assert.Equal(t, first.HasMore, second.HasMore)

	view, _ := h.engine.Snapshot("c1")
	assert.Equal(t, ids(historyRange(5, 20)), ids(view.Messages))
	assert.True(t, aggregate.IsSorted(view.Messages))
}

func TestLoadOlderUnknownCursorIsEmpty(t *testing.T) {
	h := newHarness(t)
	h.seed(t, historyRange(1, 3)...)

	page, err := h.engine.LoadOlder(context.Background(), "c1", "deleted")
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(h.messages(t)))
}

func TestPageForClosedViewIsDropped(t *testing.T) {
	h := newHarness(t)
	h.store.history = historyRange(1, 3)
	h.store.fetchStarted = make(chan struct{})
	h.store.fetchGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.LoadInitial(context.Background(), "c1")
		done <- err
	}()
	<-h.store.fetchStarted

	h.engine.Close("c1")
	require.NoError(t, h.engine.Open(models.Conversation{ID: "c1"}))
	close(h.store.fetchGate)
	require.NoError(t, <-done)

	assert.Empty(t, h.messages(t))
}

func TestLoadOnClosedConversation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.LoadInitial(context.Background(), "other")
	assert.ErrorIs(t, err, ErrConversationClosed)
	_, err = h.engine.LoadOlder(context.Background(), "other", "m1")
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestInitialPageKeepsLocalStatusProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.engine.Send(ctx, "c1", models.Draft{Text: "hello"})
	require.NoError(t, err)
	h.store.createResults <- createResult{id: "m1"}
	sent, err := pending.Wait(ctx)
	require.NoError(t, err)
	h.clock.Advance(7 * time.Second)
	require.Equal(t, models.StatusRead, h.messages(t)[0].Status)

	sent.Status = models.StatusSent
	h.store.mu.Lock()
	h.store.history = []models.Message{sent}
	h.store.mu.Unlock()

	_, err = h.engine.LoadInitial(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, h.messages(t)[0].Status)
}
