package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/clock"
	"chatsync/models"
	"chatsync/notify"
	"chatsync/pagination"
	"chatsync/scheduler"
)

var (
	testViewer = models.UserSummary{ID: "u-alice", Handle: "alice", DisplayName: "Alice"}
	testFriend = models.UserSummary{ID: "u-bob", Handle: "bob", DisplayName: "Bob"}
	epoch      = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

type createResult struct {
	id  string
	err error
}

type reactCall struct {
	messageID string
	emoji     string
	reacted   bool
}

type voteCall struct {
	postID   string
	optionID string
}

// fakeStore is a controllable remote. Creates block until the test feeds
// createResults; the other calls answer immediately unless a hook is set.
type fakeStore struct {
	mu sync.Mutex

	createResults chan createResult
	drafts        []models.Draft

	editErr   error
	deleteErr error
	pinErr    error
	reactErr  error
	reacts    []reactCall
	deletes   []string

	voteHook func(ctx context.Context, postID, optionID string) (models.Poll, error)
	votes    []voteCall

	history      []models.Message
	fetchStarted chan struct{}
	fetchGate    chan struct{}

	previews    []models.Preview
	previewGate chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{createResults: make(chan createResult)}
}

func (f *fakeStore) CreateMessage(ctx context.Context, conversationID string, draft models.Draft) (models.Message, error) {
	f.mu.Lock()
	f.drafts = append(f.drafts, draft)
	f.mu.Unlock()

	select {
	case result := <-f.createResults:
		if result.err != nil {
			return models.Message{}, result.err
		}
		return models.Message{
			ID:             result.id,
			ClientID:       draft.ClientID,
			ConversationID: conversationID,
			Author:         testViewer,
			Content:        draft.Text,
			CreatedAt:      epoch.Add(time.Minute),
			Status:         models.StatusSent,
		}, nil
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func (f *fakeStore) EditMessage(_ context.Context, conversationID, messageID, text string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return models.Message{}, f.editErr
	}
	editedAt := epoch.Add(time.Hour)
	return models.Message{ID: messageID, ConversationID: conversationID, Content: text, EditedAt: &editedAt}, nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return f.deleteErr
}

func (f *fakeStore) PinMessage(_ context.Context, conversationID, messageID string, pinned bool) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinErr != nil {
		return models.Message{}, f.pinErr
	}
	return models.Message{ID: messageID, ConversationID: conversationID, Pinned: pinned}, nil
}

func (f *fakeStore) ReactToMessage(_ context.Context, _, messageID, emoji string, reacted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacts = append(f.reacts, reactCall{messageID: messageID, emoji: emoji, reacted: reacted})
	return f.reactErr
}

func (f *fakeStore) FetchPage(_ context.Context, _ string, request models.PageRequest) (models.Page, error) {
	if f.fetchStarted != nil {
		f.fetchStarted <- struct{}{}
	}
	if f.fetchGate != nil {
		<-f.fetchGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	end := len(f.history)
	if request.Cursor != "" {
		end = -1
		for i, message := range f.history {
			if message.ID == request.Cursor {
				end = i
			}
		}
		if end < 0 {
			return models.Page{}, fmt.Errorf("cursor %q: %w", request.Cursor, models.ErrNotFound)
		}
	}
	start := end - request.Limit
	if start < 0 {
		start = 0
	}
	return models.Page{Messages: append([]models.Message(nil), f.history[start:end]...), HasMore: start > 0}, nil
}

func (f *fakeStore) Vote(ctx context.Context, postID, optionID string) (models.Poll, error) {
	f.mu.Lock()
	f.votes = append(f.votes, voteCall{postID: postID, optionID: optionID})
	hook := f.voteHook
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, postID, optionID)
	}
	return models.Poll{}, nil
}

func (f *fakeStore) UpdatePreview(ctx context.Context, _ string, preview models.Preview) error {
	if f.previewGate != nil {
		<-f.previewGate
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews = append(f.previews, preview)
	return nil
}

func (f *fakeStore) reactCalls() []reactCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reactCall(nil), f.reacts...)
}

func (f *fakeStore) voteCalls() []voteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]voteCall(nil), f.votes...)
}

func (f *fakeStore) lastPreview() (models.Preview, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.previews) == 0 {
		return models.Preview{}, false
	}
	return f.previews[len(f.previews)-1], true
}

type notifications struct {
	mu     sync.Mutex
	events []notify.Event
	gate   chan struct{}
}

func (n *notifications) Notify(ctx context.Context, event notify.Event) error {
	if n.gate != nil {
		<-n.gate
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *notifications) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

// gatedDrafts is a draft store whose Clear blocks until gate is closed.
type gatedDrafts struct {
	gate    chan struct{}
	cleared chan string
}

func (g *gatedDrafts) Get(context.Context, string) (models.Draft, error) {
	return models.Draft{}, models.ErrNotFound
}

func (g *gatedDrafts) Set(context.Context, string, models.Draft) error { return nil }

func (g *gatedDrafts) Clear(ctx context.Context, conversationID string) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.cleared <- conversationID
	return nil
}

type harness struct {
	engine   *Engine
	store    *fakeStore
	clock    *clock.Manual
	notifier *notifications
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	store := newFakeStore()
	c := clock.NewManual(epoch)
	notifier := &notifications{}

	options := Options{
		Viewer:      testViewer,
		Messages:    store,
		Notifier:    notifier,
		Previews:    store,
		Clock:       c,
		LockWait:    20 * time.Millisecond,
		Delays:      scheduler.Delays{DeliveredAfter: 2 * time.Second, ReadAfter: 5 * time.Second},
		Pagination:  pagination.Options{PageSize: 11, OlderPageSize: 5, FetchesPerSecond: -1},
		SendTimeout: 10 * time.Second,
	}
	for _, fn := range configure {
		fn(&options)
	}

	e, err := New(options)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	require.NoError(t, e.Open(models.Conversation{ID: "c1", Participants: []models.UserSummary{testViewer, testFriend}}))

	return &harness{engine: e, store: store, clock: c, notifier: notifier}
}

// seed loads messages into c1 through the store's first page.
func (h *harness) seed(t *testing.T, messages ...models.Message) {
	t.Helper()
	h.store.mu.Lock()
	h.store.history = append(h.store.history, messages...)
	h.store.mu.Unlock()
	_, err := h.engine.LoadInitial(context.Background(), "c1")
	require.NoError(t, err)
}

func (h *harness) messages(t *testing.T) []models.Message {
	t.Helper()
	view, ok := h.engine.Snapshot("c1")
	require.True(t, ok)
	return view.Messages
}

func historyMessage(i int) models.Message {
	return models.Message{
		ID:             fmt.Sprintf("m%d", i),
		ConversationID: "c1",
		Author:         testFriend,
		Content:        fmt.Sprintf("message %d", i),
		CreatedAt:      epoch.Add(-time.Hour + time.Duration(i)*time.Second),
		Status:         models.StatusRead,
	}
}

func ids(list []models.Message) []string {
	out := make([]string, 0, len(list))
	for _, message := range list {
		out = append(out, message.ID)
	}
	return out
}
