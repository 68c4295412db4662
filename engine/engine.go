// Package engine is the client-side synchronization core. It applies chat,
// reaction and poll mutations locally right away, then reconciles them with
// the remote store without publishing contradictory state.
//
// Each open conversation is held as an immutable snapshot. Every mutation
// reads the current snapshot, computes a new one with the pure reducers in
// package aggregate and publishes it under a single mutex. Remote calls
// never run under that mutex; their completion handlers re-validate the
// target before applying anything.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/aggregate"
	"chatsync/clock"
	"chatsync/drafts"
	"chatsync/lock"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/notify"
	"chatsync/pagination"
	"chatsync/scheduler"
)

const (
	// DefaultSendTimeout bounds how long a message may stay in sending.
	DefaultSendTimeout = 10 * time.Second
	// DefaultLockWait is how long a contended vote waits before re-reading.
	DefaultLockWait = 500 * time.Millisecond
	// DefaultFollowUpTimeout bounds background store writes that follow an
	// operation.
	DefaultFollowUpTimeout = 5 * time.Second

	defaultEventBuffer = 256
	defaultErrorBuffer = 64
)

// MessageStore is the remote message authority.
type MessageStore interface {
	CreateMessage(ctx context.Context, conversationID string, draft models.Draft) (models.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, text string) (models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	PinMessage(ctx context.Context, conversationID, messageID string, pinned bool) (models.Message, error)
	// ReactToMessage sets whether the viewer reacts to the message with emoji.
	ReactToMessage(ctx context.Context, conversationID, messageID, emoji string, reacted bool) error
	FetchPage(ctx context.Context, conversationID string, request models.PageRequest) (models.Page, error)
}

// PollStore is the remote poll authority. An empty optionID clears the vote.
type PollStore interface {
	Vote(ctx context.Context, postID, optionID string) (models.Poll, error)
}

// PreviewStore receives the conversation preview projection.
type PreviewStore interface {
	UpdatePreview(ctx context.Context, conversationID string, preview models.Preview) error
}

// DraftStore persists in-progress composition per conversation. Get returns
// an error wrapping models.ErrNotFound when nothing is saved.
type DraftStore interface {
	Get(ctx context.Context, conversationID string) (models.Draft, error)
	Set(ctx context.Context, conversationID string, draft models.Draft) error
	Clear(ctx context.Context, conversationID string) error
}

// Options configures an Engine.
type Options struct {
	Viewer   models.UserSummary
	Messages MessageStore

	// Polls defaults to Messages when it also implements PollStore.
	Polls    PollStore
	Notifier notify.Dispatcher
	Previews PreviewStore
	// Drafts defaults to an in-memory store.
	Drafts DraftStore

	Locks   *lock.Registry
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	SendTimeout time.Duration
	LockWait    time.Duration
	Delays      scheduler.Delays
	Pagination  pagination.Options

	// FollowUpTimeout bounds preview updates, notifications and draft
	// clears, which outlive Stop.
	FollowUpTimeout time.Duration

	EventBuffer int
	ErrorBuffer int
}

// EventType says which part of the state changed.
type EventType string

const (
	EventMessages     EventType = "messages"
	EventConversation EventType = "conversation"
	EventPoll         EventType = "poll"
)

// Event tells observers to re-read a snapshot.
type Event struct {
	Type           EventType
	ConversationID string
	MessageID      string
	PostID         string
}

// View is the published state of one open conversation.
type View struct {
	Conversation models.Conversation
	Messages     []models.Message
	HasMore      bool
}

type convState struct {
	conversation models.Conversation
	messages     []models.Message
	hasMore      bool
	generation   uint64
}

// Engine is the synchronization facade.
type Engine struct {
	options   Options
	viewer    models.UserSummary
	messages  MessageStore
	polls     PollStore
	notifier  notify.Dispatcher
	previews  PreviewStore
	drafts    DraftStore
	locks     *lock.Registry
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	pager     *pagination.Manager
	scheduler *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	conversations map[string]*convState
	feedPolls     map[string]models.Poll
	pending       map[string]*PendingSend
	generation    uint64

	lifeMu   sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	events chan Event
	errors chan error
}

// New creates an engine with validated configuration.
func New(options Options) (*Engine, error) {
	if options.Messages == nil {
		return nil, errors.New("message store is required")
	}
	if options.Viewer.ID == "" {
		return nil, errors.New("viewer.id is required")
	}
	if options.Polls == nil {
		if polls, ok := options.Messages.(PollStore); ok {
			options.Polls = polls
		}
	}
	if options.Drafts == nil {
		options.Drafts = drafts.NewMemory()
	}
	if options.Clock == nil {
		options.Clock = clock.Real{}
	}
	if options.Locks == nil {
		options.Locks = lock.NewRegistry(options.Clock)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = DefaultSendTimeout
	}
	if options.LockWait <= 0 {
		options.LockWait = DefaultLockWait
	}
	if options.FollowUpTimeout <= 0 {
		options.FollowUpTimeout = DefaultFollowUpTimeout
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}
	if options.ErrorBuffer <= 0 {
		options.ErrorBuffer = defaultErrorBuffer
	}

	pager, err := pagination.NewManager(options.Messages, options.Pagination)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		options:       options,
		viewer:        options.Viewer,
		messages:      options.Messages,
		polls:         options.Polls,
		notifier:      options.Notifier,
		previews:      options.Previews,
		drafts:        options.Drafts,
		locks:         options.Locks,
		clock:         options.Clock,
		logger:        options.Logger,
		metrics:       options.Metrics,
		pager:         pager,
		conversations: make(map[string]*convState),
		feedPolls:     make(map[string]models.Poll),
		pending:       make(map[string]*PendingSend),
		events:        make(chan Event, options.EventBuffer),
		errors:        make(chan error, options.ErrorBuffer),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.scheduler = scheduler.New(options.Clock, options.Delays, e.advanceStatus)
	return e, nil
}

// Viewer returns the local user.
func (e *Engine) Viewer() models.UserSummary {
	return e.viewer
}

// Events returns state change notifications. Events are dropped when the
// buffer is full; observers re-read snapshots, so only the latest matters.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Errors returns failures of background work that has no caller to report
// to, such as preview updates and notifications.
func (e *Engine) Errors() <-chan error {
	return e.errors
}

// Open starts tracking a conversation view. Opening an open conversation
// only refreshes its metadata.
func (e *Engine) Open(conversation models.Conversation) error {
	if conversation.ID == "" {
		return newError(CodeValidation, "open", "conversation id is required", nil)
	}
	if e.isStopped() {
		return newError(CodeValidation, "open", "engine stopped", ErrStopped)
	}

	e.mu.Lock()
	state, ok := e.conversations[conversation.ID]
	if ok {
		next := *state
		next.conversation = conversation
		e.conversations[conversation.ID] = &next
	} else {
		e.generation++
		e.conversations[conversation.ID] = &convState{conversation: conversation, generation: e.generation}
	}
	e.mu.Unlock()

	if !ok {
		e.metrics.ConversationOpened()
	}
	e.publish(Event{Type: EventConversation, ConversationID: conversation.ID})
	return nil
}

// Close drops a conversation view. In-flight work for it completes but its
// results are no longer applied.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	state, ok := e.conversations[conversationID]
	delete(e.conversations, conversationID)
	e.mu.Unlock()
	if !ok {
		return
	}

	for _, message := range state.messages {
		e.scheduler.Cancel(message.ID)
	}
	e.metrics.ConversationClosed()
	e.publish(Event{Type: EventConversation, ConversationID: conversationID})
}

// Snapshot returns the current view of an open conversation.
func (e *Engine) Snapshot(conversationID string) (View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.conversations[conversationID]
	if !ok {
		return View{}, false
	}
	return View{
		Conversation: state.conversation,
		Messages:     append([]models.Message(nil), state.messages...),
		HasMore:      state.hasMore,
	}, true
}

// Conversation returns the conversation row of an open view.
func (e *Engine) Conversation(conversationID string) (models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.conversations[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return state.conversation, true
}

// Stop cancels timers and in-flight remote calls, waits for background work
// and closes the Events and Errors channels. Follow-up work already
// dispatched, such as preview updates and notifications, is not cancelled
// and finishes within FollowUpTimeout.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.lifeMu.Lock()
		e.stopped = true
		e.lifeMu.Unlock()

		e.cancel()
		e.scheduler.Stop()

		e.mu.Lock()
		for _, pending := range e.pending {
			pending.timer.Stop()
		}
		e.mu.Unlock()

		e.wg.Wait()

		e.lifeMu.Lock()
		close(e.events)
		close(e.errors)
		e.lifeMu.Unlock()
	})
}

func (e *Engine) isStopped() bool {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	return e.stopped
}

// goFollowUp runs fn like goBackground, but on a context that Stop does not
// cancel, bounded by FollowUpTimeout.
func (e *Engine) goFollowUp(fn func(ctx context.Context)) bool {
	return e.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.options.FollowUpTimeout)
		defer cancel()
		fn(ctx)
	})
}

// goBackground runs fn on its own goroutine, tracked by Stop.
func (e *Engine) goBackground(fn func(ctx context.Context)) bool {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.stopped {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

func (e *Engine) publish(event Event) {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.events <- event:
	default:
	}
}

func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.errors <- err:
	default:
	}
}

// update applies fn to a copy of the conversation state and publishes the
// copy. fn must replace slices rather than modify them.
func (e *Engine) update(op, conversationID string, fn func(state *convState) error) error {
	e.mu.Lock()
	state, ok := e.conversations[conversationID]
	if !ok {
		e.mu.Unlock()
		return newError(CodeNotFound, op, "conversation is not open", ErrConversationClosed)
	}
	next := *state
	if err := fn(&next); err != nil {
		e.mu.Unlock()
		return err
	}
	e.conversations[conversationID] = &next
	e.mu.Unlock()

	e.publish(Event{Type: EventMessages, ConversationID: conversationID})
	return nil
}

// updateMessage applies fn to one message and returns the message before and
// after the change.
func (e *Engine) updateMessage(op, conversationID, messageID string, fn func(models.Message) (models.Message, error)) (before, after models.Message, err error) {
	err = e.update(op, conversationID, func(state *convState) error {
		idx := aggregate.Find(state.messages, messageID)
		if idx < 0 {
			return newError(CodeNotFound, op, "message is not loaded", ErrNotFound)
		}
		before = state.messages[idx]
		next, err := fn(before.Clone())
		if err != nil {
			return err
		}
		after = next
		state.messages = replaceMessage(state.messages, idx, next)
		return nil
	})
	return before, after, err
}

// advanceStatus is the scheduler callback. It applies next only when the
// message is still loaded and sits just before next.
func (e *Engine) advanceStatus(conversationID, messageID string, next models.Status) bool {
	applied := false
	_ = e.update("advance_status", conversationID, func(state *convState) error {
		idx := aggregate.Find(state.messages, messageID)
		if idx < 0 || !models.CanTransition(state.messages[idx].Status, next) {
			return errSkip
		}
		message := state.messages[idx].Clone()
		message.Status = next
		state.messages = replaceMessage(state.messages, idx, message)
		applied = true
		return nil
	})
	if applied {
		e.logger.Debug("status_advanced",
			zap.String("conversation", conversationID),
			zap.String("message", messageID),
			zap.String("status", string(next)),
		)
	}
	return applied
}

// errSkip aborts an update without publishing.
var errSkip = errors.New("skip")

// replaceMessage swaps list[idx] for next in a fresh slice. The caller keeps
// CreatedAt and ID unchanged, so order is preserved.
func replaceMessage(list []models.Message, idx int, next models.Message) []models.Message {
	out := make([]models.Message, len(list))
	copy(out, list)
	out[idx] = next
	return out
}
