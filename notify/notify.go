// Package notify delivers reaction and mention notifications without ever
// blocking the synchronization flow.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	TypeReaction = "reaction"
	TypeMention  = "mention"
)

const (
	defaultQueueSize      = 64
	defaultDeliverTimeout = 5 * time.Second
)

// ErrStopped is returned by Notify after Stop.
var ErrStopped = errors.New("notification dispatcher stopped")

// Event is one notification. Recipient is a user id for reactions and a
// handle for mentions; Target is the message id.
type Event struct {
	Type           string            `json:"type"`
	Actor          string            `json:"actor"`
	Recipient      string            `json:"recipient"`
	ConversationID string            `json:"conversation_id"`
	Target         string            `json:"target"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Dispatcher sends notifications.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, event Event) error

func (f DispatcherFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// Log is a Dispatcher that only writes events to a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, event Event) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification",
		zap.String("type", event.Type),
		zap.String("actor", event.Actor),
		zap.String("recipient", event.Recipient),
		zap.String("conversation", event.ConversationID),
		zap.String("target", event.Target),
	)
	return nil
}

// Fanout delivers each event to every dispatcher in order. All of them are
// tried; their failures are joined.
type Fanout []Dispatcher

func (f Fanout) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, next := range f {
		if err := next.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncOptions configures an Async dispatcher.
type AsyncOptions struct {
	QueueSize      int
	DeliverTimeout time.Duration
	Logger         *zap.Logger
	// OnDrop is called when an event is discarded because the queue is full
	// or delivery failed.
	OnDrop func(event Event, err error)
}

// Async queues events for a single background worker. Notify never blocks:
// a full queue drops the event.
type Async struct {
	next    Dispatcher
	options AsyncOptions
	queue   chan Event

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}

	dropped atomic.Int64
}

// ErrQueueFull is passed to OnDrop when the queue has no room.
var ErrQueueFull = errors.New("notification queue full")

// NewAsync starts the worker. Call Stop to drain and release it.
func NewAsync(next Dispatcher, options AsyncOptions) *Async {
	if options.QueueSize <= 0 {
		options.QueueSize = defaultQueueSize
	}
	if options.DeliverTimeout <= 0 {
		options.DeliverTimeout = defaultDeliverTimeout
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	a := &Async{
		next:    next,
		options: options,
		queue:   make(chan Event, options.QueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify enqueues event and returns immediately.
func (a *Async) Notify(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return ErrStopped
	}

	select {
	case a.queue <- event:
	default:
		a.drop(event, ErrQueueFull)
	}
	return nil
}

// Dropped returns the number of events that were never delivered.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Stop delivers what is already queued and then stops the worker.
func (a *Async) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.stopped = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.options.DeliverTimeout)
		err := a.next.Notify(ctx, event)
		cancel()
		if err != nil {
			a.drop(event, err)
		}
	}
}

func (a *Async) drop(event Event, err error) {
	a.dropped.Add(1)
	a.options.Logger.Warn("notification_dropped",
		zap.String("type", event.Type),
		zap.String("recipient", event.Recipient),
		zap.String("target", event.Target),
		zap.Error(err),
	)
	if a.options.OnDrop != nil {
		a.options.OnDrop(event, err)
	}
}
