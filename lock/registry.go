// Package lock provides a keyed single-flight registry: at most one holder
// per resource key, with a bounded wait for contenders.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatsync/clock"
)

// ErrBusy is returned when the key stayed held for the whole wait.
var ErrBusy = errors.New("lock: resource busy")

// PollKey is the registry key for a poll attached to postID.
func PollKey(postID string) string {
	return "poll:" + postID
}

// Registry tracks in-flight operations by resource key. Entries exist only
// while held. The zero value is not usable; call NewRegistry.
type Registry struct {
	clock  clock.Clock
	mu     sync.Mutex
	active map[string]chan struct{}
}

// NewRegistry returns an empty registry whose bounded waits are measured on
// c. A nil c uses the wall clock.
func NewRegistry(c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{clock: c, active: make(map[string]chan struct{})}
}

// TryAcquire takes key without waiting.
func (r *Registry) TryAcquire(key string) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.active[key]; held {
		return nil, false
	}
	return r.holdLocked(key), true
}

// Acquire takes key, waiting up to wait for the current holder to release.
// A non-positive wait behaves like TryAcquire.
func (r *Registry) Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error) {
	var deadline chan struct{}
	if wait > 0 {
		deadline = make(chan struct{})
		timer := r.clock.AfterFunc(wait, func() { close(deadline) })
		defer timer.Stop()
	}

	for {
		r.mu.Lock()
		done, held := r.active[key]
		if !held {
			release := r.holdLocked(key)
			r.mu.Unlock()
			return release, nil
		}
		r.mu.Unlock()

		if deadline == nil {
			return nil, ErrBusy
		}

		select {
		case <-done:
		case <-deadline:
			return nil, ErrBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of held keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Registry) holdLocked(key string) func() {
	done := make(chan struct{})
	r.active[key] = done

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.active[key] == done {
				delete(r.active, key)
			}
			r.mu.Unlock()
			close(done)
		})
	}
}
