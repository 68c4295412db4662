// Package scheduler ages sent messages through delivered and read on fixed
// delays, standing in for delivery receipts the store does not provide.
package scheduler

import (
	"sync"
	"time"

	"chatsync/clock"
	"chatsync/models"
)

const (
	// DefaultDeliveredAfter is the delay between sent and delivered.
	DefaultDeliveredAfter = 2 * time.Second
	// DefaultReadAfter is the delay between delivered and read.
	DefaultReadAfter = 5 * time.Second
)

// AdvanceFunc applies next to the message if it still exists and sits at
// the status just before next. It reports whether the transition applied.
type AdvanceFunc func(conversationID, messageID string, next models.Status) bool

// Delays configures the progression timeline.
type Delays struct {
	DeliveredAfter time.Duration
	ReadAfter      time.Duration
}

// Scheduler owns at most one pending timer per message.
type Scheduler struct {
	clock   clock.Clock
	delays  Delays
	advance AdvanceFunc

	mu      sync.Mutex
	timers  map[string]*pending
	stopped bool
}

type pending struct {
	timer clock.Timer
}

// New returns a scheduler. Zero delays fall back to the defaults.
func New(c clock.Clock, delays Delays, advance AdvanceFunc) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	if delays.DeliveredAfter <= 0 {
		delays.DeliveredAfter = DefaultDeliveredAfter
	}
	if delays.ReadAfter <= 0 {
		delays.ReadAfter = DefaultReadAfter
	}
	return &Scheduler{
		clock:   c,
		delays:  delays,
		advance: advance,
		timers:  make(map[string]*pending),
	}
}

// Schedule starts the sent -> delivered -> read chain for a message.
// Scheduling a message that already has a pending timer is a no-op.
func (s *Scheduler) Schedule(conversationID, messageID string) {
	s.arm(conversationID, messageID, models.StatusDelivered, s.delays.DeliveredAfter, false)
}

// Cancel drops any pending transition for messageID.
func (s *Scheduler) Cancel(messageID string) {
	s.mu.Lock()
	entry, ok := s.timers[messageID]
	delete(s.timers, messageID)
	s.mu.Unlock()
	if ok {
		entry.timer.Stop()
	}
}

// Pending returns the number of messages with a transition queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending transition and rejects new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[string]*pending)
	s.stopped = true
	s.mu.Unlock()

	for _, entry := range timers {
		entry.timer.Stop()
	}
}

func (s *Scheduler) arm(conversationID, messageID string, next models.Status, delay time.Duration, replace bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, exists := s.timers[messageID]; exists && !replace {
		return
	}

	entry := &pending{}
	s.timers[messageID] = entry
	entry.timer = s.clock.AfterFunc(delay, func() {
		s.fire(conversationID, messageID, next, entry)
	})
}

func (s *Scheduler) fire(conversationID, messageID string, next models.Status, self *pending) {
	s.mu.Lock()
	if current, ok := s.timers[messageID]; !ok || current != self {
		s.mu.Unlock()
		return
	}
	delete(s.timers, messageID)
	s.mu.Unlock()

	if !s.advance(conversationID, messageID, next) {
		return
	}
	if next == models.StatusDelivered {
		s.arm(conversationID, messageID, models.StatusRead, s.delays.ReadAfter, true)
	}
}
