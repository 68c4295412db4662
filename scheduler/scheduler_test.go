package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatsync/clock"
	"chatsync/models"
)

type fakeMessages struct {
	mu       sync.Mutex
	statuses map[string]models.Status
	calls    []models.Status
}

func (f *fakeMessages) advance(_, messageID string, next models.Status) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, next)
	current, ok := f.statuses[messageID]
	if !ok || !models.CanTransition(current, next) {
		return false
	}
	f.statuses[messageID] = next
	return true
}

func (f *fakeMessages) status(id string) models.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

func TestScheduleProgressesSentToRead(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	messages := &fakeMessages{statuses: map[string]models.Status{"m1": models.StatusSent}}
	s := New(c, Delays{DeliveredAfter: time.Second, ReadAfter: 3 * time.Second}, messages.advance)

	s.Schedule("c1", "m1")
	s.Schedule("c1", "m1") // duplicate schedule is ignored
	assert.Equal(t, 1, s.Pending())

	c.Advance(999 * time.Millisecond)
	assert.Equal(t, models.StatusSent, messages.status("m1"))

	c.Advance(time.Millisecond)
	assert.Equal(t, models.StatusDelivered, messages.status("m1"))

	c.Advance(3 * time.Second)
	assert.Equal(t, models.StatusRead, messages.status("m1"))
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, []models.Status{models.StatusDelivered, models.StatusRead}, messages.calls)
}

func TestScheduleStopsSilentlyWhenMessageRemoved(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	messages := &fakeMessages{statuses: map[string]models.Status{"m1": models.StatusSent}}
	s := New(c, Delays{DeliveredAfter: time.Second, ReadAfter: time.Second}, messages.advance)

	s.Schedule("c1", "m1")
	messages.mu.Lock()
	delete(messages.statuses, "m1")
	messages.mu.Unlock()

	c.Advance(10 * time.Second)
	assert.Equal(t, []models.Status{models.StatusDelivered}, messages.calls, "read is never attempted after a failed delivered step")
}

func TestScheduleSkipsSupersededStatus(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	messages := &fakeMessages{statuses: map[string]models.Status{"m1": models.StatusRead}}
	s := New(c, Delays{}, messages.advance)

	s.Schedule("c1", "m1")
	c.Advance(time.Minute)
	assert.Equal(t, models.StatusRead, messages.status("m1"))
}

func TestCancelAndStop(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	messages := &fakeMessages{statuses: map[string]models.Status{
		"m1": models.StatusSent,
		"m2": models.StatusSent,
	}}
	s := New(c, Delays{DeliveredAfter: time.Second, ReadAfter: time.Second}, messages.advance)

	s.Schedule("c1", "m1")
	s.Schedule("c1", "m2")
	s.Cancel("m1")
	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, models.StatusSent, messages.status("m1"))
	assert.Equal(t, models.StatusDelivered, messages.status("m2"))

	s.Stop()
	c.Advance(time.Minute)
	assert.Equal(t, models.StatusDelivered, messages.status("m2"))
	s.Schedule("c1", "m1")
	assert.Equal(t, 0, s.Pending())
}
