package models

import "fmt"

// Status is the delivery state of a message as seen by its author.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Rank orders the forward-progressing statuses. Failed and unknown values
// rank below sending.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// Validate rejects values outside the known set.
func (s Status) Validate() error {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", s)
	}
}

// CanTransition implements the message status state machine:
// sending -> sent | failed, sent -> delivered, delivered -> read.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusSending:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered
	case StatusDelivered:
		return to == StatusRead
	default:
		return false
	}
}

// MaxStatus returns whichever status has progressed further.
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
