package engine

import (
	"context"

	"go.uber.org/zap"

	"chatsync/aggregate"
	"chatsync/lock"
	"chatsync/models"
)

// TrackPoll registers a feed poll under its post id so Vote can reach it
// without an open conversation.
func (e *Engine) TrackPoll(postID string, poll models.Poll) error {
	if postID == "" {
		return newError(CodeValidation, "track_poll", "post id is required", nil)
	}
	e.mu.Lock()
	e.feedPolls[postID] = aggregate.NormalizePoll(poll)
	e.mu.Unlock()
	e.publish(Event{Type: EventPoll, PostID: postID})
	return nil
}

// UntrackPoll forgets a feed poll.
func (e *Engine) UntrackPoll(postID string) {
	e.mu.Lock()
	delete(e.feedPolls, postID)
	e.mu.Unlock()
}

// Poll returns the current state of the poll attached to postID. Polls on
// loaded messages take precedence over tracked feed polls.
func (e *Engine) Poll(postID string) (models.Poll, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookupPollLocked(postID)
}

func (e *Engine) lookupPollLocked(postID string) (models.Poll, bool) {
	for _, state := range e.conversations {
		if idx := aggregate.Find(state.messages, postID); idx >= 0 && state.messages[idx].Poll != nil {
			return state.messages[idx].Poll.Clone(), true
		}
	}
	if poll, ok := e.feedPolls[postID]; ok {
		return poll.Clone(), true
	}
	return models.Poll{}, false
}

// Vote moves the viewer's single vote on the poll attached to postID. An
// empty optionID clears the vote and voting for the current option is a
// no-op. At most one vote per poll is in flight: a second caller waits up to
// LockWait, then gets the current poll and a CodeConcurrentOperation error
// without applying anything. A store failure restores the poll as it was
// before the vote.
func (e *Engine) Vote(ctx context.Context, postID, optionID string) (models.Poll, error) {
	const op = "vote"
	if postID == "" {
		return models.Poll{}, newError(CodeValidation, op, "post id is required", nil)
	}
	if models.IsProvisionalID(postID) {
		return models.Poll{}, newError(CodeValidation, op, "poll has not been acknowledged by the store yet", nil)
	}
	if e.polls == nil {
		return models.Poll{}, newError(CodeValidation, op, "no poll store configured", nil)
	}

	key := lock.PollKey(postID)
	release, ok := e.locks.TryAcquire(key)
	if !ok {
		e.metrics.LockContended("poll")
		if waited, err := e.locks.Acquire(ctx, key, e.options.LockWait); err == nil {
			waited()
		}
		current, found := e.Poll(postID)
		if !found {
			return models.Poll{}, newError(CodeNotFound, op, "poll is not loaded", ErrNotFound)
		}
		return current, newError(CodeConcurrentOperation, op, "another vote on this poll is in flight", lock.ErrBusy)
	}
	e.metrics.LocksHeld(e.locks.Len())
	defer func() {
		release()
		e.metrics.LocksHeld(e.locks.Len())
	}()

	before, found := e.Poll(postID)
	if !found {
		return models.Poll{}, newError(CodeNotFound, op, "poll is not loaded", ErrNotFound)
	}
	if optionID != "" {
		if _, ok := before.Option(optionID); !ok {
			return before, newError(CodeValidation, op, "unknown poll option", nil)
		}
	}

	next, changed := aggregate.ApplyVote(before, optionID)
	if !changed {
		return before, nil
	}
	e.storePoll(postID, nil, next)

	authoritative, err := e.polls.Vote(ctx, postID, optionID)
	if err != nil {
		if e.storePoll(postID, samePoll(next), before) {
			e.metrics.RolledBack(op)
			e.logger.Warn("optimistic_change_rolled_back", zap.String("op", op), zap.String("post", postID), zap.Error(err))
		}
		current, found := e.Poll(postID)
		if !found {
			current = before
		}
		return current, remoteFailure(op, err)
	}

	reconciled := next
	if len(authoritative.Options) > 0 {
		reconciled = aggregate.NormalizePoll(authoritative)
	}
	e.storePoll(postID, samePoll(next), reconciled)
	return reconciled, nil
}

// storePoll writes poll everywhere postID is displayed, skipping copies for
// which guard returns false. It reports whether any copy changed.
func (e *Engine) storePoll(postID string, guard func(models.Poll) bool, poll models.Poll) bool {
	var touched []string
	feedChanged := false

	e.mu.Lock()
	for conversationID, state := range e.conversations {
		idx := aggregate.Find(state.messages, postID)
		if idx < 0 || state.messages[idx].Poll == nil {
			continue
		}
		if guard != nil && !guard(*state.messages[idx].Poll) {
			continue
		}
		message := state.messages[idx].Clone()
		next := poll.Clone()
		message.Poll = &next

		updated := *state
		updated.messages = replaceMessage(state.messages, idx, message)
		e.conversations[conversationID] = &updated
		touched = append(touched, conversationID)
	}
	if current, ok := e.feedPolls[postID]; ok && (guard == nil || guard(current)) {
		e.feedPolls[postID] = poll.Clone()
		feedChanged = true
	}
	e.mu.Unlock()

	for _, conversationID := range touched {
		e.publish(Event{Type: EventMessages, ConversationID: conversationID, MessageID: postID})
	}
	if len(touched) > 0 || feedChanged {
		e.publish(Event{Type: EventPoll, PostID: postID})
		return true
	}
	return false
}

func samePoll(expected models.Poll) func(models.Poll) bool {
	return func(current models.Poll) bool {
		if current.UserVote != expected.UserVote || current.TotalVotes != expected.TotalVotes {
			return false
		}
		if len(current.Options) != len(expected.Options) {
			return false
		}
		for i := range current.Options {
			if current.Options[i] != expected.Options[i] {
				return false
			}
		}
		return true
	}
}
