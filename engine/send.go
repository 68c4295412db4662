package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/aggregate"
	"chatsync/clock"
	"chatsync/content"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/notify"
)

// PendingSend tracks one provisional message until it settles.
type PendingSend struct {
	provisional models.Message
	started     time.Time
	timer       clock.Timer

	once   sync.Once
	done   chan struct{}
	result models.Message
	err    error
}

func newPendingSend(provisional models.Message, started time.Time) *PendingSend {
	return &PendingSend{provisional: provisional, started: started, done: make(chan struct{})}
}

// Message returns the provisional message as first published.
func (p *PendingSend) Message() models.Message {
	return p.provisional
}

// ID returns the provisional id.
func (p *PendingSend) ID() string {
	return p.provisional.ID
}

// Done is closed once the send settles.
func (p *PendingSend) Done() <-chan struct{} {
	return p.done
}

// Result returns the settled message and error. It is only meaningful after
// Done is closed. A timeout yields the force-sent message with a soft
// CodeTimeout error; a remote failure yields the provisional message and a
// retryable CodeRemoteFailure error.
func (p *PendingSend) Result() (models.Message, error) {
	select {
	case <-p.done:
		return p.result, p.err
	default:
		return models.Message{}, errors.New("send has not settled")
	}
}

// Wait blocks until the send settles or ctx ends.
func (p *PendingSend) Wait(ctx context.Context) (models.Message, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

func (p *PendingSend) resolve(message models.Message, err error) {
	p.once.Do(func() {
		p.result = message
		p.err = err
		close(p.done)
	})
}

// Send validates draft, publishes a provisional message with status sending
// and starts the remote create in the background. It returns without waiting
// for the store.
func (e *Engine) Send(_ context.Context, conversationID string, draft models.Draft) (*PendingSend, error) {
	if err := draft.Validate(); err != nil {
		if errors.Is(err, models.ErrEmptyDraft) {
			return nil, newError(CodeValidation, "send", "message has no text, media or poll", ErrEmptyMessage)
		}
		return nil, newError(CodeValidation, "send", "invalid draft", err)
	}
	if e.isStopped() {
		return nil, newError(CodeValidation, "send", "engine stopped", ErrStopped)
	}

	id := models.NewProvisionalID()
	draft.ClientID = id
	now := e.clock.Now()

	provisional := models.Message{
		ID:             id,
		ClientID:       id,
		ConversationID: conversationID,
		Author:         e.viewer,
		Content:        draft.Text,
		CreatedAt:      now,
		Status:         models.StatusSending,
		ReplyTo:        draft.ReplyTo,
		Media:          append([]models.Attachment(nil), draft.Media...),
		Mentions:       content.ExtractMentions(draft.Text),
	}
	if draft.Poll != nil {
		poll := draft.Poll.ProvisionalPoll(id)
		provisional.Poll = &poll
	}

	pending := newPendingSend(provisional, now)
	err := e.update("send", conversationID, func(state *convState) error {
		state.messages = aggregate.InsertSorted(state.messages, provisional)
		e.pending[id] = pending
		pending.timer = e.clock.AfterFunc(e.options.SendTimeout, func() {
			e.sendTimedOut(conversationID, pending)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("send_started", zap.String("conversation", conversationID), zap.String("provisional_id", id))

	e.goFollowUp(func(ctx context.Context) {
		if err := e.drafts.Clear(ctx, conversationID); err != nil {
			e.reportError(newError(CodeRemoteFailure, "clear_draft", "draft store failed", err))
		}
	})

	started := e.goBackground(func(ctx context.Context) {
		message, err := e.messages.CreateMessage(ctx, conversationID, draft)
		if err != nil {
			e.sendFailed(conversationID, pending, err)
			return
		}
		e.sendSucceeded(conversationID, pending, message)
	})
	if !started {
		e.sendFailed(conversationID, pending, ErrStopped)
	}
	return pending, nil
}

// claim removes pending from the in-flight set. It reports false when the
// send already settled, which makes late echoes and late failures no-ops.
// Callers hold e.mu.
func (e *Engine) claimLocked(pending *PendingSend) bool {
	if e.pending[pending.ID()] != pending {
		return false
	}
	delete(e.pending, pending.ID())
	pending.timer.Stop()
	return true
}

func (e *Engine) sendSucceeded(conversationID string, pending *PendingSend, message models.Message) {
	authoritative := e.normalizeIncoming(conversationID, message)
	authoritative.Status = models.MaxStatus(authoritative.Status, models.StatusSent)
	if authoritative.ClientID == "" {
		authoritative.ClientID = pending.ID()
	}

	var preview *models.Preview
	e.mu.Lock()
	if !e.claimLocked(pending) {
		e.mu.Unlock()
		e.logger.Debug("late_send_echo_ignored",
			zap.String("conversation", conversationID),
			zap.String("provisional_id", pending.ID()),
			zap.String("message", authoritative.ID),
		)
		return
	}
	state, open := e.conversations[conversationID]
	if open {
		next := *state
		if list, ok := aggregate.Replace(state.messages, pending.ID(), authoritative); ok {
			next.messages = list
		} else {
			next.messages = aggregate.Merge(state.messages, []models.Message{authoritative}, preferIncoming)
		}
		p := previewOf(next.messages, 0)
		applyPreview(&next.conversation, p)
		preview = &p
		e.conversations[conversationID] = &next
	}
	e.mu.Unlock()

	if open {
		e.publish(Event{Type: EventMessages, ConversationID: conversationID, MessageID: authoritative.ID})
		if authoritative.Status == models.StatusSent {
			e.scheduler.Schedule(conversationID, authoritative.ID)
		}
	}

	if preview != nil {
		e.pushPreview(conversationID, *preview)
	}
	e.notifyMentions(conversationID, authoritative)

	e.metrics.SendSettled(metrics.OutcomeSent, e.clock.Now().Sub(pending.started))
	e.logger.Debug("send_reconciled",
		zap.String("conversation", conversationID),
		zap.String("provisional_id", pending.ID()),
		zap.String("message", authoritative.ID),
	)
	pending.resolve(authoritative, nil)
}

func (e *Engine) sendFailed(conversationID string, pending *PendingSend, cause error) {
	var preview *models.Preview
	e.mu.Lock()
	if !e.claimLocked(pending) {
		e.mu.Unlock()
		e.logger.Debug("late_send_failure_ignored",
			zap.String("conversation", conversationID),
			zap.String("provisional_id", pending.ID()),
			zap.Error(cause),
		)
		return
	}
	state, open := e.conversations[conversationID]
	if open {
		next := *state
		next.messages = aggregate.Remove(state.messages, pending.ID())
		p := previewOf(next.messages, state.conversation.UnreadCount)
		applyPreview(&next.conversation, p)
		preview = &p
		e.conversations[conversationID] = &next
	}
	e.mu.Unlock()

	if open {
		e.publish(Event{Type: EventMessages, ConversationID: conversationID, MessageID: pending.ID()})
	}

	e.metrics.SendSettled(metrics.OutcomeFailed, e.clock.Now().Sub(pending.started))
	e.logger.Warn("send_failed",
		zap.String("conversation", conversationID),
		zap.String("provisional_id", pending.ID()),
		zap.Error(cause),
	)
	if preview != nil {
		e.pushPreview(conversationID, *preview)
	}
	pending.resolve(pending.provisional, newError(CodeRemoteFailure, "send", "create message failed", cause))
}

// sendTimedOut forces a still-sending message to sent so the UI never shows
// a stuck indicator. The pending slot is dropped, so a later echo is ignored.
func (e *Engine) sendTimedOut(conversationID string, pending *PendingSend) {
	forced := pending.provisional
	e.mu.Lock()
	if !e.claimLocked(pending) {
		e.mu.Unlock()
		return
	}
	state, open := e.conversations[conversationID]
	if open {
		if idx := aggregate.Find(state.messages, pending.ID()); idx >= 0 {
			forced = state.messages[idx].Clone()
			if forced.Status == models.StatusSending {
				forced.Status = models.StatusSent
			}
			next := *state
			next.messages = replaceMessage(state.messages, idx, forced)
			e.conversations[conversationID] = &next
		}
	}
	e.mu.Unlock()

	if forced.Status == models.StatusSending {
		forced.Status = models.StatusSent
	}
	if open {
		e.publish(Event{Type: EventMessages, ConversationID: conversationID, MessageID: pending.ID()})
	}

	e.metrics.SendSettled(metrics.OutcomeTimeout, e.clock.Now().Sub(pending.started))
	e.logger.Warn("send_timed_out",
		zap.String("conversation", conversationID),
		zap.String("provisional_id", pending.ID()),
		zap.Duration("after", e.options.SendTimeout),
	)
	pending.resolve(forced, newError(CodeTimeout, "send", "store did not answer in time; message marked sent", nil))
}

func (e *Engine) notifyMentions(conversationID string, message models.Message) {
	if e.notifier == nil {
		return
	}
	for _, handle := range message.Mentions {
		if strings.EqualFold(handle, e.viewer.Handle) {
			continue
		}
		e.dispatch(notify.Event{
			Type:           notify.TypeMention,
			Actor:          e.viewer.ID,
			Recipient:      handle,
			ConversationID: conversationID,
			Target:         message.ID,
		})
	}
}

// dispatch hands event to the notifier without waiting for it.
func (e *Engine) dispatch(event notify.Event) {
	if e.notifier == nil {
		return
	}
	e.goFollowUp(func(ctx context.Context) {
		if err := e.notifier.Notify(ctx, event); err != nil {
			e.metrics.NotificationDropped()
			e.logger.Warn("notification_failed",
				zap.String("type", event.Type),
				zap.String("target", event.Target),
				zap.Error(err),
			)
		}
	})
}

// normalizeIncoming enforces local invariants on a message from the store.
func (e *Engine) normalizeIncoming(conversationID string, message models.Message) models.Message {
	out := message.Clone()
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	if out.Status.Rank() < models.StatusSent.Rank() {
		out.Status = models.StatusSent
	}
	out.Reactions = aggregate.NormalizeReactions(out.Reactions)
	if out.Poll != nil {
		poll := aggregate.NormalizePoll(*out.Poll)
		out.Poll = &poll
	}
	if out.Mentions == nil {
		out.Mentions = content.ExtractMentions(out.Content)
	}
	return out
}

// preferIncoming takes the store's copy but never moves status backwards.
func preferIncoming(current, incoming models.Message) models.Message {
	incoming.Status = models.MaxStatus(current.Status, incoming.Status)
	return incoming
}
