package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chatsync/aggregate"
	"chatsync/content"
	"chatsync/models"
)

// Edit replaces the text of an acknowledged message. The change is visible
// immediately and reverted if the store rejects it, unless a newer local
// edit has superseded it.
func (e *Engine) Edit(ctx context.Context, conversationID, messageID, text string) (models.Message, error) {
	const op = "edit"
	if content.IsBlank(text) {
		return models.Message{}, newError(CodeValidation, op, "edited text is empty", ErrEmptyMessage)
	}
	if err := requireAcknowledged(op, messageID); err != nil {
		return models.Message{}, err
	}

	editedAt := e.clock.Now()
	isOurs := func(m models.Message) bool {
		return m.Content == text && m.EditedAt != nil && m.EditedAt.Equal(editedAt)
	}

	before, optimistic, err := e.updateMessage(op, conversationID, messageID, func(m models.Message) (models.Message, error) {
		m.Content = text
		m.Mentions = content.ExtractMentions(text)
		m.EditedAt = &editedAt
		return m, nil
	})
	if err != nil {
		return models.Message{}, err
	}

	updated, err := e.messages.EditMessage(ctx, conversationID, messageID, text)
	if err != nil {
		_, _, rollbackErr := e.updateMessage(op, conversationID, messageID, func(m models.Message) (models.Message, error) {
			if !isOurs(m) {
				return m, errSkip
			}
			m.Content = before.Content
			m.Mentions = before.Mentions
			m.EditedAt = before.EditedAt
			return m, nil
		})
		e.rolledBack(op, conversationID, messageID, rollbackErr, err)
		return before, remoteFailure(op, err)
	}

	_, reconciled, err := e.updateMessage(op, conversationID, messageID, func(m models.Message) (models.Message, error) {
		if !isOurs(m) || updated.ID == "" {
			return m, errSkip
		}
		m.Content = updated.Content
		m.Mentions = content.ExtractMentions(updated.Content)
		if updated.EditedAt != nil {
			at := *updated.EditedAt
			m.EditedAt = &at
		}
		return m, nil
	})
	if err != nil {
		return optimistic, nil
	}
	return reconciled, nil
}

// Delete removes an acknowledged message locally and then remotely. A store
// failure puts the message back; a store reporting it already gone counts as
// success.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string) error {
	const op = "delete"
	if err := requireAcknowledged(op, messageID); err != nil {
		return err
	}

	var removed models.Message
	var preview models.Preview
	err := e.update(op, conversationID, func(state *convState) error {
		idx := aggregate.Find(state.messages, messageID)
		if idx < 0 {
			return newError(CodeNotFound, op, "message is not loaded", ErrNotFound)
		}
		removed = state.messages[idx]
		state.messages = aggregate.Remove(state.messages, messageID)
		preview = previewOf(state.messages, state.conversation.UnreadCount)
		applyPreview(&state.conversation, preview)
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.messages.DeleteMessage(ctx, conversationID, messageID); err != nil && !errors.Is(err, models.ErrNotFound) {
		rollbackErr := e.update(op, conversationID, func(state *convState) error {
			if aggregate.Find(state.messages, messageID) >= 0 {
				return errSkip
			}
			state.messages = aggregate.InsertSorted(state.messages, removed)
			applyPreview(&state.conversation, previewOf(state.messages, state.conversation.UnreadCount))
			return nil
		})
		e.rolledBack(op, conversationID, messageID, rollbackErr, err)
		return remoteFailure(op, err)
	}

	e.scheduler.Cancel(messageID)
	e.pushPreview(conversationID, preview)
	return nil
}

// Pin sets the pinned flag of an acknowledged message. Pinning to the
// current value is a no-op that makes no store call.
func (e *Engine) Pin(ctx context.Context, conversationID, messageID string, pinned bool) (models.Message, error) {
	const op = "pin"
	if err := requireAcknowledged(op, messageID); err != nil {
		return models.Message{}, err
	}

	before, optimistic, err := e.updateMessage(op, conversationID, messageID, func(m models.Message) (models.Message, error) {
		if m.Pinned == pinned {
			return m, errSkip
		}
		m.Pinned = pinned
		return m, nil
	})
	if errors.Is(err, errSkip) {
		return before, nil
	}
	if err != nil {
		return models.Message{}, err
	}

	updated, err := e.messages.PinMessage(ctx, conversationID, messageID, pinned)
	if err != nil {
		_, _, rollbackErr := e.updateMessage(op, conversationID, messageID, func(m models.Message) (models.Message, error) {
			if m.Pinned != pinned {
				return m, errSkip
			}
			m.Pinned = before.Pinned
			return m, nil
		})
		e.rolledBack(op, conversationID, messageID, rollbackErr, err)
		return before, remoteFailure(op, err)
	}

	_, reconciled, err := e.updateMessage(op, conversationID, messageID, func(m models.Message) (models.Message, error) {
		if m.Pinned != pinned || updated.ID == "" || updated.Pinned == pinned {
			return m, errSkip
		}
		m.Pinned = updated.Pinned
		return m, nil
	})
	if err != nil {
		return optimistic, nil
	}
	return reconciled, nil
}

// Message returns one loaded message.
func (e *Engine) Message(conversationID, messageID string) (models.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.conversations[conversationID]
	if !ok {
		return models.Message{}, false
	}
	idx := aggregate.Find(state.messages, messageID)
	if idx < 0 {
		return models.Message{}, false
	}
	return state.messages[idx].Clone(), true
}

func requireAcknowledged(op, messageID string) error {
	if messageID == "" {
		return newError(CodeValidation, op, "message id is required", nil)
	}
	if models.IsProvisionalID(messageID) {
		return newError(CodeValidation, op, "message has not been acknowledged by the store yet", nil)
	}
	return nil
}

// rolledBack records a reverted optimistic mutation. A skipped rollback means
// a newer local change already replaced ours.
func (e *Engine) rolledBack(op, conversationID, messageID string, rollbackErr, cause error) {
	if rollbackErr != nil {
		e.logger.Debug("rollback_skipped",
			zap.String("op", op),
			zap.String("conversation", conversationID),
			zap.String("message", messageID),
		)
		return
	}
	e.metrics.RolledBack(op)
	e.logger.Warn("optimistic_change_rolled_back",
		zap.String("op", op),
		zap.String("conversation", conversationID),
		zap.String("message", messageID),
		zap.Error(cause),
	)
}
