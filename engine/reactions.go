package engine

import (
	"context"
	"errors"
	"strings"

	"chatsync/aggregate"
	"chatsync/models"
	"chatsync/notify"
)

// ToggleReaction flips the viewer's emoji reaction on a message. A store
// failure reverts the flip unless a newer toggle already changed it.
func (e *Engine) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) ([]models.ReactionAggregate, error) {
	return e.react(ctx, "toggle_reaction", conversationID, messageID, emoji, false)
}

// DoubleTapReaction adds a heart. It never removes one: when the viewer
// already reacted with a heart nothing happens.
func (e *Engine) DoubleTapReaction(ctx context.Context, conversationID, messageID string) ([]models.ReactionAggregate, error) {
	return e.react(ctx, "double_tap_reaction", conversationID, messageID, aggregate.Heart, true)
}

func (e *Engine) react(ctx context.Context, op, conversationID, messageID, emoji string, addOnly bool) ([]models.ReactionAggregate, error) {
	if strings.TrimSpace(emoji) == "" {
		return nil, newError(CodeValidation, op, "emoji is required", nil)
	}
	if err := requireAcknowledged(op, messageID); err != nil {
		return nil, err
	}

	var added bool
	before, optimistic, err := e.updateMessage(op, conversationID, messageID, func(m models.Message) (models.Message, error) {
		if addOnly {
			next, changed := aggregate.AddReaction(m.Reactions, emoji)
			if !changed {
				return m, errSkip
			}
			m.Reactions = next
			added = true
			return m, nil
		}
		added = !aggregate.ViewerReacted(m.Reactions, emoji)
		m.Reactions = aggregate.ToggleReaction(m.Reactions, emoji)
		return m, nil
	})
	if errors.Is(err, errSkip) {
		return before.Reactions, nil
	}
	if err != nil {
		return nil, err
	}

	if err := e.messages.ReactToMessage(ctx, conversationID, messageID, emoji, added); err != nil {
		_, _, rollbackErr := e.updateMessage(op, conversationID, messageID, func(m models.Message) (models.Message, error) {
			if aggregate.ViewerReacted(m.Reactions, emoji) != added {
				return m, errSkip
			}
			if added {
				m.Reactions, _ = aggregate.RemoveReaction(m.Reactions, emoji)
			} else {
				m.Reactions, _ = aggregate.AddReaction(m.Reactions, emoji)
			}
			return m, nil
		})
		e.rolledBack(op, conversationID, messageID, rollbackErr, err)
		return e.reactionsOf(conversationID, messageID, before.Reactions), remoteFailure(op, err)
	}

	if added && optimistic.Author.ID != "" && optimistic.Author.ID != e.viewer.ID {
		e.dispatch(notify.Event{
			Type:           notify.TypeReaction,
			Actor:          e.viewer.ID,
			Recipient:      optimistic.Author.ID,
			ConversationID: conversationID,
			Target:         messageID,
			Metadata:       map[string]string{"emoji": emoji},
		})
	}
	return e.reactionsOf(conversationID, messageID, optimistic.Reactions), nil
}

func (e *Engine) reactionsOf(conversationID, messageID string, fallback []models.ReactionAggregate) []models.ReactionAggregate {
	message, ok := e.Message(conversationID, messageID)
	if !ok {
		return fallback
	}
	return message.Reactions
}
