package storage

import (
	"context"
	"fmt"
	"strings"

	"chatsync/models"
)

// ReactToMessage records or withdraws the viewer's emoji reaction. Both
// directions are idempotent.
func (c *Client) ReactToMessage(ctx context.Context, conversationID, messageID, emoji string, reacted bool) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("emoji is required")
	}
	if err := c.requireMessage(ctx, conversationID, messageID); err != nil {
		return err
	}

	if reacted {
		_, err := c.store.db.ExecContext(ctx,
			`INSERT INTO reactions (message_id, user_id, emoji, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id, user_id, emoji) DO NOTHING`,
			messageID,
			c.viewer.ID,
			emoji,
			c.store.nowMilli(),
		)
		if err != nil {
			return fmt.Errorf("add reaction to %q: %w", messageID, err)
		}
		return nil
	}

	if _, err := c.store.db.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID,
		c.viewer.ID,
		emoji,
	); err != nil {
		return fmt.Errorf("remove reaction from %q: %w", messageID, err)
	}
	return nil
}

// loadReactions aggregates reaction rows by emoji, in order of each emoji's
// first use.
func (c *Client) loadReactions(ctx context.Context, messageID string) ([]models.ReactionAggregate, error) {
	rows, err := c.store.db.QueryContext(ctx,
		`SELECT emoji, COUNT(1), MAX(user_id = ?)
		FROM reactions
		WHERE message_id = ?
		GROUP BY emoji
		ORDER BY MIN(created_at) ASC, emoji ASC`,
		c.viewer.ID,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("get reactions of %q: %w", messageID, err)
	}
	defer rows.Close()

	var reactions []models.ReactionAggregate
	for rows.Next() {
		var (
			reaction models.ReactionAggregate
			mine     int
		)
		if err := rows.Scan(&reaction.Emoji, &reaction.Count, &mine); err != nil {
			return nil, fmt.Errorf("scan reaction row: %w", err)
		}
		reaction.UserReacted = mine == 1
		reactions = append(reactions, reaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction rows: %w", err)
	}
	return reactions, nil
}

func (c *Client) requireMessage(ctx context.Context, conversationID, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if err := c.requireMember(ctx, conversationID); err != nil {
		return err
	}
	var exists int
	if err := c.store.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE message_id = ? AND conversation_id = ?)`,
		messageID,
		conversationID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check message %q: %w", messageID, err)
	}
	if exists != 1 {
		return fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	return nil
}
