package storage

import (
	"context"
	"fmt"

	"chatsync/models"
)

// UpdatePreview stores the conversation's last message and the viewer's
// unread count.
func (c *Client) UpdatePreview(ctx context.Context, conversationID string, preview models.Preview) error {
	if err := c.requireMember(ctx, conversationID); err != nil {
		return err
	}
	var lastMessageTime int64
	if !preview.LastMessageTime.IsZero() {
		lastMessageTime = preview.LastMessageTime.UnixMilli()
	}
	if preview.UnreadCount < 0 {
		preview.UnreadCount = 0
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin preview transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message = ?, last_message_time = ? WHERE conversation_id = ?`,
		preview.LastMessage,
		lastMessageTime,
		conversationID,
	); err != nil {
		return fmt.Errorf("update preview of %q: %w", conversationID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_members SET unread_count = ? WHERE conversation_id = ? AND user_id = ?`,
		preview.UnreadCount,
		conversationID,
		c.viewer.ID,
	); err != nil {
		return fmt.Errorf("update unread count of %q: %w", conversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit preview of %q: %w", conversationID, err)
	}
	return nil
}

// GetPreview returns the stored preview as seen by the viewer.
func (c *Client) GetPreview(ctx context.Context, conversationID string) (models.Preview, error) {
	conversation, err := c.Conversation(ctx, conversationID)
	if err != nil {
		return models.Preview{}, err
	}
	return models.Preview{
		LastMessage:     conversation.LastMessage,
		LastMessageTime: conversation.LastMessageTime,
		UnreadCount:     conversation.UnreadCount,
	}, nil
}
