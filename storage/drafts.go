package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/models"
)

// DraftStore keeps one draft per conversation for the client's viewer.
type DraftStore struct {
	client *Client
}

// Drafts returns the viewer's draft store.
func (c *Client) Drafts() DraftStore {
	return DraftStore{client: c}
}

// Get returns the saved draft or an error wrapping ErrNotFound.
func (d DraftStore) Get(ctx context.Context, conversationID string) (models.Draft, error) {
	var payload string
	err := d.client.store.db.QueryRowContext(ctx,
		`SELECT payload FROM drafts WHERE conversation_id = ? AND user_id = ?`,
		conversationID,
		d.client.viewer.ID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Draft{}, fmt.Errorf("draft of %q: %w", conversationID, ErrNotFound)
		}
		return models.Draft{}, fmt.Errorf("get draft of %q: %w", conversationID, err)
	}

	var draft models.Draft
	if err := json.Unmarshal([]byte(payload), &draft); err != nil {
		return models.Draft{}, fmt.Errorf("decode draft of %q: %w", conversationID, err)
	}
	return draft, nil
}

// Set replaces the saved draft.
func (d DraftStore) Set(ctx context.Context, conversationID string, draft models.Draft) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode draft of %q: %w", conversationID, err)
	}

	_, err = d.client.store.db.ExecContext(ctx,
		`INSERT INTO drafts (conversation_id, user_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		conversationID,
		d.client.viewer.ID,
		string(payload),
		d.client.store.nowMilli(),
	)
	if err != nil {
		return fmt.Errorf("save draft of %q: %w", conversationID, err)
	}
	return nil
}

// Clear removes the saved draft. Clearing a missing draft is not an error.
func (d DraftStore) Clear(ctx context.Context, conversationID string) error {
	if _, err := d.client.store.db.ExecContext(ctx,
		`DELETE FROM drafts WHERE conversation_id = ? AND user_id = ?`,
		conversationID,
		d.client.viewer.ID,
	); err != nil {
		return fmt.Errorf("clear draft of %q: %w", conversationID, err)
	}
	return nil
}
