package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chatsync/models"
)

// UpsertUser inserts or refreshes a user row.
func (s *Store) UpsertUser(ctx context.Context, user models.UserSummary) error {
	if user.ID == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(user.Handle) == "" {
		return errors.New("handle is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, handle, display_name, avatar_url)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			handle = excluded.handle,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url`,
		user.ID,
		user.Handle,
		user.DisplayName,
		user.AvatarURL,
	)
	if err != nil {
		return fmt.Errorf("upsert user %q: %w", user.ID, err)
	}
	return nil
}

// GetUser fetches one user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (models.UserSummary, error) {
	return s.getUser(ctx, "user_id", userID)
}

// GetUserByHandle fetches one user by handle, ignoring case.
func (s *Store) GetUserByHandle(ctx context.Context, handle string) (models.UserSummary, error) {
	return s.getUser(ctx, "handle", strings.TrimPrefix(handle, "@"))
}

func (s *Store) getUser(ctx context.Context, column, value string) (models.UserSummary, error) {
	if value == "" {
		return models.UserSummary{}, fmt.Errorf("%s is required", column)
	}
	var user models.UserSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, handle, display_name, avatar_url FROM users WHERE `+column+` = ?`,
		value,
	).Scan(&user.ID, &user.Handle, &user.DisplayName, &user.AvatarURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UserSummary{}, ErrNotFound
		}
		return models.UserSummary{}, fmt.Errorf("get user by %s %q: %w", column, value, err)
	}
	return user, nil
}

// CreateConversation creates a conversation with the given members. An
// empty id gets a generated one. Members are upserted first.
func (s *Store) CreateConversation(ctx context.Context, conversationID string, members []models.UserSummary) (models.Conversation, error) {
	if len(members) == 0 {
		return models.Conversation{}, errors.New("at least one member is required")
	}
	if conversationID == "" {
		conversationID = "conv-" + uuid.NewString()
	}
	for _, member := range members {
		if err := s.UpsertUser(ctx, member); err != nil {
			return models.Conversation{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("begin conversation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, created_at) VALUES (?, ?)
		ON CONFLICT(conversation_id) DO NOTHING`,
		conversationID,
		s.nowMilli(),
	); err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation %q: %w", conversationID, err)
	}
	for _, member := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id) VALUES (?, ?)
			ON CONFLICT(conversation_id, user_id) DO NOTHING`,
			conversationID,
			member.ID,
		); err != nil {
			return models.Conversation{}, fmt.Errorf("insert member %q of %q: %w", member.ID, conversationID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Conversation{}, fmt.Errorf("commit conversation %q: %w", conversationID, err)
	}

	return s.conversationFor(ctx, conversationID, members[0].ID)
}

// conversationFor returns the conversation row as seen by userID.
func (s *Store) conversationFor(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	var (
		conversation    models.Conversation
		lastMessageTime int64
		pinned, muted   int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT c.conversation_id, c.last_message, c.last_message_time, m.unread_count, m.pinned, m.muted
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.conversation_id
		WHERE c.conversation_id = ? AND m.user_id = ?`,
		conversationID,
		userID,
	).Scan(&conversation.ID, &conversation.LastMessage, &lastMessageTime, &conversation.UnreadCount, &pinned, &muted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Conversation{}, ErrNotFound
		}
		return models.Conversation{}, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}
	if lastMessageTime > 0 {
		conversation.LastMessageTime = fromMilli(lastMessageTime)
	}
	conversation.Pinned = pinned == 1
	conversation.Muted = muted == 1

	rows, err := s.db.QueryContext(ctx,
		`SELECT u.user_id, u.handle, u.display_name, u.avatar_url
		FROM conversation_members m
		JOIN users u ON u.user_id = m.user_id
		WHERE m.conversation_id = ?
		ORDER BY u.handle ASC`,
		conversationID,
	)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get members of %q: %w", conversationID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var user models.UserSummary
		if err := rows.Scan(&user.ID, &user.Handle, &user.DisplayName, &user.AvatarURL); err != nil {
			return models.Conversation{}, fmt.Errorf("scan member row: %w", err)
		}
		conversation.Participants = append(conversation.Participants, user)
	}
	if err := rows.Err(); err != nil {
		return models.Conversation{}, fmt.Errorf("iterate member rows: %w", err)
	}

	return conversation, nil
}
