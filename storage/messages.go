package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chatsync/content"
	"chatsync/models"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Client is the store as seen by one viewer. It implements the engine's
// message, poll, preview and draft collaborators and notify.Dispatcher.
type Client struct {
	store  *Store
	viewer models.UserSummary
}

// Client scopes the store to viewer.
func (s *Store) Client(viewer models.UserSummary) *Client {
	return &Client{store: s, viewer: viewer}
}

// Viewer returns the user this client acts as.
func (c *Client) Viewer() models.UserSummary {
	return c.viewer
}

// Conversation returns a conversation the viewer belongs to.
func (c *Client) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	return c.store.conversationFor(ctx, conversationID, c.viewer.ID)
}

const messageColumns = `
	m.message_id,
	m.client_id,
	m.conversation_id,
	m.author_id,
	u.handle,
	u.display_name,
	u.avatar_url,
	m.content,
	m.created_at,
	m.delivery_status,
	m.reply_to,
	m.media,
	m.edited_at,
	m.pinned`

const messageFrom = `
	FROM messages m
	JOIN users u ON u.user_id = m.author_id`

// CreateMessage stores a draft as a new message and returns it with its
// server id. A repeated ClientID from the same author returns the message
// created the first time.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, draft models.Draft) (models.Message, error) {
	if err := draft.Validate(); err != nil {
		return models.Message{}, err
	}
	if err := c.requireMember(ctx, conversationID); err != nil {
		return models.Message{}, err
	}

	if draft.ClientID != "" {
		var existing string
		err := c.store.db.QueryRowContext(ctx,
			`SELECT message_id FROM messages
			WHERE conversation_id = ? AND author_id = ? AND client_id = ?`,
			conversationID,
			c.viewer.ID,
			draft.ClientID,
		).Scan(&existing)
		switch {
		case err == nil:
			return c.getMessage(ctx, conversationID, existing)
		case !errors.Is(err, sql.ErrNoRows):
			return models.Message{}, fmt.Errorf("look up client id %q: %w", draft.ClientID, err)
		}
	}

	media := ""
	if len(draft.Media) > 0 {
		encoded, err := models.EncodeAttachments(draft.Media)
		if err != nil {
			return models.Message{}, err
		}
		media = string(encoded)
	}

	messageID := serverIDPrefix + uuid.NewString()
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin message transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (
			message_id,
			client_id,
			conversation_id,
			author_id,
			content,
			created_at,
			delivery_status,
			reply_to,
			media
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		messageID,
		draft.ClientID,
		conversationID,
		c.viewer.ID,
		draft.Text,
		c.store.nowMilli(),
		deliveryStatusSent,
		draft.ReplyTo,
		media,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message %q: %w", messageID, err)
	}
	if draft.Poll != nil {
		if _, err := c.store.createPoll(ctx, tx, messageID, *draft.Poll); err != nil {
			return models.Message{}, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_members SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id <> ?`,
		conversationID,
		c.viewer.ID,
	); err != nil {
		return models.Message{}, fmt.Errorf("bump unread counts for %q: %w", conversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit message %q: %w", messageID, err)
	}

	return c.getMessage(ctx, conversationID, messageID)
}

// EditMessage replaces the text of one of the viewer's messages.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, text string) (models.Message, error) {
	if content.IsBlank(text) {
		return models.Message{}, models.ErrEmptyDraft
	}
	if err := c.requireAuthor(ctx, conversationID, messageID); err != nil {
		return models.Message{}, err
	}

	res, err := c.store.db.ExecContext(ctx,
		`UPDATE messages
		SET content = ?, edited_at = ?
		WHERE message_id = ? AND conversation_id = ?`,
		text,
		c.store.nowMilli(),
		messageID,
		conversationID,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("edit message %q: %w", messageID, err)
	}
	if err := affectedOne(res, "edit message "+messageID); err != nil {
		return models.Message{}, err
	}

	return c.getMessage(ctx, conversationID, messageID)
}

// DeleteMessage removes one of the viewer's messages with its reactions
// and poll.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := c.requireAuthor(ctx, conversationID, messageID); err != nil {
		return err
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM polls WHERE post_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete poll of message %q: %w", messageID, err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id = ? AND conversation_id = ?`,
		messageID,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}
	if err := affectedOne(res, "delete message "+messageID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete of %q: %w", messageID, err)
	}
	return nil
}

// PinMessage sets the pinned flag. Any member may pin.
func (c *Client) PinMessage(ctx context.Context, conversationID, messageID string, pinned bool) (models.Message, error) {
	if err := c.requireMember(ctx, conversationID); err != nil {
		return models.Message{}, err
	}

	res, err := c.store.db.ExecContext(ctx,
		`UPDATE messages SET pinned = ? WHERE message_id = ? AND conversation_id = ?`,
		boolToInt(pinned),
		messageID,
		conversationID,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("pin message %q: %w", messageID, err)
	}
	if err := affectedOne(res, "pin message "+messageID); err != nil {
		return models.Message{}, err
	}

	return c.getMessage(ctx, conversationID, messageID)
}

// FetchPage returns up to request.Limit messages ascending by creation
// time. With a cursor the page holds the messages strictly older than the
// cursor message; a cursor that no longer exists yields ErrNotFound.
func (c *Client) FetchPage(ctx context.Context, conversationID string, request models.PageRequest) (models.Page, error) {
	if err := c.requireMember(ctx, conversationID); err != nil {
		return models.Page{}, err
	}

	limit := request.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	query := strings.Builder{}
	query.WriteString(`SELECT`)
	query.WriteString(messageColumns)
	query.WriteString(messageFrom)
	query.WriteString(` WHERE m.conversation_id = ?`)
	args := []any{conversationID}

	if request.Cursor != "" {
		var cursorTime int64
		err := c.store.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE message_id = ? AND conversation_id = ?`,
			request.Cursor,
			conversationID,
		).Scan(&cursorTime)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.Page{}, fmt.Errorf("cursor %q: %w", request.Cursor, ErrNotFound)
			}
			return models.Page{}, fmt.Errorf("read cursor %q: %w", request.Cursor, err)
		}
		query.WriteString(` AND (m.created_at < ? OR (m.created_at = ? AND m.message_id < ?))`)
		args = append(args, cursorTime, cursorTime, request.Cursor)
	}
	query.WriteString(` ORDER BY m.created_at DESC, m.message_id DESC LIMIT ?`)
	args = append(args, limit+1)

	rows, err := c.store.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return models.Page{}, fmt.Errorf("fetch page of %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit+1)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return models.Page{}, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return models.Page{}, fmt.Errorf("iterate message rows: %w", err)
	}
	rows.Close()

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	for i := range messages {
		if err := c.hydrate(ctx, &messages[i]); err != nil {
			return models.Page{}, err
		}
	}

	return models.Page{Messages: messages, HasMore: hasMore}, nil
}

// MarkRead marks the other members' messages as read by the viewer and
// resets the viewer's unread count.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (int64, error) {
	if err := c.requireMember(ctx, conversationID); err != nil {
		return 0, err
	}

	res, err := c.store.db.ExecContext(ctx,
		`UPDATE messages
		SET delivery_status = ?
		WHERE conversation_id = ? AND author_id <> ? AND delivery_status <> ?`,
		deliveryStatusRead,
		conversationID,
		c.viewer.ID,
		deliveryStatusRead,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read in %q: %w", conversationID, err)
	}
	marked, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark read %q: %w", conversationID, err)
	}

	if _, err := c.store.db.ExecContext(ctx,
		`UPDATE conversation_members SET unread_count = 0
		WHERE conversation_id = ? AND user_id = ?`,
		conversationID,
		c.viewer.ID,
	); err != nil {
		return 0, fmt.Errorf("reset unread count in %q: %w", conversationID, err)
	}

	return marked, nil
}

func (c *Client) getMessage(ctx context.Context, conversationID, messageID string) (models.Message, error) {
	row := c.store.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+messageFrom+`
		WHERE m.message_id = ? AND m.conversation_id = ?`,
		messageID,
		conversationID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	if err := c.hydrate(ctx, &message); err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// hydrate attaches the viewer-relative reaction aggregates and poll.
func (c *Client) hydrate(ctx context.Context, message *models.Message) error {
	reactions, err := c.loadReactions(ctx, message.ID)
	if err != nil {
		return err
	}
	message.Reactions = reactions

	poll, err := c.loadPoll(ctx, message.ID)
	switch {
	case err == nil:
		message.Poll = &poll
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return nil
}

func (c *Client) requireMember(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	var exists int
	if err := c.store.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?)`,
		conversationID,
		c.viewer.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check membership of %q: %w", conversationID, err)
	}
	if exists != 1 {
		return fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
	}
	return nil
}

func (c *Client) requireAuthor(ctx context.Context, conversationID, messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := c.requireMember(ctx, conversationID); err != nil {
		return err
	}
	var authorID string
	err := c.store.db.QueryRowContext(ctx,
		`SELECT author_id FROM messages WHERE message_id = ? AND conversation_id = ?`,
		messageID,
		conversationID,
	).Scan(&authorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %q: %w", messageID, ErrNotFound)
		}
		return fmt.Errorf("read author of %q: %w", messageID, err)
	}
	if authorID != c.viewer.ID {
		return fmt.Errorf("message %q: %w", messageID, ErrForbidden)
	}
	return nil
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		message   models.Message
		createdAt int64
		status    string
		media     string
		editedAt  sql.NullInt64
		pinned    int
	)

	if err := row.Scan(
		&message.ID,
		&message.ClientID,
		&message.ConversationID,
		&message.Author.ID,
		&message.Author.Handle,
		&message.Author.DisplayName,
		&message.Author.AvatarURL,
		&message.Content,
		&createdAt,
		&status,
		&message.ReplyTo,
		&media,
		&editedAt,
		&pinned,
	); err != nil {
		return models.Message{}, err
	}

	message.CreatedAt = fromMilli(createdAt)
	message.Status = models.Status(status)
	message.EditedAt = timePtr(editedAt)
	message.Pinned = pinned == 1
	message.Mentions = content.ExtractMentions(message.Content)
	if media != "" {
		decoded, err := models.DecodeAttachments([]byte(media))
		if err != nil {
			return models.Message{}, fmt.Errorf("decode media of %q: %w", message.ID, err)
		}
		message.Media = decoded
	}

	return message, nil
}
