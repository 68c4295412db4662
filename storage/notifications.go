package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/notify"
)

// SetNotificationRetention configures the automatic pruning horizon.
func (s *Store) SetNotificationRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultNotificationRetention
	}
	s.notificationRetention = retention
}

// Notify records event in the notification log and applies retention
// pruning. It makes Client usable as a notify.Dispatcher.
func (c *Client) Notify(ctx context.Context, event notify.Event) error {
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("event type is required")
	}
	if strings.TrimSpace(event.Recipient) == "" {
		return errors.New("recipient is required")
	}
	if event.Actor == "" {
		event.Actor = c.viewer.ID
	}
	metadata := "{}"
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode notification metadata: %w", err)
		}
		metadata = string(encoded)
	}

	now := c.store.nowMilli()
	_, err := c.store.db.ExecContext(ctx,
		`INSERT INTO notifications (
			event_type,
			actor,
			recipient,
			conversation_id,
			target,
			metadata,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.Type,
		event.Actor,
		event.Recipient,
		event.ConversationID,
		event.Target,
		metadata,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert notification %q: %w", event.Type, err)
	}

	if c.store.notificationRetention > 0 {
		cutoff := now - c.store.notificationRetention.Milliseconds()
		if _, err := c.store.PruneNotifications(ctx, cutoff); err != nil {
			return fmt.Errorf("prune notifications: %w", err)
		}
	}
	return nil
}

// Notifications returns the newest notifications for recipient, which is a
// user id or a handle depending on the event type.
func (s *Store) Notifications(ctx context.Context, recipient string, limit int) ([]notify.Event, error) {
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, actor, recipient, conversation_id, target, metadata
		FROM notifications
		WHERE recipient = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		recipient,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get notifications for %q: %w", recipient, err)
	}
	defer rows.Close()

	events := make([]notify.Event, 0)
	for rows.Next() {
		var (
			event    notify.Event
			metadata string
		)
		if err := rows.Scan(&event.Type, &event.Actor, &event.Recipient, &event.ConversationID, &event.Target, &metadata); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode notification metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}
	return events, nil
}

// PruneNotifications removes notifications older than cutoffTimestamp.
func (s *Store) PruneNotifications(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for notification prune: %w", err)
	}
	return rowsAffected, nil
}
