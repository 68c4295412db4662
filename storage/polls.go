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

// CreatePoll attaches a new poll to postID, which may be a message id or a
// feed post id.
func (c *Client) CreatePoll(ctx context.Context, postID string, draft models.PollDraft) (models.Poll, error) {
	if postID == "" {
		return models.Poll{}, errors.New("post_id is required")
	}
	if err := draft.Validate(); err != nil {
		return models.Poll{}, err
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Poll{}, fmt.Errorf("begin poll transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := c.store.createPoll(ctx, tx, postID, draft); err != nil {
		return models.Poll{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Poll{}, fmt.Errorf("commit poll of %q: %w", postID, err)
	}
	return c.loadPoll(ctx, postID)
}

func (s *Store) createPoll(ctx context.Context, q queryer, postID string, draft models.PollDraft) (string, error) {
	pollID := pollIDPrefix + uuid.NewString()
	if _, err := q.ExecContext(ctx,
		`INSERT INTO polls (poll_id, post_id, question) VALUES (?, ?, ?)`,
		pollID,
		postID,
		strings.TrimSpace(draft.Question),
	); err != nil {
		return "", fmt.Errorf("insert poll for %q: %w", postID, err)
	}
	for i, text := range draft.Options {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO poll_options (option_id, poll_id, position, text) VALUES (?, ?, ?, ?)`,
			optionIDPrefix+uuid.NewString(),
			pollID,
			i,
			strings.TrimSpace(text),
		); err != nil {
			return "", fmt.Errorf("insert option %d of poll %q: %w", i, pollID, err)
		}
	}
	return pollID, nil
}

// Vote sets the viewer's single vote on the poll attached to postID. An
// empty optionID clears it. Counts are recomputed from vote rows.
func (c *Client) Vote(ctx context.Context, postID, optionID string) (models.Poll, error) {
	var pollID string
	err := c.store.db.QueryRowContext(ctx, `SELECT poll_id FROM polls WHERE post_id = ?`, postID).Scan(&pollID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Poll{}, fmt.Errorf("poll of %q: %w", postID, ErrNotFound)
		}
		return models.Poll{}, fmt.Errorf("read poll of %q: %w", postID, err)
	}

	if optionID == "" {
		if _, err := c.store.db.ExecContext(ctx,
			`DELETE FROM poll_votes WHERE poll_id = ? AND user_id = ?`,
			pollID,
			c.viewer.ID,
		); err != nil {
			return models.Poll{}, fmt.Errorf("clear vote on %q: %w", pollID, err)
		}
		return c.loadPoll(ctx, postID)
	}

	var exists int
	if err := c.store.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM poll_options WHERE option_id = ? AND poll_id = ?)`,
		optionID,
		pollID,
	).Scan(&exists); err != nil {
		return models.Poll{}, fmt.Errorf("check option %q: %w", optionID, err)
	}
	if exists != 1 {
		return models.Poll{}, fmt.Errorf("option %q: %w", optionID, ErrUnknownOption)
	}

	if _, err := c.store.db.ExecContext(ctx,
		`INSERT INTO poll_votes (poll_id, user_id, option_id, voted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(poll_id, user_id) DO UPDATE SET
			option_id = excluded.option_id,
			voted_at = excluded.voted_at`,
		pollID,
		c.viewer.ID,
		optionID,
		c.store.nowMilli(),
	); err != nil {
		return models.Poll{}, fmt.Errorf("record vote on %q: %w", pollID, err)
	}
	return c.loadPoll(ctx, postID)
}

// loadPoll returns the poll attached to postID as seen by the viewer, or
// ErrNotFound.
func (c *Client) loadPoll(ctx context.Context, postID string) (models.Poll, error) {
	var poll models.Poll
	err := c.store.db.QueryRowContext(ctx,
		`SELECT poll_id, question FROM polls WHERE post_id = ?`,
		postID,
	).Scan(&poll.ID, &poll.Question)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Poll{}, ErrNotFound
		}
		return models.Poll{}, fmt.Errorf("get poll of %q: %w", postID, err)
	}

	rows, err := c.store.db.QueryContext(ctx,
		`SELECT o.option_id, o.text, COUNT(v.user_id), MAX(COALESCE(v.user_id = ?, 0))
		FROM poll_options o
		LEFT JOIN poll_votes v ON v.option_id = o.option_id
		WHERE o.poll_id = ?
		GROUP BY o.option_id
		ORDER BY o.position ASC`,
		c.viewer.ID,
		poll.ID,
	)
	if err != nil {
		return models.Poll{}, fmt.Errorf("get options of poll %q: %w", poll.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			option models.PollOption
			mine   int
		)
		if err := rows.Scan(&option.ID, &option.Text, &option.Votes, &mine); err != nil {
			return models.Poll{}, fmt.Errorf("scan poll option row: %w", err)
		}
		if mine == 1 {
			poll.UserVote = option.ID
		}
		poll.TotalVotes += option.Votes
		poll.Options = append(poll.Options, option)
	}
	if err := rows.Err(); err != nil {
		return models.Poll{}, fmt.Errorf("iterate poll option rows: %w", err)
	}
	return poll, nil
}

// GetPoll returns the poll attached to postID as seen by the viewer.
func (c *Client) GetPoll(ctx context.Context, postID string) (models.Poll, error) {
	if postID == "" {
		return models.Poll{}, errors.New("post_id is required")
	}
	return c.loadPoll(ctx, postID)
}
