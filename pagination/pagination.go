// Package pagination resolves "older than message X" queries into ordered,
// non-overlapping windows of a conversation's history. The cursor is a
// message id, so newer inserts never shift an older page boundary.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"chatsync/models"
)

const (
	// DefaultPageSize is the size of the newest page.
	DefaultPageSize = 50
	// DefaultOlderPageSize is the size of each older page.
	DefaultOlderPageSize = 30
	// DefaultFetchesPerSecond paces older-page fetches.
	DefaultFetchesPerSecond = 10
	// DefaultFetchBurst allows short scroll bursts without waiting.
	DefaultFetchBurst = 5
	// DefaultFetchTimeout bounds one shared older-page fetch.
	DefaultFetchTimeout = 10 * time.Second
)

// Fetcher is the remote history read.
type Fetcher interface {
	FetchPage(ctx context.Context, conversationID string, request models.PageRequest) (models.Page, error)
}

// Options configures a Manager.
type Options struct {
	PageSize         int
	OlderPageSize    int
	FetchesPerSecond float64
	FetchBurst       int
	FetchTimeout     time.Duration
}

// Manager issues page fetches. It holds no per-conversation state.
type Manager struct {
	fetcher       Fetcher
	pageSize      int
	olderPageSize int
	fetchTimeout  time.Duration
	limiter       *rate.Limiter
	group         singleflight.Group
}

// NewManager returns a Manager. Zero options fall back to the defaults; a
// negative FetchesPerSecond disables pacing.
func NewManager(fetcher Fetcher, options Options) (*Manager, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if options.PageSize <= 0 {
		options.PageSize = DefaultPageSize
	}
	if options.OlderPageSize <= 0 {
		options.OlderPageSize = DefaultOlderPageSize
	}
	if options.FetchesPerSecond == 0 {
		options.FetchesPerSecond = DefaultFetchesPerSecond
	}
	if options.FetchBurst <= 0 {
		options.FetchBurst = DefaultFetchBurst
	}
	if options.FetchTimeout <= 0 {
		options.FetchTimeout = DefaultFetchTimeout
	}

	manager := &Manager{
		fetcher:       fetcher,
		pageSize:      options.PageSize,
		olderPageSize: options.OlderPageSize,
		fetchTimeout:  options.FetchTimeout,
	}
	if options.FetchesPerSecond > 0 {
		manager.limiter = rate.NewLimiter(rate.Limit(options.FetchesPerSecond), options.FetchBurst)
	}
	return manager, nil
}

// Initial returns the newest page of a conversation.
func (m *Manager) Initial(ctx context.Context, conversationID string) (models.Page, error) {
	if conversationID == "" {
		return models.Page{}, errors.New("conversation id is required")
	}
	page, err := m.fetcher.FetchPage(ctx, conversationID, models.PageRequest{Limit: m.pageSize})
	if err != nil {
		return models.Page{}, fmt.Errorf("fetch newest page of %q: %w", conversationID, err)
	}
	return normalizePage(page, m.pageSize), nil
}

// Older returns up to OlderPageSize messages strictly older than cursorID.
// An unknown cursor yields an empty page with HasMore false. Concurrent
// calls for the same cursor share one fetch.
func (m *Manager) Older(ctx context.Context, conversationID, cursorID string) (models.Page, error) {
	if conversationID == "" {
		return models.Page{}, errors.New("conversation id is required")
	}
	if cursorID == "" {
		return models.Page{}, errors.New("cursor message id is required")
	}

	key := conversationID + "\x00" + cursorID
	shared := m.group.DoChan(key, func() (any, error) {
		// Detached from the first caller; each waiter selects on its own ctx.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
		defer cancel()
		if m.limiter != nil {
			if err := m.limiter.Wait(fetchCtx); err != nil {
				return models.Page{}, err
			}
		}
		page, err := m.fetcher.FetchPage(fetchCtx, conversationID, models.PageRequest{Cursor: cursorID, Limit: m.olderPageSize})
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return models.Page{}, nil
			}
			return models.Page{}, fmt.Errorf("fetch page of %q older than %q: %w", conversationID, cursorID, err)
		}
		return normalizePage(page, m.olderPageSize), nil
	})

	var result singleflight.Result
	select {
	case <-ctx.Done():
		return models.Page{}, fmt.Errorf("wait for page of %q older than %q: %w", conversationID, cursorID, ctx.Err())
	case result = <-shared:
	}
	if result.Err != nil {
		return models.Page{}, result.Err
	}

	page := result.Val.(models.Page)
	page.Messages = append([]models.Message(nil), page.Messages...)
	return page, nil
}

// normalizePage sorts ascending, drops duplicate ids and keeps the newest
// limit entries. Trimming means older messages exist beyond the window.
func normalizePage(page models.Page, limit int) models.Page {
	messages := append([]models.Message(nil), page.Messages...)
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	seen := make(map[string]struct{}, len(messages))
	unique := messages[:0]
	for _, message := range messages {
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		unique = append(unique, message)
	}

	hasMore := page.HasMore
	if limit > 0 && len(unique) > limit {
		unique = unique[len(unique)-limit:]
		hasMore = true
	}
	return models.Page{Messages: unique, HasMore: hasMore}
}
