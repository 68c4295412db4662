package engine

import (
	"context"

	"go.uber.org/zap"

	"chatsync/aggregate"
	"chatsync/models"
)

// LoadInitial fetches the newest page and merges it into the open view.
// A page that arrives after the view was closed or reopened is returned but
// not applied.
func (e *Engine) LoadInitial(ctx context.Context, conversationID string) (models.Page, error) {
	const op = "load_initial"
	generation, err := e.generationOf(op, conversationID)
	if err != nil {
		return models.Page{}, err
	}

	page, err := e.pager.Initial(ctx, conversationID)
	e.metrics.PageFetched("initial", err)
	if err != nil {
		return models.Page{}, remoteFailure(op, err)
	}
	incoming := e.normalizePage(conversationID, page.Messages)

	err = e.update(op, conversationID, func(state *convState) error {
		if state.generation != generation {
			return errSkip
		}
		list := dropEchoed(state.messages, incoming)
		state.messages = aggregate.Merge(list, incoming, preferIncoming)
		state.hasMore = page.HasMore
		return nil
	})
	if err != nil {
		e.logger.Debug("stale_page_dropped", zap.String("conversation", conversationID), zap.String("op", op))
	}
	return models.Page{Messages: incoming, HasMore: page.HasMore}, nil
}

// LoadOlder fetches the page strictly older than cursorID and prepends it.
// An empty cursorID means the oldest loaded acknowledged message. An unknown
// cursor yields an empty page with HasMore false.
func (e *Engine) LoadOlder(ctx context.Context, conversationID, cursorID string) (models.Page, error) {
	const op = "load_older"
	generation, err := e.generationOf(op, conversationID)
	if err != nil {
		return models.Page{}, err
	}
	if cursorID == "" {
		cursorID = e.oldestAcknowledged(conversationID)
		if cursorID == "" {
			return models.Page{}, nil
		}
	}

	page, err := e.pager.Older(ctx, conversationID, cursorID)
	e.metrics.PageFetched("older", err)
	if err != nil {
		return models.Page{}, remoteFailure(op, err)
	}
	incoming := e.normalizePage(conversationID, page.Messages)

	err = e.update(op, conversationID, func(state *convState) error {
		if state.generation != generation {
			return errSkip
		}
		head := oldestAcknowledgedIn(state.messages)
		list := dropEchoed(state.messages, incoming)
		state.messages = aggregate.PrependOlder(list, incoming)
		if head == "" || head == cursorID {
			state.hasMore = page.HasMore
		}
		return nil
	})
	if err != nil {
		e.logger.Debug("stale_page_dropped", zap.String("conversation", conversationID), zap.String("op", op))
	}
	return models.Page{Messages: incoming, HasMore: page.HasMore}, nil
}

func (e *Engine) generationOf(op, conversationID string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.conversations[conversationID]
	if !ok {
		return 0, newError(CodeNotFound, op, "conversation is not open", ErrConversationClosed)
	}
	return state.generation, nil
}

func (e *Engine) oldestAcknowledged(conversationID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.conversations[conversationID]
	if !ok {
		return ""
	}
	return oldestAcknowledgedIn(state.messages)
}

func oldestAcknowledgedIn(list []models.Message) string {
	for _, message := range list {
		if !message.Provisional() {
			return message.ID
		}
	}
	return ""
}

func (e *Engine) normalizePage(conversationID string, messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, message := range messages {
		out = append(out, e.normalizeIncoming(conversationID, message))
	}
	return out
}

// dropEchoed removes provisional messages whose authoritative copy is in
// incoming, so a page that overtakes its send never shows both.
func dropEchoed(list, incoming []models.Message) []models.Message {
	echoed := make(map[string]struct{})
	for _, message := range incoming {
		if message.ClientID != "" {
			echoed[message.ClientID] = struct{}{}
		}
	}
	if len(echoed) == 0 {
		return list
	}
	out := list
	for _, message := range list {
		if _, ok := echoed[message.ID]; ok && message.Provisional() {
			out = aggregate.Remove(out, message.ID)
		}
	}
	return out
}
