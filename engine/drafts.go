package engine

import (
	"context"
	"errors"

	"chatsync/content"
	"chatsync/models"
)

// SaveDraft persists in-progress composition. Saving an empty draft clears it.
func (e *Engine) SaveDraft(ctx context.Context, conversationID string, draft models.Draft) error {
	if conversationID == "" {
		return newError(CodeValidation, "save_draft", "conversation id is required", nil)
	}
	if content.IsBlank(draft.Text) && len(draft.Media) == 0 && draft.Poll == nil && draft.ReplyTo == "" {
		return e.ClearDraft(ctx, conversationID)
	}
	if err := e.drafts.Set(ctx, conversationID, draft); err != nil {
		return newError(CodeRemoteFailure, "save_draft", "draft store failed", err)
	}
	return nil
}

// LoadDraft returns the saved draft. The bool is false when none exists.
func (e *Engine) LoadDraft(ctx context.Context, conversationID string) (models.Draft, bool, error) {
	draft, err := e.drafts.Get(ctx, conversationID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Draft{}, false, nil
	}
	if err != nil {
		return models.Draft{}, false, newError(CodeRemoteFailure, "load_draft", "draft store failed", err)
	}
	return draft, true, nil
}

// ClearDraft drops the saved draft.
func (e *Engine) ClearDraft(ctx context.Context, conversationID string) error {
	if err := e.drafts.Clear(ctx, conversationID); err != nil {
		return newError(CodeRemoteFailure, "clear_draft", "draft store failed", err)
	}
	return nil
}
