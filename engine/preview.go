package engine

import (
	"context"

	"go.uber.org/zap"

	"chatsync/content"
	"chatsync/models"
)

// previewOf projects the newest message of list into a conversation preview.
func previewOf(list []models.Message, unread int) models.Preview {
	if len(list) == 0 {
		return models.Preview{UnreadCount: unread}
	}
	last := list[len(list)-1]
	return models.Preview{
		LastMessage:     previewText(last),
		LastMessageTime: last.CreatedAt,
		UnreadCount:     unread,
	}
}

func previewText(message models.Message) string {
	switch {
	case !content.IsBlank(message.Content):
		return message.Content
	case message.Poll != nil:
		return "Poll: " + message.Poll.Question
	case len(message.Media) > 0:
		return "Sent " + string(message.Media[0].Kind())
	default:
		return ""
	}
}

func applyPreview(conversation *models.Conversation, preview models.Preview) {
	conversation.LastMessage = preview.LastMessage
	conversation.LastMessageTime = preview.LastMessageTime
	conversation.UnreadCount = preview.UnreadCount
}

// pushPreview sends the projection to the preview store in the background.
func (e *Engine) pushPreview(conversationID string, preview models.Preview) {
	if e.previews == nil {
		return
	}
	e.publish(Event{Type: EventConversation, ConversationID: conversationID})
	e.goFollowUp(func(ctx context.Context) {
		if err := e.previews.UpdatePreview(ctx, conversationID, preview); err != nil {
			e.logger.Warn("preview_update_failed", zap.String("conversation", conversationID), zap.Error(err))
			e.reportError(newError(CodeRemoteFailure, "update_preview", "preview store failed", err))
		}
	})
}
