package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatsync/content"
)

// ProvisionalPrefix marks ids generated on the client before the store has
// acknowledged a message. Store-issued ids never carry it.
const ProvisionalPrefix = "local-"

// NewProvisionalID returns a fresh client-side message id.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id was generated by NewProvisionalID.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// UserSummary is the minimal user projection rendered next to a message.
type UserSummary struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ReactionAggregate is the per-emoji reaction total on one message.
// UserReacted is relative to the local viewer.
type ReactionAggregate struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	UserReacted bool   `json:"user_reacted"`
}

// Message is one chat message, provisional or authoritative.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	Author         UserSummary
	Content        string
	CreatedAt      time.Time
	Status         Status
	Reactions      []ReactionAggregate
	ReplyTo        string
	Media          []Attachment
	Poll           *Poll
	EditedAt       *time.Time
	Pinned         bool
	Mentions       []string
}

// Provisional reports whether the message has not been acknowledged yet.
func (m Message) Provisional() bool {
	return IsProvisionalID(m.ID)
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = append([]ReactionAggregate(nil), m.Reactions...)
	}
	if m.Media != nil {
		out.Media = append([]Attachment(nil), m.Media...)
	}
	if m.Mentions != nil {
		out.Mentions = append([]string(nil), m.Mentions...)
	}
	if m.Poll != nil {
		poll := m.Poll.Clone()
		out.Poll = &poll
	}
	if m.EditedAt != nil {
		editedAt := *m.EditedAt
		out.EditedAt = &editedAt
	}
	return out
}

type messageWire struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"client_id,omitempty"`
	ConversationID string              `json:"conversation_id"`
	Author         UserSummary         `json:"author"`
	Content        json.RawMessage     `json:"content"`
	CreatedAt      time.Time           `json:"created_at"`
	Status         Status              `json:"status"`
	Reactions      []ReactionAggregate `json:"reactions,omitempty"`
	ReplyTo        string              `json:"reply_to,omitempty"`
	Media          json.RawMessage     `json:"media,omitempty"`
	Poll           *Poll               `json:"poll,omitempty"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
	Pinned         bool                `json:"pinned"`
	Mentions       []string            `json:"mentions,omitempty"`
}

// MarshalJSON encodes media as kind envelopes.
func (m Message) MarshalJSON() ([]byte, error) {
	text, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	wire := messageWire{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		Author:         m.Author,
		Content:        text,
		CreatedAt:      m.CreatedAt,
		Status:         m.Status,
		Reactions:      m.Reactions,
		ReplyTo:        m.ReplyTo,
		Poll:           m.Poll,
		EditedAt:       m.EditedAt,
		Pinned:         m.Pinned,
		Mentions:       m.Mentions,
	}
	if len(m.Media) > 0 {
		media, err := EncodeAttachments(m.Media)
		if err != nil {
			return nil, err
		}
		wire.Media = media
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts content of any JSON type and normalizes it to text.
func (m *Message) UnmarshalJSON(raw []byte) error {
	var wire messageWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	media, err := DecodeAttachments(wire.Media)
	if err != nil {
		return fmt.Errorf("parse message %q: %w", wire.ID, err)
	}

	*m = Message{
		ID:             wire.ID,
		ClientID:       wire.ClientID,
		ConversationID: wire.ConversationID,
		Author:         wire.Author,
		Content:        content.NormalizeJSON(wire.Content),
		CreatedAt:      wire.CreatedAt,
		Status:         wire.Status,
		Reactions:      wire.Reactions,
		ReplyTo:        wire.ReplyTo,
		Media:          media,
		Poll:           wire.Poll,
		EditedAt:       wire.EditedAt,
		Pinned:         wire.Pinned,
		Mentions:       wire.Mentions,
	}
	return nil
}
