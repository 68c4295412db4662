package models

import "time"

// Conversation is the list-row projection of a chat thread.
type Conversation struct {
	ID              string        `json:"id"`
	Participants    []UserSummary `json:"participants"`
	LastMessage     string        `json:"last_message"`
	LastMessageTime time.Time     `json:"last_message_time"`
	UnreadCount     int           `json:"unread_count"`
	Pinned          bool          `json:"pinned"`
	Muted           bool          `json:"muted"`
}

// Preview is the derived conversation summary pushed after sends and deletes.
type Preview struct {
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"`
}

// PageRequest asks the store for messages strictly older than Cursor, or the
// newest messages when Cursor is empty.
type PageRequest struct {
	Cursor string
	Limit  int
}

// Page is an ascending window of a conversation's history.
type Page struct {
	Messages []Message
	HasMore  bool
}
