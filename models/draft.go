package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// MinPollOptions is the smallest poll a draft may carry.
	MinPollOptions = 2
	// MaxPollOptions is the largest poll a draft may carry.
	MaxPollOptions = 10
)

// ErrEmptyDraft is returned when a draft has no text, media or poll.
var ErrEmptyDraft = errors.New("draft has no text, media or poll")

// PollDraft is the poll payload of a draft before the store assigns ids.
type PollDraft struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Validate checks question and option count.
func (p PollDraft) Validate() error {
	if strings.TrimSpace(p.Question) == "" {
		return errors.New("poll: question is required")
	}
	if len(p.Options) < MinPollOptions || len(p.Options) > MaxPollOptions {
		return fmt.Errorf("poll: need %d-%d options, got %d", MinPollOptions, MaxPollOptions, len(p.Options))
	}
	for i, option := range p.Options {
		if strings.TrimSpace(option) == "" {
			return fmt.Errorf("poll: option %d is empty", i+1)
		}
	}
	return nil
}

// Draft is a send intent.
type Draft struct {
	Text     string
	ReplyTo  string
	Media    []Attachment
	Poll     *PollDraft
	ClientID string
}

// Validate rejects empty drafts and malformed media or polls.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Text) == "" && len(d.Media) == 0 && d.Poll == nil {
		return ErrEmptyDraft
	}
	for i, item := range d.Media {
		if item == nil {
			return fmt.Errorf("media %d is nil", i)
		}
		if err := item.Validate(); err != nil {
			return err
		}
	}
	if d.Poll != nil {
		if err := d.Poll.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ProvisionalPoll builds the local poll rendered before the store answers.
// Option ids are positional until reconciliation replaces them.
func (p PollDraft) ProvisionalPoll(id string) Poll {
	options := make([]PollOption, 0, len(p.Options))
	for i, text := range p.Options {
		options = append(options, PollOption{ID: fmt.Sprintf("%s-opt-%d", id, i), Text: strings.TrimSpace(text)})
	}
	return Poll{ID: id, Question: strings.TrimSpace(p.Question), Options: options}
}

type draftWire struct {
	Text     string          `json:"text,omitempty"`
	ReplyTo  string          `json:"reply_to,omitempty"`
	Media    json.RawMessage `json:"media,omitempty"`
	Poll     *PollDraft      `json:"poll,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
}

// MarshalJSON encodes media as kind envelopes.
func (d Draft) MarshalJSON() ([]byte, error) {
	wire := draftWire{Text: d.Text, ReplyTo: d.ReplyTo, Poll: d.Poll, ClientID: d.ClientID}
	if len(d.Media) > 0 {
		media, err := EncodeAttachments(d.Media)
		if err != nil {
			return nil, err
		}
		wire.Media = media
	}
	return json.Marshal(wire)
}

func (d *Draft) UnmarshalJSON(raw []byte) error {
	var wire draftWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("parse draft: %w", err)
	}
	media, err := DecodeAttachments(wire.Media)
	if err != nil {
		return fmt.Errorf("parse draft: %w", err)
	}
	*d = Draft{Text: wire.Text, ReplyTo: wire.ReplyTo, Media: media, Poll: wire.Poll, ClientID: wire.ClientID}
	return nil
}
