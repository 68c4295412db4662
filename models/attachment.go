package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MediaKind discriminates Attachment variants.
type MediaKind string

const (
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
	MediaAudio   MediaKind = "audio"
	MediaFile    MediaKind = "file"
	MediaCallLog MediaKind = "call_log"
)

// Attachment is one media item on a message. The set of variants is closed.
type Attachment interface {
	Kind() MediaKind
	Validate() error
	attachment()
}

// Image is a still picture.
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Video is a playable clip with a poster frame.
type Video struct {
	URL             string `json:"url"`
	ThumbnailURL    string `json:"thumbnail_url"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Audio is a voice note or audio clip.
type Audio struct {
	URL             string `json:"url"`
	DurationSeconds int    `json:"duration_seconds"`
}

// File is an arbitrary document.
type File struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	MIMEType  string `json:"mime_type"`
}

// CallLog records a voice or video call inside the conversation.
type CallLog struct {
	CallType        string `json:"call_type"`
	DurationSeconds int    `json:"duration_seconds"`
	Missed          bool   `json:"missed"`
}

func (Image) Kind() MediaKind   { return MediaImage }
func (Video) Kind() MediaKind   { return MediaVideo }
func (Audio) Kind() MediaKind   { return MediaAudio }
func (File) Kind() MediaKind    { return MediaFile }
func (CallLog) Kind() MediaKind { return MediaCallLog }

func (Image) attachment()   {}
func (Video) attachment()   {}
func (Audio) attachment()   {}
func (File) attachment()    {}
func (CallLog) attachment() {}

func (a Image) Validate() error {
	if strings.TrimSpace(a.URL) == "" {
		return errors.New("image: url is required")
	}
	if a.Width <= 0 || a.Height <= 0 {
		return fmt.Errorf("image: invalid dimensions %dx%d", a.Width, a.Height)
	}
	return nil
}

func (a Video) Validate() error {
	if strings.TrimSpace(a.URL) == "" {
		return errors.New("video: url is required")
	}
	if a.DurationSeconds <= 0 {
		return errors.New("video: duration must be > 0")
	}
	return nil
}

func (a Audio) Validate() error {
	if strings.TrimSpace(a.URL) == "" {
		return errors.New("audio: url is required")
	}
	if a.DurationSeconds <= 0 {
		return errors.New("audio: duration must be > 0")
	}
	return nil
}

func (a File) Validate() error {
	if strings.TrimSpace(a.URL) == "" {
		return errors.New("file: url is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("file: name is required")
	}
	if a.SizeBytes < 0 {
		return errors.New("file: size must be >= 0")
	}
	return nil
}

func (a CallLog) Validate() error {
	switch a.CallType {
	case "voice", "video":
	default:
		return fmt.Errorf("call_log: invalid call type %q", a.CallType)
	}
	if a.DurationSeconds < 0 {
		return errors.New("call_log: duration must be >= 0")
	}
	if a.Missed && a.DurationSeconds != 0 {
		return errors.New("call_log: missed call cannot have a duration")
	}
	return nil
}

type attachmentEnvelope struct {
	Kind MediaKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeAttachments serializes attachments as a list of {kind, data} envelopes.
func EncodeAttachments(items []Attachment) ([]byte, error) {
	envelopes := make([]attachmentEnvelope, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshal %s attachment: %w", item.Kind(), err)
		}
		envelopes = append(envelopes, attachmentEnvelope{Kind: item.Kind(), Data: data})
	}
	return json.Marshal(envelopes)
}

// DecodeAttachments parses the output of EncodeAttachments and validates each item.
func DecodeAttachments(raw []byte) ([]Attachment, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var envelopes []attachmentEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, fmt.Errorf("parse attachments: %w", err)
	}
	if len(envelopes) == 0 {
		return nil, nil
	}

	items := make([]Attachment, 0, len(envelopes))
	for _, envelope := range envelopes {
		item, err := decodeAttachment(envelope)
		if err != nil {
			return nil, err
		}
		if err := item.Validate(); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeAttachment(envelope attachmentEnvelope) (Attachment, error) {
	switch envelope.Kind {
	case MediaImage:
		var v Image
		err := json.Unmarshal(envelope.Data, &v)
		return v, wrapDecode(envelope.Kind, err)
	case MediaVideo:
		var v Video
		err := json.Unmarshal(envelope.Data, &v)
		return v, wrapDecode(envelope.Kind, err)
	case MediaAudio:
		var v Audio
		err := json.Unmarshal(envelope.Data, &v)
		return v, wrapDecode(envelope.Kind, err)
	case MediaFile:
		var v File
		err := json.Unmarshal(envelope.Data, &v)
		return v, wrapDecode(envelope.Kind, err)
	case MediaCallLog:
		var v CallLog
		err := json.Unmarshal(envelope.Data, &v)
		return v, wrapDecode(envelope.Kind, err)
	default:
		return nil, fmt.Errorf("unknown attachment kind %q", envelope.Kind)
	}
}

func wrapDecode(kind MediaKind, err error) error {
	if err != nil {
		return fmt.Errorf("parse %s attachment: %w", kind, err)
	}
	return nil
}
