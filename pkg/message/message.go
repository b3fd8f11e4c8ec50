// Package message defines the core message model shared by providers,
// middleware and the dispatch engine.
package message

import (
	"encoding/base64"
	"fmt"
)

// Visibility controls who can see a posted status.
type Visibility string

// Known visibility values, ordered from most to least visible.
const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// ParseVisibility validates a visibility string. The empty string is
// returned unchanged so callers can distinguish "not set" from "invalid".
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case "", VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityDirect:
		return Visibility(s), nil
	default:
		return "", fmt.Errorf("invalid visibility %q", s)
	}
}

// MergeVisibility returns the first non-empty visibility, falling back to
/// public. Precedence: explicit override > provider default > account
// default > public.
func MergeVisibility(values ...Visibility) Visibility {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return VisibilityPublic
}

// Attachment is a media item carried alongside a message.
type Attachment struct {
	// Data is the raw attachment payload.
	Data []byte
	// MimeType is the media type, e.g. "image/png".
	MimeType string
	// Filename is an optional name hint for the upload.
	Filename string
	// Description is optional alt text.
	Description string
}

// AttachmentFromBase64 decodes a base64 payload into an Attachment.
func AttachmentFromBase64(data, mimeType, filename, description string) (Attachment, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Attachment{}, fmt.Errorf("decoding attachment payload: %w", err)
	}
	return Attachment{
		Data:        raw,
		MimeType:    mimeType,
		Filename:    filename,
		Description: description,
	}, nil
}

// Message is a single candidate post produced by a provider.
type Message struct {
	Text        string
	Attachments []Attachment
}
