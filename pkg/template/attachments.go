package template

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/crier-bot/crier/pkg/message"
)

// Default field names within each attachment object.
const (
	DefaultDataKey        = "data"
	DefaultMimeTypeKey    = "mimeType"
	DefaultFilenameKey    = "filename"
	DefaultDescriptionKey = "description"
)

// AttachmentConfig names the JSON keys used to extract attachments from a
// data object.
type AttachmentConfig struct {
	// Key is the dot path to the array of attachment objects.
	Key string
	// DataKey is the field holding the base64 payload. Defaults to "data".
	DataKey string
	// MimeTypeKey is the field holding the media type. Defaults to "mimeType".
	MimeTypeKey string
	// FilenameKey is the field holding the filename. Defaults to "filename".
	FilenameKey string
	// DescriptionKey is the field holding the alt text. Defaults to "description".
	DescriptionKey string
}

func (c *AttachmentConfig) withDefaults() AttachmentConfig {
	out := *c
	if out.DataKey == "" {
		out.DataKey = DefaultDataKey
	}
	if out.MimeTypeKey == "" {
		out.MimeTypeKey = DefaultMimeTypeKey
	}
	if out.FilenameKey == "" {
		out.FilenameKey = DefaultFilenameKey
	}
	if out.DescriptionKey == "" {
		out.DescriptionKey = DefaultDescriptionKey
	}
	return out
}

// ExtractAttachments walks to the configured array key within data and
// decodes each element into an Attachment. A missing key yields no
// attachments and no error; a present key that is not an array is an
// error.
func ExtractAttachments(data []byte, cfg AttachmentConfig) ([]message.Attachment, error) {
	if cfg.Key == "" {
		return nil, nil
	}
	c := cfg.withDefaults()

	node := gjson.GetBytes(data, c.Key)
	if !node.Exists() {
		return nil, nil
	}
	if !node.IsArray() {
		return nil, fmt.Errorf("attachment key %q is not an array", c.Key)
	}

	var attachments []message.Attachment
	for i, item := range node.Array() {
		payload := item.Get(c.DataKey).String()
		if payload == "" {
			return nil, fmt.Errorf("attachment %d: missing %q field", i, c.DataKey)
		}
		att, err := message.AttachmentFromBase64(
			payload,
			item.Get(c.MimeTypeKey).String(),
			item.Get(c.FilenameKey).String(),
			item.Get(c.DescriptionKey).String(),
		)
		if err != nil {
			return nil, fmt.Errorf("attachment %d: %w", i, err)
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}
