package server

import (
	"encoding/json"
	"time"
)

// WebhookRequest is the recognized POST body. On the generic path
// Provider selects the push provider; on per-provider paths it is
// ignored (with a warning when it mismatches the URL).
type WebhookRequest struct {
	Provider     string          `json:"provider,omitempty"`
	Message      string          `json:"message,omitempty"`
	Template     string          `json:"template,omitempty"`
	TemplateName string          `json:"templateName,omitempty"`
	JSON         json.RawMessage `json:"json,omitempty"`
	UniqueKey    string          `json:"uniqueKey,omitempty"`
	Accounts     []string        `json:"accounts,omitempty"`
	Visibility   string          `json:"visibility,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`

	AttachmentsKey           string `json:"attachmentsKey,omitempty"`
	AttachmentDataKey        string `json:"attachmentDataKey,omitempty"`
	AttachmentMimeTypeKey    string `json:"attachmentMimeTypeKey,omitempty"`
	AttachmentFilenameKey    string `json:"attachmentFilenameKey,omitempty"`
	AttachmentDescriptionKey string `json:"attachmentDescriptionKey,omitempty"`
}

// WebhookResponse is the JSON reply for webhook posts.
type WebhookResponse struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp string   `json:"timestamp"`
	Provider  string   `json:"provider,omitempty"`
	Accounts  []string `json:"accounts,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// HealthResponse is served on /health without authentication.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WebhookPath   string `json:"webhook_path"`
	Port          int    `json:"port"`
	Version       string `json:"version"`
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
