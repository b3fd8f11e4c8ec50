package middleware

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/message"
)

type attachmentStageOptions struct {
	// Action: "add", "remove", "validate", or "modify".
	Action string `mapstructure:"action"`

	// add: inline base64 data or a file path.
	Data        string `mapstructure:"data"`
	Path        string `mapstructure:"path"`
	MimeType    string `mapstructure:"mime_type"`
	Filename    string `mapstructure:"filename"`
	Description string `mapstructure:"description"`

	// remove: any combination; an attachment matching any rule is dropped.
	MimeTypes []string `mapstructure:"mime_types"`
	Filenames []string `mapstructure:"filenames"`
	MaxSize   int64    `mapstructure:"max_size"`
	Indexes   []int    `mapstructure:"indexes"`

	// validate.
	MaxCount         int      `mapstructure:"max_count"`
	AllowedMimeTypes []string `mapstructure:"allowed_mime_types"`
	SkipOnFailure    bool     `mapstructure:"skip_on_failure"`
}

type attachmentStage struct {
	name string
	opts attachmentStageOptions
}

func newAttachmentStage(name string, params map[string]any, _ Deps) (Stage, error) {
	var opts attachmentStageOptions
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	switch opts.Action {
	case "add":
		if opts.Data == "" && opts.Path == "" {
			return nil, fmt.Errorf("add requires data or path")
		}
	case "remove":
		if len(opts.MimeTypes) == 0 && len(opts.Filenames) == 0 && opts.MaxSize == 0 && len(opts.Indexes) == 0 {
			return nil, fmt.Errorf("remove requires at least one match rule")
		}
	case "validate":
		if opts.MaxCount == 0 && opts.MaxSize == 0 && len(opts.AllowedMimeTypes) == 0 {
			return nil, fmt.Errorf("validate requires at least one rule")
		}
	case "modify":
	default:
		return nil, fmt.Errorf("unknown attachment action %q", opts.Action)
	}
	return &attachmentStage{name: name, opts: opts}, nil
}

func (s *attachmentStage) Name() string { return s.name }

func (s *attachmentStage) Execute(_ context.Context, mc *MessageContext, next func() error) error {
	switch s.opts.Action {
	case "add":
		s.add(mc)
	case "remove":
		s.remove(mc)
	case "validate":
		if reason := s.validate(mc); reason != "" {
			if s.opts.SkipOnFailure {
				mc.MarkSkip(s.name, reason)
				return nil
			}
			return fmt.Errorf("attachment validation failed: %s", reason)
		}
	case "modify":
		// Resize/watermark support is not implemented; modify passes
		// attachments through untouched.
		logger.Warnw("attachment modify is a no-op", "stage", s.name)
	}
	return next()
}

// add appends the configured attachment. Failures drop the attachment,
// not the message.
func (s *attachmentStage) add(mc *MessageContext) {
	att, err := s.buildAttachment()
	if err != nil {
		logger.Warnw("dropping attachment", "stage", s.name, "error", err)
		return
	}
	mc.Message.Attachments = append(mc.Message.Attachments, att)
}

func (s *attachmentStage) buildAttachment() (message.Attachment, error) {
	if s.opts.Data != "" {
		att, err := message.AttachmentFromBase64(s.opts.Data, s.opts.MimeType, s.opts.Filename, s.opts.Description)
		if err != nil {
			return message.Attachment{}, fmt.Errorf("decoding inline data: %w", err)
		}
		return att, nil
	}

	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return message.Attachment{}, fmt.Errorf("reading %s: %w", s.opts.Path, err)
	}
	filename := s.opts.Filename
	if filename == "" {
		filename = filepath.Base(s.opts.Path)
	}
	return message.Attachment{
		Data:        data,
		MimeType:    s.opts.MimeType,
		Filename:    filename,
		Description: s.opts.Description,
	}, nil
}

func (s *attachmentStage) remove(mc *MessageContext) {
	kept := mc.Message.Attachments[:0]
	removed := 0
	for i, att := range mc.Message.Attachments {
		if s.matchesRemoval(i, &att) {
			removed++
			continue
		}
		kept = append(kept, att)
	}
	mc.Message.Attachments = kept
	if removed > 0 {
		mc.SetScratch(s.name, "removed", removed)
	}
}

func (s *attachmentStage) matchesRemoval(index int, att *message.Attachment) bool {
	for _, glob := range s.opts.MimeTypes {
		if ok, _ := path.Match(glob, att.MimeType); ok {
			return true
		}
	}
	for _, glob := range s.opts.Filenames {
		if ok, _ := path.Match(glob, att.Filename); ok {
			return true
		}
	}
	if s.opts.MaxSize > 0 && int64(len(att.Data)) > s.opts.MaxSize {
		return true
	}
	for _, i := range s.opts.Indexes {
		if i == index {
			return true
		}
	}
	return false
}

func (s *attachmentStage) validate(mc *MessageContext) string {
	atts := mc.Message.Attachments
	if s.opts.MaxCount > 0 && len(atts) > s.opts.MaxCount {
		return fmt.Sprintf("%d attachments exceed the maximum of %d", len(atts), s.opts.MaxCount)
	}
	for i, att := range atts {
		if s.opts.MaxSize > 0 && int64(len(att.Data)) > s.opts.MaxSize {
			return fmt.Sprintf("attachment %d exceeds the maximum size of %d bytes", i, s.opts.MaxSize)
		}
		if len(s.opts.AllowedMimeTypes) > 0 && !mimeAllowed(att.MimeType, s.opts.AllowedMimeTypes) {
			return fmt.Sprintf("attachment %d has disallowed MIME type %q", i, att.MimeType)
		}
	}
	return ""
}

func mimeAllowed(mimeType string, allowed []string) bool {
	for _, glob := range allowed {
		if ok, _ := path.Match(glob, mimeType); ok {
			return true
		}
	}
	return false
}
