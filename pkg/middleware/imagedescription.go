package middleware

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/networking"
)

type imageDescriptionOptions struct {
	Provider string            `mapstructure:"provider"`
	URL      string            `mapstructure:"url"`
	Headers  map[string]string `mapstructure:"headers"`
	Model    string            `mapstructure:"model"`
	Prompt   string            `mapstructure:"prompt"`
	// Fallback on failure: "continue" (leave description empty), "skip"
	// (drop the whole message), or "filename".
	Fallback   string        `mapstructure:"fallback"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type imageDescriptionStage struct {
	name       string
	opts       imageDescriptionOptions
	httpClient *http.Client
}

type visionRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	Image  string `json:"image"`
}

type visionResponse struct {
	Description string `json:"description"`
}

func newImageDescriptionStage(name string, params map[string]any, deps Deps) (Stage, error) {
	opts := imageDescriptionOptions{
		Prompt:     "Describe this image for a visually impaired reader.",
		Fallback:   "continue",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("image_description requires a url")
	}
	switch opts.Fallback {
	case "continue", "skip", "filename":
	default:
		return nil, fmt.Errorf("unknown fallback %q", opts.Fallback)
	}
	return &imageDescriptionStage{name: name, opts: opts, httpClient: deps.httpClient()}, nil
}

func (s *imageDescriptionStage) Name() string { return s.name }

func (s *imageDescriptionStage) Execute(ctx context.Context, mc *MessageContext, next func() error) error {
	for i := range mc.Message.Attachments {
		att := &mc.Message.Attachments[i]
		if att.Description != "" || !strings.HasPrefix(att.MimeType, "image/") {
			continue
		}

		description, err := s.describe(ctx, att)
		if err != nil {
			logger.Warnw("image description failed",
				"stage", s.name, "provider", s.opts.Provider, "attachment", att.Filename, "error", err)
			switch s.opts.Fallback {
			case "skip":
				mc.MarkSkip(s.name, fmt.Sprintf("image description failed: %v", err))
				return nil
			case "filename":
				att.Description = att.Filename
			}
			continue
		}
		att.Description = description
	}
	return next()
}

// describe calls the vision endpoint, retrying only transient failures.
func (s *imageDescriptionStage) describe(ctx context.Context, att *message.Attachment) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	operation := func() (visionResponse, error) {
		resp, err := networking.PostJSON[visionResponse](callCtx, s.httpClient, s.opts.URL,
			s.opts.Headers, visionRequest{
				Model:  s.opts.Model,
				Prompt: s.opts.Prompt,
				Image:  base64.StdEncoding.EncodeToString(att.Data),
			})
		if err != nil && !networking.IsRetryable(err) {
			return visionResponse{}, backoff.Permanent(err)
		}
		return resp, err
	}

	resp, err := backoff.Retry(callCtx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.opts.MaxRetries)),
	)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Description) == "" {
		return "", fmt.Errorf("vision endpoint returned an empty description")
	}
	return strings.TrimSpace(resp.Description), nil
}
