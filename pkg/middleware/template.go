package middleware

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crier-bot/crier/pkg/template"
)

type templateStageOptions struct {
	Template string `mapstructure:"template"`
	// DataSource selects where placeholder values come from: "static",
	// "context", "metadata", or "environment".
	DataSource string         `mapstructure:"data_source"`
	Data       map[string]any `mapstructure:"data"`
	EnvPrefix  string         `mapstructure:"env_prefix"`
	Strict     bool           `mapstructure:"strict"`
}

type templateStage struct {
	name      string
	opts      templateStageOptions
	processor *template.Processor
	now       func() time.Time
}

func newTemplateStage(name string, params map[string]any, _ Deps) (Stage, error) {
	opts := templateStageOptions{DataSource: "context"}
	if err := decodeParams(params, &opts); err != nil {
		return nil, err
	}
	if opts.Template == "" {
		return nil, fmt.Errorf("template stage requires a template")
	}
	switch opts.DataSource {
	case "static", "context", "metadata", "environment":
	default:
		return nil, fmt.Errorf("unknown data_source %q", opts.DataSource)
	}
	return &templateStage{
		name:      name,
		opts:      opts,
		processor: &template.Processor{Strict: opts.Strict},
		now:       time.Now,
	}, nil
}

func (s *templateStage) Name() string { return s.name }

func (s *templateStage) Execute(_ context.Context, mc *MessageContext, next func() error) error {
	data, err := s.buildData(mc)
	if err != nil {
		return err
	}
	text, err := s.processor.ApplyMap(s.opts.Template, data)
	if err != nil {
		return err
	}
	mc.Message.Text = text
	return next()
}

func (s *templateStage) buildData(mc *MessageContext) (map[string]any, error) {
	switch s.opts.DataSource {
	case "static":
		return s.opts.Data, nil
	case "context":
		return map[string]any{
			"provider":   mc.Provider,
			"accounts":   strings.Join(mc.Accounts, ", "),
			"visibility": string(mc.Visibility),
			"text":       mc.OriginalText,
		}, nil
	case "metadata":
		return map[string]any{
			"timestamp":    s.now().UTC().Format(time.RFC3339),
			"accountCount": len(mc.Accounts),
		}, nil
	case "environment":
		data := make(map[string]any)
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || !strings.HasPrefix(key, s.opts.EnvPrefix) {
				continue
			}
			data[strings.TrimPrefix(key, s.opts.EnvPrefix)] = value
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown data_source %q", s.opts.DataSource)
}
