package providers

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/template"
)

// JSONCommand runs a command, parses its stdout as JSON, and renders the
// configured template against it.
type JSONCommand struct {
	name      string
	cfg       config.JSONCommandConfig
	tmpl      string
	processor *template.Processor
}

// NewJSONCommand builds a jsoncommand provider from config.
func NewJSONCommand(pc *config.ProviderConfig) *JSONCommand {
	return &JSONCommand{
		name:      pc.Name,
		cfg:       *pc.JSONCommand,
		tmpl:      pc.Template,
		processor: &template.Processor{},
	}
}

func (p *JSONCommand) Name() string { return p.name }
func (p *JSONCommand) Kind() string { return config.KindJSONCommand }

// Generate runs the command and yields one templated message.
func (p *JSONCommand) Generate(ctx context.Context) ([]GeneratedMessage, error) {
	stdout, err := runCommand(ctx, p.cfg.CommandConfig)
	if err != nil {
		return nil, err
	}
	data := []byte(stdout)
	if !gjson.ValidBytes(data) {
		return nil, errors.NewLocalFatalError(
			fmt.Sprintf("command output is not valid JSON: %.80s", stdout), nil)
	}

	msg, err := renderJSON(p.processor, p.tmpl, data, attachmentConfig(&p.cfg))
	if err != nil {
		return nil, err
	}
	return []GeneratedMessage{{Message: msg}}, nil
}

func attachmentConfig(cfg *config.JSONCommandConfig) template.AttachmentConfig {
	return template.AttachmentConfig{
		Key:            cfg.AttachmentsKey,
		DataKey:        cfg.AttachmentDataKey,
		MimeTypeKey:    cfg.AttachmentMimeTypeKey,
		FilenameKey:    cfg.AttachmentFilenameKey,
		DescriptionKey: cfg.AttachmentDescriptionKey,
	}
}

// renderJSON applies the template and attachment extraction to one JSON
// document.
func renderJSON(processor *template.Processor, tmpl string, data []byte, attCfg template.AttachmentConfig) (*message.Message, error) {
	text, err := processor.Apply(tmpl, data)
	if err != nil {
		return nil, err
	}
	attachments, err := template.ExtractAttachments(data, attCfg)
	if err != nil {
		return nil, err
	}
	return &message.Message{Text: text, Attachments: attachments}, nil
}
