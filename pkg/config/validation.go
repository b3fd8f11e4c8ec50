package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/crier-bot/crier/pkg/message"
)

// healthPath is reserved for the liveness endpoint and can never be used
// as a webhook path.
const healthPath = "/health"

var validKinds = map[string]bool{
	KindPing:             true,
	KindCommand:          true,
	KindJSONCommand:      true,
	KindMultiJSONCommand: true,
	KindRSSFeed:          true,
	KindPush:             true,
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate checks the whole configuration and refuses to start on any
// shape mismatch.
func (c *Config) Validate() error {
	accountNames := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if err := a.validate(); err != nil {
			return err
		}
		if accountNames[a.Name] {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		accountNames[a.Name] = true
	}

	if err := c.Webhook.validate(); err != nil {
		return err
	}

	providerNames := make(map[string]bool, len(c.Providers))
	webhookPaths := map[string]string{c.Webhook.Path: "(generic webhook)"}
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.validate(accountNames); err != nil {
			return err
		}
		if providerNames[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		providerNames[p.Name] = true

		if p.WebhookPath != "" {
			if p.WebhookPath == healthPath {
				return fmt.Errorf("provider %q: webhook path %s is reserved", p.Name, healthPath)
			}
			if other, taken := webhookPaths[p.WebhookPath]; taken {
				return fmt.Errorf("provider %q: webhook path %s already used by %s", p.Name, p.WebhookPath, other)
			}
			webhookPaths[p.WebhookPath] = fmt.Sprintf("provider %q", p.Name)
		}
	}

	return nil
}

func (a *AccountConfig) validate() error {
	if a.Name == "" {
		return fmt.Errorf("account with empty name")
	}
	switch a.Backend {
	case BackendMastodon:
		if a.AccessToken == "" {
			return fmt.Errorf("account %q: mastodon backend requires access_token", a.Name)
		}
	case BackendBluesky:
		if a.Identifier == "" || a.Password == "" {
			return fmt.Errorf("account %q: bluesky backend requires identifier and password", a.Name)
		}
	default:
		return fmt.Errorf("account %q: unknown backend %q", a.Name, a.Backend)
	}
	if a.BaseURL == "" {
		return fmt.Errorf("account %q: base_url is required", a.Name)
	}
	if _, err := message.ParseVisibility(a.DefaultVisibility); err != nil {
		return fmt.Errorf("account %q: %w", a.Name, err)
	}
	return nil
}

func (p *ProviderConfig) validate(accountNames map[string]bool) error {
	if p.Name == "" {
		return fmt.Errorf("provider with empty name")
	}
	if !validKinds[p.Kind] {
		return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
	}

	if p.Kind == KindPush {
		if p.Schedule != "" {
			return fmt.Errorf("provider %q: push providers have no schedule", p.Name)
		}
	} else {
		if p.Schedule == "" {
			return fmt.Errorf("provider %q: schedule is required for kind %q", p.Name, p.Kind)
		}
		if _, err := cronParser.Parse(p.Schedule); err != nil {
			return fmt.Errorf("provider %q: invalid cron expression %q: %w", p.Name, p.Schedule, err)
		}
		if p.WebhookPath != "" {
			return fmt.Errorf("provider %q: webhook_path is only valid for push providers", p.Name)
		}
	}

	if len(p.Accounts) == 0 {
		return fmt.Errorf("provider %q: target account list must not be empty", p.Name)
	}
	for _, name := range p.Accounts {
		if !accountNames[name] {
			return fmt.Errorf("provider %q: unknown account %q", p.Name, name)
		}
	}

	if _, err := message.ParseVisibility(p.Visibility); err != nil {
		return fmt.Errorf("provider %q: %w", p.Name, err)
	}

	if p.WebhookPath != "" && !strings.HasPrefix(p.WebhookPath, "/") {
		return fmt.Errorf("provider %q: webhook_path must start with /", p.Name)
	}

	return p.validateKindOptions()
}

func (p *ProviderConfig) validateKindOptions() error {
	switch p.Kind {
	case KindPing:
		if p.Ping == nil || p.Ping.Message == "" {
			return fmt.Errorf("provider %q: ping.message is required", p.Name)
		}
	case KindCommand:
		if p.Command == nil || p.Command.Command == "" {
			return fmt.Errorf("provider %q: command.command is required", p.Name)
		}
	case KindJSONCommand:
		if p.JSONCommand == nil || p.JSONCommand.Command == "" {
			return fmt.Errorf("provider %q: json_command.command is required", p.Name)
		}
		if p.Template == "" {
			return fmt.Errorf("provider %q: template is required for jsoncommand", p.Name)
		}
	case KindMultiJSONCommand:
		if p.MultiJSONCommand == nil || p.MultiJSONCommand.Command == "" {
			return fmt.Errorf("provider %q: multi_json_command.command is required", p.Name)
		}
		if p.Template == "" {
			return fmt.Errorf("provider %q: template is required for multijsoncommand", p.Name)
		}
	case KindRSSFeed:
		if p.RSSFeed == nil || p.RSSFeed.URL == "" {
			return fmt.Errorf("provider %q: rss_feed.url is required", p.Name)
		}
	case KindPush:
		// defaults suffice
	}
	return nil
}

func (w *WebhookConfig) validate() error {
	if w.Path == healthPath {
		return fmt.Errorf("webhook path %s is reserved", healthPath)
	}
	if !strings.HasPrefix(w.Path, "/") {
		return fmt.Errorf("webhook path must start with /")
	}
	if w.Port < 1 || w.Port > 65535 {
		return fmt.Errorf("webhook port %d out of range", w.Port)
	}
	switch w.HMACAlgorithm {
	case "sha1", "sha256", "sha512":
	default:
		return fmt.Errorf("unsupported hmac algorithm %q", w.HMACAlgorithm)
	}
	for _, entry := range w.AllowedIPs {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("invalid allowed_ips entry %q: %w", entry, err)
			}
		} else if net.ParseIP(entry) == nil {
			return fmt.Errorf("invalid allowed_ips entry %q", entry)
		}
	}
	return nil
}
