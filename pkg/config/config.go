// Package config defines crier's typed configuration and its validation.
//
// Configuration is loaded from a YAML file via viper, with environment
// overrides under the CRIER_ prefix. Secret-valued fields hold references
// resolved by pkg/secrets, never plaintext.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Provider kinds.
const (
	KindPing             = "ping"
	KindCommand          = "command"
	KindJSONCommand      = "jsoncommand"
	KindMultiJSONCommand = "multijsoncommand"
	KindRSSFeed          = "rssfeed"
	KindPush             = "push"
)

// Account backends.
const (
	BackendMastodon = "mastodon"
	BackendBluesky  = "bluesky"
)

// Webhook defaults.
const (
	DefaultWebhookPath     = "/webhook"
	DefaultWebhookPort     = 8080
	DefaultMaxPayloadSize  = 1 << 20 // 1 MiB
	DefaultRequestTimeout  = 30 * time.Second
	DefaultHMACHeader      = "X-Hub-Signature-256"
	DefaultHMACAlgorithm   = "sha256"
	DefaultSimpleSecretHdr = "X-Webhook-Secret"
)

// Config is the root configuration object.
type Config struct {
	Accounts  []AccountConfig  `mapstructure:"accounts"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Webhook   WebhookConfig    `mapstructure:"webhook"`
	Secrets   SecretsConfig    `mapstructure:"secrets"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`

	// CacheDir holds processed-item cache files. Defaults to the XDG
	// cache directory.
	CacheDir string `mapstructure:"cache_dir"`
}

// AccountConfig is a named posting identity.
type AccountConfig struct {
	Name    string `mapstructure:"name"`
	Backend string `mapstructure:"backend"`
	BaseURL string `mapstructure:"base_url"`

	// AccessToken is a secret reference for token-authenticated backends.
	AccessToken string `mapstructure:"access_token"`
	// Identifier and Password are used by backends with session login.
	// Password is a secret reference.
	Identifier string `mapstructure:"identifier"`
	Password   string `mapstructure:"password"`

	DefaultVisibility string `mapstructure:"default_visibility"`
}

// ProviderConfig describes one message provider.
type ProviderConfig struct {
	Name     string `mapstructure:"name"`
	Kind     string `mapstructure:"kind"`
	Schedule string `mapstructure:"schedule"`
	Disabled bool   `mapstructure:"disabled"`

	Accounts   []string `mapstructure:"accounts"`
	Visibility string   `mapstructure:"visibility"`

	// WebhookPath exposes a per-provider webhook endpoint (push only).
	WebhookPath string `mapstructure:"webhook_path"`

	// Template is the default template; Templates holds named templates
	// selectable per webhook request.
	Template  string            `mapstructure:"template"`
	Templates map[string]string `mapstructure:"templates"`

	Middleware []MiddlewareConfig `mapstructure:"middleware"`

	// Kind-specific blocks; exactly the one matching Kind must be set
	// for kinds that need options.
	Ping             *PingConfig             `mapstructure:"ping"`
	Command          *CommandConfig          `mapstructure:"command"`
	JSONCommand      *JSONCommandConfig      `mapstructure:"json_command"`
	MultiJSONCommand *MultiJSONCommandConfig `mapstructure:"multi_json_command"`
	RSSFeed          *RSSFeedConfig          `mapstructure:"rss_feed"`
	Push             *PushConfig             `mapstructure:"push"`
}

// Enabled reports whether the provider participates in scheduling.
func (p *ProviderConfig) Enabled() bool {
	return !p.Disabled
}

// MiddlewareConfig selects a stage kind and its options.
type MiddlewareConfig struct {
	// Name labels the stage instance; scratch keys use it as prefix.
	Name string `mapstructure:"name"`
	// Type is the built-in stage kind.
	Type string `mapstructure:"type"`
	// Params holds the stage-specific options.
	Params map[string]any `mapstructure:"params"`
}

// PingConfig configures a ping provider.
type PingConfig struct {
	Message string `mapstructure:"message"`
}

// CommandConfig configures external command execution.
type CommandConfig struct {
	Command string            `mapstructure:"command"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Dir     string            `mapstructure:"dir"`
	Env     map[string]string `mapstructure:"env"`
}

// JSONCommandConfig configures a templated JSON command provider.
type JSONCommandConfig struct {
	CommandConfig `mapstructure:",squash"`

	// AttachmentsKey and companions configure attachment extraction from
	// the command's JSON output.
	AttachmentsKey          string `mapstructure:"attachments_key"`
	AttachmentDataKey       string `mapstructure:"attachment_data_key"`
	AttachmentMimeTypeKey   string `mapstructure:"attachment_mime_type_key"`
	AttachmentFilenameKey   string `mapstructure:"attachment_filename_key"`
	AttachmentDescriptionKey string `mapstructure:"attachment_description_key"`
}

// MultiJSONCommandConfig configures a multi-item JSON command provider.
type MultiJSONCommandConfig struct {
	JSONCommandConfig `mapstructure:",squash"`

	// UniqueKey is the field identifying each array element. Defaults to "id".
	UniqueKey string `mapstructure:"unique_key"`

	CacheMaxSize int           `mapstructure:"cache_max_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// RSSFeedConfig configures an RSS/Atom feed provider.
type RSSFeedConfig struct {
	URL string `mapstructure:"url"`

	// Template renders each item; item fields title, link, description,
	// published and guid are available as template paths.
	Template string `mapstructure:"template"`

	CacheMaxSize int           `mapstructure:"cache_max_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// PushConfig configures an externally triggered provider.
type PushConfig struct {
	// DefaultMessage is returned when triggered with no pending message.
	DefaultMessage string `mapstructure:"default_message"`
	// MaxLength truncates messages with a trailing ellipsis. Zero means
	// unlimited.
	MaxLength int `mapstructure:"max_length"`

	// RateLimit / RateWindow bound sends per sliding window. Zero limit
	// disables rate limiting.
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`

	// Authentication for this provider's webhook, overriding the global
	// webhook settings. Secret-valued fields are references.
	HMACSecret    string `mapstructure:"hmac_secret"`
	HMACAlgorithm string `mapstructure:"hmac_algorithm"`
	HMACHeader    string `mapstructure:"hmac_header"`
	Secret        string `mapstructure:"secret"`
}

// WebhookConfig configures the HTTP front door.
type WebhookConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the generic webhook path.
	Path string `mapstructure:"path"`

	// Global authentication, used when the target provider has none.
	// Secret-valued fields are references.
	HMACSecret    string `mapstructure:"hmac_secret"`
	HMACAlgorithm string `mapstructure:"hmac_algorithm"`
	HMACHeader    string `mapstructure:"hmac_header"`
	Secret        string `mapstructure:"secret"`

	// AllowedIPs restricts webhook callers. Empty means no restriction.
	AllowedIPs []string `mapstructure:"allowed_ips"`

	MaxPayloadSize int64         `mapstructure:"max_payload_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SecretsConfig tunes the secret manager.
type SecretsConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	CacheMaxSize int           `mapstructure:"cache_max_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`

	// RotationSchedule is a cron expression enabling rotation detection.
	// Empty disables it.
	RotationSchedule string `mapstructure:"rotation_schedule"`
	// VerifyOnRotation re-runs credential verification for affected
	// accounts after a rotation.
	VerifyOnRotation bool `mapstructure:"verify_on_rotation"`
}

// TelemetryConfig toggles the Prometheus metrics endpoint.
type TelemetryConfig struct {
	// Enabled exposes /metrics on the webhook server.
	Enabled bool `mapstructure:"enabled"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CRIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Webhook.Port == 0 {
		c.Webhook.Port = DefaultWebhookPort
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = DefaultWebhookPath
	}
	if c.Webhook.MaxPayloadSize == 0 {
		c.Webhook.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.Webhook.RequestTimeout == 0 {
		c.Webhook.RequestTimeout = DefaultRequestTimeout
	}
	if c.Webhook.HMACHeader == "" {
		c.Webhook.HMACHeader = DefaultHMACHeader
	}
	if c.Webhook.HMACAlgorithm == "" {
		c.Webhook.HMACAlgorithm = DefaultHMACAlgorithm
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(xdg.CacheHome, "crier")
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind == KindPush && p.Push == nil {
			p.Push = &PushConfig{}
		}
		if p.Push != nil {
			if p.Push.HMACHeader == "" {
				p.Push.HMACHeader = c.Webhook.HMACHeader
			}
			if p.Push.HMACAlgorithm == "" {
				p.Push.HMACAlgorithm = c.Webhook.HMACAlgorithm
			}
			if p.Push.RateWindow == 0 {
				p.Push.RateWindow = time.Minute
			}
		}
		if p.Kind == KindMultiJSONCommand && p.MultiJSONCommand != nil && p.MultiJSONCommand.UniqueKey == "" {
			p.MultiJSONCommand.UniqueKey = "id"
		}
	}
}

// CacheFilePath returns the processed-item cache file for a provider.
func (c *Config) CacheFilePath(provider string) string {
	return filepath.Join(c.CacheDir, fmt.Sprintf("%s_processed.json", provider))
}

// FindProvider returns the provider config with the given name.
func (c *Config) FindProvider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}
