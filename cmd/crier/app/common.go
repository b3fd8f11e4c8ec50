package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/crier-bot/crier/pkg/client"
	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/dispatch"
	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/networking"
	"github.com/crier-bot/crier/pkg/providers"
	"github.com/crier-bot/crier/pkg/secrets"
	"github.com/crier-bot/crier/pkg/telemetry"
	"github.com/crier-bot/crier/pkg/versions"
)

// appRuntime bundles the wired service components shared by the
// subcommands.
type appRuntime struct {
	cfg      *config.Config
	manager  *secrets.Manager
	hub      *client.Hub
	registry *providers.Registry
	engine   *dispatch.Engine
	tele     *telemetry.Provider
}

// buildRuntime loads the configuration and wires the service: secret
// manager, account hub with resolved credentials, provider registry,
// telemetry, and the dispatch engine.
func buildRuntime(ctx context.Context) (*appRuntime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	manager := newSecretManager(cfg)
	httpClient := networking.NewHttpClientBuilder().Build()

	hub := client.NewHub(httpClient)
	for i := range cfg.Accounts {
		ac := &cfg.Accounts[i]
		creds, err := resolveCredentials(ctx, manager, ac)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", ac.Name, err)
		}
		if err := hub.AddAccount(client.NewAccount(ac, creds)); err != nil {
			return nil, err
		}
	}

	registry, err := providers.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	tele, err := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "crier",
		ServiceVersion: versions.GetVersionInfo().Version,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, err
	}

	engine, err := dispatch.NewEngine(cfg, registry, hub, tele)
	if err != nil {
		return nil, err
	}

	return &appRuntime{
		cfg:      cfg,
		manager:  manager,
		hub:      hub,
		registry: registry,
		engine:   engine,
		tele:     tele,
	}, nil
}

func newSecretManager(cfg *config.Config) *secrets.Manager {
	chain := []secrets.Provider{
		secrets.NewEnvProvider(),
		secrets.NewFileProvider(),
		secrets.NewAWSProvider(),
		secrets.NewGCPProvider(),
		secrets.NewAzureProvider(),
	}
	if vault, err := secrets.NewVaultProvider(); err == nil {
		chain = append(chain, vault)
	} else {
		logger.Debugw("vault provider unavailable", "error", err)
	}
	return secrets.NewManager(secrets.ManagerOptions{
		CacheTTL:     cfg.Secrets.CacheTTL,
		CacheMaxSize: cfg.Secrets.CacheMaxSize,
		MaxAttempts:  cfg.Secrets.MaxAttempts,
	}, chain...)
}

func resolveCredentials(ctx context.Context, manager *secrets.Manager, ac *config.AccountConfig) (client.Credentials, error) {
	creds := client.Credentials{Identifier: ac.Identifier}
	if ac.AccessToken != "" {
		value, err := resolveValue(ctx, manager, ac.AccessToken)
		if err != nil {
			return client.Credentials{}, err
		}
		creds.AccessToken = value
	}
	if ac.Password != "" {
		value, err := resolveValue(ctx, manager, ac.Password)
		if err != nil {
			return client.Credentials{}, err
		}
		creds.Password = value
	}
	return creds, nil
}

// resolveValue resolves recognized secret references and passes literal
// values through. A value that looks like a reference but matches no
// provider is an error, not a silent literal.
func resolveValue(ctx context.Context, manager *secrets.Manager, ref string) (string, error) {
	if manager.CanResolve(ref) {
		result, err := manager.Resolve(ctx, ref)
		if err != nil {
			return "", err
		}
		return result.Value, nil
	}
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "${") {
		_, err := manager.Resolve(ctx, ref)
		return "", err
	}
	return ref, nil
}
