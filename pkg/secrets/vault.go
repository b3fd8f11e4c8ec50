package secrets

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

const vaultPrefix = "vault://"

// vaultLogical is the slice of the Vault client used by the provider.
type vaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*vaultapi.Secret, error)
}

// VaultProvider resolves "vault://path[?key=field]" references against a
// HashiCorp Vault server. Address and token come from the standard
// VAULT_ADDR / VAULT_TOKEN environment, as read by the Vault client.
type VaultProvider struct {
	logical vaultLogical
}

// NewVaultProvider creates a Vault-backed provider using the default
// client configuration.
func NewVaultProvider() (*VaultProvider, error) {
	client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	return &VaultProvider{logical: client.Logical()}, nil
}

// newVaultProviderWithClient is used by tests to inject a fake client.
func newVaultProviderWithClient(logical vaultLogical) *VaultProvider {
	return &VaultProvider{logical: logical}
}

// Name implements Provider.
func (*VaultProvider) Name() string {
	return "vault"
}

// CanHandle implements Provider.
func (*VaultProvider) CanHandle(ref string) bool {
	return strings.HasPrefix(ref, vaultPrefix)
}

// Resolve implements Provider.
func (p *VaultProvider) Resolve(ctx context.Context, ref string) (string, error) {
	path, key, err := parseVaultRef(ref)
	if err != nil {
		return "", err
	}

	secret, err := p.logical.ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("reading vault path %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %s has no secret", path)
	}

	fields := flattenVaultData(secret.Data)
	if len(fields) == 0 {
		return "", fmt.Errorf("vault path %s has no string fields", path)
	}
	return pickField(fields, key, ref)
}

// TestConnection implements Provider. Reads a well-known sys path that
// requires no privileged token.
func (p *VaultProvider) TestConnection(ctx context.Context) error {
	_, err := p.logical.ReadWithContext(ctx, "sys/health")
	return err
}

func parseVaultRef(ref string) (path, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("malformed vault reference %s: %w", MaskReference(ref), err)
	}
	path = strings.TrimPrefix(u.Host+u.Path, "/")
	if path == "" {
		return "", "", fmt.Errorf("vault reference %s has no path", MaskReference(ref))
	}
	return path, u.Query().Get("key"), nil
}

// flattenVaultData extracts string fields, unwrapping the KV v2
// {"data": {...}, "metadata": {...}} envelope when present.
func flattenVaultData(data map[string]any) map[string]string {
	if inner, ok := data["data"].(map[string]any); ok {
		if _, hasMeta := data["metadata"]; hasMeta {
			data = inner
		}
	}
	fields := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return fields
}
