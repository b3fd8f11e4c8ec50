package secrets

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

const azurePrefix = "azure://"

// azureSecretsAPI is the slice of the Key Vault client used here.
type azureSecretsAPI interface {
	GetSecret(
		ctx context.Context,
		name string,
		version string,
		options *azsecrets.GetSecretOptions,
	) (azsecrets.GetSecretResponse, error)
}

// AzureProvider resolves "azure://vault/name[?version=V]" references from
// Azure Key Vault using the default credential chain.
type AzureProvider struct {
	// clients are created lazily per vault
	mu      sync.Mutex
	clients map[string]azureSecretsAPI

	// newClient is replaceable in tests
	newClient func(vault string) (azureSecretsAPI, error)
}

// NewAzureProvider creates a Key Vault backed provider.
func NewAzureProvider() *AzureProvider {
	return &AzureProvider{
		clients: make(map[string]azureSecretsAPI),
		newClient: func(vault string) (azureSecretsAPI, error) {
			cred, err := azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return nil, fmt.Errorf("creating azure credential: %w", err)
			}
			vaultURL := fmt.Sprintf("https://%s.vault.azure.net", vault)
			return azsecrets.NewClient(vaultURL, cred, nil)
		},
	}
}

// Name implements Provider.
func (*AzureProvider) Name() string {
	return "azure"
}

// CanHandle implements Provider.
func (*AzureProvider) CanHandle(ref string) bool {
	return strings.HasPrefix(ref, azurePrefix)
}

// Resolve implements Provider.
func (p *AzureProvider) Resolve(ctx context.Context, ref string) (string, error) {
	vault, name, version, err := parseAzureRef(ref)
	if err != nil {
		return "", err
	}

	client, err := p.clientFor(vault)
	if err != nil {
		return "", err
	}

	resp, err := client.GetSecret(ctx, name, version, nil)
	if err != nil {
		return "", fmt.Errorf("reading azure secret %s/%s: %w", vault, name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("azure secret %s/%s has no value", vault, name)
	}
	return *resp.Value, nil
}

// TestConnection implements Provider. Credential acquisition is the only
// probe that does not require naming a vault.
func (*AzureProvider) TestConnection(_ context.Context) error {
	_, err := azidentity.NewDefaultAzureCredential(nil)
	return err
}

func (p *AzureProvider) clientFor(vault string) (azureSecretsAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[vault]; ok {
		return client, nil
	}
	client, err := p.newClient(vault)
	if err != nil {
		return nil, err
	}
	p.clients[vault] = client
	return client, nil
}

func parseAzureRef(ref string) (vault, name, version string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", "", fmt.Errorf("malformed azure reference %s: %w", MaskReference(ref), err)
	}
	vault = u.Host
	name = strings.Trim(u.Path, "/")
	if vault == "" || name == "" || strings.Contains(name, "/") {
		return "", "", "", fmt.Errorf("azure reference %s must be azure://vault/name", MaskReference(ref))
	}
	return vault, name, u.Query().Get("version"), nil
}
