package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"

	secretmanager "google.golang.org/api/secretmanager/v1"
)

const gcpPrefix = "gcp://"

// gcpAccessAPI is the slice of the Secret Manager service used here.
type gcpAccessAPI interface {
	AccessVersion(ctx context.Context, name string) (string, error)
}

// GCPProvider resolves "gcp://project/name[?version=V]" references from
// Google Secret Manager, defaulting to the latest version.
type GCPProvider struct {
	mu     sync.Mutex
	client gcpAccessAPI

	// newClient is replaceable in tests
	newClient func(ctx context.Context) (gcpAccessAPI, error)
}

// NewGCPProvider creates a Secret Manager backed provider using
// application default credentials.
func NewGCPProvider() *GCPProvider {
	return &GCPProvider{
		newClient: func(ctx context.Context) (gcpAccessAPI, error) {
			svc, err := secretmanager.NewService(ctx)
			if err != nil {
				return nil, fmt.Errorf("creating secret manager service: %w", err)
			}
			return &gcpService{svc: svc}, nil
		},
	}
}

// gcpService adapts the generated REST client to gcpAccessAPI.
type gcpService struct {
	svc *secretmanager.Service
}

func (g *gcpService) AccessVersion(ctx context.Context, name string) (string, error) {
	resp, err := g.svc.Projects.Secrets.Versions.Access(name).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if resp.Payload == nil {
		return "", fmt.Errorf("secret version %s has no payload", name)
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Payload.Data)
	if err != nil {
		return "", fmt.Errorf("decoding secret payload: %w", err)
	}
	return string(decoded), nil
}

// Name implements Provider.
func (*GCPProvider) Name() string {
	return "gcp"
}

// CanHandle implements Provider.
func (*GCPProvider) CanHandle(ref string) bool {
	return strings.HasPrefix(ref, gcpPrefix)
}

// Resolve implements Provider.
func (p *GCPProvider) Resolve(ctx context.Context, ref string) (string, error) {
	name, err := parseGCPRef(ref)
	if err != nil {
		return "", err
	}

	client, err := p.clientFor(ctx)
	if err != nil {
		return "", err
	}
	value, err := client.AccessVersion(ctx, name)
	if err != nil {
		return "", fmt.Errorf("reading GCP secret %s: %w", name, err)
	}
	return value, nil
}

// TestConnection implements Provider. Building the authenticated service
// exercises credential discovery.
func (p *GCPProvider) TestConnection(ctx context.Context) error {
	_, err := p.clientFor(ctx)
	return err
}

func (p *GCPProvider) clientFor(ctx context.Context) (gcpAccessAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// parseGCPRef maps gcp://project/name[?version=V] onto the full resource
// name projects/P/secrets/N/versions/V, with version defaulting to latest.
func parseGCPRef(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("malformed gcp reference %s: %w", MaskReference(ref), err)
	}
	project := u.Host
	name := strings.Trim(u.Path, "/")
	if project == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("gcp reference %s must be gcp://project/name", MaskReference(ref))
	}
	version := u.Query().Get("version")
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version), nil
}
