package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	awsPrefix = "aws://"

	// defaultAWSRegion is used when neither the reference nor the
	// environment names a region.
	defaultAWSRegion = "us-east-1"
)

// awsSecretsAPI is the slice of the Secrets Manager client used here.
type awsSecretsAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider resolves "aws://name[?key=field&region=R]" references from
// AWS Secrets Manager. Secrets holding JSON objects are subject to the
// shared key-selection rule; non-JSON secrets resolve to their raw string.
type AWSProvider struct {
	// clients are created lazily per region
	mu      sync.Mutex
	clients map[string]awsSecretsAPI

	// newClient is replaceable in tests
	newClient func(ctx context.Context, region string) (awsSecretsAPI, error)
}

// NewAWSProvider creates a Secrets Manager backed provider.
func NewAWSProvider() *AWSProvider {
	return &AWSProvider{
		clients: make(map[string]awsSecretsAPI),
		newClient: func(ctx context.Context, region string) (awsSecretsAPI, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("loading AWS config: %w", err)
			}
			return secretsmanager.NewFromConfig(cfg), nil
		},
	}
}

// Name implements Provider.
func (*AWSProvider) Name() string {
	return "aws"
}

// CanHandle implements Provider.
func (*AWSProvider) CanHandle(ref string) bool {
	return strings.HasPrefix(ref, awsPrefix)
}

// Resolve implements Provider.
func (p *AWSProvider) Resolve(ctx context.Context, ref string) (string, error) {
	name, key, region, err := parseAWSRef(ref)
	if err != nil {
		return "", err
	}

	client, err := p.clientFor(ctx, region)
	if err != nil {
		return "", err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		return "", fmt.Errorf("reading AWS secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("AWS secret %s has no string value", name)
	}

	raw := *out.SecretString
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		// Not a JSON object: the whole string is the secret. An explicit
		// key selector cannot apply.
		if key != "" {
			return "", fmt.Errorf("AWS secret %s is not JSON; field %q cannot be selected", name, key)
		}
		return raw, nil
	}
	return pickField(fields, key, ref)
}

// TestConnection implements Provider. Probes with a lookup of a secret
// that is not expected to exist; any response other than a connection
// error proves reachability.
func (p *AWSProvider) TestConnection(ctx context.Context) error {
	client, err := p.clientFor(ctx, regionFromEnv())
	if err != nil {
		return err
	}
	probe := "crier-connection-probe"
	_, err = client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &probe})
	if err != nil && strings.Contains(err.Error(), "ResourceNotFoundException") {
		return nil
	}
	return err
}

func (p *AWSProvider) clientFor(ctx context.Context, region string) (awsSecretsAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[region]; ok {
		return client, nil
	}
	client, err := p.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	p.clients[region] = client
	return client, nil
}

func parseAWSRef(ref string) (name, key, region string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", "", fmt.Errorf("malformed aws reference %s: %w", MaskReference(ref), err)
	}
	name = strings.TrimPrefix(u.Host+u.Path, "/")
	if name == "" {
		return "", "", "", fmt.Errorf("aws reference %s has no secret name", MaskReference(ref))
	}
	region = u.Query().Get("region")
	if region == "" {
		region = regionFromEnv()
	}
	return name, u.Query().Get("key"), region, nil
}

func regionFromEnv() string {
	for _, env := range []string{"AWS_REGION", "AWS_DEFAULT_REGION"} {
		if r := os.Getenv(env); r != "" {
			return r
		}
	}
	return defaultAWSRegion
}
