package secrets

import (
	"context"
	"fmt"
	"os"
	"regexp"
)

// envRefRegex matches "${NAME}" environment references.
var envRefRegex = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// EnvProvider resolves "${NAME}" references from the process environment.
type EnvProvider struct{}

// NewEnvProvider creates an environment variable provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Name implements Provider.
func (*EnvProvider) Name() string {
	return "environment"
}

// CanHandle implements Provider.
func (*EnvProvider) CanHandle(ref string) bool {
	return envRefRegex.MatchString(ref)
}

// Resolve implements Provider. An unset variable is an error; an empty
// value is returned as-is.
func (*EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	matches := envRefRegex.FindStringSubmatch(ref)
	if matches == nil {
		return "", fmt.Errorf("not an environment reference: %s", MaskReference(ref))
	}
	name := matches[1]
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return value, nil
}

// TestConnection implements Provider. The environment is always reachable.
func (*EnvProvider) TestConnection(_ context.Context) error {
	return nil
}
