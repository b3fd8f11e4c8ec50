package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const filePrefix = "file://"

// FileProvider resolves "file://path" references by reading the file and
// trimming trailing whitespace. The path may be absolute or relative.
type FileProvider struct{}

// NewFileProvider creates a file-backed provider.
func NewFileProvider() *FileProvider {
	return &FileProvider{}
}

// Name implements Provider.
func (*FileProvider) Name() string {
	return "file"
}

// CanHandle implements Provider.
func (*FileProvider) CanHandle(ref string) bool {
	return strings.HasPrefix(ref, filePrefix)
}

// Resolve implements Provider.
func (*FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	path := strings.TrimPrefix(ref, filePrefix)
	if path == "" {
		return "", fmt.Errorf("file reference has no path")
	}
	// #nosec G304 -- the path comes from operator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// TestConnection implements Provider. Local file access needs no probe.
func (*FileProvider) TestConnection(_ context.Context) error {
	return nil
}
