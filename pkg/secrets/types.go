// Package secrets resolves opaque secret references to plaintext values.
//
// A reference is either an environment expansion "${NAME}" or a
// scheme-prefixed URL such as "file://...", "vault://...", "aws://...",
// "azure://..." or "gcp://...". Registered providers are polled in order;
// the first whose CanHandle accepts the reference resolves it.
package secrets

import (
	"context"
	"fmt"
	"time"
)

// Provider resolves references for one backing store.
type Provider interface {
	// Name identifies the provider in results, errors and logs.
	Name() string
	// CanHandle reports whether this provider recognizes the reference.
	CanHandle(ref string) bool
	// Resolve returns the plaintext for the reference.
	Resolve(ctx context.Context, ref string) (string, error)
	// TestConnection probes the backing store non-destructively.
	TestConnection(ctx context.Context) error
}

// Result is a resolved secret with access metadata.
type Result struct {
	// Value is the plaintext secret.
	Value string
	// Provider is the name of the provider that resolved the reference.
	Provider string
	// Source is the masked reference the value came from.
	Source string
	// LastAccessed is when the result was last returned to a caller.
	LastAccessed time.Time
	// AccessCount is how many times the result has been returned.
	AccessCount int
	// Cached reports whether the result was served from the cache.
	Cached bool
}

// Well-known field names tried in order when a vault/aws secret holds
// multiple fields and no explicit key was requested.
var wellKnownFields = []string{"value", "password", "token", "secret"}

// pickField selects the value from a multi-field secret: the explicit key
// if given, the sole field if there is exactly one, else the first
// well-known field present.
func pickField(fields map[string]string, key, ref string) (string, error) {
	if key != "" {
		v, ok := fields[key]
		if !ok {
			return "", fmt.Errorf("secret %s has no field %q", MaskReference(ref), key)
		}
		return v, nil
	}
	if len(fields) == 1 {
		for _, v := range fields {
			return v, nil
		}
	}
	for _, name := range wellKnownFields {
		if v, ok := fields[name]; ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("secret %s has multiple fields and none of the well-known names; specify ?key=", MaskReference(ref))
}

// NoProviderError is returned when no registered provider recognizes a
// reference.
type NoProviderError struct {
	Ref string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no secret provider can handle reference %s", MaskReference(e.Ref))
}

// ResolveError is returned when a provider fails to resolve a reference
// after all retry attempts.
type ResolveError struct {
	Provider string
	Ref      string
	Err      error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("provider %s failed to resolve %s: %v", e.Provider, MaskReference(e.Ref), e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}
