// Package client defines the posting contract against remote social
// backends and the account records it operates on.
package client

import (
	"sync/atomic"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/message"
)

// Credentials is the resolved secret material for one account.
type Credentials struct {
	// AccessToken authenticates token-based backends (mastodon family).
	AccessToken string
	// Identifier and Password authenticate session-login backends
	// (bluesky).
	Identifier string
	Password   string
}

// Account is a posting identity. Credentials are swapped atomically when
// the rotation detector observes a change, so readers never block.
type Account struct {
	Name              string
	Backend           string
	BaseURL           string
	DefaultVisibility message.Visibility

	// TokenRef / PasswordRef are the secret references the credentials
	// were resolved from; the rotation detector keys on them.
	TokenRef    string
	PasswordRef string

	creds atomic.Pointer[Credentials]
}

// NewAccount builds an account record from its config and resolved
// credentials.
func NewAccount(cfg *config.AccountConfig, creds Credentials) *Account {
	a := &Account{
		Name:              cfg.Name,
		Backend:           cfg.Backend,
		BaseURL:           cfg.BaseURL,
		DefaultVisibility: message.Visibility(cfg.DefaultVisibility),
		TokenRef:          cfg.AccessToken,
		PasswordRef:       cfg.Password,
	}
	a.creds.Store(&creds)
	return a
}

// Credentials returns the current credential snapshot.
func (a *Account) Credentials() Credentials {
	return *a.creds.Load()
}

// SetCredentials replaces the credentials atomically.
func (a *Account) SetCredentials(creds Credentials) {
	a.creds.Store(&creds)
}
