package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/crier-bot/crier/pkg/config"
	"github.com/crier-bot/crier/pkg/logger"
	"github.com/crier-bot/crier/pkg/message"
)

// Hub holds the account table and routes posting calls to the backend
// implementation matching each account. Accounts are added at config
// load; credential rebinding happens through RebindSecret.
type Hub struct {
	mu       sync.RWMutex
	accounts map[string]*Account

	posters map[string]Poster
}

// NewHub creates a hub with backend clients sharing httpClient.
func NewHub(httpClient *http.Client) *Hub {
	return &Hub{
		accounts: make(map[string]*Account),
		posters: map[string]Poster{
			config.BackendMastodon: NewMastodonClient(httpClient),
			config.BackendBluesky:  NewBlueskyClient(httpClient),
		},
	}
}

// AddAccount registers an account. The backend must be known.
func (h *Hub) AddAccount(account *Account) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.posters[account.Backend]; !ok {
		return fmt.Errorf("account %q: no client for backend %q", account.Name, account.Backend)
	}
	if _, dup := h.accounts[account.Name]; dup {
		return fmt.Errorf("account %q already registered", account.Name)
	}
	h.accounts[account.Name] = account
	return nil
}

// Account looks up an account by name.
func (h *Hub) Account(name string) (*Account, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	account, ok := h.accounts[name]
	return account, ok
}

// Accounts returns all registered accounts.
func (h *Hub) Accounts() []*Account {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Account, 0, len(h.accounts))
	for _, account := range h.accounts {
		out = append(out, account)
	}
	return out
}

// PostStatus posts through the backend client of the named account.
func (h *Hub) PostStatus(
	ctx context.Context,
	accountName, text string,
	attachments []message.Attachment,
	visibility message.Visibility,
) (PostID, error) {
	account, poster, err := h.route(accountName)
	if err != nil {
		return "", err
	}
	return poster.PostStatus(ctx, account, text, attachments, visibility)
}

// VerifyCredentials verifies the named account's credentials.
func (h *Hub) VerifyCredentials(ctx context.Context, accountName string) (AccountInfo, error) {
	account, poster, err := h.route(accountName)
	if err != nil {
		return AccountInfo{}, err
	}
	return poster.VerifyCredentials(ctx, account)
}

// RebindSecret swaps the rotated secret value into every account bound
// to ref and returns the affected accounts.
func (h *Hub) RebindSecret(ref, value string) []*Account {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var affected []*Account
	for _, account := range h.accounts {
		creds := account.Credentials()
		switch ref {
		case account.TokenRef:
			creds.AccessToken = value
		case account.PasswordRef:
			creds.Password = value
		default:
			continue
		}
		account.SetCredentials(creds)
		affected = append(affected, account)
		logger.Infow("account credentials rebound after rotation", "account", account.Name)
	}
	return affected
}

func (h *Hub) route(accountName string) (*Account, Poster, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	account, ok := h.accounts[accountName]
	if !ok {
		return nil, nil, fmt.Errorf("unknown account %q", accountName)
	}
	return account, h.posters[account.Backend], nil
}
