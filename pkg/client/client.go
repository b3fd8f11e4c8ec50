package client

import (
	"context"

	"github.com/crier-bot/crier/pkg/message"
)

// PostID identifies a created status on the remote service.
type PostID string

// AccountInfo is the remote identity returned by credential verification.
type AccountInfo struct {
	ID          string
	Username    string
	DisplayName string
}

// Poster is the contract the dispatch engine posts through. Implementations
// exist per backend kind; tests substitute fakes.
type Poster interface {
	// PostStatus creates a status on the account's backend. Errors are
	// classified as upstream-transient or upstream-permanent.
	PostStatus(
		ctx context.Context,
		account *Account,
		text string,
		attachments []message.Attachment,
		visibility message.Visibility,
	) (PostID, error)

	// VerifyCredentials checks that the account's credentials are valid.
	VerifyCredentials(ctx context.Context, account *Account) (AccountInfo, error)
}
