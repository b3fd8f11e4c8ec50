package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/networking"
)

// BlueskyClient posts to Bluesky through the AT protocol XRPC API. A
// session is created per call; Bluesky app-password sessions are cheap
// and short-lived sessions avoid token refresh bookkeeping.
type BlueskyClient struct {
	httpClient *http.Client
}

// NewBlueskyClient creates a client using the given HTTP client.
func NewBlueskyClient(httpClient *http.Client) *BlueskyClient {
	return &BlueskyClient{httpClient: httpClient}
}

type blueskySession struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

type blueskyBlob struct {
	Blob json.RawMessage `json:"blob"`
}

type blueskyCreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// PostStatus implements Poster. Bluesky has no per-post visibility; the
// requested visibility is accepted and ignored.
func (c *BlueskyClient) PostStatus(
	ctx context.Context,
	account *Account,
	text string,
	attachments []message.Attachment,
	_ message.Visibility,
) (PostID, error) {
	op := fmt.Sprintf("posting status to %s", account.Name)

	result, err := withRetry(ctx, func() (blueskyCreateRecordResponse, error) {
		session, err := c.createSession(ctx, account)
		if err != nil {
			return blueskyCreateRecordResponse{}, err
		}

		record := map[string]any{
			"$type":     "app.bsky.feed.post",
			"text":      text,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		}

		if len(attachments) > 0 {
			images := make([]map[string]any, 0, len(attachments))
			for i := range attachments {
				blob, err := c.uploadBlob(ctx, account, session, &attachments[i])
				if err != nil {
					return blueskyCreateRecordResponse{}, fmt.Errorf("uploading attachment %d: %w", i, err)
				}
				images = append(images, map[string]any{
					"alt":   attachments[i].Description,
					"image": blob,
				})
			}
			record["embed"] = map[string]any{
				"$type":  "app.bsky.embed.images",
				"images": images,
			}
		}

		var resp blueskyCreateRecordResponse
		err = doJSON(ctx, c.httpClient, http.MethodPost,
			account.BaseURL+"/xrpc/com.atproto.repo.createRecord",
			map[string]string{"Authorization": "Bearer " + session.AccessJwt},
			map[string]any{
				"repo":       session.DID,
				"collection": "app.bsky.feed.post",
				"record":     record,
			},
			&resp,
		)
		return resp, err
	})
	if err != nil {
		return "", classifyUpstream(op, err)
	}
	return PostID(result.URI), nil
}

// VerifyCredentials implements Poster. A successful session creation
// proves the identifier/password pair.
func (c *BlueskyClient) VerifyCredentials(ctx context.Context, account *Account) (AccountInfo, error) {
	session, err := c.createSession(ctx, account)
	if err != nil {
		return AccountInfo{}, classifyUpstream(fmt.Sprintf("verifying credentials for %s", account.Name), err)
	}
	return AccountInfo{ID: session.DID, Username: session.Handle}, nil
}

func (c *BlueskyClient) createSession(ctx context.Context, account *Account) (*blueskySession, error) {
	creds := account.Credentials()
	var session blueskySession
	err := doJSON(ctx, c.httpClient, http.MethodPost,
		account.BaseURL+"/xrpc/com.atproto.server.createSession",
		nil,
		map[string]string{
			"identifier": creds.Identifier,
			"password":   creds.Password,
		},
		&session,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *BlueskyClient) uploadBlob(
	ctx context.Context,
	account *Account,
	session *blueskySession,
	att *message.Attachment,
) (json.RawMessage, error) {
	url := account.BaseURL + "/xrpc/com.atproto.repo.uploadBlob"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(att.Data))
	if err != nil {
		return nil, fmt.Errorf("building blob request: %w", err)
	}
	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+session.AccessJwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading blob: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading blob response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, networking.NewHTTPError(resp.StatusCode, url, string(raw))
	}

	var blob blueskyBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("decoding blob response: %w", err)
	}
	return blob.Blob, nil
}
