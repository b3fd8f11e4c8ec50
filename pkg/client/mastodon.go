package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/crier-bot/crier/pkg/message"
	"github.com/crier-bot/crier/pkg/networking"
)

// MastodonClient posts to Mastodon-family servers (Mastodon, Pleroma,
// GoToSocial) through the v1 statuses API.
type MastodonClient struct {
	httpClient *http.Client
}

// NewMastodonClient creates a client using the given HTTP client.
func NewMastodonClient(httpClient *http.Client) *MastodonClient {
	return &MastodonClient{httpClient: httpClient}
}

type mastodonStatusRequest struct {
	Status     string   `json:"status"`
	Visibility string   `json:"visibility,omitempty"`
	MediaIDs   []string `json:"media_ids,omitempty"`
}

type mastodonStatusResponse struct {
	ID string `json:"id"`
}

type mastodonMediaResponse struct {
	ID string `json:"id"`
}

type mastodonAccountResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// PostStatus implements Poster.
func (c *MastodonClient) PostStatus(
	ctx context.Context,
	account *Account,
	text string,
	attachments []message.Attachment,
	visibility message.Visibility,
) (PostID, error) {
	op := fmt.Sprintf("posting status to %s", account.Name)

	mediaIDs := make([]string, 0, len(attachments))
	for i := range attachments {
		id, err := c.uploadMedia(ctx, account, &attachments[i])
		if err != nil {
			return "", classifyUpstream(fmt.Sprintf("uploading attachment %d for %s", i, account.Name), err)
		}
		mediaIDs = append(mediaIDs, id)
	}

	result, err := withRetry(ctx, func() (mastodonStatusResponse, error) {
		var resp mastodonStatusResponse
		err := doJSON(ctx, c.httpClient, http.MethodPost,
			account.BaseURL+"/api/v1/statuses",
			c.authHeaders(account),
			mastodonStatusRequest{
				Status:     text,
				Visibility: string(visibility),
				MediaIDs:   mediaIDs,
			},
			&resp,
		)
		return resp, err
	})
	if err != nil {
		return "", classifyUpstream(op, err)
	}
	return PostID(result.ID), nil
}

// VerifyCredentials implements Poster.
func (c *MastodonClient) VerifyCredentials(ctx context.Context, account *Account) (AccountInfo, error) {
	var resp mastodonAccountResponse
	err := doJSON(ctx, c.httpClient, http.MethodGet,
		account.BaseURL+"/api/v1/accounts/verify_credentials",
		c.authHeaders(account), nil, &resp)
	if err != nil {
		return AccountInfo{}, classifyUpstream(fmt.Sprintf("verifying credentials for %s", account.Name), err)
	}
	return AccountInfo{ID: resp.ID, Username: resp.Username, DisplayName: resp.DisplayName}, nil
}

func (c *MastodonClient) uploadMedia(ctx context.Context, account *Account, att *message.Attachment) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := att.Filename
	if filename == "" {
		filename = "attachment"
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return "", fmt.Errorf("writing attachment data: %w", err)
	}
	if att.Description != "" {
		if err := writer.WriteField("description", att.Description); err != nil {
			return "", fmt.Errorf("writing attachment description: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing multipart body: %w", err)
	}

	url := account.BaseURL + "/api/v2/media"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("building media request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+account.Credentials().AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading media: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return "", fmt.Errorf("reading media response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", networking.NewHTTPError(resp.StatusCode, url, string(raw))
	}

	var media mastodonMediaResponse
	if err := json.Unmarshal(raw, &media); err != nil {
		return "", fmt.Errorf("decoding media response: %w", err)
	}
	return media.ID, nil
}

func (*MastodonClient) authHeaders(account *Account) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + account.Credentials().AccessToken,
	}
}
