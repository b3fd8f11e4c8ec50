package networking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	// DefaultMaxResponseSize is the default maximum response body size (1MB).
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize is the maximum size of error body preview in HTTPError.
	DefaultErrorPreviewSize = 1024

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"
)

// FetchJSON performs a GET request and decodes the JSON response into T.
// The response body is capped at DefaultMaxResponseSize. Non-2xx
// responses yield an HTTPError carrying a body preview.
func FetchJSON[T any](ctx context.Context, client *http.Client, url string, headers map[string]string) (T, error) {
	var zero T

	body, err := FetchBody(ctx, client, url, headers)
	if err != nil {
		return zero, err
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return zero, fmt.Errorf("decoding JSON response from %s: %w", url, err)
	}
	return data, nil
}

// PostJSON sends body as JSON and decodes the JSON response into T,
// with the same size cap and error shaping as FetchJSON.
func PostJSON[T any](ctx context.Context, client *http.Client, url string, headers map[string]string, body any) (T, error) {
	var zero T

	encoded, err := json.Marshal(body)
	if err != nil {
		return zero, fmt.Errorf("encoding request body for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return zero, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", ContentTypeJSON)
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	raw, err := doRead(client, req)
	if err != nil {
		return zero, err
	}
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return zero, fmt.Errorf("decoding JSON response from %s: %w", url, err)
	}
	return data, nil
}

// FetchBody performs a GET request and returns the raw response body,
// capped at DefaultMaxResponseSize.
func FetchBody(ctx context.Context, client *http.Client, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	return doRead(client, req)
}

func doRead(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, DefaultMaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", req.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := body
		if len(preview) > DefaultErrorPreviewSize {
			preview = preview[:DefaultErrorPreviewSize]
		}
		return nil, NewHTTPError(resp.StatusCode, req.URL.String(), string(preview))
	}
	return body, nil
}
