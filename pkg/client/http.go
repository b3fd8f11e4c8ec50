package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v5"

	"github.com/crier-bot/crier/pkg/errors"
	"github.com/crier-bot/crier/pkg/networking"
)

// postAttempts is the total number of tries for a retryable upstream call.
const postAttempts = 3

// doJSON sends a request with an optional JSON body and decodes the JSON
// response into out (when non-nil). Non-2xx responses become HTTPErrors.
func doJSON(
	ctx context.Context,
	client *http.Client,
	method, url string,
	headers map[string]string,
	body any,
	out any,
) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", networking.ContentTypeJSON)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, networking.DefaultMaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := raw
		if len(preview) > networking.DefaultErrorPreviewSize {
			preview = preview[:networking.DefaultErrorPreviewSize]
		}
		return networking.NewHTTPError(resp.StatusCode, url, string(preview))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", url, err)
		}
	}
	return nil
}

// withRetry runs op with exponential backoff, retrying only errors the
// networking layer classifies as retryable.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	operation := func() (T, error) {
		value, err := op()
		if err != nil && !networking.IsRetryable(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(postAttempts),
	)
}

// classifyUpstream wraps an upstream failure into the typed error
// taxonomy: retryable failures are transient, the rest permanent.
func classifyUpstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if networking.IsRetryable(err) {
		return errors.NewUpstreamTransientError(op, err)
	}
	return errors.NewUpstreamPermanentError(op, err)
}
