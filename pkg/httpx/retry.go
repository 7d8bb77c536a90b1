package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// RetryClient fetches HTTP resources, retrying transport errors, 429 and
// 5xx responses with exponential backoff. Other statuses fail immediately.
type RetryClient struct {
	Client *http.Client

	// InitialInterval and MaxElapsedTime tune the backoff. Zero values use
	// 500ms and 1 minute.
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// NewRetryClient returns a RetryClient with a per-attempt timeout.
func NewRetryClient(timeout time.Duration) *RetryClient {
	return &RetryClient{Client: &http.Client{Timeout: timeout}}
}

// Fetch sends a request and returns the response body of the first
// successful attempt.
func (c *RetryClient) Fetch(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error) {
	cli := c.Client
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	var out []byte
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := cli.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			statusErr := &StatusError{Code: resp.StatusCode, Body: string(b)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if c.InitialInterval > 0 {
		bo.InitialInterval = c.InitialInterval
	}
	bo.MaxElapsedTime = time.Minute
	if c.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = c.MaxElapsedTime
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}
