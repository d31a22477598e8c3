// Package httpx wraps outbound HTTP calls to the platform with a bounded
// timeout and a single retry for idempotent reads.
package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxBodySize caps how much of a platform response is read.
const MaxBodySize = 1 << 20 // 1MB

// ErrUnavailable marks transport failures: the request never produced a response.
var ErrUnavailable = errors.New("httpx: upstream unavailable")

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends requests through a Doer. GET and HEAD requests are retried
// once after a transport error; other methods are attempted exactly once.
type Client struct {
	doer       Doer
	retryDelay time.Duration
}

// New returns a Client backed by an http.Client with timeout.
func New(timeout time.Duration) *Client {
	return &Client{doer: &http.Client{Timeout: timeout}, retryDelay: 200 * time.Millisecond}
}

// NewWithDoer wraps an existing Doer, e.g. an httptest server client.
func NewWithDoer(d Doer) *Client {
	return &Client{doer: d, retryDelay: 10 * time.Millisecond}
}

// Do sends req. A transport error is wrapped with ErrUnavailable.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		resp, err := c.doer.Do(req)
		if err != nil {
			return nil, errors.Join(ErrUnavailable, err)
		}
		return resp, nil
	}

	var resp *http.Response
	op := func() error {
		r, err := c.doer.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), 1), req.Context())
	if err := backoff.Retry(op, b); err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return resp, nil
}

// Get is a convenience for GET requests with optional headers.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.Do(req)
}

// ReadBody reads at most MaxBodySize bytes and closes the body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
}
