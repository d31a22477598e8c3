// Package cas implements the legacy CAS 1.0 login used by instructors
// outside of Canvas.
package cas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mattmallon/quickcheck/pkg/common/httpx"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
)

// DevTicket stands in for a real ticket when running locally, where CAS cannot
// redirect back to localhost.
const DevTicket = "localdevdummyvalue"

var (
	ErrCASRejected    = errors.New("cas: ticket rejected")
	ErrCASUnavailable = errors.New("cas: validation service unavailable")
)

type Config struct {
	LoginURL    string
	ValidateURL string
	// Service is the cassvc permission code.
	Service string
	// ReturnURL is where CAS sends the browser back with a casticket.
	ReturnURL   string
	DevUsername string
	Local       bool
}

type Client struct {
	cfg  Config
	http *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Client {
	return &Client{cfg: cfg, http: hc}
}

// LoginURL is where to send a browser that has no ticket yet. Locally it
// points straight back at the return URL with DevTicket.
func (c *Client) LoginURL() string {
	if c.cfg.Local {
		return c.cfg.ReturnURL + "?casticket=" + DevTicket
	}
	q := url.Values{}
	q.Set("cassvc", c.cfg.Service)
	q.Set("casurl", c.cfg.ReturnURL)
	return c.cfg.LoginURL + "?" + q.Encode()
}

// Username validates ticket and returns the CAS username.
func (c *Client) Username(ctx context.Context, ticket string) (string, error) {
	const op = "cas.Username"

	if ticket == "" {
		return "", fmt.Errorf("%s: %w: empty ticket", op, ErrCASRejected)
	}
	if c.cfg.Local && ticket == DevTicket {
		return c.cfg.DevUsername, nil
	}

	q := url.Values{}
	q.Set("cassvc", c.cfg.Service)
	q.Set("casticket", ticket)
	q.Set("casurl", c.cfg.ReturnURL)
	resp, err := c.http.Get(ctx, c.cfg.ValidateURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrCASUnavailable, err)
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrCASUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %w: status %d", op, ErrCASUnavailable, resp.StatusCode)
	}

	username, ok := parseAnswer(string(body))
	if !ok {
		logger.Info("cas: ticket rejected")
		return "", fmt.Errorf("%s: %w", op, ErrCASRejected)
	}
	return username, nil
}

// parseAnswer reads the two line CAS 1.0 reply: "yes" or "no", then the
// username when the first line is "yes".
func parseAnswer(body string) (string, bool) {
	access, username, _ := strings.Cut(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	if strings.TrimSpace(access) != "yes" {
		return "", false
	}
	username, _, _ = strings.Cut(username, "\n")
	username = strings.TrimSpace(username)
	return username, username != ""
}
