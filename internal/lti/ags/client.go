// Package ags is a client for LTI Advantage Assignment and Grade Services.
package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattmallon/quickcheck/internal/lti/servicetoken"
	"github.com/mattmallon/quickcheck/pkg/common/httpx"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/common/metrics"
)

const (
	MediaLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	MediaLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	MediaScore             = "application/vnd.ims.lis.v1.score+json"
	MediaResultContainer   = "application/vnd.ims.lis.v2.resultcontainer+json"
)

// Activity and grading progress values for scores.
const (
	ActivityInitialized = "Initialized"
	ActivityStarted     = "Started"
	ActivityInProgress  = "InProgress"
	ActivitySubmitted   = "Submitted"
	ActivityCompleted   = "Completed"

	GradingFullyGraded   = "FullyGraded"
	GradingPending       = "Pending"
	GradingPendingManual = "PendingManual"
	GradingFailed        = "Failed"
	GradingNotReady      = "NotReady"
)

// maxPages bounds GetAllLineItems against a platform that links pages in a loop.
const maxPages = 100

// TokenSource issues bearer tokens for an issuer.
type TokenSource interface {
	GetToken(ctx context.Context, issuer string) (string, error)
}

type forgetter interface {
	Forget(ctx context.Context, issuer string) error
}

type LineItem struct {
	ID             string  `json:"id,omitempty"`
	Label          string  `json:"label"`
	ScoreMaximum   float64 `json:"scoreMaximum"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"`
	EndDateTime    string  `json:"endDateTime,omitempty"`
}

// Score is the body posted to a line item's scores endpoint.
type Score struct {
	UserID           string    `json:"userId"`
	ActivityProgress string    `json:"activityProgress"`
	GradingProgress  string    `json:"gradingProgress"`
	Timestamp        time.Time `json:"timestamp"`
	ScoreGiven       *float64  `json:"scoreGiven,omitempty"`
	ScoreMaximum     *float64  `json:"scoreMaximum,omitempty"`
	Comment          string    `json:"comment,omitempty"`
}

type Result struct {
	ID            string   `json:"id"`
	ScoreOf       string   `json:"scoreOf"`
	UserID        string   `json:"userId"`
	ResultScore   *float64 `json:"resultScore,omitempty"`
	ResultMaximum *float64 `json:"resultMaximum,omitempty"`
	Comment       string   `json:"comment,omitempty"`
}

// Client talks to one issuer's AGS endpoints.
type Client struct {
	issuer  string
	tokens  TokenSource
	http    *httpx.Client
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Client)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func NewClient(issuer string, tokens TokenSource, client *httpx.Client, opts ...Option) *Client {
	c := &Client{issuer: issuer, tokens: tokens, http: client, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateLineItem adds a gradebook column to the container at lineItemsURL.
func (c *Client) CreateLineItem(ctx context.Context, lineItemsURL string, maxScore float64, label string) (*LineItem, error) {
	const op = "ags.CreateLineItem"

	status, _, body, err := c.send(ctx, http.MethodPost, lineItemsURL, MediaLineItem, MediaLineItem,
		LineItem{Label: label, ScoreMaximum: maxScore})
	if err != nil {
		c.metrics.Passback("create_line_item", "error")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := checkStatus(status, body); err != nil {
		c.metrics.Passback("create_line_item", "error")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var li LineItem
	if err := decode(body, &li); err != nil {
		c.metrics.Passback("create_line_item", "error")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.metrics.Passback("create_line_item", "ok")
	return &li, nil
}

// GetLineItem reads one line item.
func (c *Client) GetLineItem(ctx context.Context, lineItemURL string) (*LineItem, error) {
	const op = "ags.GetLineItem"

	status, _, body, err := c.send(ctx, http.MethodGet, lineItemURL, MediaLineItem, "", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := checkStatus(status, body); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var li LineItem
	if err := decode(body, &li); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &li, nil
}

// GetAllLineItems reads every page of the container at lineItemsURL. A
// container still linking a next page after maxPages is an error.
func (c *Client) GetAllLineItems(ctx context.Context, lineItemsURL string) ([]LineItem, error) {
	const op = "ags.GetAllLineItems"

	var all []LineItem
	next := lineItemsURL
	for page := 0; next != "" && page < maxPages; page++ {
		status, header, body, err := c.send(ctx, http.MethodGet, next, MediaLineItemContainer, "", nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := checkStatus(status, body); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		var items []LineItem
		if err := decode(body, &items); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		all = append(all, items...)
		next = nextLink(header)
	}
	if next != "" {
		logger.Warn("ags: line item container %s still paging after %d pages", lineItemsURL, maxPages)
		return nil, fmt.Errorf("%s: %w: stopped after %d", op, ErrTooManyPages, maxPages)
	}
	return all, nil
}

// GetResult returns userID's current score on the line item, or nil when the
// platform has none.
func (c *Client) GetResult(ctx context.Context, lineItemURL, userID string) (*float64, error) {
	const op = "ags.GetResult"

	u, err := subresource(lineItemURL, "results")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	status, _, body, err := c.send(ctx, http.MethodGet, u.String(), MediaResultContainer, "", nil)
	if err != nil {
		return nil, c.passbackFailure(op, "get_result", err)
	}
	if err := c.classifyResponse(status, body, true); err != nil {
		return nil, c.passbackFailure(op, "get_result", err)
	}
	var results []Result
	if err := decode(body, &results); err != nil {
		return nil, c.passbackFailure(op, "get_result", err)
	}
	c.metrics.Passback("get_result", "ok")
	for _, r := range results {
		if r.UserID == userID || r.UserID == "" {
			return r.ResultScore, nil
		}
	}
	return nil, nil
}

// PostScore publishes a score for one user.
func (c *Client) PostScore(ctx context.Context, lineItemURL string, s Score) error {
	const op = "ags.PostScore"

	u, err := subresource(lineItemURL, "scores")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	s.Timestamp = s.Timestamp.UTC().Truncate(time.Millisecond)

	status, _, body, err := c.send(ctx, http.MethodPost, u.String(), "application/json", MediaScore, s)
	if err != nil {
		return c.passbackFailure(op, "post_score", err)
	}
	if err := c.classifyResponse(status, body, false); err != nil {
		return c.passbackFailure(op, "post_score", err)
	}
	c.metrics.Passback("post_score", "ok")
	logger.Debug("ags: score posted user=%s line_item=%s", s.UserID, lineItemURL)
	return nil
}

// classifyResponse turns error statuses and "errors" payloads into a
// *GradePassbackError. requireBody rejects an empty 2xx body.
func (c *Client) classifyResponse(status int, body []byte, requireBody bool) error {
	trimmed := bytes.TrimSpace(body)
	if msgs, ok := platformErrors(trimmed); ok {
		detail := strings.Join(msgs, "; ")
		return newPassbackError(classify(status, detail), status, detail, nil)
	}
	if status < 200 || status > 299 {
		detail := ""
		if len(trimmed) > 0 && len(trimmed) < 500 {
			detail = string(trimmed)
		}
		return newPassbackError(classify(status, detail), status, detail, nil)
	}
	if len(trimmed) == 0 {
		if requireBody {
			return ErrEmptyResponse
		}
		return nil
	}
	if !json.Valid(trimmed) {
		return ErrMalformedResponse
	}
	return nil
}

// passbackFailure logs and wraps err. Transport failures count as an
// unresponsive platform.
func (c *Client) passbackFailure(op, metric string, err error) error {
	if errors.Is(err, httpx.ErrUnavailable) || errors.Is(err, servicetoken.ErrPlatformUnavailable) {
		err = newPassbackError(PlatformUnresponsive, 0, "", err)
	}
	if pe, ok := AsPassbackError(err); ok {
		c.metrics.Passback(metric, pe.Kind.String())
		if pe.Kind == GradebookTransactionFailed {
			logger.Error("ags: %s failed: %v", op, pe)
		} else {
			logger.Info("ags: %s: %v", op, pe)
		}
		return fmt.Errorf("%s: %w", op, pe)
	}
	c.metrics.Passback(metric, "error")
	return fmt.Errorf("%s: %w", op, err)
}

// send performs one authorized request and reads the whole response.
func (c *Client) send(ctx context.Context, method, target, accept, contentType string, payload any) (int, http.Header, []byte, error) {
	token, err := c.tokens.GetToken(ctx, c.issuer)
	if err != nil {
		return 0, nil, nil, err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", accept)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	raw, err := httpx.ReadBody(resp)
	if err != nil {
		return 0, nil, nil, errors.Join(httpx.ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if f, ok := c.tokens.(forgetter); ok {
			_ = f.Forget(ctx, c.issuer)
		}
	}
	return resp.StatusCode, resp.Header, raw, nil
}

func checkStatus(status int, body []byte) error {
	if status >= 200 && status <= 299 {
		return nil
	}
	if msgs, ok := platformErrors(bytes.TrimSpace(body)); ok {
		return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, status, strings.Join(msgs, "; "))
	}
	if status >= 500 {
		return fmt.Errorf("%w: %w: status %d", ErrRequestFailed, httpx.ErrUnavailable, status)
	}
	return fmt.Errorf("%w: status %d", ErrRequestFailed, status)
}

func decode(body []byte, v any) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// subresource appends name to the line item path, keeping any query.
func subresource(lineItemURL, name string) (*url.URL, error) {
	u, err := url.Parse(lineItemURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("ags: invalid line item url %q", lineItemURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + name
	u.RawPath = ""
	return u, nil
}

// nextLink returns the rel="next" target of an RFC 8288 Link header.
func nextLink(h http.Header) string {
	for _, v := range h.Values("Link") {
		for _, part := range strings.Split(v, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(segs[0]), "<>")
			for _, p := range segs[1:] {
				p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
				if p == `rel="next"` || p == "rel=next" {
					return target
				}
			}
		}
	}
	return ""
}
