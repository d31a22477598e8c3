// Package servicetoken obtains OAuth2 client-credentials tokens for calling
// platform services, authenticating with a signed JWT assertion.
package servicetoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/mattmallon/quickcheck/internal/lti/platform"
	"github.com/mattmallon/quickcheck/pkg/common/httpx"
	"github.com/mattmallon/quickcheck/pkg/common/jwtcodec"
	"github.com/mattmallon/quickcheck/pkg/common/keys"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/common/metrics"
	"github.com/mattmallon/quickcheck/pkg/repositories/kvstore"
)

var (
	ErrTokenExchange       = errors.New("servicetoken: token exchange failed")
	ErrPlatformUnavailable = errors.New("servicetoken: platform unavailable")
)

const (
	// RefreshMargin is how long before declared expiry a token stops being used.
	RefreshMargin = 2 * time.Minute
	assertionTTL  = 65 * time.Second
	defaultExpiry = time.Hour
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	cachePrefix   = "lti:service-token:"
)

type cachedToken struct {
	Issuer      string    `json:"iss"`
	AccessToken string    `json:"access_token"`
	ObtainedAt  time.Time `json:"obtained_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// Manager caches one token per issuer in a kvstore.Store.
type Manager struct {
	clientID string
	key      *keys.ToolKey
	registry *platform.Registry
	scopes   []string
	kv       kvstore.Store
	client   *httpx.Client
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option { return func(t *Manager) { t.metrics = m } }

func WithClock(now func() time.Time) Option { return func(t *Manager) { t.now = now } }

// NewManager returns a Manager requesting scopes for clientID. The scopes come
// from tool configuration since callers are usually outside a live launch.
func NewManager(clientID string, key *keys.ToolKey, reg *platform.Registry, scopes []string, kv kvstore.Store, client *httpx.Client, opts ...Option) *Manager {
	m := &Manager{
		clientID: clientID,
		key:      key,
		registry: reg,
		scopes:   scopes,
		kv:       kv,
		client:   client,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetToken returns a bearer token for issuer's services.
func (m *Manager) GetToken(ctx context.Context, issuer string) (string, error) {
	const op = "servicetoken.GetToken"

	p, err := m.registry.Lookup(issuer)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if tok := m.cached(ctx, issuer); tok != "" {
		m.metrics.ServiceToken("cache")
		return tok, nil
	}

	ct, err := m.exchange(ctx, p)
	if err != nil {
		m.metrics.ServiceToken("error")
		return "", fmt.Errorf("%s: %w", op, err)
	}
	m.metrics.ServiceToken("exchange")

	if ttl := ct.ExpiresAt.Sub(m.now()) - RefreshMargin; ttl > 0 {
		raw, _ := json.Marshal(ct)
		if err := m.kv.Put(ctx, cachePrefix+issuer, raw, ttl); err != nil {
			logger.Warn("servicetoken: cache write iss=%s: %v", issuer, err)
		}
	}
	return ct.AccessToken, nil
}

// Forget drops the cached token for issuer, e.g. after the platform rejected it.
func (m *Manager) Forget(ctx context.Context, issuer string) error {
	return m.kv.Forget(ctx, cachePrefix+issuer)
}

func (m *Manager) cached(ctx context.Context, issuer string) string {
	raw, ok, err := m.kv.Get(ctx, cachePrefix+issuer)
	if err != nil {
		logger.Warn("servicetoken: cache read iss=%s: %v", issuer, err)
		return ""
	}
	if !ok {
		return ""
	}
	var ct cachedToken
	if err := json.Unmarshal(raw, &ct); err != nil || ct.AccessToken == "" {
		return ""
	}
	if !m.now().Before(ct.ExpiresAt.Add(-RefreshMargin)) {
		return ""
	}
	return ct.AccessToken
}

func (m *Manager) assertion(tokenURL string) (string, error) {
	now := m.now()
	return jwtcodec.Encode(map[string]any{
		"iss": m.clientID,
		"sub": m.clientID,
		"aud": tokenURL,
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
		"jti": m.newID(),
	}, m.key.PrivateKey(), jwa.RS256, m.key.Kid())
}

func (m *Manager) exchange(ctx context.Context, p platform.Platform) (*cachedToken, error) {
	assertion, err := m.assertion(p.TokenURL)
	if err != nil {
		return nil, fmt.Errorf("%w: sign assertion: %v", ErrTokenExchange, err)
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", strings.Join(m.scopes, " "))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	obtained := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrTokenExchange, ErrPlatformUnavailable, err)
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrTokenExchange, ErrPlatformUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %w: status %d", ErrTokenExchange, ErrPlatformUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Info("servicetoken: token endpoint %s returned %d: %s", p.TokenURL, resp.StatusCode, truncate(body))
		return nil, fmt.Errorf("%w: status %d", ErrTokenExchange, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTokenExchange, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access_token", ErrTokenExchange)
	}
	expiry := defaultExpiry
	if s, err := strconv.ParseFloat(tr.ExpiresIn.String(), 64); err == nil && s > 0 {
		expiry = time.Duration(s * float64(time.Second))
	}
	logger.Debug("servicetoken: obtained token iss=%s expires_in=%s", p.Issuer, expiry)
	return &cachedToken{
		Issuer:      p.Issuer,
		AccessToken: tr.AccessToken,
		ObtainedAt:  obtained,
		ExpiresAt:   obtained.Add(expiry),
	}, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
