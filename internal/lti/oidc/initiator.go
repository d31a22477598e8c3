// Package oidc starts the LTI 1.3 third-party initiated login.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/mattmallon/quickcheck/internal/lti/platform"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/repositories/kvstore"
)

var (
	ErrUntrustedIssuer = platform.ErrUntrustedIssuer
	ErrClientMismatch  = errors.New("oidc: client_id is not this tool")
)

// DefaultStateTTL bounds how long a login may take between initiation and launch.
const DefaultStateTTL = 5 * time.Minute

const statePrefix = "lti:state:"

// StateKey is where the nonce for state is stored until the launch pulls it.
func StateKey(state string) string { return statePrefix + state }

// LoginRequest carries the platform's login initiation parameters.
type LoginRequest struct {
	Issuer        string
	LoginHint     string
	TargetLinkURI string
	MessageHint   string
	ClientID      string
}

// Initiator mints state/nonce pairs and builds authorization redirects.
type Initiator struct {
	clientID  string
	launchURL *url.URL
	registry  *platform.Registry
	states    kvstore.Store
	ttl       time.Duration
	newID     func() string
}

type Option func(*Initiator)

func WithStateTTL(d time.Duration) Option { return func(i *Initiator) { i.ttl = d } }

// WithIDGenerator replaces the UUIDv4 source of state and nonce values.
func WithIDGenerator(f func() string) Option { return func(i *Initiator) { i.newID = f } }

// NewInitiator returns an Initiator. launchURL is the redirect_uri used when
// the platform's target_link_uri points somewhere other than this tool.
func NewInitiator(clientID, launchURL string, reg *platform.Registry, states kvstore.Store, opts ...Option) (*Initiator, error) {
	u, err := url.Parse(launchURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("oidc: invalid launch url %q", launchURL)
	}
	i := &Initiator{
		clientID:  clientID,
		launchURL: u,
		registry:  reg,
		states:    states,
		ttl:       DefaultStateTTL,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// BuildRedirect stores a fresh state/nonce pair and returns the platform
// authorization URL the browser must be sent to.
func (i *Initiator) BuildRedirect(ctx context.Context, req LoginRequest) (*url.URL, error) {
	const op = "oidc.BuildRedirect"

	p, err := i.registry.Lookup(req.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if req.ClientID != "" && req.ClientID != i.clientID {
		return nil, fmt.Errorf("%s: %w", op, ErrClientMismatch)
	}
	authURL, err := url.Parse(p.AuthorizeURL)
	if err != nil {
		return nil, fmt.Errorf("%s: authorize url: %w", op, err)
	}

	state, nonce := i.newID(), i.newID()
	if err := i.states.Put(ctx, StateKey(state), []byte(nonce), i.ttl); err != nil {
		return nil, fmt.Errorf("%s: store state: %w", op, err)
	}

	q := url.Values{}
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", i.clientID)
	q.Set("redirect_uri", i.redirectURI(req.TargetLinkURI))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("login_hint", req.LoginHint)
	if req.MessageHint != "" {
		q.Set("lti_message_hint", req.MessageHint)
	}
	authURL.RawQuery = q.Encode()

	logger.Debug("oidc: login initiated iss=%s state=%s", req.Issuer, state)
	return authURL, nil
}

// redirectURI keeps target_link_uri only when it points back at this tool.
func (i *Initiator) redirectURI(target string) string {
	if target != "" {
		if u, err := url.Parse(target); err == nil && u.Scheme == i.launchURL.Scheme && u.Host == i.launchURL.Host {
			return target
		}
		logger.Debug("oidc: target_link_uri %q is not on %s, using launch url", target, i.launchURL.Host)
	}
	return i.launchURL.String()
}
