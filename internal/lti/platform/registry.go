// Package platform holds the list of LMS platforms the tool trusts and the
// endpoints used to talk to each of them.
package platform

import (
	"errors"
	"strings"
)

var ErrUntrustedIssuer = errors.New("platform: untrusted issuer")

const (
	authorizePath = "/api/lti/authorize_redirect"
	tokenPath     = "/login/oauth2/token"
	jwksPath      = "/api/lti/security/jwks"
)

// Platform is one trusted issuer. Canvas production, beta and test
// environments are separate platforms even when they share a host.
type Platform struct {
	Issuer       string
	AuthorizeURL string
	TokenURL     string
	JWKSURL      string
}

// Registry is an immutable set of trusted platforms keyed by issuer.
type Registry struct {
	platforms map[string]Platform
}

// NewRegistry trusts each issuer. When baseURL is non-empty it serves the
// endpoints for every issuer (an institution's own Canvas domain); otherwise
// endpoints hang off the issuer itself.
func NewRegistry(issuers []string, baseURL string) *Registry {
	r := &Registry{platforms: make(map[string]Platform, len(issuers))}
	for _, iss := range issuers {
		iss = strings.TrimSpace(iss)
		if iss == "" {
			continue
		}
		base := baseURL
		if base == "" {
			base = iss
		}
		base = strings.TrimRight(base, "/")
		r.platforms[iss] = Platform{
			Issuer:       iss,
			AuthorizeURL: base + authorizePath,
			TokenURL:     base + tokenPath,
			JWKSURL:      base + jwksPath,
		}
	}
	return r
}

// Add registers or replaces a platform. Call it only while wiring, before the
// registry is shared between requests.
func (r *Registry) Add(p Platform) {
	r.platforms[p.Issuer] = p
}

// Lookup returns the platform for issuer.
func (r *Registry) Lookup(issuer string) (Platform, error) {
	p, ok := r.platforms[issuer]
	if !ok {
		return Platform{}, ErrUntrustedIssuer
	}
	return p, nil
}

// IsTrusted reports whether issuer is registered.
func (r *Registry) IsTrusted(issuer string) bool {
	_, ok := r.platforms[issuer]
	return ok
}

// JWKSURL satisfies keystore.URLResolver.
func (r *Registry) JWKSURL(issuer string) (string, error) {
	p, err := r.Lookup(issuer)
	if err != nil {
		return "", err
	}
	return p.JWKSURL, nil
}
