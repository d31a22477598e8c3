// Package jwtcodec decodes, verifies and signs compact JWTs without knowing
// anything about the claims they carry.
package jwtcodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	ErrMalformedToken   = errors.New("jwtcodec: malformed token")
	ErrSignatureInvalid = errors.New("jwtcodec: signature invalid")
	ErrTokenExpired     = errors.New("jwtcodec: token expired or not yet valid")
)

// DefaultSkew is the clock skew tolerated on exp, iat and nbf.
const DefaultSkew = 30 * time.Second

// Header is the subset of the JOSE header used for key selection.
type Header struct {
	Algorithm string
	KeyID     string
	Type      string
}

// Decoded is an unverified token split into its parts.
type Decoded struct {
	Header    Header
	Claims    map[string]any
	Signature []byte
}

// Decode splits token into header, claims and signature. Nothing is verified.
func Decode(token string) (*Decoded, error) {
	if strings.Count(token, ".") != 2 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrMalformedToken)
	}
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, fmt.Errorf("%w: expected a single signature", ErrMalformedToken)
	}
	hdr := sigs[0].ProtectedHeaders()

	claims := map[string]any{}
	if err := json.Unmarshal(msg.Payload(), &claims); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedToken)
	}
	return &Decoded{
		Header: Header{
			Algorithm: hdr.Algorithm().String(),
			KeyID:     hdr.KeyID(),
			Type:      hdr.Type(),
		},
		Claims:    claims,
		Signature: sigs[0].Signature(),
	}, nil
}

type verifyConfig struct {
	now  func() time.Time
	skew time.Duration
}

// VerifyOption tunes Verify.
type VerifyOption func(*verifyConfig)

// WithClock sets the time source used for exp/iat/nbf checks.
func WithClock(now func() time.Time) VerifyOption {
	return func(c *verifyConfig) { c.now = now }
}

// WithSkew sets the tolerated clock skew.
func WithSkew(d time.Duration) VerifyOption {
	return func(c *verifyConfig) { c.skew = d }
}

// Verify checks the signature of token with key and validates exp, iat and
// nbf. Only the algorithm named in the header is tried, and only if it is in
// allowed; "none" is always refused. key may be a jwk.Key or a raw public key.
func Verify(token string, key interface{}, allowed []jwa.SignatureAlgorithm, opts ...VerifyOption) (map[string]any, error) {
	cfg := verifyConfig{now: time.Now, skew: DefaultSkew}
	for _, o := range opts {
		o(&cfg)
	}

	d, err := Decode(token)
	if err != nil {
		return nil, err
	}
	alg := jwa.SignatureAlgorithm(d.Header.Algorithm)
	if alg == jwa.NoSignature || !isAllowed(alg, allowed) {
		return nil, fmt.Errorf("%w: algorithm %q not allowed", ErrSignatureInvalid, d.Header.Algorithm)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: no key", ErrSignatureInvalid)
	}

	_, err = jwt.Parse([]byte(token),
		jwt.WithKey(alg, key),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(cfg.skew),
		jwt.WithClock(jwt.ClockFunc(cfg.now)),
	)
	if err != nil {
		if jwt.IsValidationError(err) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return d.Claims, nil
}

// Encode signs claims with key and sets kid in the protected header.
func Encode(claims map[string]any, key interface{}, alg jwa.SignatureAlgorithm, kid string) (string, error) {
	if alg == jwa.NoSignature {
		return "", fmt.Errorf("jwtcodec: refusing to encode unsigned token")
	}
	tok := jwt.New()
	for k, v := range claims {
		if err := tok.Set(k, v); err != nil {
			return "", fmt.Errorf("jwtcodec: claim %q: %w", k, err)
		}
	}
	hdrs := jws.NewHeaders()
	if kid != "" {
		_ = hdrs.Set(jws.KeyIDKey, kid)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(alg, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("jwtcodec: sign: %w", err)
	}
	return string(signed), nil
}

func isAllowed(alg jwa.SignatureAlgorithm, allowed []jwa.SignatureAlgorithm) bool {
	for _, a := range allowed {
		if a == alg {
			return true
		}
	}
	return false
}
