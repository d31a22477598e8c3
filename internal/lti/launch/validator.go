// Package launch validates LTI 1.3 resource link and deep linking launches.
package launch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/mattmallon/quickcheck/internal/lti/claims"
	"github.com/mattmallon/quickcheck/internal/lti/oidc"
	"github.com/mattmallon/quickcheck/internal/lti/platform"
	"github.com/mattmallon/quickcheck/pkg/common/jwtcodec"
	"github.com/mattmallon/quickcheck/pkg/common/keystore"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/common/metrics"
	"github.com/mattmallon/quickcheck/pkg/repositories/kvstore"
)

// State is how far a launch got through validation.
type State int

const (
	Received State = iota
	Decoded
	SignatureVerified
	RegistrationChecked
	StateNonceChecked
	MessageValidated
	Valid
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Decoded:
		return "decoded"
	case SignatureVerified:
		return "signature_verified"
	case RegistrationChecked:
		return "registration_checked"
	case StateNonceChecked:
		return "state_nonce_checked"
	case MessageValidated:
		return "message_validated"
	case Valid:
		return "valid"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reason names why a launch was rejected.
type Reason string

const (
	MissingToken        Reason = "missing_token"
	MalformedToken      Reason = "malformed_token"
	BadSignature        Reason = "bad_signature"
	InvalidRegistration Reason = "invalid_registration"
	ReplayOrExpired     Reason = "replay_or_expired"
	UnsupportedVersion  Reason = "unsupported_version"
	MissingMessageType  Reason = "missing_message_type"
	// KeysUnavailable means the platform key set could not be fetched; the
	// launch may succeed if retried.
	KeysUnavailable Reason = "keys_unavailable"
)

// RejectionError is returned for every failed launch. Stage is the last state
// reached before the failing transition.
type RejectionError struct {
	Reason Reason
	Stage  State
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("launch rejected at %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("launch rejected at %s: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// ReasonOf returns the rejection reason of err, or "" when err is not a
// rejection.
func ReasonOf(err error) Reason {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// Request is the form POST the platform sends to the launch URL.
type Request struct {
	IDToken string
	State   string
}

// Validator runs a launch through every check in order and stops at the first
// failure.
type Validator struct {
	clientID   string
	registry   *platform.Registry
	keys       keystore.Getter
	states     kvstore.Store
	algorithms []jwa.SignatureAlgorithm
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Validator)

// WithAlgorithms replaces the accepted signature algorithms (RS256 only by default).
func WithAlgorithms(algs ...jwa.SignatureAlgorithm) Option {
	return func(v *Validator) { v.algorithms = algs }
}

func WithMetrics(m *metrics.Metrics) Option { return func(v *Validator) { v.metrics = m } }

func WithClock(now func() time.Time) Option { return func(v *Validator) { v.now = now } }

// NewValidator returns a Validator for launches addressed to clientID.
func NewValidator(clientID string, reg *platform.Registry, keys keystore.Getter, states kvstore.Store, opts ...Option) *Validator {
	v := &Validator{
		clientID:   clientID,
		registry:   reg,
		keys:       keys,
		states:     states,
		algorithms: []jwa.SignatureAlgorithm{jwa.RS256},
		now:        time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate checks req and returns the launch claims. Every failed check
// returns a *RejectionError; store failures are returned as plain errors. The
// state entry is consumed even when a later check fails.
func (v *Validator) Validate(ctx context.Context, req Request) (*claims.LaunchClaims, error) {
	c, err := v.validate(ctx, req)
	if err != nil {
		if r := ReasonOf(err); r != "" {
			v.metrics.Launch(string(r))
		} else {
			v.metrics.Launch("error")
		}
		return nil, err
	}
	v.metrics.Launch("valid")
	return c, nil
}

func (v *Validator) validate(ctx context.Context, req Request) (*claims.LaunchClaims, error) {
	const op = "launch.Validate"

	// Received -> Decoded
	if req.IDToken == "" {
		return nil, reject(MissingToken, Received, nil)
	}
	decoded, err := jwtcodec.Decode(req.IDToken)
	if err != nil {
		return nil, reject(MalformedToken, Received, err)
	}

	// Decoded -> SignatureVerified. The issuer is unverified here; it only
	// selects which registered platform's keys to try.
	iss, _ := decoded.Claims["iss"].(string)
	if !v.registry.IsTrusted(iss) {
		return nil, reject(InvalidRegistration, Decoded, fmt.Errorf("untrusted issuer %q", iss))
	}
	key, err := v.keys.GetPublicKey(ctx, iss, decoded.Header.KeyID)
	if err != nil {
		if errors.Is(err, keystore.ErrFetchFailed) {
			return nil, reject(KeysUnavailable, Decoded, err)
		}
		return nil, reject(BadSignature, Decoded, err)
	}
	alg := jwa.SignatureAlgorithm(decoded.Header.Algorithm)
	if keyAlg := key.Algorithm().String(); keyAlg != "" && keyAlg != alg.String() {
		return nil, reject(BadSignature, Decoded, fmt.Errorf("header alg %s does not match key alg %s", alg, keyAlg))
	}
	body, err := jwtcodec.Verify(req.IDToken, key, v.algorithms, jwtcodec.WithClock(v.now))
	if err != nil {
		if errors.Is(err, jwtcodec.ErrTokenExpired) {
			return nil, reject(ReplayOrExpired, Decoded, err)
		}
		return nil, reject(BadSignature, Decoded, err)
	}
	c, err := claims.FromMap(body)
	if err != nil {
		return nil, reject(MalformedToken, SignatureVerified, err)
	}

	// SignatureVerified -> RegistrationChecked
	if !c.Audience.Contains(v.clientID) {
		return nil, reject(InvalidRegistration, SignatureVerified, fmt.Errorf("audience %v does not include client id", c.Audience))
	}
	if len(c.Audience) > 1 && c.AuthorizedParty != v.clientID {
		return nil, reject(InvalidRegistration, SignatureVerified, fmt.Errorf("azp %q is not the client id", c.AuthorizedParty))
	}

	// RegistrationChecked -> StateNonceChecked
	if req.State == "" {
		return nil, reject(ReplayOrExpired, RegistrationChecked, errors.New("missing state"))
	}
	stored, found, err := v.states.Pull(ctx, oidc.StateKey(req.State))
	if err != nil {
		return nil, fmt.Errorf("%s: pull state: %w", op, err)
	}
	if !found {
		return nil, reject(ReplayOrExpired, RegistrationChecked, errors.New("state not found"))
	}
	if c.Nonce == "" || subtle.ConstantTimeCompare(stored, []byte(c.Nonce)) != 1 {
		return nil, reject(ReplayOrExpired, RegistrationChecked, errors.New("nonce does not match state"))
	}

	// StateNonceChecked -> MessageValidated
	if c.Version != claims.SupportedLTIVersion {
		return nil, reject(UnsupportedVersion, StateNonceChecked, fmt.Errorf("version %q", c.Version))
	}
	if c.MessageType == "" {
		return nil, reject(MissingMessageType, StateNonceChecked, nil)
	}

	logger.Debug("launch: valid iss=%s sub=%s message_type=%s", c.Issuer, c.Subject, c.MessageType)
	return c, nil
}

func reject(r Reason, stage State, err error) error {
	return &RejectionError{Reason: r, Stage: stage, Err: err}
}
