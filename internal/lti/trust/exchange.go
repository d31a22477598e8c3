// Package trust converts a validated LTI launch or CAS login into a one-time
// redemption the browser trades for an API token.
package trust

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/common/metrics"
	"github.com/mattmallon/quickcheck/pkg/repositories/kvstore"
)

const (
	RoleInstructor = "instructor"
	RoleStudent    = "student"

	// DefaultTTL is how long a redemption stays valid.
	DefaultTTL = 5 * time.Minute

	keyPrefix = "redeem:"
)

var (
	ErrRedemptionRejected = errors.New("trust: redemption rejected")
	ErrInvalidRole        = errors.New("trust: role must be instructor or student")
	ErrInvalidGrant       = errors.New("trust: grant is missing a user")
)

// Grant is what a successful launch or CAS login vouches for.
type Grant struct {
	Role      string
	UserID    int64
	Nonce     string
	ContextID string
}

// Redirect is the query the SPA receives after a launch.
type Redirect struct {
	Role      string
	UserID    int64
	Nonce     string
	ContextID string
}

// URL renders path?role=..&userId=..&nonce=..[&context=..].
func (r Redirect) URL(path string) string {
	q := url.Values{}
	q.Set("role", r.Role)
	q.Set("userId", strconv.FormatInt(r.UserID, 10))
	q.Set("nonce", r.Nonce)
	if r.ContextID != "" {
		q.Set("context", r.ContextID)
	}
	return path + "?" + q.Encode()
}

// Exchange issues and redeems entries in a kvstore.Store.
type Exchange struct {
	kv      kvstore.Store
	ttl     time.Duration
	metrics *metrics.Metrics
	newID   func() string
}

type Option func(*Exchange)

func WithTTL(d time.Duration) Option { return func(e *Exchange) { e.ttl = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Exchange) { e.metrics = m } }

func New(kv kvstore.Store, opts ...Option) *Exchange {
	e := &Exchange{kv: kv, ttl: DefaultTTL, newID: uuid.NewString}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Key is the store key for a role and nonce. The role is part of the key so a
// nonce issued for one role cannot be redeemed under another.
func Key(role, nonce string) string { return keyPrefix + role + "-" + nonce }

// IssueRedemption stores the grant for one redemption. An empty nonce is
// replaced with a random one.
func (e *Exchange) IssueRedemption(ctx context.Context, g Grant) (Redirect, error) {
	const op = "trust.IssueRedemption"

	if !validRole(g.Role) {
		return Redirect{}, fmt.Errorf("%s: %w", op, ErrInvalidRole)
	}
	if g.UserID <= 0 {
		return Redirect{}, fmt.Errorf("%s: %w", op, ErrInvalidGrant)
	}
	nonce := g.Nonce
	if nonce == "" {
		nonce = e.newID()
	}
	if err := e.kv.Put(ctx, Key(g.Role, nonce), []byte(strconv.FormatInt(g.UserID, 10)), e.ttl); err != nil {
		return Redirect{}, fmt.Errorf("%s: %w", op, err)
	}
	e.metrics.Redemption("issued")
	logger.Debug("trust: redemption issued role=%s user=%d", g.Role, g.UserID)
	return Redirect{Role: g.Role, UserID: g.UserID, Nonce: nonce, ContextID: g.ContextID}, nil
}

// Redeem consumes the entry for role and nonce and checks it was issued to
// userID. The entry is gone afterwards whether or not the user matched.
func (e *Exchange) Redeem(ctx context.Context, role, nonce string, userID int64) error {
	const op = "trust.Redeem"

	if !validRole(role) || nonce == "" {
		e.metrics.Redemption("rejected")
		return fmt.Errorf("%s: %w", op, ErrRedemptionRejected)
	}
	stored, found, err := e.kv.Pull(ctx, Key(role, nonce))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !found {
		e.metrics.Redemption("rejected")
		return fmt.Errorf("%s: %w: no entry", op, ErrRedemptionRejected)
	}
	want := []byte(strconv.FormatInt(userID, 10))
	if subtle.ConstantTimeCompare(stored, want) != 1 {
		e.metrics.Redemption("rejected")
		return fmt.Errorf("%s: %w: user mismatch", op, ErrRedemptionRejected)
	}
	e.metrics.Redemption("redeemed")
	return nil
}

func validRole(r string) bool { return r == RoleInstructor || r == RoleStudent }
