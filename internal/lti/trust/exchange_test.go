package trust

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattmallon/quickcheck/internal/repositories/kvstore/memory"
	"github.com/stretchr/testify/require"
)

func TestIssueAndRedeem(t *testing.T) {
	e := New(memory.New())
	ctx := context.Background()

	r, err := e.IssueRedemption(ctx, Grant{Role: RoleInstructor, UserID: 42, Nonce: "nonce-123", ContextID: "ctx-1"})
	require.NoError(t, err)
	require.Equal(t, "nonce-123", r.Nonce)

	require.NoError(t, e.Redeem(ctx, RoleInstructor, "nonce-123", 42))
	// Single use.
	require.ErrorIs(t, e.Redeem(ctx, RoleInstructor, "nonce-123", 42), ErrRedemptionRejected)
}

func TestRedeem_RoleIsPartOfKey(t *testing.T) {
	kv := memory.New()
	e := New(kv)
	ctx := context.Background()

	_, err := e.IssueRedemption(ctx, Grant{Role: RoleInstructor, UserID: 42, Nonce: "nonce-123"})
	require.NoError(t, err)
	_, found, err := kv.Get(ctx, "redeem:instructor-nonce-123")
	require.NoError(t, err)
	require.True(t, found)

	require.ErrorIs(t, e.Redeem(ctx, RoleStudent, "nonce-123", 42), ErrRedemptionRejected)
	// The instructor entry is untouched by the failed attempt.
	require.NoError(t, e.Redeem(ctx, RoleInstructor, "nonce-123", 42))
}

func TestRedeem_UserMismatchConsumesEntry(t *testing.T) {
	e := New(memory.New())
	ctx := context.Background()

	_, err := e.IssueRedemption(ctx, Grant{Role: RoleStudent, UserID: 7, Nonce: "n"})
	require.NoError(t, err)

	require.ErrorIs(t, e.Redeem(ctx, RoleStudent, "n", 8), ErrRedemptionRejected)
	require.ErrorIs(t, e.Redeem(ctx, RoleStudent, "n", 7), ErrRedemptionRejected)
}

func TestRedeem_Expired(t *testing.T) {
	now := time.Now()
	e := New(memory.NewWithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := e.IssueRedemption(ctx, Grant{Role: RoleStudent, UserID: 7, Nonce: "n"})
	require.NoError(t, err)
	now = now.Add(DefaultTTL + time.Second)

	require.ErrorIs(t, e.Redeem(ctx, RoleStudent, "n", 7), ErrRedemptionRejected)
}

func TestRedeem_ConcurrentOnlyOneWins(t *testing.T) {
	e := New(memory.New())
	ctx := context.Background()
	_, err := e.IssueRedemption(ctx, Grant{Role: RoleStudent, UserID: 7, Nonce: "n"})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Redeem(ctx, RoleStudent, "n", 7) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestIssueRedemption_GeneratesNonce(t *testing.T) {
	e := New(memory.New())

	a, err := e.IssueRedemption(context.Background(), Grant{Role: RoleStudent, UserID: 1})
	require.NoError(t, err)
	b, err := e.IssueRedemption(context.Background(), Grant{Role: RoleStudent, UserID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, a.Nonce)
	require.NotEqual(t, a.Nonce, b.Nonce)
}

func TestIssueRedemption_Validation(t *testing.T) {
	e := New(memory.New())

	_, err := e.IssueRedemption(context.Background(), Grant{Role: "admin", UserID: 1})
	require.ErrorIs(t, err, ErrInvalidRole)
	_, err = e.IssueRedemption(context.Background(), Grant{Role: RoleStudent})
	require.ErrorIs(t, err, ErrInvalidGrant)
	require.ErrorIs(t, e.Redeem(context.Background(), "admin", "n", 1), ErrRedemptionRejected)
}

func TestRedirectURL(t *testing.T) {
	r := Redirect{Role: RoleStudent, UserID: 55, Nonce: "abc", ContextID: "ctx 1"}
	u, err := url.Parse(r.URL("/student"))
	require.NoError(t, err)
	require.Equal(t, "/student", u.Path)
	require.Equal(t, "student", u.Query().Get("role"))
	require.Equal(t, "55", u.Query().Get("userId"))
	require.Equal(t, "abc", u.Query().Get("nonce"))
	require.Equal(t, "ctx 1", u.Query().Get("context"))

	require.NotContains(t, Redirect{Role: RoleInstructor, UserID: 1, Nonce: "x"}.URL("/home"), "context=")
}
