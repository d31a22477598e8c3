package kvstore

import (
	"context"
	"time"
)

// Store is a TTL key-value store shared by every request. It backs single-use
// entries (OIDC state, trust redemptions) and memoized values (platform keys,
// service tokens).
type Store interface {
	// Get returns the live value for key. found=false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Put stores value under key for ttl, replacing any previous value.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Pull atomically returns and deletes the live value for key. Among
	// concurrent pulls of the same key at most one observes found=true.
	Pull(ctx context.Context, key string) (value []byte, found bool, err error)
	// Forget deletes key. Deleting a missing key is not an error.
	Forget(ctx context.Context, key string) error
}
