package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/mattmallon/quickcheck/pkg/common/httpx"
	"github.com/mattmallon/quickcheck/pkg/common/logger"
	"github.com/mattmallon/quickcheck/pkg/common/metrics"
	"github.com/mattmallon/quickcheck/pkg/repositories/kvstore"
)

var (
	ErrKeyNotFound = errors.New("keystore: key id not found in platform key set")
	ErrFetchFailed = errors.New("keystore: platform key set fetch failed")
)

// DefaultTTL is how long a platform key is trusted before the key set is
// fetched again.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultMinRefresh is the shortest gap between two key set fetches for one
// issuer. Unknown key ids inside the gap fail without a fetch.
const DefaultMinRefresh = 30 * time.Second

const (
	cachePrefix   = "lti:jwk:"
	fetchedPrefix = "lti:jwks-fetched:"
)

// JWKSPath is the Canvas key set location relative to the issuer.
const JWKSPath = "/api/lti/security/jwks"

// Getter is what signature verification needs.
type Getter interface {
	GetPublicKey(ctx context.Context, issuer, keyID string) (jwk.Key, error)
}

// URLResolver maps an issuer to its key set URL.
type URLResolver func(issuer string) (string, error)

// DefaultURL resolves {issuer}/api/lti/security/jwks.
func DefaultURL(issuer string) (string, error) {
	return strings.TrimRight(issuer, "/") + JWKSPath, nil
}

// cachedKey is the stored form of a PlatformKey.
type cachedKey struct {
	KeyID     string          `json:"kid"`
	Issuer    string          `json:"iss"`
	Key       json.RawMessage `json:"key"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Store fetches platform key sets on demand and caches individual keys by key
// id in a kvstore.Store. Concurrent misses may fetch twice; only fully parsed
// keys are ever written.
type Store struct {
	kv         kvstore.Store
	client     *httpx.Client
	resolve    URLResolver
	ttl        time.Duration
	minRefresh time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

// WithMinRefresh sets the per-issuer fetch throttle. Zero disables it.
func WithMinRefresh(d time.Duration) Option { return func(s *Store) { s.minRefresh = d } }

func WithURLResolver(r URLResolver) Option { return func(s *Store) { s.resolve = r } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates a key store.
func New(kv kvstore.Store, client *httpx.Client, opts ...Option) *Store {
	s := &Store{
		kv:         kv,
		client:     client,
		resolve:    DefaultURL,
		ttl:        DefaultTTL,
		minRefresh: DefaultMinRefresh,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetPublicKey returns the RSA key with keyID published by issuer.
func (s *Store) GetPublicKey(ctx context.Context, issuer, keyID string) (jwk.Key, error) {
	const op = "keystore.GetPublicKey"

	if keyID == "" {
		return nil, fmt.Errorf("%s: %w: empty key id", op, ErrKeyNotFound)
	}
	if key := s.getCached(ctx, issuer, keyID); key != nil {
		s.metrics.KeyLookup("cache")
		return key, nil
	}

	if s.recentlyFetched(ctx, issuer) {
		s.metrics.KeyLookup("throttled")
		return nil, fmt.Errorf("%s: %w: kid=%s", op, ErrKeyNotFound, keyID)
	}

	key, err := s.fetch(ctx, issuer, keyID)
	if err != nil {
		s.metrics.KeyLookup("error")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.KeyLookup("fetch")
	return key, nil
}

func (s *Store) getCached(ctx context.Context, issuer, keyID string) jwk.Key {
	raw, ok, err := s.kv.Get(ctx, cachePrefix+keyID)
	if err != nil {
		logger.Warn("keystore: cache read kid=%s: %v", keyID, err)
		return nil
	}
	if !ok {
		return nil
	}
	var ck cachedKey
	if err := json.Unmarshal(raw, &ck); err != nil {
		logger.Warn("keystore: discarding unreadable cache entry kid=%s: %v", keyID, err)
		return nil
	}
	// A key fetched for another issuer does not vouch for this one.
	if ck.Issuer != issuer {
		return nil
	}
	key, err := jwk.ParseKey(ck.Key)
	if err != nil {
		logger.Warn("keystore: discarding unparsable cached key kid=%s: %v", keyID, err)
		return nil
	}
	return key
}

// recentlyFetched reports whether the issuer's key set was fetched within
// minRefresh. A read error counts as not fetched.
func (s *Store) recentlyFetched(ctx context.Context, issuer string) bool {
	if s.minRefresh <= 0 {
		return false
	}
	_, ok, err := s.kv.Get(ctx, fetchedPrefix+issuer)
	if err != nil {
		logger.Warn("keystore: fetch marker read iss=%s: %v", issuer, err)
		return false
	}
	return ok
}

func (s *Store) fetch(ctx context.Context, issuer, keyID string) (jwk.Key, error) {
	url, err := s.resolve(issuer)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, url, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	body, err := httpx.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %s", ErrFetchFailed, strconv.Itoa(resp.StatusCode))
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	logger.Debug("keystore: fetched %d keys from %s", set.Len(), url)

	var match jwk.Key
	now := s.now()
	if s.minRefresh > 0 {
		if err := s.kv.Put(ctx, fetchedPrefix+issuer, []byte(now.UTC().Format(time.RFC3339)), s.minRefresh); err != nil {
			logger.Warn("keystore: fetch marker write iss=%s: %v", issuer, err)
		}
	}
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok || k.KeyType() != jwa.RSA || k.KeyID() == "" {
			continue
		}
		if k.KeyID() == keyID {
			match = k
		}
		s.store(ctx, issuer, k, now)
	}
	if match == nil {
		return nil, fmt.Errorf("%w: kid=%s", ErrKeyNotFound, keyID)
	}
	return match, nil
}

func (s *Store) store(ctx context.Context, issuer string, k jwk.Key, now time.Time) {
	raw, err := json.Marshal(k)
	if err != nil {
		logger.Warn("keystore: marshal kid=%s: %v", k.KeyID(), err)
		return
	}
	entry, err := json.Marshal(cachedKey{KeyID: k.KeyID(), Issuer: issuer, Key: raw, FetchedAt: now})
	if err != nil {
		return
	}
	if err := s.kv.Put(ctx, cachePrefix+k.KeyID(), entry, s.ttl); err != nil {
		logger.Warn("keystore: cache write kid=%s: %v", k.KeyID(), err)
	}
}
