package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattmallon/quickcheck/pkg/repositories/kvstore"
	_ "modernc.org/sqlite"
)

// SQLiteRepo is a durable kvstore.Store for single-node deployments.
type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure interface compliance
var _ kvstore.Store = (*SQLiteRepo)(nil)

func NewSQLiteRepo(dsn string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; Pull relies on a single statement
	// so no reader can see a row another caller already removed.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepo{db: db, now: time.Now}, nil
}

// WithClock overrides the time source, for tests.
func (r *SQLiteRepo) WithClock(now func() time.Time) *SQLiteRepo {
	r.now = now
	return r
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS kv_entries (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv_entries(expires_at);
`)
	return err
}

func (r *SQLiteRepo) Disconnect() { _ = r.db.Close() }

// Health pings the database.
func (r *SQLiteRepo) Health() error { return r.db.Ping() }

func (r *SQLiteRepo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ? AND expires_at > ?`, key, r.now().UnixNano())
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (r *SQLiteRepo) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := r.now()
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Cleanup expired (best-effort)
	_, _ = tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at <= ?`, now.UnixNano())

	if value == nil {
		value = []byte{}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, now.Add(ttl).UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepo) Pull(ctx context.Context, key string) ([]byte, bool, error) {
	row := r.db.QueryRowContext(ctx, `DELETE FROM kv_entries WHERE key = ? RETURNING value, expires_at`, key)
	var value []byte
	var exp int64
	if err := row.Scan(&value, &exp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if exp <= r.now().UnixNano() {
		return nil, false, nil
	}
	return value, true, nil
}

func (r *SQLiteRepo) Forget(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return err
}
