package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattmallon/quickcheck/pkg/repositories/lineitems"
)

type SQLiteRepo struct {
	db *sql.DB
}

// Ensure interface compliance
var _ lineitems.Repository = (*SQLiteRepo)(nil)

func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepo{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS line_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			line_item_url TEXT NOT NULL UNIQUE,
			lti_context_id TEXT NOT NULL DEFAULT '',
			issuer TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL,
			due_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func (r *SQLiteRepo) Health() error { return r.db.Ping() }

func (r *SQLiteRepo) Disconnect() {
	_ = r.db.Close()
}

func (r *SQLiteRepo) Save(ctx context.Context, li *lineitems.LineItem) error {
	const op = "lineitems.sqlite.Save"
	if li == nil || li.LineItemURL == "" {
		return fmt.Errorf("%s: missing line item url", op)
	}
	now := time.Now().UTC()
	var due any
	if li.DueAt != nil {
		due = li.DueAt.UTC()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO line_items (line_item_url, lti_context_id, issuer, label, due_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(line_item_url) DO UPDATE SET issuer = excluded.issuer, label = excluded.label,
			due_at = excluded.due_at, updated_at = excluded.updated_at,
			lti_context_id = COALESCE(NULLIF(line_items.lti_context_id, ''), excluded.lti_context_id)
		RETURNING id, lti_context_id
	`, li.LineItemURL, li.LTIContextID, li.Issuer, li.Label, due, now, now)
	if err := row.Scan(&li.ID, &li.LTIContextID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT created_at FROM line_items WHERE id = ?`, li.ID).Scan(&li.CreatedAt); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	li.UpdatedAt = now
	return nil
}

func (r *SQLiteRepo) FindByURL(ctx context.Context, url string) (*lineitems.LineItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, line_item_url, lti_context_id, issuer, label, due_at, created_at, updated_at FROM line_items WHERE line_item_url = ?
	`, url)
	var li lineitems.LineItem
	var due sql.NullTime
	if err := row.Scan(&li.ID, &li.LineItemURL, &li.LTIContextID, &li.Issuer, &li.Label, &due, &li.CreatedAt, &li.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if due.Valid {
		t := due.Time
		li.DueAt = &t
	}
	return &li, nil
}
