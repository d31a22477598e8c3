package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattmallon/quickcheck/pkg/repositories/accounts"
)

type SQLiteRepo struct {
	db *sql.DB
	wg *sync.WaitGroup
}

// Ensure interface compliance
var _ accounts.Repository = (*SQLiteRepo)(nil)

func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepo{db: db, wg: &sync.WaitGroup{}}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			admin INTEGER NOT NULL DEFAULT 0,
			api_token TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_api_token ON users(api_token);
		CREATE TABLE IF NOT EXISTS students (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			lti_person_name_given TEXT,
			lti_person_name_family TEXT,
			lti_custom_user_id TEXT NOT NULL UNIQUE,
			lti_custom_canvas_user_login_id TEXT,
			lti_user_id TEXT,
			lis_person_sourcedid TEXT,
			api_token TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_students_api_token ON students(api_token);
		CREATE TABLE IF NOT EXISTS course_contexts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			lti_context_id TEXT NOT NULL UNIQUE,
			lti_custom_course_id TEXT,
			lis_course_offering_sourcedid TEXT,
			issuer TEXT,
			line_items_url TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS course_instructors (
			user_id INTEGER NOT NULL REFERENCES users(id),
			lti_context_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, lti_context_id)
		);
	`)
	return err
}

func (r *SQLiteRepo) Health() error {
	return r.db.Ping()
}

// Disconnect waits for ongoing tasks and closes DB
func (r *SQLiteRepo) Disconnect() {
	if r.wg != nil {
		r.wg.Wait()
	}
	_ = r.db.Close()
}

func (r *SQLiteRepo) UpsertInstructor(ctx context.Context, username string) (*accounts.Instructor, error) {
	const op = "accounts.sqlite.UpsertInstructor"
	if username == "" {
		return nil, fmt.Errorf("%s: empty username", op)
	}
	r.wg.Add(1)
	defer r.wg.Done()

	token, err := accounts.NewAPIToken()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (username, api_token, created_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO NOTHING
	`, username, token, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%s: insert: %w", op, err)
	}
	// Accounts created before API tokens existed get one now.
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET api_token = ? WHERE username = ? AND (api_token IS NULL OR api_token = '')
	`, token, username); err != nil {
		return nil, fmt.Errorf("%s: backfill: %w", op, err)
	}
	u, err := scanInstructor(tx.QueryRowContext(ctx, instructorSelect+` WHERE username = ?`, username))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

const instructorSelect = `SELECT id, username, admin, COALESCE(api_token, ''), created_at FROM users`

func scanInstructor(row *sql.Row) (*accounts.Instructor, error) {
	var u accounts.Instructor
	var created time.Time
	if err := row.Scan(&u.ID, &u.Username, &u.Admin, &u.APIToken, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt = created
	return &u, nil
}

func (r *SQLiteRepo) InstructorByUsername(ctx context.Context, username string) (*accounts.Instructor, error) {
	if username == "" {
		return nil, nil
	}
	return scanInstructor(r.db.QueryRowContext(ctx, instructorSelect+` WHERE username = ?`, username))
}

func (r *SQLiteRepo) InstructorByID(ctx context.Context, id int64) (*accounts.Instructor, error) {
	return scanInstructor(r.db.QueryRowContext(ctx, instructorSelect+` WHERE id = ?`, id))
}

// InstructorByAPIToken never matches the empty token.
func (r *SQLiteRepo) InstructorByAPIToken(ctx context.Context, token string) (*accounts.Instructor, error) {
	if token == "" {
		return nil, nil
	}
	return scanInstructor(r.db.QueryRowContext(ctx, instructorSelect+` WHERE api_token = ?`, token))
}

func (r *SQLiteRepo) UpsertStudent(ctx context.Context, s *accounts.Student) (*accounts.Student, error) {
	const op = "accounts.sqlite.UpsertStudent"
	if s == nil || s.CanvasUserID == "" {
		return nil, fmt.Errorf("%s: missing canvas user id", op)
	}
	r.wg.Add(1)
	defer r.wg.Done()

	token, err := accounts.NewAPIToken()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO students (lti_person_name_given, lti_person_name_family, lti_custom_user_id,
			lti_custom_canvas_user_login_id, lti_user_id, lis_person_sourcedid, api_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lti_custom_user_id) DO NOTHING
	`, s.GivenName, s.FamilyName, s.CanvasUserID, s.CanvasLoginID, s.LTIUserID, s.PersonSourcedID, token, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%s: insert: %w", op, err)
	}
	if s.LTIUserID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE students SET lti_user_id = ?
			WHERE lti_custom_user_id = ? AND (lti_user_id IS NULL OR lti_user_id = '')
		`, s.LTIUserID, s.CanvasUserID); err != nil {
			return nil, fmt.Errorf("%s: backfill lti user id: %w", op, err)
		}
	}
	if s.PersonSourcedID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE students SET lis_person_sourcedid = ?
			WHERE lti_custom_user_id = ? AND (lis_person_sourcedid IS NULL OR lis_person_sourcedid = '')
		`, s.PersonSourcedID, s.CanvasUserID); err != nil {
			return nil, fmt.Errorf("%s: backfill sourcedid: %w", op, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE students SET api_token = ?
		WHERE lti_custom_user_id = ? AND (api_token IS NULL OR api_token = '')
	`, token, s.CanvasUserID); err != nil {
		return nil, fmt.Errorf("%s: backfill token: %w", op, err)
	}
	out, err := scanStudent(tx.QueryRowContext(ctx, studentSelect+` WHERE lti_custom_user_id = ?`, s.CanvasUserID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

const studentSelect = `SELECT id, COALESCE(lti_person_name_given, ''), COALESCE(lti_person_name_family, ''),
	lti_custom_user_id, COALESCE(lti_custom_canvas_user_login_id, ''), COALESCE(lti_user_id, ''), COALESCE(lis_person_sourcedid, ''),
	COALESCE(api_token, ''), created_at FROM students`

func scanStudent(row *sql.Row) (*accounts.Student, error) {
	var s accounts.Student
	var created time.Time
	if err := row.Scan(&s.ID, &s.GivenName, &s.FamilyName, &s.CanvasUserID, &s.CanvasLoginID,
		&s.LTIUserID, &s.PersonSourcedID, &s.APIToken, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.CreatedAt = created
	return &s, nil
}

func (r *SQLiteRepo) StudentByID(ctx context.Context, id int64) (*accounts.Student, error) {
	return scanStudent(r.db.QueryRowContext(ctx, studentSelect+` WHERE id = ?`, id))
}

func (r *SQLiteRepo) StudentByAPIToken(ctx context.Context, token string) (*accounts.Student, error) {
	if token == "" {
		return nil, nil
	}
	return scanStudent(r.db.QueryRowContext(ctx, studentSelect+` WHERE api_token = ?`, token))
}

func (r *SQLiteRepo) UpsertCourseContext(ctx context.Context, c *accounts.CourseContext) (*accounts.CourseContext, error) {
	const op = "accounts.sqlite.UpsertCourseContext"
	if c == nil || c.LTIContextID == "" {
		return nil, fmt.Errorf("%s: missing lti context id", op)
	}
	r.wg.Add(1)
	defer r.wg.Done()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO course_contexts (lti_context_id, lti_custom_course_id, lis_course_offering_sourcedid, issuer, line_items_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(lti_context_id) DO NOTHING
	`, c.LTIContextID, c.CanvasCourseID, c.CourseOfferingSourcedID, c.Issuer, c.LineItemsURL, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("%s: insert: %w", op, err)
	}
	if c.CourseOfferingSourcedID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE course_contexts SET lis_course_offering_sourcedid = ?
			WHERE lti_context_id = ? AND (lis_course_offering_sourcedid IS NULL OR lis_course_offering_sourcedid = '')
		`, c.CourseOfferingSourcedID, c.LTIContextID); err != nil {
			return nil, fmt.Errorf("%s: backfill sourcedid: %w", op, err)
		}
	}
	if c.Issuer != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE course_contexts SET issuer = ? WHERE lti_context_id = ?`, c.Issuer, c.LTIContextID); err != nil {
			return nil, fmt.Errorf("%s: issuer: %w", op, err)
		}
	}
	if c.LineItemsURL != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE course_contexts SET line_items_url = ? WHERE lti_context_id = ?`, c.LineItemsURL, c.LTIContextID); err != nil {
			return nil, fmt.Errorf("%s: line items url: %w", op, err)
		}
	}
	out, err := scanCourseContext(tx.QueryRowContext(ctx, courseContextSelect+` WHERE lti_context_id = ?`, c.LTIContextID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

const courseContextSelect = `SELECT id, lti_context_id, COALESCE(lti_custom_course_id, ''), COALESCE(lis_course_offering_sourcedid, ''),
	COALESCE(issuer, ''), COALESCE(line_items_url, '') FROM course_contexts`

func scanCourseContext(row *sql.Row) (*accounts.CourseContext, error) {
	var c accounts.CourseContext
	if err := row.Scan(&c.ID, &c.LTIContextID, &c.CanvasCourseID, &c.CourseOfferingSourcedID, &c.Issuer, &c.LineItemsURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *SQLiteRepo) CourseContextByLTIID(ctx context.Context, ltiContextID string) (*accounts.CourseContext, error) {
	return scanCourseContext(r.db.QueryRowContext(ctx, courseContextSelect+` WHERE lti_context_id = ?`, ltiContextID))
}

func (r *SQLiteRepo) LinkInstructor(ctx context.Context, instructorID int64, ltiContextID string) error {
	const op = "accounts.sqlite.LinkInstructor"
	if instructorID <= 0 || ltiContextID == "" {
		return fmt.Errorf("%s: missing instructor or context", op)
	}
	r.wg.Add(1)
	defer r.wg.Done()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO course_instructors (user_id, lti_context_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, lti_context_id) DO NOTHING
	`, instructorID, ltiContextID, time.Now().UTC()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *SQLiteRepo) InstructorInCourse(ctx context.Context, instructorID int64, ltiContextID string) (bool, error) {
	const op = "accounts.sqlite.InstructorInCourse"
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM course_instructors WHERE user_id = ? AND lti_context_id = ?
	`, instructorID, ltiContextID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}
