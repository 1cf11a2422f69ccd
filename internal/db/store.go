// Package db persists session registry entries and locks in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/tmuxbridge/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertSession(ctx context.Context, sess model.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	if sess.CreatedBy == "" {
		sess.CreatedBy = model.CreatedByExternal
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_name, work_dir, created_by, owned, marked_for_exit, marked_at, last_activity_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_name) DO UPDATE SET
	work_dir=excluded.work_dir,
	created_by=excluded.created_by,
	owned=excluded.owned,
	marked_for_exit=excluded.marked_for_exit,
	marked_at=excluded.marked_at,
	last_activity_at=excluded.last_activity_at,
	updated_at=excluded.updated_at
`, sess.Name, sess.WorkDir, string(sess.CreatedBy), boolToInt(sess.Owned), boolToInt(sess.MarkedForExit),
		nullableTS(sess.MarkedAt), nullableTS(sess.LastActivityAt), ts(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, name string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_name, work_dir, created_by, owned, marked_for_exit, marked_at, last_activity_at, updated_at
FROM sessions WHERE session_name = ?`, name)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_name, work_dir, created_by, owned, marked_for_exit, marked_at, last_activity_at, updated_at
FROM sessions ORDER BY session_name`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_name = ?`, name); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SetOwned flips interactive ownership. Granting ownership clears it from
// every other session in the same transaction: at most one session is
// owned at any instant.
func (s *Store) SetOwned(ctx context.Context, name string, owned bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set owned: %w", err)
	}
	if owned {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET owned = 0, updated_at = ? WHERE owned = 1 AND session_name != ?`, ts(now), name); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("clear owned: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET owned = ?, updated_at = ? WHERE session_name = ?`, boolToInt(owned), ts(now), name)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("set owned: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("rows affected set owned: %w", err)
	}
	if rowsAffected == 0 {
		tx.Rollback() //nolint:errcheck
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set owned: %w", err)
	}
	return nil
}

func (s *Store) SetMarkedForExit(ctx context.Context, name string, marked bool, now time.Time) error {
	var markedAt any
	if marked {
		markedAt = ts(now)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET marked_for_exit = ?, marked_at = ?, updated_at = ? WHERE session_name = ?`,
		boolToInt(marked), markedAt, ts(now), name)
	if err != nil {
		return fmt.Errorf("set marked for exit: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected set marked: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchActivity(ctx context.Context, name string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE session_name = ?`, ts(now), ts(now), name); err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// InsertLock atomically claims the per-session lock. The purge of an
// expired holder and the insert run in one transaction; losing the race
// surfaces as ErrDuplicate through the primary-key constraint rather than
// an application-level check-then-act.
func (s *Store) InsertLock(ctx context.Context, lock model.Lock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE session_name = ? AND expires_at <= ?`, lock.SessionName, ts(lock.AcquiredAt)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("purge expired lock: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO locks(session_name, holder, acquired_at, expires_at)
VALUES (?, ?, ?, ?)`, lock.SessionName, lock.Holder, ts(lock.AcquiredAt), ts(lock.ExpiresAt))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert lock: %w", err)
	}
	return nil
}

func (s *Store) GetLock(ctx context.Context, name string) (model.Lock, error) {
	var (
		lock       model.Lock
		acquiredAt string
		expiresAt  string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT session_name, holder, acquired_at, expires_at FROM locks WHERE session_name = ?`, name).
		Scan(&lock.SessionName, &lock.Holder, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lock{}, ErrNotFound
	}
	if err != nil {
		return model.Lock{}, fmt.Errorf("get lock: %w", err)
	}
	if lock.AcquiredAt, err = parseTS(acquiredAt); err != nil {
		return model.Lock{}, fmt.Errorf("parse lock acquired_at: %w", err)
	}
	if lock.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return model.Lock{}, fmt.Errorf("parse lock expires_at: %w", err)
	}
	return lock, nil
}

// DeleteLock is idempotent; deleting an absent lock is not an error.
func (s *Store) DeleteLock(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE session_name = ?`, name); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpiredLocks(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, ts(now)); err != nil {
		return fmt.Errorf("purge expired locks: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		sess           model.Session
		createdBy      string
		owned          int
		marked         int
		markedAt       sql.NullString
		lastActivityAt sql.NullString
		updatedAt      string
	)
	if err := row.Scan(&sess.Name, &sess.WorkDir, &createdBy, &owned, &marked, &markedAt, &lastActivityAt, &updatedAt); err != nil {
		return model.Session{}, err
	}
	sess.CreatedBy = model.CreatedBy(createdBy)
	sess.Owned = owned != 0
	sess.MarkedForExit = marked != 0
	if markedAt.Valid {
		t, err := parseTS(markedAt.String)
		if err != nil {
			return model.Session{}, fmt.Errorf("parse marked_at: %w", err)
		}
		sess.MarkedAt = &t
	}
	if lastActivityAt.Valid {
		t, err := parseTS(lastActivityAt.String)
		if err != nil {
			return model.Session{}, fmt.Errorf("parse last_activity_at: %w", err)
		}
		sess.LastActivityAt = &t
	}
	t, err := parseTS(updatedAt)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	sess.UpdatedAt = t
	return sess, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
