// Package store persists the ordered unit sequence of a project in SQLite.
// The render dispatcher is the only writer of status transitions; edits
// arriving through Update bump the unit revision so stale render results
// can be detected and discarded.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/versofon/verso-core/internal/config"
	_ "modernc.org/sqlite"
)

// Unit statuses.
const (
	StatusPending   = "pending"
	StatusRendering = "rendering"
	StatusDone      = "done"
	StatusError     = "error"
)

var (
	// ErrNotFound is returned when no unit exists at the given index.
	ErrNotFound = errors.New("unit not found")
	// ErrState is returned when a transition is not legal from the unit's
	// current status or revision.
	ErrState = errors.New("invalid unit state")
)

// Unit is one renderable span of the script.
type Unit struct {
	Index      int
	Speaker    string
	Text       string
	Direction  string
	Status     string
	AudioPath  string
	DurationMS int64
	Error      string
	Revision   int64
	UpdatedAt  time.Time
}

// Store wraps the SQLite-backed unit table.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the unit store at cfg.Path.
func Open(ctx context.Context, cfg config.LibraryConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS units (
    idx INTEGER PRIMARY KEY,
    speaker TEXT NOT NULL,
    text TEXT NOT NULL,
    direction TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    audio_path TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    revision INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_units_status ON units(status);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const unitColumns = `idx, speaker, text, direction, status, audio_path, duration_ms, error, revision, updated_at`

func scanUnit(row interface{ Scan(...any) error }) (Unit, error) {
	var u Unit
	var updated string
	err := row.Scan(&u.Index, &u.Speaker, &u.Text, &u.Direction, &u.Status,
		&u.AudioPath, &u.DurationMS, &u.Error, &u.Revision, &updated)
	if err != nil {
		return Unit{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		u.UpdatedAt = ts
	}
	return u, nil
}

// Get retrieves a single unit by index.
func (s *Store) Get(ctx context.Context, index int) (Unit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE idx = ?`, index)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, fmt.Errorf("unit %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return Unit{}, err
	}
	return u, nil
}

// List returns all units ordered by index.
func (s *Store) List(ctx context.Context) ([]Unit, error) {
	return s.query(ctx, `SELECT `+unitColumns+` FROM units ORDER BY idx ASC`)
}

// ListByStatus returns units with the given status, ordered by index.
func (s *Store) ListByStatus(ctx context.Context, status string) ([]Unit, error) {
	return s.query(ctx, `SELECT `+unitColumns+` FROM units WHERE status = ? ORDER BY idx ASC`, status)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// Update applies an edit to a unit's text fields. Nil fields are left
// untouched. Any edit resets the unit to pending, clears its artifact and
// error, and advances the revision so an in-flight render result for the
// old text is discarded on commit.
func (s *Store) Update(ctx context.Context, index int, speaker, text, direction *string) (Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unit{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE idx = ?`, index)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, fmt.Errorf("unit %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return Unit{}, err
	}

	if speaker != nil {
		u.Speaker = *speaker
	}
	if text != nil {
		u.Text = *text
	}
	if direction != nil {
		u.Direction = *direction
	}
	u.Status = StatusPending
	u.AudioPath = ""
	u.DurationMS = 0
	u.Error = ""
	u.Revision++
	u.UpdatedAt = s.clock().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE units SET speaker=?, text=?, direction=?, status=?, audio_path='',
		 duration_ms=0, error='', revision=?, updated_at=? WHERE idx=?`,
		u.Speaker, u.Text, u.Direction, u.Status, u.Revision, u.UpdatedAt, index)
	if err != nil {
		return Unit{}, err
	}
	if err := tx.Commit(); err != nil {
		return Unit{}, err
	}
	return u, nil
}

// MarkRendering transitions a unit to rendering and returns the revision
// the render is working against. A unit already rendering is not taken
// over; callers treat ErrState as "skip".
func (s *Store) MarkRendering(ctx context.Context, index int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status=?, error='', updated_at=? WHERE idx=? AND status != ?`,
		StatusRendering, s.clock().UTC(), index, StatusRendering)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if _, err := s.Get(ctx, index); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("unit %d already rendering: %w", index, ErrState)
	}
	u, err := s.Get(ctx, index)
	if err != nil {
		return 0, err
	}
	return u.Revision, nil
}

// CommitResult marks a rendering unit done. The write only lands if the
// unit is still rendering at the same revision; otherwise the result is
// stale (the unit was edited underneath the render) and ErrState is
// returned so the caller can discard it.
func (s *Store) CommitResult(ctx context.Context, index int, revision int64, audioPath string, durationMS int64) error {
	return s.commit(ctx, index, revision,
		`UPDATE units SET status=?, audio_path=?, duration_ms=?, error='', updated_at=?
		 WHERE idx=? AND status=? AND revision=?`,
		StatusDone, audioPath, durationMS, s.clock().UTC(), index, StatusRendering, revision)
}

// CommitError marks a rendering unit failed with the backend's message.
// Like CommitResult it is dropped when the revision moved on.
func (s *Store) CommitError(ctx context.Context, index int, revision int64, message string) error {
	return s.commit(ctx, index, revision,
		`UPDATE units SET status=?, audio_path='', duration_ms=0, error=?, updated_at=?
		 WHERE idx=? AND status=? AND revision=?`,
		StatusError, message, s.clock().UTC(), index, StatusRendering, revision)
}

func (s *Store) commit(ctx context.Context, index int, revision int64, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, index); err != nil {
			return err
		}
		return fmt.Errorf("unit %d: stale render result (revision %d): %w", index, revision, ErrState)
	}
	return nil
}

// Insert adds an empty pending unit after the given index and shifts the
// rest of the sequence up by one. The new unit inherits its neighbor's
// speaker so an operator only has to type text.
func (s *Store) Insert(ctx context.Context, after int) (Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unit{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT speaker FROM units WHERE idx = ?`, after)
	var speaker string
	if err := row.Scan(&speaker); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Unit{}, fmt.Errorf("unit %d: %w", after, ErrNotFound)
		}
		return Unit{}, err
	}

	// Two-phase shift avoids primary key collisions while renumbering.
	if _, err := tx.ExecContext(ctx, `UPDATE units SET idx = -(idx + 1) WHERE idx > ?`, after); err != nil {
		return Unit{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE units SET idx = -idx WHERE idx < 0`); err != nil {
		return Unit{}, err
	}

	now := s.clock().UTC()
	u := Unit{
		Index:     after + 1,
		Speaker:   speaker,
		Status:    StatusPending,
		UpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO units(idx, speaker, text, direction, status, updated_at)
		 VALUES(?, ?, '', '', ?, ?)`, u.Index, u.Speaker, u.Status, now)
	if err != nil {
		return Unit{}, err
	}
	if err := tx.Commit(); err != nil {
		return Unit{}, err
	}
	return u, nil
}

// Delete removes a unit and closes the index gap. The last remaining unit
// cannot be deleted. The removed unit is returned so a caller can hold it
// for a later Restore.
func (s *Store) Delete(ctx context.Context, index int) (Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unit{}, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM units`).Scan(&count); err != nil {
		return Unit{}, err
	}
	if count <= 1 {
		return Unit{}, fmt.Errorf("cannot delete the last unit: %w", ErrState)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE idx = ?`, index)
	deleted, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, fmt.Errorf("unit %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return Unit{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE idx = ?`, index); err != nil {
		return Unit{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE units SET idx = -(idx - 1) WHERE idx > ?`, index); err != nil {
		return Unit{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE units SET idx = -idx WHERE idx < 0`); err != nil {
		return Unit{}, err
	}
	if err := tx.Commit(); err != nil {
		return Unit{}, err
	}
	return deleted, nil
}

// Restore reinserts a previously deleted unit at the given index, shifting
// the rest of the sequence up. The index is clamped to the current bounds;
// the unit keeps its status and artifact so an undone delete does not force
// a re-render.
func (s *Store) Restore(ctx context.Context, at int, u Unit) (Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unit{}, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM units`).Scan(&count); err != nil {
		return Unit{}, err
	}
	if at < 0 {
		at = 0
	}
	if at > count {
		at = count
	}

	if _, err := tx.ExecContext(ctx, `UPDATE units SET idx = -(idx + 1) WHERE idx >= ?`, at); err != nil {
		return Unit{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE units SET idx = -idx WHERE idx < 0`); err != nil {
		return Unit{}, err
	}

	u.Index = at
	if u.Status == "" {
		u.Status = StatusPending
	}
	u.UpdatedAt = s.clock().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO units(idx, speaker, text, direction, status, audio_path, duration_ms, error, revision, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Index, u.Speaker, u.Text, u.Direction, u.Status, u.AudioPath, u.DurationMS, u.Error, u.Revision, u.UpdatedAt)
	if err != nil {
		return Unit{}, err
	}
	if err := tx.Commit(); err != nil {
		return Unit{}, err
	}
	return u, nil
}

// Replace swaps the whole unit sequence for a freshly ingested one. Every
// new unit starts pending at revision zero.
func (s *Store) Replace(ctx context.Context, units []Unit) error {
	if len(units) == 0 {
		return fmt.Errorf("refusing to replace with empty unit set: %w", ErrState)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM units`); err != nil {
		return err
	}

	now := s.clock().UTC()
	for i, u := range units {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO units(idx, speaker, text, direction, status, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?)`,
			i, u.Speaker, u.Text, u.Direction, StatusPending, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Count returns the number of stored units.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM units`).Scan(&count)
	return count, err
}
