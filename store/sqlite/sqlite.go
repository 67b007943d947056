/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements engine.TxStore plus the rate-table and user-directory
  collaborators using SQLite. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  sessions:        Session records with embedded rate snapshot
  ledger_entries:  Append-only hour ledger
  change_requests: Student cancel/reschedule proposals
  rates:           Active hourly rates per (teacher, student, subject)
  users:           Display names for payroll output

CONSTRAINT BACKSTOPS:
  idx_ledger_session:       At most one ledger entry per session id. This is
                            the idempotency guard for the completion sweep.
  idx_requests_one_pending: At most one PENDING change request per session.
  Both violations surface as Conflict-class errors, never as raw SQL errors.

TIME COLUMNS:
  start_at/end_at are stored as Unix milliseconds (INTEGER) so range
  queries keep millisecond precision; RFC3339 text would lose sub-second
  ordering. Audit timestamps stay RFC3339 text.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/sessions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tutorly/session-engine/engine"
)

// Store implements engine.TxStore, engine.RateResolver, and
// engine.UserDirectory over SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		class_time_zone TEXT NOT NULL,
		consumes_units INTEGER NOT NULL DEFAULT 1,
		student_rate_cents INTEGER NOT NULL,
		teacher_wage_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Conflict detection (hot path): a teacher's sessions by time
	CREATE INDEX IF NOT EXISTS idx_sessions_teacher_time
		ON sessions(teacher_id, status, start_at, end_at);

	-- Completion sweep: due SCHEDULED sessions, oldest end first
	CREATE INDEX IF NOT EXISTS idx_sessions_status_end
		ON sessions(status, end_at);

	CREATE INDEX IF NOT EXISTS idx_sessions_student
		ON sessions(student_id);

	-- Append-only hour ledger
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		teacher_id TEXT,
		delta_units INTEGER NOT NULL,
		reason TEXT NOT NULL,
		session_id TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one ledger entry per session. Completion sweep
	-- idempotency rests on this constraint.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_session
		ON ledger_entries(session_id) WHERE session_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_ledger_student
		ON ledger_entries(student_id);

	CREATE TABLE IF NOT EXISTS change_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		proposed_start_at INTEGER,
		proposed_end_at INTEGER,
		proposed_time_zone TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		requested_by TEXT NOT NULL,
		decided_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one PENDING change request per session
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_pending
		ON change_requests(session_id) WHERE status = 'PENDING';

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON change_requests(status);

	-- Rate table (the engine only ever copies from here)
	CREATE TABLE IF NOT EXISTS rates (
		teacher_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		student_rate_cents INTEGER NOT NULL,
		teacher_wage_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (teacher_id, student_id, subject)
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SESSIONS (engine.Store interface)
// =============================================================================

const sessionColumns = `id, teacher_id, student_id, subject, start_at, end_at,
	class_time_zone, consumes_units, student_rate_cents, teacher_wage_cents,
	currency, status, created_by, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, session *engine.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createSession(ctx, s.db, session)
}

func createSession(ctx context.Context, db dbtx, session *engine.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		session.ID,
		session.TeacherID,
		session.StudentID,
		session.Subject,
		session.StartAt.UnixMilli(),
		session.EndAt.UnixMilli(),
		session.ClassTimeZone,
		session.ConsumesUnits,
		session.Rate.StudentHourlyRateCents,
		session.Rate.TeacherHourlyWageCents,
		session.Rate.Currency,
		session.Status,
		session.CreatedBy,
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		session.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id engine.SessionID) (*engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSession(ctx, s.db, id)
}

func getSession(ctx context.Context, db dbtx, id engine.SessionID) (*engine.Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	return session, err
}

func (s *Store) UpdateSession(ctx context.Context, session *engine.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSession(ctx, s.db, session)
}

func updateSession(ctx context.Context, db dbtx, session *engine.Session) error {
	query := `
		UPDATE sessions SET
			subject = ?, start_at = ?, end_at = ?, class_time_zone = ?,
			consumes_units = ?, student_rate_cents = ?, teacher_wage_cents = ?,
			currency = ?, status = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := db.ExecContext(ctx, query,
		session.Subject,
		session.StartAt.UnixMilli(),
		session.EndAt.UnixMilli(),
		session.ClassTimeZone,
		session.ConsumesUnits,
		session.Rate.StudentHourlyRateCents,
		session.Rate.TeacherHourlyWageCents,
		session.Rate.Currency,
		session.Status,
		session.UpdatedAt.UTC().Format(time.RFC3339Nano),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSessionStatusIf(ctx context.Context, id engine.SessionID, from, to engine.SessionStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateSessionStatusIf(ctx, s.db, id, from, to, at)
}

func updateSessionStatusIf(ctx context.Context, db dbtx, id engine.SessionID, from, to engine.SessionStatus, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, at.UTC().Format(time.RFC3339Nano), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to flip session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) FindOverlapping(ctx context.Context, teacherID engine.UserID, start, end time.Time, exclude engine.SessionID) ([]*engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findOverlapping(ctx, s.db, teacherID, start, end, exclude)
}

func findOverlapping(ctx context.Context, db dbtx, teacherID engine.UserID, start, end time.Time, exclude engine.SessionID) ([]*engine.Session, error) {
	// Half-open overlap: existing.start < new.end AND existing.end > new.start.
	query := `
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE teacher_id = ? AND status != ? AND id != ?
		  AND start_at < ? AND end_at > ?
		ORDER BY start_at ASC
	`
	return querySessions(ctx, db, query,
		teacherID, engine.SessionCancelled, exclude, end.UnixMilli(), start.UnixMilli())
}

func (s *Store) ListSessionsDue(ctx context.Context, now time.Time, limit int) ([]*engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSessionsDue(ctx, s.db, now, limit)
}

func listSessionsDue(ctx context.Context, db dbtx, now time.Time, limit int) ([]*engine.Session, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = ? AND end_at <= ?
		ORDER BY end_at ASC
		LIMIT ?
	`
	return querySessions(ctx, db, query, engine.SessionScheduled, now.UnixMilli(), limit)
}

func (s *Store) ListCompletedInRange(ctx context.Context, teacherID engine.UserID, from, to time.Time) ([]*engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCompletedInRange(ctx, s.db, teacherID, from, to)
}

func listCompletedInRange(ctx context.Context, db dbtx, teacherID engine.UserID, from, to time.Time) ([]*engine.Session, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE teacher_id = ? AND status = ? AND end_at >= ? AND end_at < ?
		ORDER BY end_at ASC
	`
	return querySessions(ctx, db, query,
		teacherID, engine.SessionCompleted, from.UnixMilli(), to.UnixMilli())
}

// ListSessionsByTeacher returns all of a teacher's sessions, newest first.
// Used by the HTTP listing endpoint, not by the engine itself.
func (s *Store) ListSessionsByTeacher(ctx context.Context, teacherID engine.UserID) ([]*engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE teacher_id = ? ORDER BY start_at DESC`
	return querySessions(ctx, s.db, query, teacherID)
}

func querySessions(ctx context.Context, db dbtx, query string, args ...any) ([]*engine.Session, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*engine.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*engine.Session, error) {
	var (
		session            engine.Session
		startMs, endMs     int64
		createdAt, updated string
	)
	err := row.Scan(
		&session.ID, &session.TeacherID, &session.StudentID, &session.Subject,
		&startMs, &endMs, &session.ClassTimeZone, &session.ConsumesUnits,
		&session.Rate.StudentHourlyRateCents, &session.Rate.TeacherHourlyWageCents,
		&session.Rate.Currency, &session.Status, &session.CreatedBy,
		&createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}
	session.StartAt = time.UnixMilli(startMs).UTC()
	session.EndAt = time.UnixMilli(endMs).UTC()
	session.CreatedAt = parseTimestamp(createdAt)
	session.UpdatedAt = parseTimestamp(updated)
	return &session, nil
}

// =============================================================================
// HOUR LEDGER (append-only: no UPDATE or DELETE statements exist here)
// =============================================================================

func (s *Store) AppendLedgerEntry(ctx context.Context, e *engine.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLedgerEntry(ctx, s.db, e)
}

func appendLedgerEntry(ctx context.Context, db dbtx, e *engine.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries
		(id, student_id, teacher_id, delta_units, reason, session_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.StudentID,
		nullableUserID(e.TeacherID),
		e.DeltaUnits,
		e.Reason,
		nullableSessionID(e.SessionID),
		e.CreatedBy,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateSessionConsumption
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) LedgerEntriesByStudent(ctx context.Context, studentID engine.UserID) ([]*engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerEntriesByStudent(ctx, s.db, studentID)
}

func ledgerEntriesByStudent(ctx context.Context, db dbtx, studentID engine.UserID) ([]*engine.LedgerEntry, error) {
	query := `
		SELECT id, student_id, teacher_id, delta_units, reason, session_id, created_by, created_at
		FROM ledger_entries
		WHERE student_id = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := db.QueryContext(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*engine.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) LedgerEntryForSession(ctx context.Context, sessionID engine.SessionID) (*engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerEntryForSession(ctx, s.db, sessionID)
}

func ledgerEntryForSession(ctx context.Context, db dbtx, sessionID engine.SessionID) (*engine.LedgerEntry, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, student_id, teacher_id, delta_units, reason, session_id, created_by, created_at
		FROM ledger_entries WHERE session_id = ?
	`, sessionID)
	entry, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	return entry, err
}

func scanLedgerEntry(row rowScanner) (*engine.LedgerEntry, error) {
	var (
		entry     engine.LedgerEntry
		teacherID sql.NullString
		sessionID sql.NullString
		createdAt string
	)
	err := row.Scan(
		&entry.ID, &entry.StudentID, &teacherID, &entry.DeltaUnits,
		&entry.Reason, &sessionID, &entry.CreatedBy, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if teacherID.Valid {
		id := engine.UserID(teacherID.String)
		entry.TeacherID = &id
	}
	if sessionID.Valid {
		id := engine.SessionID(sessionID.String)
		entry.SessionID = &id
	}
	entry.CreatedAt = parseTimestamp(createdAt)
	return &entry, nil
}

// =============================================================================
// CHANGE REQUESTS
// =============================================================================

const changeRequestColumns = `id, session_id, type, proposed_start_at,
	proposed_end_at, proposed_time_zone, status, requested_by, decided_by,
	created_at, updated_at`

func (s *Store) CreateChangeRequest(ctx context.Context, cr *engine.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createChangeRequest(ctx, s.db, cr)
}

func createChangeRequest(ctx context.Context, db dbtx, cr *engine.ChangeRequest) error {
	query := `
		INSERT INTO change_requests (` + changeRequestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		cr.ID,
		cr.SessionID,
		cr.Type,
		nullableMillis(cr.ProposedStartAt),
		nullableMillis(cr.ProposedEndAt),
		nullableString(cr.ProposedTimeZone),
		cr.Status,
		cr.RequestedBy,
		nullableUserID(cr.DecidedBy),
		cr.CreatedAt.UTC().Format(time.RFC3339Nano),
		cr.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// The partial unique index on PENDING fired: a pending request
			// already exists for this session.
			return &engine.PendingRequestError{SessionID: cr.SessionID}
		}
		return fmt.Errorf("failed to insert change request: %w", err)
	}
	return nil
}

func (s *Store) GetChangeRequest(ctx context.Context, id engine.ChangeRequestID) (*engine.ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getChangeRequest(ctx, s.db, id)
}

func getChangeRequest(ctx context.Context, db dbtx, id engine.ChangeRequestID) (*engine.ChangeRequest, error) {
	row := db.QueryRowContext(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id = ?`, id)
	cr, err := scanChangeRequest(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	return cr, err
}

func (s *Store) UpdateChangeRequest(ctx context.Context, cr *engine.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateChangeRequest(ctx, s.db, cr)
}

func updateChangeRequest(ctx context.Context, db dbtx, cr *engine.ChangeRequest) error {
	res, err := db.ExecContext(ctx, `
		UPDATE change_requests SET status = ?, decided_by = ?, updated_at = ?
		WHERE id = ?
	`,
		cr.Status,
		nullableUserID(cr.DecidedBy),
		cr.UpdatedAt.UTC().Format(time.RFC3339Nano),
		cr.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update change request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (s *Store) PendingChangeRequestForSession(ctx context.Context, sessionID engine.SessionID) (*engine.ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pendingChangeRequestForSession(ctx, s.db, sessionID)
}

func pendingChangeRequestForSession(ctx context.Context, db dbtx, sessionID engine.SessionID) (*engine.ChangeRequest, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+changeRequestColumns+` FROM change_requests
		WHERE session_id = ? AND status = ?
	`, sessionID, engine.RequestPending)
	cr, err := scanChangeRequest(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	return cr, err
}

func (s *Store) ListPendingChangeRequests(ctx context.Context) ([]*engine.ChangeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPendingChangeRequests(ctx, s.db)
}

func listPendingChangeRequests(ctx context.Context, db dbtx) ([]*engine.ChangeRequest, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+changeRequestColumns+` FROM change_requests
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`, engine.RequestPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query change requests: %w", err)
	}
	defer rows.Close()

	var out []*engine.ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func scanChangeRequest(row rowScanner) (*engine.ChangeRequest, error) {
	var (
		cr                 engine.ChangeRequest
		proposedStart      sql.NullInt64
		proposedEnd        sql.NullInt64
		proposedZone       sql.NullString
		decidedBy          sql.NullString
		createdAt, updated string
	)
	err := row.Scan(
		&cr.ID, &cr.SessionID, &cr.Type, &proposedStart, &proposedEnd,
		&proposedZone, &cr.Status, &cr.RequestedBy, &decidedBy,
		&createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}
	if proposedStart.Valid {
		t := time.UnixMilli(proposedStart.Int64).UTC()
		cr.ProposedStartAt = &t
	}
	if proposedEnd.Valid {
		t := time.UnixMilli(proposedEnd.Int64).UTC()
		cr.ProposedEndAt = &t
	}
	if proposedZone.Valid {
		cr.ProposedTimeZone = &proposedZone.String
	}
	if decidedBy.Valid {
		id := engine.UserID(decidedBy.String)
		cr.DecidedBy = &id
	}
	cr.CreatedAt = parseTimestamp(createdAt)
	cr.UpdatedAt = parseTimestamp(updated)
	return &cr, nil
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Reads inside fn go
// through the transaction handle, so conflict checks observe their own
// uncommitted writes.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateSession(ctx context.Context, s *engine.Session) error {
	return createSession(ctx, ts.tx, s)
}

func (ts *txStore) GetSession(ctx context.Context, id engine.SessionID) (*engine.Session, error) {
	return getSession(ctx, ts.tx, id)
}

func (ts *txStore) UpdateSession(ctx context.Context, s *engine.Session) error {
	return updateSession(ctx, ts.tx, s)
}

func (ts *txStore) UpdateSessionStatusIf(ctx context.Context, id engine.SessionID, from, to engine.SessionStatus, at time.Time) (bool, error) {
	return updateSessionStatusIf(ctx, ts.tx, id, from, to, at)
}

func (ts *txStore) FindOverlapping(ctx context.Context, teacherID engine.UserID, start, end time.Time, exclude engine.SessionID) ([]*engine.Session, error) {
	return findOverlapping(ctx, ts.tx, teacherID, start, end, exclude)
}

func (ts *txStore) ListSessionsDue(ctx context.Context, now time.Time, limit int) ([]*engine.Session, error) {
	return listSessionsDue(ctx, ts.tx, now, limit)
}

func (ts *txStore) ListCompletedInRange(ctx context.Context, teacherID engine.UserID, from, to time.Time) ([]*engine.Session, error) {
	return listCompletedInRange(ctx, ts.tx, teacherID, from, to)
}

func (ts *txStore) AppendLedgerEntry(ctx context.Context, e *engine.LedgerEntry) error {
	return appendLedgerEntry(ctx, ts.tx, e)
}

func (ts *txStore) LedgerEntriesByStudent(ctx context.Context, studentID engine.UserID) ([]*engine.LedgerEntry, error) {
	return ledgerEntriesByStudent(ctx, ts.tx, studentID)
}

func (ts *txStore) LedgerEntryForSession(ctx context.Context, sessionID engine.SessionID) (*engine.LedgerEntry, error) {
	return ledgerEntryForSession(ctx, ts.tx, sessionID)
}

func (ts *txStore) CreateChangeRequest(ctx context.Context, cr *engine.ChangeRequest) error {
	return createChangeRequest(ctx, ts.tx, cr)
}

func (ts *txStore) GetChangeRequest(ctx context.Context, id engine.ChangeRequestID) (*engine.ChangeRequest, error) {
	return getChangeRequest(ctx, ts.tx, id)
}

func (ts *txStore) UpdateChangeRequest(ctx context.Context, cr *engine.ChangeRequest) error {
	return updateChangeRequest(ctx, ts.tx, cr)
}

func (ts *txStore) PendingChangeRequestForSession(ctx context.Context, sessionID engine.SessionID) (*engine.ChangeRequest, error) {
	return pendingChangeRequestForSession(ctx, ts.tx, sessionID)
}

func (ts *txStore) ListPendingChangeRequests(ctx context.Context) ([]*engine.ChangeRequest, error) {
	return listPendingChangeRequests(ctx, ts.tx)
}

// =============================================================================
// RATE TABLE (engine.RateResolver)
// =============================================================================

// SaveRate upserts the active rate for a (teacher, student, subject) triple.
func (s *Store) SaveRate(ctx context.Context, teacherID, studentID engine.UserID, subject engine.Subject, rate engine.RateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rates (teacher_id, student_id, subject, student_rate_cents, teacher_wage_cents, currency, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(teacher_id, student_id, subject) DO UPDATE SET
			student_rate_cents = excluded.student_rate_cents,
			teacher_wage_cents = excluded.teacher_wage_cents,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		teacherID, studentID, subject,
		rate.StudentHourlyRateCents, rate.TeacherHourlyWageCents, rate.Currency,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) ResolveRate(ctx context.Context, teacherID, studentID engine.UserID, subject engine.Subject) (engine.RateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rate engine.RateSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT student_rate_cents, teacher_wage_cents, currency
		FROM rates
		WHERE teacher_id = ? AND student_id = ? AND subject = ?
	`, teacherID, studentID, subject).Scan(
		&rate.StudentHourlyRateCents, &rate.TeacherHourlyWageCents, &rate.Currency,
	)
	if err == sql.ErrNoRows {
		return engine.RateSnapshot{}, engine.ErrRateNotFound
	}
	if err != nil {
		return engine.RateSnapshot{}, fmt.Errorf("failed to resolve rate: %w", err)
	}
	return rate, nil
}

// =============================================================================
// USER DIRECTORY (engine.UserDirectory)
// =============================================================================

// SaveUser upserts a display name.
func (s *Store) SaveUser(ctx context.Context, id engine.UserID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name
	`, id, displayName, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) DisplayName(ctx context.Context, id engine.UserID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var name string
	err := s.db.QueryRowContext(ctx, `SELECT display_name FROM users WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", engine.ErrNotFound
	}
	return name, err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullableUserID(id *engine.UserID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullableSessionID(id *engine.SessionID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
