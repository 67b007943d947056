/*
store.go - Persistence interfaces for sessions, ledger, and change requests

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  assumes a relational store with transactions, unique constraints, and
  range queries on time columns, but does not implement those guarantees.

KEY INTERFACES:
  Store:        Session, ledger-entry, and change-request persistence
  TxStore:      Store plus WithTx for atomic multi-write units of work
  RateResolver: The rate-table collaborator (snapshot source)
  UserDirectory: Display-name lookup for payroll output ordering
  AuditLog:     Structured facts emitted after state-changing operations

APPEND-ONLY CONTRACT:
  Ledger entries have no Update or Delete. The unique constraint on a
  non-null session id is the idempotency backstop for the completion
  sweep: a second consumption for the same session must fail with
  ErrDuplicateSessionConsumption.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - engine/store/memory.go: In-memory for testing

SEE ALSO:
  - completion.go: Per-session transactional unit of work
  - changerequest.go: Approve runs both effects inside one WithTx
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Session, ledger, and change-request persistence
// =============================================================================

type Store interface {
	// --- Sessions ---

	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session or ErrNotFound.
	GetSession(ctx context.Context, id SessionID) (*Session, error)

	// UpdateSession overwrites a session's mutable fields.
	UpdateSession(ctx context.Context, s *Session) error

	// UpdateSessionStatusIf flips status only if the current status equals
	// from. Returns false (no error) when the guard did not hold; this is
	// how the completion sweep loses gracefully to a concurrent cancel.
	UpdateSessionStatusIf(ctx context.Context, id SessionID, from, to SessionStatus, at time.Time) (bool, error)

	// FindOverlapping returns this teacher's non-cancelled sessions whose
	// [StartAt, EndAt) intersects [start, end), excluding exclude (pass ""
	// to exclude nothing). Half-open: back-to-back sessions do not match.
	FindOverlapping(ctx context.Context, teacherID UserID, start, end time.Time, exclude SessionID) ([]*Session, error)

	// ListSessionsDue returns up to limit SCHEDULED sessions with
	// EndAt <= now, ordered by EndAt ascending.
	ListSessionsDue(ctx context.Context, now time.Time, limit int) ([]*Session, error)

	// ListCompletedInRange returns the teacher's COMPLETED sessions with
	// EndAt inside [from, to).
	ListCompletedInRange(ctx context.Context, teacherID UserID, from, to time.Time) ([]*Session, error)

	// --- Hour ledger (append-only) ---

	// AppendLedgerEntry persists an entry. A non-null session id that is
	// already referenced fails with ErrDuplicateSessionConsumption.
	AppendLedgerEntry(ctx context.Context, e *LedgerEntry) error

	// LedgerEntriesByStudent returns all entries for a student,
	// oldest first.
	LedgerEntriesByStudent(ctx context.Context, studentID UserID) ([]*LedgerEntry, error)

	// LedgerEntryForSession returns the consumption entry referencing the
	// session, or ErrNotFound.
	LedgerEntryForSession(ctx context.Context, sessionID SessionID) (*LedgerEntry, error)

	// --- Change requests ---

	CreateChangeRequest(ctx context.Context, cr *ChangeRequest) error
	GetChangeRequest(ctx context.Context, id ChangeRequestID) (*ChangeRequest, error)
	UpdateChangeRequest(ctx context.Context, cr *ChangeRequest) error

	// PendingChangeRequestForSession returns the session's PENDING request,
	// or ErrNotFound when none exists.
	PendingChangeRequestForSession(ctx context.Context, sessionID SessionID) (*ChangeRequest, error)

	// ListPendingChangeRequests returns all PENDING requests, oldest first.
	ListPendingChangeRequests(ctx context.Context) ([]*ChangeRequest, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support. Conflict checks read-then-
// write inside one transaction; change-request approval and each completion
// unit commit both of their effects together or not at all.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS - Rate table, user directory, audit
// =============================================================================

// RateResolver is the rate-table collaborator. The engine consumes it at
// session create and subject-change time and copies the result onto the
// session; it never dereferences the rate table afterwards.
type RateResolver interface {
	// ResolveRate returns the active rate for the triple, or ErrRateNotFound.
	ResolveRate(ctx context.Context, teacherID, studentID UserID, subject Subject) (RateSnapshot, error)
}

// UserDirectory resolves display names. Payroll output falls back to the
// raw id when a name is missing.
type UserDirectory interface {
	DisplayName(ctx context.Context, id UserID) (string, error)
}

// =============================================================================
// AUDIT - One structured fact per state-changing operation
// =============================================================================

type AuditAction string

const (
	AuditSessionCreated   AuditAction = "session_created"
	AuditSessionEdited    AuditAction = "session_edited"
	AuditSessionCancelled AuditAction = "session_cancelled"
	AuditSessionCompleted AuditAction = "session_completed"
	AuditRequestCreated   AuditAction = "change_request_created"
	AuditRequestApproved  AuditAction = "change_request_approved"
	AuditRequestRejected  AuditAction = "change_request_rejected"
	AuditLedgerAppended   AuditAction = "ledger_entry_appended"
)

// AuditEntry is the fact emitted after each state-changing operation.
// Delivery and storage are the collaborator's concern.
type AuditEntry struct {
	Action     AuditAction
	EntityType string
	EntityID   string
	ActorID    UserID
	Meta       map[string]string
}

type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry)
}

// NopAuditLog discards audit entries.
type NopAuditLog struct{}

func (NopAuditLog) Record(context.Context, AuditEntry) {}
