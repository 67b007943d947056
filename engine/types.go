/*
Package engine provides the session lifecycle and hour-ledger engine.

PURPOSE:
  This package contains the domain types and algorithms for managing
  scheduled one-on-one tutoring sessions: the session state machine,
  teacher-calendar conflict detection, the append-only hour ledger,
  the student change-request workflow, the completion sweep, and the
  weekly payroll aggregation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Session: A scheduled teaching engagement with a pricing snapshot
  - LedgerEntry: An immutable fact about a student's unit balance
  - ChangeRequest: A student's proposal to cancel or reschedule
  - Status enums with an explicit transition table

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified or deleted
  2. Snapshots: Rates are copied onto sessions at creation time, so
     later rate-table edits never alter scheduled or completed sessions
  3. Type Safety: Strong typing for IDs prevents mixing teacher/student/
     session identifiers
  4. Closed enums: Status transitions go through ValidateTransition,
     never ad hoc string comparison

SEE ALSO:
  - errors.go: Error taxonomy (InvalidArgument/NotFound/Conflict/Forbidden)
  - session.go: Create/Edit/Cancel and conflict detection
  - ledger.go: Balance queries over the append-only ledger
*/
package engine

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type SessionID string
type ChangeRequestID string
type LedgerEntryID string

func NewSessionID() SessionID             { return SessionID(uuid.NewString()) }
func NewChangeRequestID() ChangeRequestID { return ChangeRequestID(uuid.NewString()) }
func NewLedgerEntryID() LedgerEntryID     { return LedgerEntryID(uuid.NewString()) }

// =============================================================================
// SUBJECT - Enumerated teaching category
// =============================================================================

type Subject string

const (
	SubjectMath      Subject = "math"
	SubjectEnglish   Subject = "english"
	SubjectScience   Subject = "science"
	SubjectLanguages Subject = "languages"
	SubjectMusic     Subject = "music"
)

var knownSubjects = map[Subject]bool{
	SubjectMath:      true,
	SubjectEnglish:   true,
	SubjectScience:   true,
	SubjectLanguages: true,
	SubjectMusic:     true,
}

// ParseSubject validates a subject string against the closed set.
func ParseSubject(s string) (Subject, error) {
	subj := Subject(s)
	if !knownSubjects[subj] {
		return "", &InvalidArgumentError{Field: "subject", Value: s}
	}
	return subj, nil
}

// =============================================================================
// SESSION STATUS - Closed state machine
// =============================================================================

type SessionStatus string

const (
	SessionScheduled SessionStatus = "SCHEDULED"
	SessionCancelled SessionStatus = "CANCELLED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// allowedTransitions is the full table of legal (from, to) status pairs.
// SCHEDULED -> SCHEDULED covers in-place edits and approved reschedules.
// CANCELLED and COMPLETED are terminal.
var allowedTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionScheduled: {
		SessionScheduled: true,
		SessionCancelled: true,
		SessionCompleted: true,
	},
	SessionCancelled: {},
	SessionCompleted: {},
}

// ParseSessionStatus validates a status string against the closed set.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionScheduled, SessionCancelled, SessionCompleted:
		return SessionStatus(s), nil
	}
	return "", &InvalidArgumentError{Field: "status", Value: s}
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to SessionStatus) bool {
	return allowedTransitions[from][to]
}

// ValidateTransition returns a Conflict error for an illegal transition.
func ValidateTransition(from, to SessionStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// =============================================================================
// RATE SNAPSHOT - Pricing copied onto a session at creation/subject change
// =============================================================================

// RateSnapshot is the hourly pricing captured when a session is created or
// its subject changes. It is a copy, never a live reference to the rate
// table, so later rate edits do not retroactively alter sessions.
type RateSnapshot struct {
	StudentHourlyRateCents int64
	TeacherHourlyWageCents int64
	Currency               string
}

// =============================================================================
// SESSION - A scheduled teaching engagement
// =============================================================================

// Session is a scheduled one-on-one engagement between a teacher and a
// student. StartAt/EndAt are absolute UTC instants; ClassTimeZone is the
// IANA zone used for display only, never for conflict math.
//
// INVARIANT: for a fixed teacher, sessions with status != CANCELLED have
// pairwise non-overlapping [StartAt, EndAt) intervals.
type Session struct {
	ID        SessionID
	TeacherID UserID
	StudentID UserID

	Subject       Subject
	StartAt       time.Time
	EndAt         time.Time
	ClassTimeZone string

	// ConsumesUnits is how many hour-ledger units this session costs on
	// completion. Defaults to 1.
	ConsumesUnits int

	Rate   RateSnapshot
	Status SessionStatus

	CreatedBy UserID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Overlaps reports half-open interval intersection with [start, end).
// Back-to-back sessions (EndAt == start) do not overlap.
func (s *Session) Overlaps(start, end time.Time) bool {
	return s.StartAt.Before(end) && s.EndAt.After(start)
}

// DurationMs returns the session length in milliseconds.
func (s *Session) DurationMs() int64 {
	return s.EndAt.Sub(s.StartAt).Milliseconds()
}

// =============================================================================
// HOUR LEDGER ENTRY - Immutable unit balance fact
// =============================================================================

type LedgerReason string

const (
	ReasonPurchase       LedgerReason = "PURCHASE"
	ReasonAdjustment     LedgerReason = "ADJUSTMENT"
	ReasonSessionConsume LedgerReason = "SESSION_CONSUME"
)

// LedgerEntry records a signed unit delta for a student. TeacherID is nil
// for the "unassigned" pool. At most one entry may reference a given
// SessionID; that uniqueness is what makes session completion idempotent.
type LedgerEntry struct {
	ID        LedgerEntryID
	StudentID UserID
	TeacherID *UserID

	DeltaUnits int
	Reason     LedgerReason
	SessionID  *SessionID

	CreatedBy UserID
	CreatedAt time.Time
}

// =============================================================================
// CHANGE REQUEST - Student proposal against a scheduled session
// =============================================================================

type ChangeRequestType string

const (
	ChangeCancel     ChangeRequestType = "CANCEL"
	ChangeReschedule ChangeRequestType = "RESCHEDULE"
)

type ChangeRequestStatus string

const (
	RequestPending  ChangeRequestStatus = "PENDING"
	RequestApproved ChangeRequestStatus = "APPROVED"
	RequestRejected ChangeRequestStatus = "REJECTED"
)

// ChangeRequest is a student's proposal to cancel or reschedule a session.
// At most one PENDING request may exist per session at a time. A request is
// resolved exactly once and is immutable afterwards.
type ChangeRequest struct {
	ID        ChangeRequestID
	SessionID SessionID
	Type      ChangeRequestType

	// Reschedule payload; nil for CANCEL requests.
	ProposedStartAt  *time.Time
	ProposedEndAt    *time.Time
	ProposedTimeZone *string

	Status      ChangeRequestStatus
	RequestedBy UserID
	DecidedBy   *UserID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequestCutoff is how long before a session's start students may still
// request changes. The boundary is exclusive on the "too late" side:
// a request made exactly at the cutoff instant is allowed.
const RequestCutoff = 24 * time.Hour

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock supplies "now". Injectable so the cutoff rule and the completion
// sweep are deterministically testable.
type Clock func() time.Time

// SystemClock reads the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }
