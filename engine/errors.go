/*
errors.go - Centralized error taxonomy for the engine

PURPOSE:
  All expected business outcomes in one place. Callers branch on these
  with errors.Is / errors.As; nothing in this package panics for a
  routine business condition.

ERROR CATEGORIES:
  1. InvalidArgument - malformed input (bad interval, bad enum, bad date)
  2. NotFound        - referenced entity absent or outside the actor's scope
  3. Conflict        - a state invariant would be violated (overlap,
                       non-editable status, duplicate pending request)
  4. Forbidden       - a time-window rule was violated (past the 24h cutoff);
                       distinguished from Conflict because it depends on WHEN
                       the caller acts, not on concurrent state

  Persistence failures that are not one of the above propagate untouched;
  the engine cannot meaningfully recover from them.

USAGE:
  if engine.IsConflict(err) { ... }

  var overlap *engine.OverlapError
  if errors.As(err, &overlap) {
      log.Printf("collides with %s", overlap.ConflictingID)
  }

SEE ALSO:
  - session.go, changerequest.go: Producers of these errors
  - api/handlers.go: HTTP status mapping (400/404/409/403)
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a referenced entity is absent or not
	// visible to the acting user.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a state invariant would be violated.
	ErrConflict = errors.New("conflict")

	// ErrForbidden is returned when a time-window rule forbids the action.
	ErrForbidden = errors.New("forbidden")

	// ErrRateNotFound is returned when no active rate exists for a
	// (teacher, student, subject) triple.
	ErrRateNotFound = fmt.Errorf("no active rate for teacher/student/subject: %w", ErrNotFound)

	// ErrDuplicateSessionConsumption is returned when a second ledger entry
	// references the same session. This is the idempotency backstop for the
	// completion sweep; callers treat it as "already charged".
	ErrDuplicateSessionConsumption = fmt.Errorf("session already consumed: %w", ErrConflict)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidArgumentError reports which field was malformed.
type InvalidArgumentError struct {
	Field string
	Value string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }

// OverlapError reports a teacher calendar collision. ConflictingID names
// the existing session that intersects the requested [start, end).
type OverlapError struct {
	TeacherID     UserID
	ConflictingID SessionID
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("teacher %s already has session %s in that interval", e.TeacherID, e.ConflictingID)
}

func (e *OverlapError) Unwrap() error { return ErrConflict }

// NotEditableError reports an attempt to mutate a session in a terminal state.
type NotEditableError struct {
	SessionID SessionID
	Status    SessionStatus
}

func (e *NotEditableError) Error() string {
	return fmt.Sprintf("session %s is %s and cannot be modified", e.SessionID, e.Status)
}

func (e *NotEditableError) Unwrap() error { return ErrConflict }

// InvalidTransitionError reports an illegal status transition.
type InvalidTransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrConflict }

// CutoffError reports a change request made after the 24h cutoff.
type CutoffError struct {
	SessionID SessionID
	Cutoff    time.Time
	Now       time.Time
}

func (e *CutoffError) Error() string {
	return fmt.Sprintf("change requests for session %s closed at %s (now %s)",
		e.SessionID, e.Cutoff.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

func (e *CutoffError) Unwrap() error { return ErrForbidden }

// RequestResolvedError reports an attempt to resolve a change request that
// is no longer PENDING.
type RequestResolvedError struct {
	RequestID ChangeRequestID
	Status    ChangeRequestStatus
}

func (e *RequestResolvedError) Error() string {
	return fmt.Sprintf("change request %s is already %s", e.RequestID, e.Status)
}

func (e *RequestResolvedError) Unwrap() error { return ErrConflict }

// PendingRequestError reports a second change request while one is pending.
type PendingRequestError struct {
	SessionID  SessionID
	ExistingID ChangeRequestID
}

func (e *PendingRequestError) Error() string {
	return fmt.Sprintf("session %s already has pending change request %s", e.SessionID, e.ExistingID)
}

func (e *PendingRequestError) Unwrap() error { return ErrConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }
func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool        { return errors.Is(err, ErrConflict) }
func IsForbidden(err error) bool       { return errors.Is(err, ErrForbidden) }
