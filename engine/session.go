/*
session.go - Session creation, editing, cancellation, and conflict detection

PURPOSE:
  Owns the session lifecycle. Enforces that a teacher's non-cancelled
  sessions never overlap, that pricing snapshots are resolved at creation
  and re-resolved on subject change, and that terminal statuses are never
  mutated.

OVERLAP RULE:
  Intervals are half-open [StartAt, EndAt). An existing session conflicts
  when existing.StartAt < new.EndAt AND existing.EndAt > new.StartAt, so
  back-to-back sessions (end of A == start of B) never conflict.

CONCURRENCY:
  Conflict checks read-then-write inside one store transaction. Two
  concurrent creates for overlapping slots cannot both commit; the loser
  surfaces as Conflict.

SEE ALSO:
  - changerequest.go: Approved reschedules rewrite time fields in place
  - completion.go: The only writer of the COMPLETED status
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// SESSION SERVICE
// =============================================================================

type SessionService struct {
	Store TxStore
	Rates RateResolver
	Audit AuditLog
	Now   Clock
}

func NewSessionService(store TxStore, rates RateResolver, audit AuditLog) *SessionService {
	if audit == nil {
		audit = NopAuditLog{}
	}
	return &SessionService{Store: store, Rates: rates, Audit: audit, Now: SystemClock}
}

// =============================================================================
// CREATE
// =============================================================================

type CreateSessionInput struct {
	TeacherID     UserID
	StudentID     UserID
	Subject       Subject
	StartAt       time.Time
	EndAt         time.Time
	ClassTimeZone string
	ConsumesUnits int // 0 means default (1)
	ActorID       UserID
}

// Create validates the interval, snapshots the active rate, checks the
// teacher's calendar for overlap, and persists a SCHEDULED session.
func (ss *SessionService) Create(ctx context.Context, in CreateSessionInput) (*Session, error) {
	if !in.EndAt.After(in.StartAt) {
		return nil, &InvalidArgumentError{Field: "interval", Value: "endAt must be after startAt"}
	}
	if _, err := LoadZone(in.ClassTimeZone); err != nil {
		return nil, err
	}
	if _, err := ParseSubject(string(in.Subject)); err != nil {
		return nil, err
	}
	units := in.ConsumesUnits
	if units == 0 {
		units = 1
	}
	if units < 0 {
		return nil, &InvalidArgumentError{Field: "consumesUnits", Value: fmt.Sprintf("%d", units)}
	}

	rate, err := ss.Rates.ResolveRate(ctx, in.TeacherID, in.StudentID, in.Subject)
	if err != nil {
		return nil, err
	}

	now := ss.Now()
	session := &Session{
		ID:            NewSessionID(),
		TeacherID:     in.TeacherID,
		StudentID:     in.StudentID,
		Subject:       in.Subject,
		StartAt:       in.StartAt.UTC(),
		EndAt:         in.EndAt.UTC(),
		ClassTimeZone: in.ClassTimeZone,
		ConsumesUnits: units,
		Rate:          rate,
		Status:        SessionScheduled,
		CreatedBy:     in.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = ss.Store.WithTx(ctx, func(tx Store) error {
		if err := ss.checkOverlap(ctx, tx, session.TeacherID, session.StartAt, session.EndAt, ""); err != nil {
			return err
		}
		return tx.CreateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	ss.Audit.Record(ctx, AuditEntry{
		Action:     AuditSessionCreated,
		EntityType: "session",
		EntityID:   string(session.ID),
		ActorID:    in.ActorID,
		Meta: map[string]string{
			"teacherId": string(session.TeacherID),
			"studentId": string(session.StudentID),
			"startAt":   session.StartAt.Format(time.RFC3339),
			"endAt":     session.EndAt.Format(time.RFC3339),
		},
	})
	return session, nil
}

// =============================================================================
// EDIT
// =============================================================================

// EditSessionInput applies a partial update. Nil fields keep the current
// value. Status may only target SCHEDULED or CANCELLED; a CANCELLED target
// behaves like Cancel.
type EditSessionInput struct {
	StartAt       *time.Time
	EndAt         *time.Time
	ClassTimeZone *string
	ConsumesUnits *int
	Subject       *Subject
	Status        *SessionStatus
	ActorID       UserID
}

// Edit re-validates the resulting interval against the teacher's other
// non-cancelled sessions and re-snapshots the rate when the subject changed.
// Only SCHEDULED sessions are editable.
func (ss *SessionService) Edit(ctx context.Context, id SessionID, in EditSessionInput) (*Session, error) {
	if in.Status != nil {
		if *in.Status != SessionScheduled && *in.Status != SessionCancelled {
			return nil, &InvalidArgumentError{Field: "status", Value: string(*in.Status)}
		}
	}

	var updated *Session
	err := ss.Store.WithTx(ctx, func(tx Store) error {
		session, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if session.Status != SessionScheduled {
			return &NotEditableError{SessionID: id, Status: session.Status}
		}

		// Resolve the post-edit values before any check.
		start, end := session.StartAt, session.EndAt
		if in.StartAt != nil {
			start = in.StartAt.UTC()
		}
		if in.EndAt != nil {
			end = in.EndAt.UTC()
		}
		if !end.After(start) {
			return &InvalidArgumentError{Field: "interval", Value: "endAt must be after startAt"}
		}
		if in.ClassTimeZone != nil {
			if _, err := LoadZone(*in.ClassTimeZone); err != nil {
				return err
			}
			session.ClassTimeZone = *in.ClassTimeZone
		}
		if in.ConsumesUnits != nil {
			if *in.ConsumesUnits <= 0 {
				return &InvalidArgumentError{Field: "consumesUnits", Value: fmt.Sprintf("%d", *in.ConsumesUnits)}
			}
			session.ConsumesUnits = *in.ConsumesUnits
		}

		if err := ss.checkOverlap(ctx, tx, session.TeacherID, start, end, session.ID); err != nil {
			return err
		}
		session.StartAt, session.EndAt = start, end

		// Subject change re-resolves the snapshot; otherwise the existing
		// snapshot is kept verbatim.
		if in.Subject != nil && *in.Subject != session.Subject {
			if _, err := ParseSubject(string(*in.Subject)); err != nil {
				return err
			}
			rate, err := ss.Rates.ResolveRate(ctx, session.TeacherID, session.StudentID, *in.Subject)
			if err != nil {
				return err
			}
			session.Subject = *in.Subject
			session.Rate = rate
		}

		if in.Status != nil && *in.Status == SessionCancelled {
			if err := ValidateTransition(session.Status, SessionCancelled); err != nil {
				return err
			}
			session.Status = SessionCancelled
		}

		session.UpdatedAt = ss.Now()
		updated = session
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	ss.Audit.Record(ctx, AuditEntry{
		Action:     AuditSessionEdited,
		EntityType: "session",
		EntityID:   string(id),
		ActorID:    in.ActorID,
		Meta: map[string]string{
			"startAt": updated.StartAt.Format(time.RFC3339),
			"endAt":   updated.EndAt.Format(time.RFC3339),
			"status":  string(updated.Status),
		},
	})
	return updated, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel transitions a session to CANCELLED. Cancelling an already
// CANCELLED session is an idempotent no-op; a COMPLETED session fails
// with Conflict.
func (ss *SessionService) Cancel(ctx context.Context, id SessionID, actorID UserID) (*Session, error) {
	var session *Session
	err := ss.Store.WithTx(ctx, func(tx Store) error {
		s, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		session = s
		if s.Status == SessionCancelled {
			return nil
		}
		if err := ValidateTransition(s.Status, SessionCancelled); err != nil {
			return err
		}
		s.Status = SessionCancelled
		s.UpdatedAt = ss.Now()
		return tx.UpdateSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	ss.Audit.Record(ctx, AuditEntry{
		Action:     AuditSessionCancelled,
		EntityType: "session",
		EntityID:   string(id),
		ActorID:    actorID,
	})
	return session, nil
}

// Get returns a session by id.
func (ss *SessionService) Get(ctx context.Context, id SessionID) (*Session, error) {
	return ss.Store.GetSession(ctx, id)
}

// =============================================================================
// OVERLAP CHECK
// =============================================================================

func (ss *SessionService) checkOverlap(ctx context.Context, tx Store, teacherID UserID, start, end time.Time, exclude SessionID) error {
	overlapping, err := tx.FindOverlapping(ctx, teacherID, start, end, exclude)
	if err != nil {
		return err
	}
	if len(overlapping) > 0 {
		return &OverlapError{TeacherID: teacherID, ConflictingID: overlapping[0].ID}
	}
	return nil
}
