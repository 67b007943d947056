/*
changerequest.go - Student cancel/reschedule requests and staff resolution

PURPOSE:
  A student may propose cancelling or rescheduling one of their SCHEDULED
  sessions, strictly before 24 hours ahead of its start. Staff resolve the
  request exactly once: approval mutates the session, rejection changes
  nothing but the request status.

CUTOFF RULE:
  cutoff = session.StartAt - 24h. A request made at exactly the cutoff is
  allowed; one made any later fails Forbidden (not Conflict - the outcome
  depends on when the caller acts, not on concurrent state).

ATOMICITY:
  Approve commits the request status flip and the session mutation in one
  store transaction. A crash between the two effects must never leave the
  request APPROVED with the session unchanged, nor vice versa.

KNOWN TRADE-OFF:
  An approved RESCHEDULE overwrites the session's times without the overlap
  re-check that manual edits perform. Re-checking would let an approval fail
  after the student already believes it was accepted; the current behavior
  is kept until a product decision says otherwise.

SEE ALSO:
  - session.go: The edit path that does re-check overlap
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// CHANGE-REQUEST SERVICE
// =============================================================================

type ChangeRequestService struct {
	Store TxStore
	Audit AuditLog
	Now   Clock
}

func NewChangeRequestService(store TxStore, audit AuditLog) *ChangeRequestService {
	if audit == nil {
		audit = NopAuditLog{}
	}
	return &ChangeRequestService{Store: store, Audit: audit, Now: SystemClock}
}

// =============================================================================
// CREATE
// =============================================================================

type CreateChangeRequestInput struct {
	SessionID   SessionID
	RequesterID UserID
	Type        ChangeRequestType

	// Required for RESCHEDULE, ignored for CANCEL.
	ProposedStartAt  *time.Time
	ProposedEndAt    *time.Time
	ProposedTimeZone *string
}

// Create files a PENDING change request. A session outside the requester's
// scope reads as NotFound rather than Forbidden, so requesters cannot probe
// other students' sessions.
func (cs *ChangeRequestService) Create(ctx context.Context, in CreateChangeRequestInput) (*ChangeRequest, error) {
	now := cs.Now()

	var request *ChangeRequest
	err := cs.Store.WithTx(ctx, func(tx Store) error {
		session, err := tx.GetSession(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if session.StudentID != in.RequesterID {
			return ErrNotFound
		}
		if session.Status != SessionScheduled {
			return &NotEditableError{SessionID: session.ID, Status: session.Status}
		}

		// Scope before shape: a malformed proposal against a session the
		// requester cannot see still reads as NotFound.
		if in.Type != ChangeCancel && in.Type != ChangeReschedule {
			return &InvalidArgumentError{Field: "type", Value: string(in.Type)}
		}
		if in.Type == ChangeReschedule {
			if in.ProposedStartAt == nil || in.ProposedEndAt == nil || in.ProposedTimeZone == nil {
				return &InvalidArgumentError{Field: "proposed", Value: "reschedule requires start, end, and timezone"}
			}
			if !in.ProposedEndAt.After(*in.ProposedStartAt) {
				return &InvalidArgumentError{Field: "proposed", Value: "proposedEndAt must be after proposedStartAt"}
			}
			if _, err := LoadZone(*in.ProposedTimeZone); err != nil {
				return err
			}
		}

		cutoff := session.StartAt.Add(-RequestCutoff)
		if now.After(cutoff) {
			return &CutoffError{SessionID: session.ID, Cutoff: cutoff, Now: now}
		}

		if existing, err := tx.PendingChangeRequestForSession(ctx, session.ID); err == nil {
			return &PendingRequestError{SessionID: session.ID, ExistingID: existing.ID}
		} else if !IsNotFound(err) {
			return err
		}

		request = &ChangeRequest{
			ID:          NewChangeRequestID(),
			SessionID:   in.SessionID,
			Type:        in.Type,
			Status:      RequestPending,
			RequestedBy: in.RequesterID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if in.Type == ChangeReschedule {
			start := in.ProposedStartAt.UTC()
			end := in.ProposedEndAt.UTC()
			request.ProposedStartAt = &start
			request.ProposedEndAt = &end
			request.ProposedTimeZone = in.ProposedTimeZone
		}
		return tx.CreateChangeRequest(ctx, request)
	})
	if err != nil {
		return nil, err
	}

	cs.Audit.Record(ctx, AuditEntry{
		Action:     AuditRequestCreated,
		EntityType: "change_request",
		EntityID:   string(request.ID),
		ActorID:    in.RequesterID,
		Meta: map[string]string{
			"sessionId": string(in.SessionID),
			"type":      string(in.Type),
		},
	})
	return request, nil
}

// =============================================================================
// APPROVE
// =============================================================================

// Approve resolves a PENDING request and applies its effect to the session,
// as one atomic unit. CANCEL transitions the session to CANCELLED;
// RESCHEDULE overwrites start/end/timezone and leaves it SCHEDULED.
func (cs *ChangeRequestService) Approve(ctx context.Context, id ChangeRequestID, deciderID UserID) (*ChangeRequest, error) {
	var request *ChangeRequest
	err := cs.Store.WithTx(ctx, func(tx Store) error {
		cr, err := tx.GetChangeRequest(ctx, id)
		if err != nil {
			return err
		}
		if cr.Status != RequestPending {
			return &RequestResolvedError{RequestID: cr.ID, Status: cr.Status}
		}
		session, err := tx.GetSession(ctx, cr.SessionID)
		if err != nil {
			return err
		}
		if session.Status != SessionScheduled {
			return &NotEditableError{SessionID: session.ID, Status: session.Status}
		}

		now := cs.Now()
		switch cr.Type {
		case ChangeCancel:
			if err := ValidateTransition(session.Status, SessionCancelled); err != nil {
				return err
			}
			session.Status = SessionCancelled
		case ChangeReschedule:
			if cr.ProposedStartAt == nil || cr.ProposedEndAt == nil || cr.ProposedTimeZone == nil {
				return &InvalidArgumentError{Field: "proposed", Value: "reschedule request is missing proposed fields"}
			}
			// No overlap re-check here; see the file header.
			session.StartAt = cr.ProposedStartAt.UTC()
			session.EndAt = cr.ProposedEndAt.UTC()
			session.ClassTimeZone = *cr.ProposedTimeZone
		}
		session.UpdatedAt = now
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}

		cr.Status = RequestApproved
		cr.DecidedBy = &deciderID
		cr.UpdatedAt = now
		request = cr
		return tx.UpdateChangeRequest(ctx, cr)
	})
	if err != nil {
		return nil, err
	}

	cs.Audit.Record(ctx, AuditEntry{
		Action:     AuditRequestApproved,
		EntityType: "change_request",
		EntityID:   string(id),
		ActorID:    deciderID,
		Meta:       map[string]string{"sessionId": string(request.SessionID), "type": string(request.Type)},
	})
	return request, nil
}

// =============================================================================
// REJECT
// =============================================================================

// Reject resolves a PENDING request without touching the session.
func (cs *ChangeRequestService) Reject(ctx context.Context, id ChangeRequestID, deciderID UserID) (*ChangeRequest, error) {
	var request *ChangeRequest
	err := cs.Store.WithTx(ctx, func(tx Store) error {
		cr, err := tx.GetChangeRequest(ctx, id)
		if err != nil {
			return err
		}
		if cr.Status != RequestPending {
			return &RequestResolvedError{RequestID: cr.ID, Status: cr.Status}
		}
		if _, err := tx.GetSession(ctx, cr.SessionID); err != nil {
			return err
		}

		cr.Status = RequestRejected
		cr.DecidedBy = &deciderID
		cr.UpdatedAt = cs.Now()
		request = cr
		return tx.UpdateChangeRequest(ctx, cr)
	})
	if err != nil {
		return nil, err
	}

	cs.Audit.Record(ctx, AuditEntry{
		Action:     AuditRequestRejected,
		EntityType: "change_request",
		EntityID:   string(id),
		ActorID:    deciderID,
		Meta:       map[string]string{"sessionId": string(request.SessionID)},
	})
	return request, nil
}

// ListPending returns all unresolved requests, oldest first.
func (cs *ChangeRequestService) ListPending(ctx context.Context) ([]*ChangeRequest, error) {
	return cs.Store.ListPendingChangeRequests(ctx)
}
