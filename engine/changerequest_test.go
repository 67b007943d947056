package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/session-engine/engine"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var sessionStart = time.Date(2030, time.June, 10, 10, 0, 0, 0, time.UTC)

// newChangeRequestFixture seeds one SCHEDULED session for student-1 starting
// at sessionStart and returns a request service whose clock reads now.
func newChangeRequestFixture(t *testing.T, now time.Time) (*engine.ChangeRequestService, *engine.SessionService, *engine.Session) {
	t.Helper()

	createdAt := sessionStart.Add(-30 * 24 * time.Hour)
	sessions, mem, _ := newTestSessionService(createdAt)
	session, err := sessions.Create(context.Background(),
		createInput(teacher1, student1, sessionStart, sessionStart.Add(time.Hour)))
	require.NoError(t, err)

	requests := engine.NewChangeRequestService(mem, nil)
	requests.Now = fixedClock(now)
	return requests, sessions, session
}

func cancelRequest(sessionID engine.SessionID, requester engine.UserID) engine.CreateChangeRequestInput {
	return engine.CreateChangeRequestInput{
		SessionID:   sessionID,
		RequesterID: requester,
		Type:        engine.ChangeCancel,
	}
}

func rescheduleRequest(sessionID engine.SessionID, requester engine.UserID, start, end time.Time) engine.CreateChangeRequestInput {
	zone := "Australia/Sydney"
	return engine.CreateChangeRequestInput{
		SessionID:        sessionID,
		RequesterID:      requester,
		Type:             engine.ChangeReschedule,
		ProposedStartAt:  &start,
		ProposedEndAt:    &end,
		ProposedTimeZone: &zone,
	}
}

// =============================================================================
// THE 24-HOUR CUTOFF
// =============================================================================

func TestChangeRequest_ExactlyAtCutoffAllowed(t *testing.T) {
	// GIVEN: A session starting 2030-06-10T10:00Z
	// WHEN: The student files a request at exactly 2030-06-09T10:00Z
	// THEN: The request is accepted; the boundary instant is still in time

	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-engine.RequestCutoff))

	cr, err := requests.Create(context.Background(), cancelRequest(session.ID, student1))
	require.NoError(t, err)
	assert.Equal(t, engine.RequestPending, cr.Status)
}

func TestChangeRequest_OneMillisecondLateForbidden(t *testing.T) {
	// GIVEN: The same session
	// WHEN: Filing 1ms after the cutoff instant
	// THEN: Forbidden, with the cutoff reported back

	late := sessionStart.Add(-engine.RequestCutoff).Add(time.Millisecond)
	requests, _, session := newChangeRequestFixture(t, late)

	_, err := requests.Create(context.Background(), cancelRequest(session.ID, student1))
	assert.True(t, engine.IsForbidden(err))

	var cutoff *engine.CutoffError
	require.ErrorAs(t, err, &cutoff)
	assert.True(t, cutoff.Cutoff.Equal(sessionStart.Add(-engine.RequestCutoff)))
}

func TestChangeRequest_WellBeforeCutoffAllowed(t *testing.T) {
	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-72*time.Hour))

	_, err := requests.Create(context.Background(), cancelRequest(session.ID, student1))
	assert.NoError(t, err)
}

// =============================================================================
// CREATE VALIDATION AND SCOPE
// =============================================================================

func TestChangeRequest_ForeignSessionReadsAsNotFound(t *testing.T) {
	// GIVEN: A session belonging to student-1
	// WHEN: student-2 files a request against it
	// THEN: NotFound, not Forbidden - requesters cannot probe others' sessions

	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))

	_, err := requests.Create(context.Background(), cancelRequest(session.ID, student2))
	assert.True(t, engine.IsNotFound(err))
}

func TestChangeRequest_ForeignSessionHidesProposalErrors(t *testing.T) {
	// GIVEN: A session belonging to student-1
	// WHEN: student-2 files a reschedule with no proposal at all
	// THEN: Still NotFound - scope is checked before the proposal's shape,
	//       so probing with garbage reveals nothing

	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))

	_, err := requests.Create(context.Background(), engine.CreateChangeRequestInput{
		SessionID:   session.ID,
		RequesterID: student2,
		Type:        engine.ChangeReschedule,
	})
	assert.True(t, engine.IsNotFound(err))
	assert.False(t, engine.IsInvalidArgument(err))

	_, err = requests.Create(context.Background(), engine.CreateChangeRequestInput{
		SessionID:   session.ID,
		RequesterID: student2,
		Type:        engine.ChangeRequestType("SWAP"),
	})
	assert.True(t, engine.IsNotFound(err), "an unknown type is hidden the same way")
}

func TestChangeRequest_NonScheduledSessionConflicts(t *testing.T) {
	requests, sessions, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	_, err := sessions.Cancel(context.Background(), session.ID, admin1)
	require.NoError(t, err)

	_, err = requests.Create(context.Background(), cancelRequest(session.ID, student1))
	assert.True(t, engine.IsConflict(err))
}

func TestChangeRequest_RescheduleRequiresCompleteProposal(t *testing.T) {
	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	ctx := context.Background()

	// Missing all proposed fields
	_, err := requests.Create(ctx, engine.CreateChangeRequestInput{
		SessionID:   session.ID,
		RequesterID: student1,
		Type:        engine.ChangeReschedule,
	})
	assert.True(t, engine.IsInvalidArgument(err))

	// Proposed end not after proposed start
	in := rescheduleRequest(session.ID, student1,
		sessionStart.Add(48*time.Hour), sessionStart.Add(48*time.Hour))
	_, err = requests.Create(ctx, in)
	assert.True(t, engine.IsInvalidArgument(err))

	// Bad proposed zone
	in = rescheduleRequest(session.ID, student1,
		sessionStart.Add(48*time.Hour), sessionStart.Add(49*time.Hour))
	badZone := "Nowhere/Void"
	in.ProposedTimeZone = &badZone
	_, err = requests.Create(ctx, in)
	assert.True(t, engine.IsInvalidArgument(err))
}

func TestChangeRequest_UnknownTypeRejected(t *testing.T) {
	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))

	_, err := requests.Create(context.Background(), engine.CreateChangeRequestInput{
		SessionID:   session.ID,
		RequesterID: student1,
		Type:        "POSTPONE_FOREVER",
	})
	assert.True(t, engine.IsInvalidArgument(err))
}

// =============================================================================
// AT MOST ONE PENDING REQUEST PER SESSION
// =============================================================================

func TestChangeRequest_SecondPendingRejected(t *testing.T) {
	// GIVEN: A pending request on the session
	// WHEN: The student files another
	// THEN: Conflict naming the existing request

	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	ctx := context.Background()

	first, err := requests.Create(ctx, cancelRequest(session.ID, student1))
	require.NoError(t, err)

	_, err = requests.Create(ctx, cancelRequest(session.ID, student1))
	assert.True(t, engine.IsConflict(err))

	var pending *engine.PendingRequestError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, first.ID, pending.ExistingID)
}

func TestChangeRequest_ResolvedRequestUnblocksNewOnes(t *testing.T) {
	// GIVEN: A pending request that staff rejected
	// WHEN: The student files a new request
	// THEN: Accepted - only PENDING requests block

	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	ctx := context.Background()

	first, err := requests.Create(ctx, cancelRequest(session.ID, student1))
	require.NoError(t, err)
	_, err = requests.Reject(ctx, first.ID, admin1)
	require.NoError(t, err)

	_, err = requests.Create(ctx, cancelRequest(session.ID, student1))
	assert.NoError(t, err)
}

// =============================================================================
// APPROVE
// =============================================================================

func TestChangeRequestApprove_CancelFlipsSession(t *testing.T) {
	// GIVEN: A pending CANCEL request
	// WHEN: Staff approve it
	// THEN: The session is CANCELLED and the request records the decider

	requests, sessions, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	ctx := context.Background()

	cr, err := requests.Create(ctx, cancelRequest(session.ID, student1))
	require.NoError(t, err)

	resolved, err := requests.Approve(ctx, cr.ID, admin1)
	require.NoError(t, err)
	assert.Equal(t, engine.RequestApproved, resolved.Status)
	require.NotNil(t, resolved.DecidedBy)
	assert.Equal(t, admin1, *resolved.DecidedBy)

	reloaded, err := sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionCancelled, reloaded.Status)
}

func TestChangeRequestApprove_RescheduleRewritesTimes(t *testing.T) {
	// GIVEN: A pending RESCHEDULE to two days later
	// WHEN: Staff approve it
	// THEN: Start/end/zone are overwritten and the session stays SCHEDULED

	requests, sessions, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	ctx := context.Background()

	newStart := sessionStart.Add(48 * time.Hour)
	newEnd := newStart.Add(90 * time.Minute)
	cr, err := requests.Create(ctx, rescheduleRequest(session.ID, student1, newStart, newEnd))
	require.NoError(t, err)

	_, err = requests.Approve(ctx, cr.ID, admin1)
	require.NoError(t, err)

	reloaded, err := sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionScheduled, reloaded.Status)
	assert.True(t, reloaded.StartAt.Equal(newStart))
	assert.True(t, reloaded.EndAt.Equal(newEnd))
	assert.Equal(t, "Australia/Sydney", reloaded.ClassTimeZone)
}

func TestChangeRequestApprove_SecondResolutionConflicts(t *testing.T) {
	// A request is resolved exactly once.

	requests, _, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	ctx := context.Background()

	cr, err := requests.Create(ctx, cancelRequest(session.ID, student1))
	require.NoError(t, err)
	_, err = requests.Approve(ctx, cr.ID, admin1)
	require.NoError(t, err)

	_, err = requests.Approve(ctx, cr.ID, admin1)
	assert.True(t, engine.IsConflict(err))
	_, err = requests.Reject(ctx, cr.ID, admin1)
	assert.True(t, engine.IsConflict(err))

	var resolved *engine.RequestResolvedError
	assert.ErrorAs(t, err, &resolved)
}

func TestChangeRequestApprove_SessionCancelledUnderneathConflicts(t *testing.T) {
	// GIVEN: A pending request whose session was cancelled directly meanwhile
	// WHEN: Staff approve the request
	// THEN: Conflict; the request stays PENDING

	requests, sessions, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	ctx := context.Background()

	cr, err := requests.Create(ctx, cancelRequest(session.ID, student1))
	require.NoError(t, err)
	_, err = sessions.Cancel(ctx, session.ID, admin1)
	require.NoError(t, err)

	_, err = requests.Approve(ctx, cr.ID, admin1)
	assert.True(t, engine.IsConflict(err))

	pending, err := requests.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, engine.RequestPending, pending[0].Status)
}

// =============================================================================
// REJECT
// =============================================================================

func TestChangeRequestReject_LeavesSessionUntouched(t *testing.T) {
	requests, sessions, session := newChangeRequestFixture(t, sessionStart.Add(-48*time.Hour))
	ctx := context.Background()

	newStart := sessionStart.Add(48 * time.Hour)
	cr, err := requests.Create(ctx, rescheduleRequest(session.ID, student1, newStart, newStart.Add(time.Hour)))
	require.NoError(t, err)

	resolved, err := requests.Reject(ctx, cr.ID, admin1)
	require.NoError(t, err)
	assert.Equal(t, engine.RequestRejected, resolved.Status)

	reloaded, err := sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.StartAt.Equal(sessionStart), "reject must not move the session")
	assert.Equal(t, engine.SessionScheduled, reloaded.Status)
}

func TestChangeRequestListPending_OldestFirst(t *testing.T) {
	// Two sessions, two pending requests; listing preserves creation order.

	createdAt := sessionStart.Add(-30 * 24 * time.Hour)
	sessions, mem, _ := newTestSessionService(createdAt)
	ctx := context.Background()

	a, err := sessions.Create(ctx, createInput(teacher1, student1, sessionStart, sessionStart.Add(time.Hour)))
	require.NoError(t, err)
	b, err := sessions.Create(ctx, createInput(teacher1, student1, sessionStart.Add(2*time.Hour), sessionStart.Add(3*time.Hour)))
	require.NoError(t, err)

	requests := engine.NewChangeRequestService(mem, nil)
	requests.Now = fixedClock(sessionStart.Add(-48 * time.Hour))

	first, err := requests.Create(ctx, cancelRequest(a.ID, student1))
	require.NoError(t, err)
	second, err := requests.Create(ctx, cancelRequest(b.ID, student1))
	require.NoError(t, err)

	pending, err := requests.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}
