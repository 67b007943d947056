package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tutorly/session-engine/api"
	"github.com/tutorly/session-engine/engine"
	"github.com/tutorly/session-engine/store/sqlite"
)

func newTestSweeper(t *testing.T) (*api.CompletionSweeper, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	job := engine.NewCompletionJob(store, nil, nil)
	return api.NewCompletionSweeper(job, zap.NewNop()), store
}

func TestSweeper_StopIsIdempotent(t *testing.T) {
	// GIVEN: A started sweeper
	// WHEN: Stop is called twice
	// THEN: The second call is a no-op, not a panic on a closed channel

	sweeper, _ := newTestSweeper(t)
	sweeper.Interval = 10 * time.Millisecond

	sweeper.Start()
	sweeper.Stop()
	assert.NotPanics(t, sweeper.Stop)
}

func TestSweeper_StopWithoutStartIsSafe(t *testing.T) {
	sweeper, _ := newTestSweeper(t)
	assert.NotPanics(t, sweeper.Stop)
}

func TestSweeper_DisabledNeverStarts(t *testing.T) {
	sweeper, _ := newTestSweeper(t)
	sweeper.Enabled = false

	sweeper.Start()
	assert.NotPanics(t, sweeper.Stop)
}

func TestSweeper_RunNowCompletesDueSessions(t *testing.T) {
	// GIVEN: A SCHEDULED session whose end time has passed
	// WHEN: RunNow fires a sweep
	// THEN: The session is COMPLETED and charged once

	sweeper, store := newTestSweeper(t)
	ctx := context.Background()

	end := time.Now().Add(-time.Hour)
	session := &engine.Session{
		ID:            "overdue",
		TeacherID:     "teacher-1",
		StudentID:     "student-1",
		Subject:       engine.SubjectMath,
		StartAt:       end.Add(-time.Hour),
		EndAt:         end,
		ClassTimeZone: "Australia/Sydney",
		ConsumesUnits: 1,
		Rate: engine.RateSnapshot{
			StudentHourlyRateCents: 10000,
			TeacherHourlyWageCents: 6000,
			Currency:               "AUD",
		},
		Status:    engine.SessionScheduled,
		CreatedBy: "admin-1",
		CreatedAt: end.Add(-48 * time.Hour),
		UpdatedAt: end.Add(-48 * time.Hour),
	}
	require.NoError(t, store.CreateSession(ctx, session))

	sweeper.RunNow()

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SessionCompleted, got.Status)

	entry, err := store.LedgerEntryForSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, entry.DeltaUnits)
}
