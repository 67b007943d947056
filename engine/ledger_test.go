package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorly/session-engine/engine"
	"github.com/tutorly/session-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger() (*engine.HourLedger, *store.TxMemory) {
	mem := store.NewTxMemory()
	ledger := engine.NewHourLedger(mem, nil)
	ledger.Now = fixedClock(time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))
	return ledger, mem
}

// =============================================================================
// BALANCE IS A SUM, NEVER A COUNTER
// =============================================================================

func TestLedger_BalanceIsSumOfEntries(t *testing.T) {
	// GIVEN: A purchase of 10 units and one session consumption of 1
	// THEN: Remaining balance is 9

	ledger, mem := newTestLedger()
	ctx := context.Background()

	_, err := ledger.RecordPurchase(ctx, student1, nil, 10, admin1)
	require.NoError(t, err)

	sid := engine.SessionID("sess-1")
	teacherID := teacher1
	require.NoError(t, mem.AppendLedgerEntry(ctx, &engine.LedgerEntry{
		ID: engine.NewLedgerEntryID(), StudentID: student1, TeacherID: &teacherID,
		DeltaUnits: -1, Reason: engine.ReasonSessionConsume, SessionID: &sid,
		CreatedBy: "system", CreatedAt: time.Now(),
	}))

	remaining, err := ledger.RemainingUnits(ctx, student1)
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)
}

func TestLedger_BalanceMayGoNegative(t *testing.T) {
	// Purchases are not a precondition for consumption; a student who never
	// paid simply shows a negative balance for billing to chase.

	ledger, mem := newTestLedger()
	ctx := context.Background()

	sid := engine.SessionID("sess-unpaid")
	require.NoError(t, mem.AppendLedgerEntry(ctx, &engine.LedgerEntry{
		ID: engine.NewLedgerEntryID(), StudentID: student1,
		DeltaUnits: -1, Reason: engine.ReasonSessionConsume, SessionID: &sid,
		CreatedBy: "system", CreatedAt: time.Now(),
	}))

	remaining, err := ledger.RemainingUnits(ctx, student1)
	require.NoError(t, err)
	assert.Equal(t, -1, remaining)
}

// =============================================================================
// WRITE VALIDATION
// =============================================================================

func TestLedger_PurchaseMustBePositive(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	for _, units := range []int{0, -5} {
		_, err := ledger.RecordPurchase(ctx, student1, nil, units, admin1)
		assert.True(t, engine.IsInvalidArgument(err), "units=%d", units)
	}
}

func TestLedger_AdjustmentMaySubtractButNotBeZero(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.RecordAdjustment(ctx, student1, nil, -3, admin1)
	assert.NoError(t, err, "negative adjustments are legitimate corrections")

	_, err = ledger.RecordAdjustment(ctx, student1, nil, 0, admin1)
	assert.True(t, engine.IsInvalidArgument(err))
}

func TestLedger_EntriesCarryReasonAndActor(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	entry, err := ledger.RecordPurchase(ctx, student1, nil, 5, admin1)
	require.NoError(t, err)
	assert.Equal(t, engine.ReasonPurchase, entry.Reason)
	assert.Equal(t, admin1, entry.CreatedBy)
	assert.Nil(t, entry.TeacherID)
	assert.Nil(t, entry.SessionID, "manual entries never reference a session")
}

// =============================================================================
// AT MOST ONE ENTRY PER SESSION
// =============================================================================

func TestLedger_SecondEntryForSameSessionRejected(t *testing.T) {
	// This single constraint is what makes the completion sweep idempotent.

	_, mem := newTestLedger()
	ctx := context.Background()

	sid := engine.SessionID("sess-1")
	entry := func() *engine.LedgerEntry {
		return &engine.LedgerEntry{
			ID: engine.NewLedgerEntryID(), StudentID: student1,
			DeltaUnits: -1, Reason: engine.ReasonSessionConsume, SessionID: &sid,
			CreatedBy: "system", CreatedAt: time.Now(),
		}
	}

	require.NoError(t, mem.AppendLedgerEntry(ctx, entry()))
	err := mem.AppendLedgerEntry(ctx, entry())
	assert.ErrorIs(t, err, engine.ErrDuplicateSessionConsumption)
}

// =============================================================================
// PER-TEACHER BREAKDOWN
// =============================================================================

func TestLedger_BreakdownGroupsByTeacher(t *testing.T) {
	// GIVEN: 3 unassigned units, 5 for teacher-1, and 2 for teacher-2
	// THEN: Unassigned bucket first, then teachers by id; sums equal balance

	ledger, _ := newTestLedger()
	ctx := context.Background()

	t1, t2 := teacher1, teacher2
	_, err := ledger.RecordPurchase(ctx, student1, nil, 3, admin1)
	require.NoError(t, err)
	_, err = ledger.RecordPurchase(ctx, student1, &t1, 5, admin1)
	require.NoError(t, err)
	_, err = ledger.RecordPurchase(ctx, student1, &t2, 2, admin1)
	require.NoError(t, err)

	buckets, err := ledger.BreakdownByTeacher(ctx, student1)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	assert.Nil(t, buckets[0].TeacherID, "unassigned pool comes first")
	assert.Equal(t, 3, buckets[0].Units)
	require.NotNil(t, buckets[1].TeacherID)
	assert.Equal(t, teacher1, *buckets[1].TeacherID)
	assert.Equal(t, 5, buckets[1].Units)
	require.NotNil(t, buckets[2].TeacherID)
	assert.Equal(t, teacher2, *buckets[2].TeacherID)
	assert.Equal(t, 2, buckets[2].Units)

	remaining, err := ledger.RemainingUnits(ctx, student1)
	require.NoError(t, err)
	sum := 0
	for _, b := range buckets {
		sum += b.Units
	}
	assert.Equal(t, remaining, sum, "bucket sums must equal the total balance")
}

func TestLedger_BreakdownOmitsAbsentUnassignedPool(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	t1 := teacher1
	_, err := ledger.RecordPurchase(ctx, student1, &t1, 4, admin1)
	require.NoError(t, err)

	buckets, err := ledger.BreakdownByTeacher(ctx, student1)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.NotNil(t, buckets[0].TeacherID)
}

func TestLedger_StudentsAreIsolated(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.RecordPurchase(ctx, student1, nil, 10, admin1)
	require.NoError(t, err)

	remaining, err := ledger.RemainingUnits(ctx, student2)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	entries, err := ledger.Entries(ctx, student2)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
