/*
ledger.go - Append-only hour ledger

PURPOSE:
  The ledger is the source of truth for a student's purchased tutoring
  units. Every purchase, manual adjustment, and session consumption is an
  immutable entry; remaining balance is always computed by summation,
  never stored as a mutable counter that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Entries are never updated or deleted.
  2. AT MOST ONE entry per session: a non-null session id may appear once
     across the whole ledger. This single constraint is what makes the
     completion sweep idempotent.

GROUPING:
  Entries optionally carry a teacher id. Entries without one form the
  "unassigned" pool; a per-teacher breakdown groups by teacher id, and the
  bucket sums always equal the student's total balance.

SEE ALSO:
  - completion.go: The only writer of SESSION_CONSUME entries
  - store.go: AppendLedgerEntry contract
*/
package engine

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// HOUR LEDGER
// =============================================================================

type HourLedger struct {
	Store TxStore
	Audit AuditLog
	Now   Clock
}

func NewHourLedger(store TxStore, audit AuditLog) *HourLedger {
	if audit == nil {
		audit = NopAuditLog{}
	}
	return &HourLedger{Store: store, Audit: audit, Now: SystemClock}
}

// RecordPurchase appends a positive PURCHASE entry. TeacherID may be nil
// for the unassigned pool.
func (hl *HourLedger) RecordPurchase(ctx context.Context, studentID UserID, teacherID *UserID, units int, actorID UserID) (*LedgerEntry, error) {
	if units <= 0 {
		return nil, &InvalidArgumentError{Field: "units", Value: fmt.Sprintf("%d", units)}
	}
	return hl.append(ctx, studentID, teacherID, units, ReasonPurchase, actorID)
}

// RecordAdjustment appends a signed ADJUSTMENT entry (manual correction).
func (hl *HourLedger) RecordAdjustment(ctx context.Context, studentID UserID, teacherID *UserID, deltaUnits int, actorID UserID) (*LedgerEntry, error) {
	if deltaUnits == 0 {
		return nil, &InvalidArgumentError{Field: "deltaUnits", Value: "0"}
	}
	return hl.append(ctx, studentID, teacherID, deltaUnits, ReasonAdjustment, actorID)
}

func (hl *HourLedger) append(ctx context.Context, studentID UserID, teacherID *UserID, delta int, reason LedgerReason, actorID UserID) (*LedgerEntry, error) {
	entry := &LedgerEntry{
		ID:         NewLedgerEntryID(),
		StudentID:  studentID,
		TeacherID:  teacherID,
		DeltaUnits: delta,
		Reason:     reason,
		CreatedBy:  actorID,
		CreatedAt:  hl.Now(),
	}
	if err := hl.Store.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	hl.Audit.Record(ctx, AuditEntry{
		Action:     AuditLedgerAppended,
		EntityType: "ledger_entry",
		EntityID:   string(entry.ID),
		ActorID:    actorID,
		Meta: map[string]string{
			"studentId": string(studentID),
			"reason":    string(reason),
			"delta":     fmt.Sprintf("%d", delta),
		},
	})
	return entry, nil
}

// RemainingUnits returns the student's balance: the sum of all entry deltas.
func (hl *HourLedger) RemainingUnits(ctx context.Context, studentID UserID) (int, error) {
	entries, err := hl.Store.LedgerEntriesByStudent(ctx, studentID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		total += e.DeltaUnits
	}
	return total, nil
}

// =============================================================================
// PER-TEACHER BREAKDOWN
// =============================================================================

// TeacherBucket is a student's unit subtotal for one teacher. A nil
// TeacherID is the unassigned pool.
type TeacherBucket struct {
	TeacherID *UserID
	Units     int
}

// BreakdownByTeacher groups the student's balance by teacher. The
// unassigned bucket (if any) comes first, then teacher buckets by id
// ascending. Bucket sums equal RemainingUnits.
func (hl *HourLedger) BreakdownByTeacher(ctx context.Context, studentID UserID) ([]TeacherBucket, error) {
	entries, err := hl.Store.LedgerEntriesByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	unassigned := 0
	hasUnassigned := false
	byTeacher := make(map[UserID]int)
	for _, e := range entries {
		if e.TeacherID == nil {
			unassigned += e.DeltaUnits
			hasUnassigned = true
			continue
		}
		byTeacher[*e.TeacherID] += e.DeltaUnits
	}

	var buckets []TeacherBucket
	if hasUnassigned {
		buckets = append(buckets, TeacherBucket{Units: unassigned})
	}
	ids := make([]UserID, 0, len(byTeacher))
	for id := range byTeacher {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		teacherID := id
		buckets = append(buckets, TeacherBucket{TeacherID: &teacherID, Units: byTeacher[id]})
	}
	return buckets, nil
}

// Entries returns the student's raw ledger history, oldest first.
func (hl *HourLedger) Entries(ctx context.Context, studentID UserID) ([]*LedgerEntry, error) {
	return hl.Store.LedgerEntriesByStudent(ctx, studentID)
}
