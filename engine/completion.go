/*
completion.go - Session completion sweep

PURPOSE:
  Converts elapsed SCHEDULED sessions into COMPLETED and charges exactly
  one ledger consumption entry each. Safe under retries, process restarts,
  and concurrent invocation.

IDEMPOTENCY - TWO LAYERS, BOTH REQUIRED:
  1. The conditional status flip (SCHEDULED -> COMPLETED only if still
     SCHEDULED) makes a concurrent cancel win cleanly.
  2. The ledger's unique-per-session constraint rejects a second
     consumption entry even if the sweep crashed between flipping the
     status and writing the entry on a previous run.
  Running the sweep twice with the same "now" yields identical final state
  and exactly one SESSION_CONSUME entry per completed session.

FAILURE POLICY:
  A single session's failed unit of work is logged and skipped so one bad
  row cannot starve the backlog. The error count is reported alongside the
  processed count.

SEE ALSO:
  - ledger.go: The consumption entries written here
  - api/sweeper.go: The recurring ticker driving this job
*/
package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// COMPLETION JOB
// =============================================================================

const DefaultCompletionBatchSize = 100

type CompletionJob struct {
	Store  TxStore
	Audit  AuditLog
	Logger *zap.Logger
}

func NewCompletionJob(store TxStore, audit AuditLog, logger *zap.Logger) *CompletionJob {
	if audit == nil {
		audit = NopAuditLog{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionJob{Store: store, Audit: audit, Logger: logger}
}

// Run sweeps up to batchSize sessions whose EndAt has passed, oldest end
// first. Returns the number of sessions handled, including no-op skips.
func (cj *CompletionJob) Run(ctx context.Context, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultCompletionBatchSize
	}

	due, err := cj.Store.ListSessionsDue(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, candidate := range due {
		if err := cj.completeOne(ctx, candidate.ID, now); err != nil {
			cj.Logger.Error("session completion failed",
				zap.String("sessionId", string(candidate.ID)),
				zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

// completeOne runs one isolated unit of work: re-read, conditional status
// flip, ledger upsert. All three happen in a single store transaction.
func (cj *CompletionJob) completeOne(ctx context.Context, id SessionID, now time.Time) error {
	var completed *Session
	err := cj.Store.WithTx(ctx, func(tx Store) error {
		session, err := tx.GetSession(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return nil // deleted under us, nothing to do
			}
			return err
		}
		// Edit races and clock skew can move EndAt into the future between
		// the batch select and this re-read.
		if session.EndAt.After(now) || session.Status == SessionCancelled {
			return nil
		}

		flipped, err := tx.UpdateSessionStatusIf(ctx, session.ID, SessionScheduled, SessionCompleted, now)
		if err != nil {
			return err
		}
		if flipped {
			completed = session
		}

		// Upsert the consumption entry keyed by session id. An existing
		// entry means a previous run already charged this session.
		if _, err := tx.LedgerEntryForSession(ctx, session.ID); err == nil {
			return nil
		} else if !IsNotFound(err) {
			return err
		}

		teacherID := session.TeacherID
		entry := &LedgerEntry{
			ID:         NewLedgerEntryID(),
			StudentID:  session.StudentID,
			TeacherID:  &teacherID,
			DeltaUnits: -session.ConsumesUnits,
			Reason:     ReasonSessionConsume,
			SessionID:  &session.ID,
			CreatedBy:  "system",
			CreatedAt:  now,
		}
		if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
			// The unique constraint is the backstop against a concurrent
			// sweep winning the insert race.
			if errors.Is(err, ErrDuplicateSessionConsumption) {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if completed != nil {
		cj.Audit.Record(ctx, AuditEntry{
			Action:     AuditSessionCompleted,
			EntityType: "session",
			EntityID:   string(completed.ID),
			ActorID:    "system",
			Meta: map[string]string{
				"studentId": string(completed.StudentID),
				"units":     strconv.Itoa(completed.ConsumesUnits),
			},
		})
	}
	return nil
}
