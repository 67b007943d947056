// Package store provides in-memory implementations of the engine's
// persistence and collaborator interfaces, for testing and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tutorly/session-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu              sync.RWMutex
	sessions        map[engine.SessionID]*engine.Session
	ledger          []*engine.LedgerEntry
	ledgerBySession map[engine.SessionID]*engine.LedgerEntry
	requests        map[engine.ChangeRequestID]*engine.ChangeRequest
	requestOrder    []engine.ChangeRequestID
}

func NewMemory() *Memory {
	return &Memory{
		sessions:        make(map[engine.SessionID]*engine.Session),
		ledgerBySession: make(map[engine.SessionID]*engine.LedgerEntry),
		requests:        make(map[engine.ChangeRequestID]*engine.ChangeRequest),
	}
}

// --- Sessions ---

func (m *Memory) CreateSession(_ context.Context, s *engine.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSessionLocked(s)
}

func (m *Memory) createSessionLocked(s *engine.Session) error {
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id engine.SessionID) (*engine.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSessionLocked(id)
}

func (m *Memory) getSessionLocked(id engine.SessionID) (*engine.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *Memory) UpdateSession(_ context.Context, s *engine.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSessionLocked(s)
}

func (m *Memory) updateSessionLocked(s *engine.Session) error {
	if _, ok := m.sessions[s.ID]; !ok {
		return engine.ErrNotFound
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *Memory) UpdateSessionStatusIf(_ context.Context, id engine.SessionID, from, to engine.SessionStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSessionStatusIfLocked(id, from, to, at)
}

func (m *Memory) updateSessionStatusIfLocked(id engine.SessionID, from, to engine.SessionStatus, at time.Time) (bool, error) {
	s, ok := m.sessions[id]
	if !ok {
		return false, engine.ErrNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	s.UpdatedAt = at
	return true, nil
}

func (m *Memory) FindOverlapping(_ context.Context, teacherID engine.UserID, start, end time.Time, exclude engine.SessionID) ([]*engine.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findOverlappingLocked(teacherID, start, end, exclude)
}

func (m *Memory) findOverlappingLocked(teacherID engine.UserID, start, end time.Time, exclude engine.SessionID) ([]*engine.Session, error) {
	var out []*engine.Session
	for _, s := range m.sessions {
		if s.TeacherID != teacherID || s.ID == exclude || s.Status == engine.SessionCancelled {
			continue
		}
		if s.Overlaps(start, end) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out, nil
}

func (m *Memory) ListSessionsDue(_ context.Context, now time.Time, limit int) ([]*engine.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSessionsDueLocked(now, limit)
}

func (m *Memory) listSessionsDueLocked(now time.Time, limit int) ([]*engine.Session, error) {
	var out []*engine.Session
	for _, s := range m.sessions {
		if s.Status == engine.SessionScheduled && !s.EndAt.After(now) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndAt.Equal(out[j].EndAt) {
			return out[i].EndAt.Before(out[j].EndAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListCompletedInRange(_ context.Context, teacherID engine.UserID, from, to time.Time) ([]*engine.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCompletedInRangeLocked(teacherID, from, to)
}

func (m *Memory) listCompletedInRangeLocked(teacherID engine.UserID, from, to time.Time) ([]*engine.Session, error) {
	var out []*engine.Session
	for _, s := range m.sessions {
		if s.TeacherID != teacherID || s.Status != engine.SessionCompleted {
			continue
		}
		if !s.EndAt.Before(from) && s.EndAt.Before(to) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(out[j].EndAt) })
	return out, nil
}

// --- Hour ledger ---

func (m *Memory) AppendLedgerEntry(_ context.Context, e *engine.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLedgerEntryLocked(e)
}

func (m *Memory) appendLedgerEntryLocked(e *engine.LedgerEntry) error {
	if e.SessionID != nil {
		if _, exists := m.ledgerBySession[*e.SessionID]; exists {
			return engine.ErrDuplicateSessionConsumption
		}
	}
	entry := cloneLedgerEntry(e)
	m.ledger = append(m.ledger, entry)
	if entry.SessionID != nil {
		m.ledgerBySession[*entry.SessionID] = entry
	}
	return nil
}

func (m *Memory) LedgerEntriesByStudent(_ context.Context, studentID engine.UserID) ([]*engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledgerEntriesByStudentLocked(studentID)
}

func (m *Memory) ledgerEntriesByStudentLocked(studentID engine.UserID) ([]*engine.LedgerEntry, error) {
	var out []*engine.LedgerEntry
	for _, e := range m.ledger {
		if e.StudentID == studentID {
			out = append(out, cloneLedgerEntry(e))
		}
	}
	return out, nil
}

func (m *Memory) LedgerEntryForSession(_ context.Context, sessionID engine.SessionID) (*engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledgerEntryForSessionLocked(sessionID)
}

func (m *Memory) ledgerEntryForSessionLocked(sessionID engine.SessionID) (*engine.LedgerEntry, error) {
	e, ok := m.ledgerBySession[sessionID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneLedgerEntry(e), nil
}

// --- Change requests ---

func (m *Memory) CreateChangeRequest(_ context.Context, cr *engine.ChangeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createChangeRequestLocked(cr)
}

func (m *Memory) createChangeRequestLocked(cr *engine.ChangeRequest) error {
	m.requests[cr.ID] = cloneChangeRequest(cr)
	m.requestOrder = append(m.requestOrder, cr.ID)
	return nil
}

func (m *Memory) GetChangeRequest(_ context.Context, id engine.ChangeRequestID) (*engine.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getChangeRequestLocked(id)
}

func (m *Memory) getChangeRequestLocked(id engine.ChangeRequestID) (*engine.ChangeRequest, error) {
	cr, ok := m.requests[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return cloneChangeRequest(cr), nil
}

func (m *Memory) UpdateChangeRequest(_ context.Context, cr *engine.ChangeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateChangeRequestLocked(cr)
}

func (m *Memory) updateChangeRequestLocked(cr *engine.ChangeRequest) error {
	if _, ok := m.requests[cr.ID]; !ok {
		return engine.ErrNotFound
	}
	m.requests[cr.ID] = cloneChangeRequest(cr)
	return nil
}

func (m *Memory) PendingChangeRequestForSession(_ context.Context, sessionID engine.SessionID) (*engine.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingChangeRequestForSessionLocked(sessionID)
}

func (m *Memory) pendingChangeRequestForSessionLocked(sessionID engine.SessionID) (*engine.ChangeRequest, error) {
	for _, id := range m.requestOrder {
		cr := m.requests[id]
		if cr.SessionID == sessionID && cr.Status == engine.RequestPending {
			return cloneChangeRequest(cr), nil
		}
	}
	return nil, engine.ErrNotFound
}

func (m *Memory) ListPendingChangeRequests(_ context.Context) ([]*engine.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPendingChangeRequestsLocked()
}

func (m *Memory) listPendingChangeRequestsLocked() ([]*engine.ChangeRequest, error) {
	var out []*engine.ChangeRequest
	for _, id := range m.requestOrder {
		cr := m.requests[id]
		if cr.Status == engine.RequestPending {
			out = append(out, cloneChangeRequest(cr))
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support, simulated with a
// snapshot + rollback on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	sessions        map[engine.SessionID]*engine.Session
	ledger          []*engine.LedgerEntry
	ledgerBySession map[engine.SessionID]*engine.LedgerEntry
	requests        map[engine.ChangeRequestID]*engine.ChangeRequest
	requestOrder    []engine.ChangeRequestID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	snap := memorySnapshot{
		sessions:        make(map[engine.SessionID]*engine.Session, len(tm.sessions)),
		ledger:          make([]*engine.LedgerEntry, 0, len(tm.ledger)),
		ledgerBySession: make(map[engine.SessionID]*engine.LedgerEntry, len(tm.ledgerBySession)),
		requests:        make(map[engine.ChangeRequestID]*engine.ChangeRequest, len(tm.requests)),
		requestOrder:    append([]engine.ChangeRequestID{}, tm.requestOrder...),
	}
	for id, s := range tm.sessions {
		snap.sessions[id] = cloneSession(s)
	}
	for _, e := range tm.ledger {
		c := cloneLedgerEntry(e)
		snap.ledger = append(snap.ledger, c)
		if c.SessionID != nil {
			snap.ledgerBySession[*c.SessionID] = c
		}
	}
	for id, cr := range tm.requests {
		snap.requests[id] = cloneChangeRequest(cr)
	}
	return snap
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.sessions = s.sessions
	tm.ledger = s.ledger
	tm.ledgerBySession = s.ledgerBySession
	tm.requests = s.requests
	tm.requestOrder = s.requestOrder
}

// txMemoryView delegates to the parent's unlocked internals; the parent's
// mutex is held for the duration of WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateSession(_ context.Context, s *engine.Session) error {
	return tv.parent.createSessionLocked(s)
}

func (tv *txMemoryView) GetSession(_ context.Context, id engine.SessionID) (*engine.Session, error) {
	return tv.parent.getSessionLocked(id)
}

func (tv *txMemoryView) UpdateSession(_ context.Context, s *engine.Session) error {
	return tv.parent.updateSessionLocked(s)
}

func (tv *txMemoryView) UpdateSessionStatusIf(_ context.Context, id engine.SessionID, from, to engine.SessionStatus, at time.Time) (bool, error) {
	return tv.parent.updateSessionStatusIfLocked(id, from, to, at)
}

func (tv *txMemoryView) FindOverlapping(_ context.Context, teacherID engine.UserID, start, end time.Time, exclude engine.SessionID) ([]*engine.Session, error) {
	return tv.parent.findOverlappingLocked(teacherID, start, end, exclude)
}

func (tv *txMemoryView) ListSessionsDue(_ context.Context, now time.Time, limit int) ([]*engine.Session, error) {
	return tv.parent.listSessionsDueLocked(now, limit)
}

func (tv *txMemoryView) ListCompletedInRange(_ context.Context, teacherID engine.UserID, from, to time.Time) ([]*engine.Session, error) {
	return tv.parent.listCompletedInRangeLocked(teacherID, from, to)
}

func (tv *txMemoryView) AppendLedgerEntry(_ context.Context, e *engine.LedgerEntry) error {
	return tv.parent.appendLedgerEntryLocked(e)
}

func (tv *txMemoryView) LedgerEntriesByStudent(_ context.Context, studentID engine.UserID) ([]*engine.LedgerEntry, error) {
	return tv.parent.ledgerEntriesByStudentLocked(studentID)
}

func (tv *txMemoryView) LedgerEntryForSession(_ context.Context, sessionID engine.SessionID) (*engine.LedgerEntry, error) {
	return tv.parent.ledgerEntryForSessionLocked(sessionID)
}

func (tv *txMemoryView) CreateChangeRequest(_ context.Context, cr *engine.ChangeRequest) error {
	return tv.parent.createChangeRequestLocked(cr)
}

func (tv *txMemoryView) GetChangeRequest(_ context.Context, id engine.ChangeRequestID) (*engine.ChangeRequest, error) {
	return tv.parent.getChangeRequestLocked(id)
}

func (tv *txMemoryView) UpdateChangeRequest(_ context.Context, cr *engine.ChangeRequest) error {
	return tv.parent.updateChangeRequestLocked(cr)
}

func (tv *txMemoryView) PendingChangeRequestForSession(_ context.Context, sessionID engine.SessionID) (*engine.ChangeRequest, error) {
	return tv.parent.pendingChangeRequestForSessionLocked(sessionID)
}

func (tv *txMemoryView) ListPendingChangeRequests(_ context.Context) ([]*engine.ChangeRequest, error) {
	return tv.parent.listPendingChangeRequestsLocked()
}

// =============================================================================
// CLONING HELPERS - Callers never share memory with the store
// =============================================================================

func cloneSession(s *engine.Session) *engine.Session {
	c := *s
	return &c
}

func cloneLedgerEntry(e *engine.LedgerEntry) *engine.LedgerEntry {
	c := *e
	if e.TeacherID != nil {
		t := *e.TeacherID
		c.TeacherID = &t
	}
	if e.SessionID != nil {
		s := *e.SessionID
		c.SessionID = &s
	}
	return &c
}

func cloneChangeRequest(cr *engine.ChangeRequest) *engine.ChangeRequest {
	c := *cr
	if cr.ProposedStartAt != nil {
		t := *cr.ProposedStartAt
		c.ProposedStartAt = &t
	}
	if cr.ProposedEndAt != nil {
		t := *cr.ProposedEndAt
		c.ProposedEndAt = &t
	}
	if cr.ProposedTimeZone != nil {
		z := *cr.ProposedTimeZone
		c.ProposedTimeZone = &z
	}
	if cr.DecidedBy != nil {
		d := *cr.DecidedBy
		c.DecidedBy = &d
	}
	return &c
}

// =============================================================================
// IN-MEMORY COLLABORATORS - Rate table and user directory
// =============================================================================

type rateKey struct {
	Teacher engine.UserID
	Student engine.UserID
	Subject engine.Subject
}

// Rates is an in-memory rate table.
type Rates struct {
	mu    sync.RWMutex
	table map[rateKey]engine.RateSnapshot
}

func NewRates() *Rates {
	return &Rates{table: make(map[rateKey]engine.RateSnapshot)}
}

func (r *Rates) Put(teacherID, studentID engine.UserID, subject engine.Subject, rate engine.RateSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[rateKey{teacherID, studentID, subject}] = rate
}

func (r *Rates) ResolveRate(_ context.Context, teacherID, studentID engine.UserID, subject engine.Subject) (engine.RateSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rate, ok := r.table[rateKey{teacherID, studentID, subject}]
	if !ok {
		return engine.RateSnapshot{}, engine.ErrRateNotFound
	}
	return rate, nil
}

// Users is an in-memory user directory.
type Users struct {
	mu    sync.RWMutex
	names map[engine.UserID]string
}

func NewUsers() *Users {
	return &Users{names: make(map[engine.UserID]string)}
}

func (u *Users) Put(id engine.UserID, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.names[id] = name
}

func (u *Users) DisplayName(_ context.Context, id engine.UserID) (string, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	name, ok := u.names[id]
	if !ok {
		return "", engine.ErrNotFound
	}
	return name, nil
}
