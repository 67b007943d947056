/*
handlers.go - HTTP API handlers for the tutoring session engine

PURPOSE:
  Exposes the session lifecycle, hour ledger, change-request workflow, and
  payroll reports via REST. Handles HTTP request/response, JSON
  serialization, and delegates everything else to the engine.

ENDPOINTS:
  Sessions:
    POST   /api/sessions                      Schedule a session
    GET    /api/sessions/{id}                 Get session details
    PATCH  /api/sessions/{id}                 Edit a SCHEDULED session
    POST   /api/sessions/{id}/cancel          Cancel a session
    POST   /api/sessions/{id}/change-requests File a cancel/reschedule request

  Change requests:
    GET    /api/change-requests/pending       List unresolved requests
    POST   /api/change-requests/{id}/approve  Approve (mutates the session)
    POST   /api/change-requests/{id}/reject   Reject (request status only)

  Students:
    GET    /api/students/{id}/balance         Remaining units + breakdown
    GET    /api/students/{id}/ledger          Raw ledger history
    POST   /api/students/{id}/purchases       Record purchased units
    POST   /api/students/{id}/adjustments     Record a manual correction

  Teachers:
    GET    /api/teachers/{id}/sessions        Teacher's sessions
    GET    /api/teachers/{id}/payroll         Weekly report (?week_start=)

  Admin:
    POST   /api/admin/rates                   Upsert an hourly rate
    POST   /api/admin/users                   Upsert a display name
    POST   /api/admin/sweep                   Run the completion sweep now

ACTOR IDENTITY:
  Mutating endpoints read the acting user from the X-Actor-ID header.
  There is no authentication layer here; the header is trusted. Put a
  gateway in front for production.

ERROR HANDLING:
  Engine errors map onto HTTP status codes:
  - 400: InvalidArgument (malformed input)
  - 404: NotFound (absent, or outside the actor's scope)
  - 409: Conflict (overlap, terminal status, duplicate pending request)
  - 403: Forbidden (past the 24h change-request cutoff)
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tutorly/session-engine/engine"
	"github.com/tutorly/session-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Sessions *engine.SessionService
	Requests *engine.ChangeRequestService
	Ledger   *engine.HourLedger
	Payroll  *engine.PayrollAggregator
	Sweep    *engine.CompletionJob
	Store    *sqlite.Store
	Logger   *zap.Logger
}

// NewHandler wires the engine services over the given store.
func NewHandler(store *sqlite.Store, logger *zap.Logger, payrollZone string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := engine.NewZapAuditLog(logger)
	return &Handler{
		Sessions: engine.NewSessionService(store, store, audit),
		Requests: engine.NewChangeRequestService(store, audit),
		Ledger:   engine.NewHourLedger(store, audit),
		Payroll:  engine.NewPayrollAggregator(store, store, payrollZone),
		Sweep:    engine.NewCompletionJob(store, audit, logger),
		Store:    store,
		Logger:   logger,
	}
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// CreateSession schedules a new session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	startAt, err := parseInstant(req.StartAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_at (use RFC3339)", err)
		return
	}
	endAt, err := parseInstant(req.EndAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_at (use RFC3339)", err)
		return
	}

	session, err := h.Sessions.Create(r.Context(), engine.CreateSessionInput{
		TeacherID:     engine.UserID(req.TeacherID),
		StudentID:     engine.UserID(req.StudentID),
		Subject:       engine.Subject(req.Subject),
		StartAt:       startAt,
		EndAt:         endAt,
		ClassTimeZone: req.ClassTimeZone,
		ConsumesUnits: req.ConsumesUnits,
		ActorID:       actor,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	sessionsCreatedTotal.Inc()
	writeJSON(w, http.StatusCreated, toSessionDTO(session))
}

// GetSession returns a single session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := engine.SessionID(chi.URLParam(r, "id"))

	session, err := h.Sessions.Get(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

// EditSession applies a partial update to a SCHEDULED session.
func (h *Handler) EditSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id := engine.SessionID(chi.URLParam(r, "id"))

	var req EditSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := engine.EditSessionInput{ActorID: actor}
	if req.StartAt != nil {
		t, err := parseInstant(*req.StartAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_at (use RFC3339)", err)
			return
		}
		in.StartAt = &t
	}
	if req.EndAt != nil {
		t, err := parseInstant(*req.EndAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_at (use RFC3339)", err)
			return
		}
		in.EndAt = &t
	}
	in.ClassTimeZone = req.ClassTimeZone
	in.ConsumesUnits = req.ConsumesUnits
	if req.Subject != nil {
		subject := engine.Subject(*req.Subject)
		in.Subject = &subject
	}
	if req.Status != nil {
		status := engine.SessionStatus(*req.Status)
		in.Status = &status
	}

	session, err := h.Sessions.Edit(r.Context(), id, in)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

// CancelSession cancels a session; repeating the call is a no-op.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id := engine.SessionID(chi.URLParam(r, "id"))

	session, err := h.Sessions.Cancel(r.Context(), id, actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	sessionsCancelledTotal.Inc()
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

// ListTeacherSessions returns all of a teacher's sessions, newest first.
func (h *Handler) ListTeacherSessions(w http.ResponseWriter, r *http.Request) {
	teacherID := engine.UserID(chi.URLParam(r, "id"))

	sessions, err := h.Store.ListSessionsByTeacher(r.Context(), teacherID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CHANGE-REQUEST HANDLERS
// =============================================================================

// CreateChangeRequest files a cancel/reschedule proposal for a session.
// The requester is the X-Actor-ID and must be the session's student.
func (h *Handler) CreateChangeRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	sessionID := engine.SessionID(chi.URLParam(r, "id"))

	var req CreateChangeRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := engine.CreateChangeRequestInput{
		SessionID:        sessionID,
		RequesterID:      actor,
		Type:             engine.ChangeRequestType(req.Type),
		ProposedTimeZone: req.ProposedTimeZone,
	}
	if req.ProposedStartAt != nil {
		t, err := parseInstant(*req.ProposedStartAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid proposed_start_at (use RFC3339)", err)
			return
		}
		in.ProposedStartAt = &t
	}
	if req.ProposedEndAt != nil {
		t, err := parseInstant(*req.ProposedEndAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid proposed_end_at (use RFC3339)", err)
			return
		}
		in.ProposedEndAt = &t
	}

	request, err := h.Requests.Create(r.Context(), in)
	if err != nil {
		if engine.IsForbidden(err) {
			changeRequestsTotal.WithLabelValues("cutoff").Inc()
		}
		h.writeEngineError(w, err)
		return
	}

	changeRequestsTotal.WithLabelValues("created").Inc()
	writeJSON(w, http.StatusCreated, toChangeRequestDTO(request))
}

// ListPendingChangeRequests returns all unresolved requests, oldest first.
func (h *Handler) ListPendingChangeRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.Requests.ListPending(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dtos := make([]ChangeRequestDTO, len(requests))
	for i, cr := range requests {
		dtos[i] = toChangeRequestDTO(cr)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveChangeRequest resolves a request and applies it to the session.
func (h *Handler) ApproveChangeRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id := engine.ChangeRequestID(chi.URLParam(r, "id"))

	request, err := h.Requests.Approve(r.Context(), id, actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	changeRequestsTotal.WithLabelValues("approved").Inc()
	if request.Type == engine.ChangeCancel {
		sessionsCancelledTotal.Inc()
	}
	writeJSON(w, http.StatusOK, toChangeRequestDTO(request))
}

// RejectChangeRequest resolves a request without touching the session.
func (h *Handler) RejectChangeRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	id := engine.ChangeRequestID(chi.URLParam(r, "id"))

	request, err := h.Requests.Reject(r.Context(), id, actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	changeRequestsTotal.WithLabelValues("rejected").Inc()
	writeJSON(w, http.StatusOK, toChangeRequestDTO(request))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetBalance returns the student's remaining units and per-teacher buckets.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	studentID := engine.UserID(chi.URLParam(r, "id"))

	remaining, err := h.Ledger.RemainingUnits(r.Context(), studentID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	buckets, err := h.Ledger.BreakdownByTeacher(r.Context(), studentID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dto := BalanceDTO{
		StudentID:      string(studentID),
		RemainingUnits: remaining,
		Buckets:        make([]TeacherBucketDTO, len(buckets)),
	}
	for i, b := range buckets {
		dto.Buckets[i] = TeacherBucketDTO{Units: b.Units}
		if b.TeacherID != nil {
			dto.Buckets[i].TeacherID = strPtr(string(*b.TeacherID))
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetLedgerEntries returns the student's raw ledger history, oldest first.
func (h *Handler) GetLedgerEntries(w http.ResponseWriter, r *http.Request) {
	studentID := engine.UserID(chi.URLParam(r, "id"))

	entries, err := h.Ledger.Entries(r.Context(), studentID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordPurchase appends a positive PURCHASE ledger entry.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	studentID := engine.UserID(chi.URLParam(r, "id"))

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.RecordPurchase(r.Context(), studentID, toUserIDPtr(req.TeacherID), req.Units, actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	ledgerEntriesTotal.WithLabelValues(string(engine.ReasonPurchase)).Inc()
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// RecordAdjustment appends a signed ADJUSTMENT ledger entry.
func (h *Handler) RecordAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	studentID := engine.UserID(chi.URLParam(r, "id"))

	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.RecordAdjustment(r.Context(), studentID, toUserIDPtr(req.TeacherID), req.DeltaUnits, actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	ledgerEntriesTotal.WithLabelValues(string(engine.ReasonAdjustment)).Inc()
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// =============================================================================
// PAYROLL HANDLERS
// =============================================================================

// GetPayrollWeek returns the teacher's weekly report.
// GET /api/teachers/{id}/payroll?week_start=2026-01-05
func (h *Handler) GetPayrollWeek(w http.ResponseWriter, r *http.Request) {
	teacherID := engine.UserID(chi.URLParam(r, "id"))

	weekStart, err := engine.ParseCalendarDate(r.URL.Query().Get("week_start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid week_start (use YYYY-MM-DD)", err)
		return
	}

	report, err := h.Payroll.WeekReport(r.Context(), teacherID, weekStart)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayrollWeekDTO(report))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SaveRate upserts the active rate for a (teacher, student, subject) triple.
func (h *Handler) SaveRate(w http.ResponseWriter, r *http.Request) {
	var req SaveRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	subject, err := engine.ParseSubject(req.Subject)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if req.StudentHourlyRateCents <= 0 || req.TeacherHourlyWageCents <= 0 || req.Currency == "" {
		writeError(w, http.StatusBadRequest, "Rate requires positive cents and a currency", nil)
		return
	}

	err = h.Store.SaveRate(r.Context(),
		engine.UserID(req.TeacherID), engine.UserID(req.StudentID), subject,
		engine.RateSnapshot{
			StudentHourlyRateCents: req.StudentHourlyRateCents,
			TeacherHourlyWageCents: req.TeacherHourlyWageCents,
			Currency:               req.Currency,
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SaveUser upserts a display name for payroll output.
func (h *Handler) SaveUser(w http.ResponseWriter, r *http.Request) {
	var req SaveUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "id and display_name are required", nil)
		return
	}

	if err := h.Store.SaveUser(r.Context(), engine.UserID(req.ID), req.DisplayName); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerSweep runs the completion sweep immediately.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	processed, err := h.Sweep.Run(r.Context(), now, engine.DefaultCompletionBatchSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}

	sweepRunsTotal.Inc()
	sweepCompletedTotal.Add(float64(processed))
	writeJSON(w, http.StatusOK, SweepResponse{
		Processed: processed,
		RanAt:     now.UTC().Format(time.RFC3339),
	})
}

// Health is a trivial liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// actorID extracts the acting user from X-Actor-ID, writing a 400 when absent.
func actorID(w http.ResponseWriter, r *http.Request) (engine.UserID, bool) {
	actor := r.Header.Get("X-Actor-ID")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "Missing X-Actor-ID header", nil)
		return "", false
	}
	return engine.UserID(actor), true
}

func parseInstant(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func toUserIDPtr(s *string) *engine.UserID {
	if s == nil || *s == "" {
		return nil
	}
	id := engine.UserID(*s)
	return &id
}

// writeEngineError maps engine error categories onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var overlap *engine.OverlapError
	if errors.As(err, &overlap) {
		overlapRejectionsTotal.Inc()
	}

	switch {
	case engine.IsInvalidArgument(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case engine.IsForbidden(err):
		writeError(w, http.StatusForbidden, "Too late to change this session", err)
	case engine.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		h.Logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
