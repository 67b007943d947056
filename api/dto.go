/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

CONVENTIONS:
  Instants are RFC3339 strings in UTC. Money is integer cents plus an
  ISO 4217 currency code. Hours are decimal strings ("1.5"), never floats.

VALIDATION:
  Validation is done in the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/tutorly/session-engine/engine"
)

// =============================================================================
// SESSIONS
// =============================================================================

// SessionDTO represents a session in API responses.
type SessionDTO struct {
	ID            string  `json:"id"`
	TeacherID     string  `json:"teacher_id"`
	StudentID     string  `json:"student_id"`
	Subject       string  `json:"subject"`
	StartAt       string  `json:"start_at"`
	EndAt         string  `json:"end_at"`
	ClassTimeZone string  `json:"class_time_zone"`
	ConsumesUnits int     `json:"consumes_units"`
	Rate          RateDTO `json:"rate"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at,omitempty"`
	UpdatedAt     string  `json:"updated_at,omitempty"`
}

// RateDTO is the pricing snapshot embedded in a session.
type RateDTO struct {
	StudentHourlyRateCents int64  `json:"student_hourly_rate_cents"`
	TeacherHourlyWageCents int64  `json:"teacher_hourly_wage_cents"`
	Currency               string `json:"currency"`
}

// CreateSessionRequest is the request to schedule a session.
type CreateSessionRequest struct {
	TeacherID     string `json:"teacher_id"`
	StudentID     string `json:"student_id"`
	Subject       string `json:"subject"`
	StartAt       string `json:"start_at"`
	EndAt         string `json:"end_at"`
	ClassTimeZone string `json:"class_time_zone"`
	ConsumesUnits int    `json:"consumes_units,omitempty"`
}

// EditSessionRequest is a partial update; absent fields keep current values.
type EditSessionRequest struct {
	StartAt       *string `json:"start_at,omitempty"`
	EndAt         *string `json:"end_at,omitempty"`
	ClassTimeZone *string `json:"class_time_zone,omitempty"`
	ConsumesUnits *int    `json:"consumes_units,omitempty"`
	Subject       *string `json:"subject,omitempty"`
	Status        *string `json:"status,omitempty"`
}

// =============================================================================
// CHANGE REQUESTS
// =============================================================================

// ChangeRequestDTO represents a cancel/reschedule request.
type ChangeRequestDTO struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	Type             string  `json:"type"`
	ProposedStartAt  *string `json:"proposed_start_at,omitempty"`
	ProposedEndAt    *string `json:"proposed_end_at,omitempty"`
	ProposedTimeZone *string `json:"proposed_time_zone,omitempty"`
	Status           string  `json:"status"`
	RequestedBy      string  `json:"requested_by"`
	DecidedBy        *string `json:"decided_by,omitempty"`
	CreatedAt        string  `json:"created_at,omitempty"`
	UpdatedAt        string  `json:"updated_at,omitempty"`
}

// CreateChangeRequestRequest files a CANCEL or RESCHEDULE proposal.
// The requester is taken from the X-Actor-ID header.
type CreateChangeRequestRequest struct {
	Type             string  `json:"type"`
	ProposedStartAt  *string `json:"proposed_start_at,omitempty"`
	ProposedEndAt    *string `json:"proposed_end_at,omitempty"`
	ProposedTimeZone *string `json:"proposed_time_zone,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntryDTO represents one immutable ledger entry.
type LedgerEntryDTO struct {
	ID         string  `json:"id"`
	StudentID  string  `json:"student_id"`
	TeacherID  *string `json:"teacher_id,omitempty"`
	DeltaUnits int     `json:"delta_units"`
	Reason     string  `json:"reason"`
	SessionID  *string `json:"session_id,omitempty"`
	CreatedBy  string  `json:"created_by"`
	CreatedAt  string  `json:"created_at"`
}

// PurchaseRequest records purchased units, optionally tied to a teacher.
type PurchaseRequest struct {
	TeacherID *string `json:"teacher_id,omitempty"`
	Units     int     `json:"units"`
}

// AdjustmentRequest records a signed manual correction.
type AdjustmentRequest struct {
	TeacherID  *string `json:"teacher_id,omitempty"`
	DeltaUnits int     `json:"delta_units"`
}

// BalanceDTO is a student's remaining units plus the per-teacher breakdown.
type BalanceDTO struct {
	StudentID      string             `json:"student_id"`
	RemainingUnits int                `json:"remaining_units"`
	Buckets        []TeacherBucketDTO `json:"buckets"`
}

// TeacherBucketDTO is one breakdown bucket; a nil teacher id is the
// unassigned pool.
type TeacherBucketDTO struct {
	TeacherID *string `json:"teacher_id,omitempty"`
	Units     int     `json:"units"`
}

// =============================================================================
// PAYROLL
// =============================================================================

// PayrollWeekDTO is the weekly report for one teacher.
type PayrollWeekDTO struct {
	TeacherID    string             `json:"teacher_id"`
	WeekStart    string             `json:"week_start"`
	WeekEnd      string             `json:"week_end"`
	RangeStartAt string             `json:"range_start_at"`
	RangeEndAt   string             `json:"range_end_at"`
	Totals       []CurrencyTotalDTO `json:"totals"`
	Students     []StudentTotalsDTO `json:"students"`
}

// CurrencyTotalDTO is one currency's aggregate; hours are a decimal string.
type CurrencyTotalDTO struct {
	Currency      string `json:"currency"`
	TotalCents    int64  `json:"total_cents"`
	TotalHours    string `json:"total_hours"`
	SessionsCount int    `json:"sessions_count"`
}

// StudentTotalsDTO is the per-student nested breakdown.
type StudentTotalsDTO struct {
	StudentID   string             `json:"student_id"`
	DisplayName string             `json:"display_name,omitempty"`
	Totals      []CurrencyTotalDTO `json:"totals"`
}

// =============================================================================
// ADMIN
// =============================================================================

// SaveRateRequest upserts the active rate for a teaching triple.
type SaveRateRequest struct {
	TeacherID              string `json:"teacher_id"`
	StudentID              string `json:"student_id"`
	Subject                string `json:"subject"`
	StudentHourlyRateCents int64  `json:"student_hourly_rate_cents"`
	TeacherHourlyWageCents int64  `json:"teacher_hourly_wage_cents"`
	Currency               string `json:"currency"`
}

// SaveUserRequest upserts a display name.
type SaveUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// SweepResponse reports a manual completion sweep.
type SweepResponse struct {
	Processed int    `json:"processed"`
	RanAt     string `json:"ran_at"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toSessionDTO(s *engine.Session) SessionDTO {
	return SessionDTO{
		ID:            string(s.ID),
		TeacherID:     string(s.TeacherID),
		StudentID:     string(s.StudentID),
		Subject:       string(s.Subject),
		StartAt:       s.StartAt.UTC().Format(time.RFC3339),
		EndAt:         s.EndAt.UTC().Format(time.RFC3339),
		ClassTimeZone: s.ClassTimeZone,
		ConsumesUnits: s.ConsumesUnits,
		Rate: RateDTO{
			StudentHourlyRateCents: s.Rate.StudentHourlyRateCents,
			TeacherHourlyWageCents: s.Rate.TeacherHourlyWageCents,
			Currency:               s.Rate.Currency,
		},
		Status:    string(s.Status),
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toChangeRequestDTO(cr *engine.ChangeRequest) ChangeRequestDTO {
	dto := ChangeRequestDTO{
		ID:          string(cr.ID),
		SessionID:   string(cr.SessionID),
		Type:        string(cr.Type),
		Status:      string(cr.Status),
		RequestedBy: string(cr.RequestedBy),
		CreatedAt:   cr.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   cr.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if cr.ProposedStartAt != nil {
		dto.ProposedStartAt = strPtr(cr.ProposedStartAt.UTC().Format(time.RFC3339))
	}
	if cr.ProposedEndAt != nil {
		dto.ProposedEndAt = strPtr(cr.ProposedEndAt.UTC().Format(time.RFC3339))
	}
	if cr.ProposedTimeZone != nil {
		dto.ProposedTimeZone = cr.ProposedTimeZone
	}
	if cr.DecidedBy != nil {
		dto.DecidedBy = strPtr(string(*cr.DecidedBy))
	}
	return dto
}

func toLedgerEntryDTO(e *engine.LedgerEntry) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:         string(e.ID),
		StudentID:  string(e.StudentID),
		DeltaUnits: e.DeltaUnits,
		Reason:     string(e.Reason),
		CreatedBy:  string(e.CreatedBy),
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.TeacherID != nil {
		dto.TeacherID = strPtr(string(*e.TeacherID))
	}
	if e.SessionID != nil {
		dto.SessionID = strPtr(string(*e.SessionID))
	}
	return dto
}

func toCurrencyTotalDTOs(totals []engine.CurrencyTotal) []CurrencyTotalDTO {
	out := make([]CurrencyTotalDTO, len(totals))
	for i, t := range totals {
		out[i] = CurrencyTotalDTO{
			Currency:      t.Currency,
			TotalCents:    t.TotalCents,
			TotalHours:    t.TotalHours.String(),
			SessionsCount: t.SessionsCount,
		}
	}
	return out
}

func toPayrollWeekDTO(pw *engine.PayrollWeek) PayrollWeekDTO {
	dto := PayrollWeekDTO{
		TeacherID:    string(pw.TeacherID),
		WeekStart:    pw.WeekStart.String(),
		WeekEnd:      pw.WeekEnd.String(),
		RangeStartAt: pw.RangeStartAt.UTC().Format(time.RFC3339),
		RangeEndAt:   pw.RangeEndAt.UTC().Format(time.RFC3339),
		Totals:       toCurrencyTotalDTOs(pw.Totals),
		Students:     make([]StudentTotalsDTO, len(pw.Students)),
	}
	for i, st := range pw.Students {
		dto.Students[i] = StudentTotalsDTO{
			StudentID:   string(st.StudentID),
			DisplayName: st.DisplayName,
			Totals:      toCurrencyTotalDTOs(st.Totals),
		}
	}
	return dto
}

func strPtr(s string) *string {
	return &s
}
