package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tutorly/session-engine/api"
	"github.com/tutorly/session-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	handler := api.NewHandler(store, zap.NewNop(), "Australia/Sydney")
	server := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(server.Close)
	return server
}

// doJSON issues a request with the X-Actor-ID header and decodes the JSON
// response into out (when out is non-nil).
func doJSON(t *testing.T, server *httptest.Server, method, path, actor string, body, out any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func saveRate(t *testing.T, server *httptest.Server, teacherID, studentID, subject string) {
	t.Helper()
	resp := doJSON(t, server, http.MethodPost, "/api/admin/rates", "admin-1", map[string]any{
		"teacher_id":                teacherID,
		"student_id":                studentID,
		"subject":                   subject,
		"student_hourly_rate_cents": 10000,
		"teacher_hourly_wage_cents": 6000,
		"currency":                  "AUD",
	}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

// createSession schedules a session starting at the given offset from now.
func createSession(t *testing.T, server *httptest.Server, start time.Time, dur time.Duration) map[string]any {
	t.Helper()
	var created map[string]any
	resp := doJSON(t, server, http.MethodPost, "/api/sessions", "admin-1", map[string]any{
		"teacher_id":      "teacher-1",
		"student_id":      "student-1",
		"subject":         "math",
		"start_at":        start.UTC().Format(time.RFC3339),
		"end_at":          start.Add(dur).UTC().Format(time.RFC3339),
		"class_time_zone": "Australia/Sydney",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "create session: %v", created)
	return created
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestAPI_CreateSessionSnapshotsTheRate(t *testing.T) {
	// GIVEN: An active rate for (teacher-1, student-1, math)
	// WHEN: Scheduling a session
	// THEN: 201 with the rate copied onto the session

	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	created := createSession(t, server, start, time.Hour)

	assert.Equal(t, "SCHEDULED", created["status"])
	assert.Equal(t, "math", created["subject"])
	assert.NotEmpty(t, created["id"])

	rate, ok := created["rate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(10000), rate["student_hourly_rate_cents"])
	assert.Equal(t, float64(6000), rate["teacher_hourly_wage_cents"])
	assert.Equal(t, "AUD", rate["currency"])

	// The session reads back through GET.
	var fetched map[string]any
	resp := doJSON(t, server, http.MethodGet, "/api/sessions/"+created["id"].(string), "", nil, &fetched)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created["id"], fetched["id"])
}

func TestAPI_MutationsRequireActorHeader(t *testing.T) {
	server := newTestServer(t)

	resp := doJSON(t, server, http.MethodPost, "/api/sessions", "", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CreateSessionWithoutRateIs404(t *testing.T) {
	server := newTestServer(t)

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	resp := doJSON(t, server, http.MethodPost, "/api/sessions", "admin-1", map[string]any{
		"teacher_id":      "teacher-1",
		"student_id":      "student-1",
		"subject":         "math",
		"start_at":        start.UTC().Format(time.RFC3339),
		"end_at":          start.Add(time.Hour).UTC().Format(time.RFC3339),
		"class_time_zone": "Australia/Sydney",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_OverlappingSessionIs409(t *testing.T) {
	// GIVEN: A scheduled session
	// WHEN: Scheduling another one over the same teacher hour
	// THEN: 409 naming the conflicting session

	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	createSession(t, server, start, time.Hour)

	var errResp map[string]any
	resp := doJSON(t, server, http.MethodPost, "/api/sessions", "admin-1", map[string]any{
		"teacher_id":      "teacher-1",
		"student_id":      "student-1",
		"subject":         "math",
		"start_at":        start.Add(30 * time.Minute).UTC().Format(time.RFC3339),
		"end_at":          start.Add(90 * time.Minute).UTC().Format(time.RFC3339),
		"class_time_zone": "Australia/Sydney",
	}, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, errResp["details"])
}

func TestAPI_BackToBackSessionsAllowed(t *testing.T) {
	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	createSession(t, server, start, time.Hour)
	createSession(t, server, start.Add(time.Hour), time.Hour)
}

func TestAPI_CancelSessionIsIdempotent(t *testing.T) {
	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	created := createSession(t, server, start, time.Hour)
	path := "/api/sessions/" + created["id"].(string) + "/cancel"

	var cancelled map[string]any
	resp := doJSON(t, server, http.MethodPost, path, "teacher-1", nil, &cancelled)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", cancelled["status"])

	resp = doJSON(t, server, http.MethodPost, path, "teacher-1", nil, &cancelled)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "repeating a cancel is a no-op")
	assert.Equal(t, "CANCELLED", cancelled["status"])
}

func TestAPI_EditSessionMovesTheTime(t *testing.T) {
	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	created := createSession(t, server, start, time.Hour)

	newStart := start.Add(3 * time.Hour)
	var edited map[string]any
	resp := doJSON(t, server, http.MethodPatch, "/api/sessions/"+created["id"].(string), "admin-1", map[string]any{
		"start_at": newStart.UTC().Format(time.RFC3339),
		"end_at":   newStart.Add(time.Hour).UTC().Format(time.RFC3339),
	}, &edited)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, newStart.UTC().Format(time.RFC3339), edited["start_at"])
}

func TestAPI_ListTeacherSessions(t *testing.T) {
	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	createSession(t, server, start, time.Hour)
	createSession(t, server, start.Add(2*time.Hour), time.Hour)

	var sessions []map[string]any
	resp := doJSON(t, server, http.MethodGet, "/api/teachers/teacher-1/sessions", "", nil, &sessions)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, sessions, 2)
}

// =============================================================================
// CHANGE REQUESTS
// =============================================================================

func TestAPI_ChangeRequestLifecycle(t *testing.T) {
	// GIVEN: A session starting well outside the 24h cutoff
	// WHEN: The student files a CANCEL request and an admin approves it
	// THEN: The request is APPROVED and the session CANCELLED

	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	created := createSession(t, server, start, time.Hour)
	sessionID := created["id"].(string)

	var request map[string]any
	resp := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/change-requests", "student-1",
		map[string]any{"type": "CANCEL"}, &request)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "file request: %v", request)
	assert.Equal(t, "PENDING", request["status"])

	var pending []map[string]any
	resp = doJSON(t, server, http.MethodGet, "/api/change-requests/pending", "", nil, &pending)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, pending, 1)

	var approved map[string]any
	resp = doJSON(t, server, http.MethodPost, "/api/change-requests/"+request["id"].(string)+"/approve", "admin-1", nil, &approved)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "APPROVED", approved["status"])

	var session map[string]any
	resp = doJSON(t, server, http.MethodGet, "/api/sessions/"+sessionID, "", nil, &session)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", session["status"])
}

func TestAPI_ChangeRequestInsideCutoffIs403(t *testing.T) {
	// A session starting in 2 hours is inside the 24h window; students are
	// past the point where changes can be requested.

	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	created := createSession(t, server, start, time.Hour)

	resp := doJSON(t, server, http.MethodPost, "/api/sessions/"+created["id"].(string)+"/change-requests", "student-1",
		map[string]any{"type": "CANCEL"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_ChangeRequestFromNonStudentIs404(t *testing.T) {
	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	created := createSession(t, server, start, time.Hour)

	resp := doJSON(t, server, http.MethodPost, "/api/sessions/"+created["id"].(string)+"/change-requests", "student-2",
		map[string]any{"type": "CANCEL"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "other students cannot see the session")
}

func TestAPI_SecondPendingRequestIs409(t *testing.T) {
	server := newTestServer(t)
	saveRate(t, server, "teacher-1", "student-1", "math")

	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	created := createSession(t, server, start, time.Hour)
	path := "/api/sessions/" + created["id"].(string) + "/change-requests"

	resp := doJSON(t, server, http.MethodPost, path, "student-1", map[string]any{"type": "CANCEL"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, server, http.MethodPost, path, "student-1", map[string]any{"type": "CANCEL"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestAPI_PurchaseAndBalance(t *testing.T) {
	server := newTestServer(t)

	var entry map[string]any
	resp := doJSON(t, server, http.MethodPost, "/api/students/student-1/purchases", "admin-1",
		map[string]any{"units": 10}, &entry)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "PURCHASE", entry["reason"])
	assert.Equal(t, float64(10), entry["delta_units"])

	resp = doJSON(t, server, http.MethodPost, "/api/students/student-1/adjustments", "admin-1",
		map[string]any{"delta_units": -3}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var balance map[string]any
	resp = doJSON(t, server, http.MethodGet, "/api/students/student-1/balance", "", nil, &balance)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(7), balance["remaining_units"])

	var entries []map[string]any
	resp = doJSON(t, server, http.MethodGet, "/api/students/student-1/ledger", "", nil, &entries)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, entries, 2)
}

func TestAPI_NonPositivePurchaseIs400(t *testing.T) {
	server := newTestServer(t)

	for _, units := range []int{0, -5} {
		resp := doJSON(t, server, http.MethodPost, "/api/students/student-1/purchases", "admin-1",
			map[string]any{"units": units}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "units=%d", units)
	}
}

// =============================================================================
// PAYROLL
// =============================================================================

func TestAPI_PayrollRejectsNonMondayAnchor(t *testing.T) {
	server := newTestServer(t)

	// 2026-08-18 is a Tuesday.
	resp := doJSON(t, server, http.MethodGet, "/api/teachers/teacher-1/payroll?week_start=2026-08-18", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, server, http.MethodGet, "/api/teachers/teacher-1/payroll?week_start=not-a-date", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_PayrollEmptyWeek(t *testing.T) {
	server := newTestServer(t)

	var report map[string]any
	resp := doJSON(t, server, http.MethodGet, "/api/teachers/teacher-1/payroll?week_start=2026-08-17", "", nil, &report)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "teacher-1", report["teacher_id"])
	assert.Equal(t, "2026-08-17", report["week_start"])
	assert.Equal(t, "2026-08-23", report["week_end"])
	assert.Empty(t, report["totals"])
}

// =============================================================================
// ADMIN AND PLUMBING
// =============================================================================

func TestAPI_SweepEndpoint(t *testing.T) {
	server := newTestServer(t)

	var result map[string]any
	resp := doJSON(t, server, http.MethodPost, "/api/admin/sweep", "admin-1", nil, &result)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), result["processed"])
	assert.NotEmpty(t, result["ran_at"])
}

func TestAPI_Health(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/healthz", server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_MetricsExposed(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "session_engine_")
}
