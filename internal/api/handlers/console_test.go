package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-opd/internal/api/middleware"
	"github.com/drfirst/go-opd/internal/clock"
	"github.com/drfirst/go-opd/internal/console"
	"github.com/drfirst/go-opd/internal/domain/consultation"
	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/domain/queue"
	"github.com/drfirst/go-opd/internal/infrastructure/postgres"
	"github.com/drfirst/go-opd/internal/observability/metrics"
	"github.com/drfirst/go-opd/internal/testsupport"
	"github.com/drfirst/go-opd/pkg/circuitbreaker"
)

const testKey = "key-dr-1"

type server struct {
	collab   *testsupport.Collaborator
	sessions *console.Sessions
	handler  http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1",
		opd.QueueEntry{ID: "q-1", QueueNo: 1, Status: opd.StatusWaiting, ClinicianID: "dr-1",
			Patient: opd.PatientSnapshot{ID: "p-1", FirstName: "Asha", LastName: "Rao"}},
		opd.QueueEntry{ID: "q-2", QueueNo: 2, Status: opd.StatusCancelled, ClinicianID: "dr-1",
			Patient: opd.PatientSnapshot{ID: "p-2", FirstName: "Ravi", LastName: "Iyer"}},
	)
	collab.SetQueue("dr-2")
	collab.SetDrugs(opd.DrugSummary{ID: "d-1", Name: "Paracetamol 500mg"})

	logger := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	sessions := console.NewSessions(func() *console.Session {
		store := queue.NewStore(collab, queue.Config{PollInterval: time.Hour, RefreshTimeout: time.Second}, logger, m)
		coord := consultation.NewCoordinator(collab, store, logger, m)
		mgr := consultation.NewManager(collab, coord, clk, consultation.DefaultConfig(), logger, m)
		return console.NewSession(store, mgr, collab, logger)
	}, logger)
	t.Cleanup(sessions.CloseAll)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.APIKeyAuth(map[string]string{testKey: "dr-1"}))
	r.Mount("/", NewConsoleHandler(sessions, logger).Routes())

	return &server{collab: collab, sessions: sessions, handler: r}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestQueueRequiresAPIKey(t *testing.T) {
	s := newServer(t)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	if s.sessions.Len() != 0 {
		t.Error("unauthenticated request opened a session")
	}
}

func TestGetQueue(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decodeBody[QueueResponse](t, rec)
	if resp.ClinicianID != "dr-1" || len(resp.Entries) != 2 {
		t.Fatalf("queue = %+v", resp)
	}
	// cancelled entries sort after active ones
	if resp.Entries[0].ID != "q-1" {
		t.Errorf("first entry = %s", resp.Entries[0].ID)
	}
	if resp.Stats.Waiting != 1 || resp.Stats.Cancelled != 1 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if resp.RefreshedAt == nil || resp.Stale {
		t.Errorf("refreshed_at = %v, stale = %v", resp.RefreshedAt, resp.Stale)
	}
}

func TestSelectAndCompleteConsultation(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/queue/q-1/select", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("select: %d %s", rec.Code, rec.Body)
	}
	view := decodeBody[consultation.View](t, rec)
	if view.State != consultation.StateDrafting || view.Patient.QueueEntryID != "q-1" {
		t.Fatalf("view = %+v", view)
	}

	rec = s.do(t, http.MethodPatch, "/consultation", consultation.Patch{
		ChiefComplaints: consultation.Text("fever for 3 days"),
		Diagnosis:       consultation.Text("viral fever"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodPost, "/consultation/prescriptions", opd.PrescriptionLine{
		DrugName: "Paracetamol 500mg", Dosage: "1 tab", Frequency: "TID", Duration: "3 days",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add line: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodPost, "/consultation/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body)
	}
	view = decodeBody[consultation.View](t, rec)
	if view.State != consultation.StateCompleted || view.ConsultationID == "" {
		t.Errorf("view = %+v", view)
	}
	if e, _ := s.collab.Entry("q-1"); e.Status != opd.StatusCompleted {
		t.Errorf("entry status = %s", e.Status)
	}
	if lines := s.collab.Lines(view.ConsultationID); len(lines) != 1 {
		t.Errorf("lines = %d", len(lines))
	}
}

func TestCompleteWithoutDiagnosisIsUnprocessable(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/queue/q-1/select", nil)
	s.do(t, http.MethodPatch, "/consultation", consultation.Patch{ChiefComplaints: consultation.Text("cough")})

	rec := s.do(t, http.MethodPost, "/consultation/complete", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if resp := decodeBody[ErrorResponse](t, rec); resp.Kind != opd.KindValidation {
		t.Errorf("kind = %q", resp.Kind)
	}
}

func TestSelectCancelledEntryConflicts(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/queue/q-2/select", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if resp := decodeBody[ErrorResponse](t, rec); resp.Kind != opd.KindInvalidTransition {
		t.Errorf("kind = %q", resp.Kind)
	}
}

func TestSelectUnknownEntry(t *testing.T) {
	s := newServer(t)
	if rec := s.do(t, http.MethodPost, "/queue/q-404/select", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAdvanceEntry(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/queue/q-1/status", AdvanceRequest{Status: "VITALS_DONE"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if entry := decodeBody[opd.QueueEntry](t, rec); entry.Status != opd.StatusVitalsDone {
		t.Errorf("entry = %+v", entry)
	}

	rec = s.do(t, http.MethodPost, "/queue/q-1/status", AdvanceRequest{Status: "WAITING"})
	if rec.Code != http.StatusConflict {
		t.Errorf("backwards move: status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/queue/q-1/status", AdvanceRequest{Status: "ARCHIVED"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown status: status = %d", rec.Code)
	}
}

func TestRefreshReportsNetworkFailure(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodGet, "/queue", nil)

	s.collab.FailNext(testsupport.OpTodayQueue, opd.Network("today_queue", errors.New("connection reset")))
	rec := s.do(t, http.MethodPost, "/queue/refresh", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	// the last good snapshot is still served, flagged stale
	rec = s.do(t, http.MethodGet, "/queue", nil)
	resp := decodeBody[QueueResponse](t, rec)
	if !resp.Stale || len(resp.Entries) != 2 {
		t.Errorf("queue after failure = %+v", resp)
	}
}

func TestSwitchClinicianAndCloseSession(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPut, "/session/clinician", SwitchClinicianRequest{ClinicianID: "dr-2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if resp := decodeBody[QueueResponse](t, rec); resp.ClinicianID != "dr-2" || len(resp.Entries) != 0 {
		t.Errorf("queue = %+v", resp)
	}

	rec = s.do(t, http.MethodPut, "/session/clinician", SwitchClinicianRequest{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("blank clinician: status = %d", rec.Code)
	}

	if rec := s.do(t, http.MethodDelete, "/session", nil); rec.Code != http.StatusNoContent {
		t.Errorf("close: status = %d", rec.Code)
	}
	if s.sessions.Len() != 0 {
		t.Errorf("sessions = %d", s.sessions.Len())
	}
}

func TestEditWithoutPatientIsUnprocessable(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/consultation/diagnosis-codes", DiagnosisCodeRequest{Code: "J06.9"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/queue/q-1/select", nil)

	req := httptest.NewRequest(http.MethodPatch, "/consultation", bytes.NewBufferString(`{"diagnosys":"typo"}`))
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSearchDrugs(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/drugs?q=para&limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if drugs := decodeBody[[]opd.DrugSummary](t, rec); len(drugs) != 1 || drugs[0].ID != "d-1" {
		t.Errorf("drugs = %+v", drugs)
	}

	if rec := s.do(t, http.MethodGet, "/drugs?q=para&limit=-1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit: status = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{opd.Validation("op", "bad"), http.StatusUnprocessableEntity},
		{opd.NotFound("op", "entry", "q-1"), http.StatusNotFound},
		{opd.CheckTransition(opd.StatusCompleted, opd.StatusWaiting), http.StatusConflict},
		{opd.Conflict("op", "busy", nil), http.StatusConflict},
		{opd.Network("op", errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type fakeCheckIns struct {
	got postgres.CheckInRequest
	err error
}

func (f *fakeCheckIns) CheckIn(_ context.Context, req postgres.CheckInRequest) (opd.QueueEntry, error) {
	f.got = req
	if f.err != nil {
		return opd.QueueEntry{}, f.err
	}
	return opd.QueueEntry{ID: "q-7", QueueNo: 7, ClinicianID: req.ClinicianID, Status: opd.StatusWaiting}, nil
}

func TestCheckIn(t *testing.T) {
	svc := &fakeCheckIns{}
	h := NewCheckInHandler(svc, zaptest.NewLogger(t)).Routes()

	body := bytes.NewBufferString(`{"clinician_id":"dr-1","patient_id":"p-7","priority":true}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !svc.got.Priority || svc.got.PatientID != "p-7" {
		t.Errorf("request = %+v", svc.got)
	}

	svc.err = opd.Conflict("check_in", "check-in already in progress", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"clinician_id":"dr-1","patient_id":"p-7"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
	if resp := decodeBody[ErrorResponse](t, rec); resp.Error != "check-in already in progress" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestHealthReportsOpenBreaker(t *testing.T) {
	reg := circuitbreaker.NewRegistry(zaptest.NewLogger(t))
	cfg := circuitbreaker.DefaultConfig("queue")
	cfg.FailureThreshold = 1
	cfg.MinRequests = 1
	cb, err := reg.GetOrCreate("queue", cfg)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	rec := httptest.NewRecorder()
	Health("doctor-console", "1.0.0", reg)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp := decodeBody[HealthResponse](t, rec); resp.Status != "healthy" || len(resp.Breakers) != 1 {
		t.Fatalf("health = %+v", resp)
	}

	_, _ = cb.Execute(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("down")
	})
	rec = httptest.NewRecorder()
	Health("doctor-console", "1.0.0", reg)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if resp := decodeBody[HealthResponse](t, rec); resp.Status != "degraded" {
		t.Errorf("status = %q after breaker opened", resp.Status)
	}
}
