package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/api/middleware"
	"github.com/drfirst/go-opd/internal/console"
	"github.com/drfirst/go-opd/internal/domain/consultation"
	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/domain/queue"
)

// ConsoleHandler serves the authenticated clinician's console session
type ConsoleHandler struct {
	sessions *console.Sessions
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewConsoleHandler creates a handler
func NewConsoleHandler(sessions *console.Sessions, logger *zap.Logger) *ConsoleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleHandler{
		sessions: sessions,
		logger:   logger,
		tracer:   otel.Tracer("console-handler"),
	}
}

// Routes returns the handler routes
func (h *ConsoleHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Put("/session/clinician", h.SwitchClinician)
	r.Delete("/session", h.CloseSession)

	r.Get("/queue", h.Queue)
	r.Get("/queue/stats", h.QueueStats)
	r.Post("/queue/refresh", h.RefreshQueue)
	r.Post("/queue/{id}/select", h.SelectEntry)
	r.Post("/queue/{id}/status", h.AdvanceEntry)

	r.Route("/consultation", func(r chi.Router) {
		r.Get("/", h.Consultation)
		r.Patch("/", h.UpdateConsultation)
		r.Delete("/", h.CloseConsultation)
		r.Post("/save", h.SaveConsultation)
		r.Post("/complete", h.CompleteConsultation)
		r.Post("/diagnosis-codes", h.AddDiagnosisCode)
		r.Delete("/diagnosis-codes/{code}", h.RemoveDiagnosisCode)
		r.Post("/prescriptions", h.AddPrescriptionLine)
		r.Put("/prescriptions/{id}", h.UpdatePrescriptionLine)
		r.Delete("/prescriptions/{id}", h.RemovePrescriptionLine)
	})

	r.Get("/drugs", h.SearchDrugs)
	return r
}

// session resolves the caller's session, writing the error response on failure
func (h *ConsoleHandler) session(w http.ResponseWriter, r *http.Request) (*console.Session, bool) {
	clinicianID := middleware.GetClinicianID(r.Context())
	if clinicianID == "" {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return nil, false
	}
	s, err := h.sessions.Get(r.Context(), clinicianID, clinicianID)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	return s, true
}

// SwitchClinicianRequest selects whose worklist the session shows
type SwitchClinicianRequest struct {
	ClinicianID string `json:"clinician_id"`
}

// SwitchClinician handles PUT /session/clinician
func (h *ConsoleHandler) SwitchClinician(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SwitchClinicianRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := s.SwitchClinician(r.Context(), req.ClinicianID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writeQueue(w, s)
}

// CloseSession handles DELETE /session
func (h *ConsoleHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Close(middleware.GetClinicianID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// QueueResponse is the sorted worklist with its summary
type QueueResponse struct {
	ClinicianID string           `json:"clinician_id"`
	Entries     []opd.QueueEntry `json:"entries"`
	Stats       queue.Stats      `json:"stats"`
	RefreshedAt *time.Time       `json:"refreshed_at,omitempty"`
	Stale       bool             `json:"stale"`
	LastError   string           `json:"last_error,omitempty"`
}

func (h *ConsoleHandler) writeQueue(w http.ResponseWriter, s *console.Session) {
	store := s.Queue()
	resp := QueueResponse{
		ClinicianID: store.ClinicianID(),
		Entries:     store.Sorted(),
		Stats:       store.Stats(),
	}
	if resp.Entries == nil {
		resp.Entries = []opd.QueueEntry{}
	}
	if at := store.RefreshedAt(); !at.IsZero() {
		resp.RefreshedAt = &at
	}
	if err := store.LastError(); err != nil {
		resp.Stale = true
		resp.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Queue handles GET /queue
func (h *ConsoleHandler) Queue(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeQueue(w, s)
}

// QueueStats handles GET /queue/stats
func (h *ConsoleHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Queue().Stats())
}

// RefreshQueue handles POST /queue/refresh
func (h *ConsoleHandler) RefreshQueue(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Queue().Refresh(r.Context()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writeQueue(w, s)
}

// SelectEntry handles POST /queue/{id}/select
func (h *ConsoleHandler) SelectEntry(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "select_entry")
	defer span.End()

	s, ok := h.session(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("entry_id", id))

	if entry, err := s.SelectEntry(ctx, id); err != nil {
		// a failed consultation lookup still returns the entry with a fresh draft
		if entry.ID == "" {
			writeError(w, h.logger, err)
			return
		}
		h.logger.Warn("entry selected with lookup failure",
			zap.String("entry_id", id),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
	}
	writeJSON(w, http.StatusOK, s.Drafts().Snapshot())
}

// AdvanceRequest is the body of a status change
type AdvanceRequest struct {
	Status string `json:"status"`
}

// AdvanceEntry handles POST /queue/{id}/status
func (h *ConsoleHandler) AdvanceEntry(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req AdvanceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	status, err := opd.ParseStatus(req.Status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Queue().Advance(r.Context(), id, status); err != nil {
		writeError(w, h.logger, err)
		return
	}
	entry, err := s.Queue().Select(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Consultation handles GET /consultation
func (h *ConsoleHandler) Consultation(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Drafts().Snapshot())
}

// UpdateConsultation handles PATCH /consultation
func (h *ConsoleHandler) UpdateConsultation(w http.ResponseWriter, r *http.Request) {
	h.edit(w, r, func(m *consultation.Manager) error {
		var p consultation.Patch
		if err := decode(r, &p); err != nil {
			return err
		}
		return m.Update(p)
	}, http.StatusOK)
}

// CloseConsultation handles DELETE /consultation
func (h *ConsoleHandler) CloseConsultation(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Deselect()
	w.WriteHeader(http.StatusNoContent)
}

// SaveConsultation handles POST /consultation/save
func (h *ConsoleHandler) SaveConsultation(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := s.Drafts().Save(r.Context()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Drafts().Snapshot())
}

// CompleteConsultation handles POST /consultation/complete
func (h *ConsoleHandler) CompleteConsultation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "complete_consultation_request")
	defer span.End()

	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Drafts().Complete(ctx); err != nil {
		span.RecordError(err)
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("consultation completed via console",
		zap.String("consultation_id", s.Drafts().ConsultationID()),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	writeJSON(w, http.StatusOK, s.Drafts().Snapshot())
}

// DiagnosisCodeRequest adds one code
type DiagnosisCodeRequest struct {
	Code string `json:"code"`
}

// AddDiagnosisCode handles POST /consultation/diagnosis-codes
func (h *ConsoleHandler) AddDiagnosisCode(w http.ResponseWriter, r *http.Request) {
	h.edit(w, r, func(m *consultation.Manager) error {
		var req DiagnosisCodeRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return m.AddDiagnosisCode(req.Code)
	}, http.StatusOK)
}

// RemoveDiagnosisCode handles DELETE /consultation/diagnosis-codes/{code}
func (h *ConsoleHandler) RemoveDiagnosisCode(w http.ResponseWriter, r *http.Request) {
	h.edit(w, r, func(m *consultation.Manager) error {
		return m.RemoveDiagnosisCode(chi.URLParam(r, "code"))
	}, http.StatusOK)
}

// AddPrescriptionLine handles POST /consultation/prescriptions
func (h *ConsoleHandler) AddPrescriptionLine(w http.ResponseWriter, r *http.Request) {
	h.edit(w, r, func(m *consultation.Manager) error {
		var line opd.PrescriptionLine
		if err := decode(r, &line); err != nil {
			return err
		}
		_, err := m.AddPrescriptionLine(line)
		return err
	}, http.StatusCreated)
}

// UpdatePrescriptionLine handles PUT /consultation/prescriptions/{id}
func (h *ConsoleHandler) UpdatePrescriptionLine(w http.ResponseWriter, r *http.Request) {
	h.edit(w, r, func(m *consultation.Manager) error {
		var line opd.PrescriptionLine
		if err := decode(r, &line); err != nil {
			return err
		}
		return m.UpdatePrescriptionLine(chi.URLParam(r, "id"), line)
	}, http.StatusOK)
}

// RemovePrescriptionLine handles DELETE /consultation/prescriptions/{id}
func (h *ConsoleHandler) RemovePrescriptionLine(w http.ResponseWriter, r *http.Request) {
	h.edit(w, r, func(m *consultation.Manager) error {
		return m.RemovePrescriptionLine(chi.URLParam(r, "id"))
	}, http.StatusOK)
}

// edit applies fn to the open draft and responds with the resulting snapshot
func (h *ConsoleHandler) edit(w http.ResponseWriter, r *http.Request, fn func(*consultation.Manager) error, status int) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := fn(s.Drafts()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, status, s.Drafts().Snapshot())
}

// SearchDrugs handles GET /drugs?q=&limit=
func (h *ConsoleHandler) SearchDrugs(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	drugs, err := s.SearchDrugs(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if drugs == nil {
		drugs = []opd.DrugSummary{}
	}
	writeJSON(w, http.StatusOK, drugs)
}
