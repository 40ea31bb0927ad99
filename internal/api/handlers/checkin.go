package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/infrastructure/postgres"
)

// CheckInService adds patients to a clinician's queue
type CheckInService interface {
	CheckIn(ctx context.Context, req postgres.CheckInRequest) (opd.QueueEntry, error)
}

// CheckInHandler serves front-desk check-ins
type CheckInHandler struct {
	service CheckInService
	logger  *zap.Logger
}

// NewCheckInHandler creates a handler
func NewCheckInHandler(service CheckInService, logger *zap.Logger) *CheckInHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckInHandler{service: service, logger: logger}
}

// Routes returns the handler routes
func (h *CheckInHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CheckIn)
	return r
}

// CheckIn handles POST /checkins. Repeating a check-in on the same day returns
// the original entry.
func (h *CheckInHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req postgres.CheckInRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	entry, err := h.service.CheckIn(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("patient checked in",
		zap.String("entry_id", entry.ID),
		zap.Int("queue_no", entry.QueueNo),
		zap.String("clinician_id", entry.ClinicianID))
	writeJSON(w, http.StatusCreated, entry)
}
