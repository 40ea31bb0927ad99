// Package console binds the worklist, the consultation draft and completion
// into one clinician's working session.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/consultation"
	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/domain/queue"
)

// ErrNoClinician is returned by operations that need a bound clinician
var ErrNoClinician = opd.Validation("console", "no clinician selected")

// Session is one clinician's console. The queue store and the draft manager
// keep their own state; the session sequences the operations that touch both.
type Session struct {
	queue  *queue.Store
	drafts *consultation.Manager
	drugs  opd.DrugCatalog
	logger *zap.Logger

	// mu serializes clinician switches and entry selection
	mu          sync.Mutex
	clinicianID string
}

// NewSession creates a session. drugs may be nil when search is not offered.
func NewSession(store *queue.Store, drafts *consultation.Manager, drugs opd.DrugCatalog, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		queue:  store,
		drafts: drafts,
		drugs:  drugs,
		logger: logger,
	}
}

// Queue returns the worklist store
func (s *Session) Queue() *queue.Store { return s.queue }

// Drafts returns the consultation draft manager
func (s *Session) Drafts() *consultation.Manager { return s.drafts }

// ClinicianID returns the bound clinician, or "" before SwitchClinician
func (s *Session) ClinicianID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clinicianID
}

// SwitchClinician discards the open draft and rebinds the worklist
func (s *Session) SwitchClinician(ctx context.Context, clinicianID string) error {
	if clinicianID == "" {
		return ErrNoClinician
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drafts.Close()
	if err := s.queue.SwitchClinician(ctx, clinicianID); err != nil {
		return err
	}
	s.clinicianID = clinicianID
	s.logger.Info("console bound to clinician", zap.String("clinician_id", clinicianID))
	return nil
}

// SelectEntry opens the consultation for a worklist entry. A WAITING or
// VITALS_DONE entry is first moved to IN_CONSULTATION; a COMPLETED entry opens
// its consultation read-only. A CANCELLED entry cannot be opened.
func (s *Session) SelectEntry(ctx context.Context, entryID string) (opd.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clinicianID == "" {
		return opd.QueueEntry{}, ErrNoClinician
	}

	entry, err := s.queue.Select(entryID)
	if err != nil {
		return opd.QueueEntry{}, err
	}

	switch entry.Status {
	case opd.StatusWaiting, opd.StatusVitalsDone:
		if err := s.queue.Advance(ctx, entryID, opd.StatusInConsultation); err != nil {
			return opd.QueueEntry{}, err
		}
		if refreshed, err := s.queue.Select(entryID); err == nil {
			entry = refreshed
		} else {
			entry.Status = opd.StatusInConsultation
		}
	case opd.StatusCancelled:
		return opd.QueueEntry{}, opd.CheckTransition(entry.Status, opd.StatusInConsultation)
	}

	pc := consultation.PatientContext{
		PatientID:    entry.Patient.ID,
		ClinicianID:  s.clinicianID,
		QueueEntryID: entry.ID,
	}
	if err := s.drafts.Open(ctx, pc); err != nil {
		// the draft stays usable on a lookup failure; report it to the caller
		if errors.Is(err, opd.ErrValidation) {
			return opd.QueueEntry{}, err
		}
		s.logger.Warn("consultation lookup failed, starting a fresh draft",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		return entry, fmt.Errorf("open consultation: %w", err)
	}

	s.logger.Info("queue entry selected",
		zap.String("entry_id", entry.ID),
		zap.String("status", string(entry.Status)),
		zap.String("draft_state", string(s.drafts.State())))
	return entry, nil
}

// Deselect closes the open consultation without changing the queue
func (s *Session) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts.Close()
}

// SearchDrugs returns prescription suggestions for query
func (s *Session) SearchDrugs(ctx context.Context, query string, limit int) ([]opd.DrugSummary, error) {
	if s.drugs == nil {
		return nil, nil
	}
	return s.drugs.SearchDrugs(ctx, query, limit)
}

// Close releases the draft and stops the worklist
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts.Close()
	s.queue.Stop()
	s.clinicianID = ""
}
