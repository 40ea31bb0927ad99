package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/clock"
	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/observability/metrics"
)

// State is the lifecycle state of the current consultation
type State string

const (
	StateIdle       State = "idle"
	StateDrafting   State = "drafting"
	StateSaving     State = "saving"
	StateSaved      State = "saved"
	StateCompleting State = "completing"
	StateCompleted  State = "completed"
)

var (
	// ErrNoPatient is returned when no patient context is open
	ErrNoPatient = opd.Validation("consultation", "no patient context open")
	// ErrAlreadyCompleted is returned for edits after completion
	ErrAlreadyCompleted = opd.Validation("consultation", "consultation already completed")
	// ErrBusy is returned when an explicit save or completion is already running
	ErrBusy = opd.Conflict("consultation", "a save or completion is already in progress", nil)
	// ErrNotReady is returned while the existing consultation is still being looked up
	ErrNotReady = opd.Conflict("consultation", "consultation is still loading", nil)
)

// PatientContext associates the draft with a patient, clinician and queue entry
type PatientContext struct {
	PatientID    string `json:"patient_id"`
	ClinicianID  string `json:"clinician_id"`
	QueueEntryID string `json:"queue_entry_id"`
}

// Config holds manager configuration
type Config struct {
	// AutosaveDelay is the debounce window after the last edit
	AutosaveDelay time.Duration
	// AutosaveTimeout bounds a single background autosave
	AutosaveTimeout time.Duration
}

// DefaultConfig returns the console defaults
func DefaultConfig() Config {
	return Config{
		AutosaveDelay:   3000 * time.Millisecond,
		AutosaveTimeout: 15 * time.Second,
	}
}

// View is a point-in-time copy of the manager's visible state
type View struct {
	State          State          `json:"state"`
	Patient        PatientContext `json:"patient"`
	ConsultationID string         `json:"consultation_id,omitempty"`
	Draft          Draft          `json:"draft"`
	LastSaved      *time.Time     `json:"last_saved,omitempty"`
	Progress       Progress       `json:"progress"`
}

// Manager owns the draft of the currently selected queue entry. The mutex is
// never held across collaborator calls; results that resolve after the patient
// context changed are discarded by comparing epochs.
type Manager struct {
	store       opd.ConsultationStore
	coordinator *Coordinator
	clock       clock.Clock
	config      Config
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu             sync.Mutex
	epoch          uint64
	open           bool
	patient        PatientContext
	state          State
	draft          Draft
	revision       uint64
	consultationID string
	lastSaved      time.Time
	progress       Progress
	busy           bool
	autosaving     bool

	pending    clock.Timer
	timerToken uint64
}

// NewManager creates a manager. A nil clock uses wall time.
func NewManager(store opd.ConsultationStore, coordinator *Coordinator, clk clock.Clock, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.AutosaveDelay <= 0 {
		cfg.AutosaveDelay = DefaultConfig().AutosaveDelay
	}
	if cfg.AutosaveTimeout <= 0 {
		cfg.AutosaveTimeout = DefaultConfig().AutosaveTimeout
	}
	return &Manager{
		store:       store,
		coordinator: coordinator,
		clock:       clk,
		config:      cfg,
		logger:      logger,
		metrics:     m,
		state:       StateIdle,
	}
}

// Open resets the manager to an empty draft for pc and looks up an existing
// consultation for the queue entry. Found: the draft is hydrated and the state
// becomes saved. Not found: drafting. Edits made while the lookup is in flight
// are kept.
func (m *Manager) Open(ctx context.Context, pc PatientContext) error {
	if pc.PatientID == "" || pc.QueueEntryID == "" {
		return opd.Validation("open_consultation", "patient and queue entry are required")
	}

	m.mu.Lock()
	m.resetLocked()
	m.open = true
	m.patient = pc
	epoch := m.epoch
	m.mu.Unlock()

	cons, err := m.store.ConsultationByQueueEntry(ctx, pc.QueueEntryID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		m.logger.Debug("discarding consultation lookup for a closed context",
			zap.String("queue_entry_id", pc.QueueEntryID))
		return nil
	}

	if err != nil {
		if m.state == StateIdle {
			m.state = StateDrafting
		}
		if errors.Is(err, opd.ErrNotFound) {
			return nil
		}
		m.logger.Warn("consultation lookup failed",
			zap.String("queue_entry_id", pc.QueueEntryID),
			zap.Error(err))
		return fmt.Errorf("load consultation for entry %s: %w", pc.QueueEntryID, err)
	}

	m.consultationID = cons.ID
	m.lastSaved = cons.UpdatedAt
	if cons.CompletedAt != nil {
		m.draft = draftFromConsultation(cons)
		m.stopTimerLocked()
		m.state = StateCompleted
		m.progress = Progress{LastStep: StepComplete}
		return nil
	}
	if m.revision > 0 {
		// keep the user's edits; the next save writes them to the adopted identity
		m.logger.Debug("adopting existing consultation without hydrating edited draft",
			zap.String("consultation_id", cons.ID))
		return nil
	}
	m.draft = draftFromConsultation(cons)
	m.state = StateSaved

	m.logger.Debug("consultation hydrated",
		zap.String("consultation_id", cons.ID),
		zap.String("queue_entry_id", pc.QueueEntryID))
	return nil
}

// Close cancels any pending autosave and discards the in-memory draft.
// Persisted data is kept by the collaborator.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Manager) resetLocked() {
	m.stopTimerLocked()
	m.epoch++
	m.open = false
	m.patient = PatientContext{}
	m.state = StateIdle
	m.draft = Draft{}
	m.revision = 0
	m.consultationID = ""
	m.lastSaved = time.Time{}
	m.progress = Progress{}
	m.busy = false
	m.autosaving = false
}

// Update merges p into the draft and re-arms the autosave timer
func (m *Manager) Update(p Patch) error {
	return m.edit(func(d *Draft) error {
		d.apply(p)
		return nil
	})
}

// AddDiagnosisCode appends a code if it is not already present
func (m *Manager) AddDiagnosisCode(code string) error {
	return m.edit(func(d *Draft) error {
		if strings.TrimSpace(code) == "" {
			return opd.Validation("add_diagnosis_code", "code is required")
		}
		d.addCode(code)
		return nil
	})
}

// RemoveDiagnosisCode removes a code
func (m *Manager) RemoveDiagnosisCode(code string) error {
	return m.edit(func(d *Draft) error {
		if !d.removeCode(code) {
			return opd.NotFound("remove_diagnosis_code", "diagnosis code", code)
		}
		return nil
	})
}

// AddPrescriptionLine appends a line and returns it with its assigned identity
func (m *Manager) AddPrescriptionLine(line opd.PrescriptionLine) (opd.PrescriptionLine, error) {
	var added opd.PrescriptionLine
	err := m.edit(func(d *Draft) error {
		if line.ID != "" && d.lineIndex(line.ID) >= 0 {
			return opd.Conflict("add_prescription_line", "line "+line.ID+" already exists", nil)
		}
		added = d.addLine(line)
		return nil
	})
	return added, err
}

// UpdatePrescriptionLine replaces the line with the given identity
func (m *Manager) UpdatePrescriptionLine(id string, line opd.PrescriptionLine) error {
	return m.edit(func(d *Draft) error {
		i := d.lineIndex(id)
		if i < 0 {
			return opd.NotFound("update_prescription_line", "prescription line", id)
		}
		line.ID = id
		d.PrescriptionLines[i] = line
		return nil
	})
}

// RemovePrescriptionLine removes the line with the given identity
func (m *Manager) RemovePrescriptionLine(id string) error {
	return m.edit(func(d *Draft) error {
		i := d.lineIndex(id)
		if i < 0 {
			return opd.NotFound("remove_prescription_line", "prescription line", id)
		}
		d.PrescriptionLines = append(d.PrescriptionLines[:i:i], d.PrescriptionLines[i+1:]...)
		return nil
	})
}

func (m *Manager) edit(fn func(d *Draft) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrNoPatient
	}
	if m.state == StateCompleted {
		return ErrAlreadyCompleted
	}
	if m.state == StateCompleting {
		return ErrBusy
	}
	if err := fn(&m.draft); err != nil {
		return err
	}
	m.revision++
	if m.state == StateIdle || m.state == StateSaved {
		m.state = StateDrafting
	}
	m.armTimerLocked()
	return nil
}

// armTimerLocked cancels any pending autosave and schedules a new one
func (m *Manager) armTimerLocked() {
	m.stopTimerLocked()
	m.timerToken++
	epoch, token := m.epoch, m.timerToken
	m.pending = m.clock.AfterFunc(m.config.AutosaveDelay, func() {
		m.autosave(epoch, token)
	})
}

func (m *Manager) stopTimerLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.timerToken++
}

// autosave writes the latest draft to an existing consultation. It never
// creates a record, and failures only reach the log and metrics.
func (m *Manager) autosave(epoch, token uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.timerToken != token {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	if m.consultationID == "" {
		m.mu.Unlock()
		m.logger.Debug("autosave skipped, no consultation yet")
		return
	}
	if m.state == StateCompleting || m.state == StateCompleted {
		m.mu.Unlock()
		return
	}
	if m.busy || m.autosaving {
		// another write is in flight; try again after it settles
		m.armTimerLocked()
		m.mu.Unlock()
		return
	}
	m.autosaving = true
	id := m.consultationID
	data := m.draft.toData(m.patient, autosavePolicy)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.AutosaveTimeout)
	defer cancel()

	_, err := m.store.UpdateConsultation(ctx, id, data)
	m.metrics.ObserveAutosave(err)
	if err != nil {
		m.logger.Warn("autosave failed",
			zap.String("consultation_id", id),
			zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return
	}
	m.autosaving = false
	if err == nil && m.consultationID == id {
		m.lastSaved = m.clock.Now()
	}
}

// Save is the explicit save: create the consultation when none exists,
// otherwise update it. On failure the state reverts to drafting.
func (m *Manager) Save(ctx context.Context) (opd.Consultation, error) {
	m.mu.Lock()
	if err := m.beginLocked(); err != nil {
		m.mu.Unlock()
		return opd.Consultation{}, err
	}
	m.stopTimerLocked()
	m.busy = true
	m.state = StateSaving
	epoch, revision, id := m.epoch, m.revision, m.consultationID
	data := m.draft.toData(m.patient, explicitPolicy)
	m.mu.Unlock()

	var (
		cons opd.Consultation
		err  error
		path = "update"
	)
	if id == "" {
		path = "create"
		cons, err = createOrAdopt(ctx, m.store, m.logger, data)
	} else {
		cons, err = m.store.UpdateConsultation(ctx, id, data)
	}
	m.metrics.ObserveSave(path, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return cons, err
	}
	m.busy = false
	if err != nil {
		m.state = StateDrafting
		m.logger.Error("consultation save failed",
			zap.String("queue_entry_id", m.patient.QueueEntryID),
			zap.String("path", path),
			zap.Error(err))
		return opd.Consultation{}, fmt.Errorf("save consultation: %w", err)
	}

	m.consultationID = cons.ID
	m.lastSaved = m.clock.Now()
	if m.revision == revision {
		m.state = StateSaved
	} else {
		m.state = StateDrafting
	}
	m.logger.Info("consultation saved",
		zap.String("consultation_id", cons.ID),
		zap.String("path", path))
	return cons, nil
}

// Complete runs the completion pipeline. On failure the state reverts to saved
// when a consultation identity exists and the resume marker is kept for the
// next attempt. A failure before any consultation was created returns the
// state to drafting, not saved, since there is nothing on the server yet.
func (m *Manager) Complete(ctx context.Context) error {
	m.mu.Lock()
	if m.open && m.state == StateCompleted {
		m.mu.Unlock()
		return nil
	}
	if err := m.beginLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.stopTimerLocked()
	prev := m.state
	m.busy = true
	m.state = StateCompleting
	epoch := m.epoch
	req := Request{
		Patient:        m.patient,
		ConsultationID: m.consultationID,
		Draft:          m.draft.Clone(),
		Progress:       m.progress,
	}
	m.mu.Unlock()

	res, err := m.coordinator.Run(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return err
	}
	m.busy = false
	m.progress = res.Progress
	if res.Consultation.ID != "" {
		m.lastSaved = m.clock.Now()
	}
	if res.ConsultationID != "" {
		m.consultationID = res.ConsultationID
	}
	if err != nil {
		switch {
		case errors.Is(err, opd.ErrValidation) && res.FailedStep == StepNone:
			m.state = prev
		case m.consultationID != "":
			m.state = StateSaved
		default:
			m.state = StateDrafting
		}
		return err
	}
	m.state = StateCompleted
	return nil
}

func (m *Manager) beginLocked() error {
	switch {
	case !m.open:
		return ErrNoPatient
	case m.state == StateCompleted:
		return ErrAlreadyCompleted
	case m.busy:
		return ErrBusy
	case m.state == StateIdle:
		return ErrNotReady
	}
	return nil
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Draft returns a copy of the draft
func (m *Manager) Draft() Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft.Clone()
}

// ConsultationID returns the persisted identity, or "" before the first save
func (m *Manager) ConsultationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consultationID
}

// LastSaved returns when the draft was last persisted
func (m *Manager) LastSaved() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSaved
}

// Patient returns the open patient context
func (m *Manager) Patient() (PatientContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patient, m.open
}

// Snapshot returns the visible state in one consistent read
func (m *Manager) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := View{
		State:          m.state,
		Patient:        m.patient,
		ConsultationID: m.consultationID,
		Draft:          m.draft.Clone(),
		Progress:       m.progress,
	}
	if !m.lastSaved.IsZero() {
		t := m.lastSaved
		v.LastSaved = &t
	}
	return v
}
