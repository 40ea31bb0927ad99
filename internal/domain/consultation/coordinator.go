package consultation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/observability/metrics"
)

// Step is one stage of the completion pipeline
type Step int

const (
	StepNone Step = iota
	StepSave
	StepPrescriptions
	StepComplete
	StepAdvanceQueue
)

func (s Step) String() string {
	switch s {
	case StepSave:
		return "save"
	case StepPrescriptions:
		return "prescriptions"
	case StepComplete:
		return "complete"
	case StepAdvanceQueue:
		return "advance-queue"
	default:
		return "none"
	}
}

// Progress is the resume marker of a completion attempt. The pipeline is not
// atomic: committed steps are never rolled back, and a retry resumes after the
// last committed step.
type Progress struct {
	// LastStep is the highest step committed so far
	LastStep Step `json:"last_step"`
	// LinesKey fingerprints the prescription batch last committed
	LinesKey string `json:"lines_key,omitempty"`
}

// QueueAdvancer moves a queue entry through the transition gate
type QueueAdvancer interface {
	Select(entryID string) (opd.QueueEntry, error)
	Advance(ctx context.Context, entryID string, target opd.Status) error
}

// Request is the input of one completion attempt
type Request struct {
	Patient        PatientContext
	ConsultationID string
	Draft          Draft
	Progress       Progress
}

// Result reports how far a completion attempt got
type Result struct {
	Consultation   opd.Consultation
	ConsultationID string
	Progress       Progress
	// FailedStep is StepNone on success
	FailedStep Step
}

// Coordinator runs the ordered completion pipeline:
// save, prescriptions, complete, advance-queue.
type Coordinator struct {
	store   opd.ConsultationStore
	queue   QueueAdvancer
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewCoordinator creates a coordinator. queue may be nil, in which case the
// advance-queue step is skipped.
func NewCoordinator(store opd.ConsultationStore, queue QueueAdvancer, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:   store,
		queue:   queue,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("completion-coordinator"),
	}
}

// Run validates the draft and executes the remaining steps. A validation
// failure returns before any collaborator call. On failure the returned
// Result carries the identity and progress committed so far.
func (c *Coordinator) Run(ctx context.Context, req Request) (Result, error) {
	res := Result{ConsultationID: req.ConsultationID, Progress: req.Progress}

	if err := req.Draft.validateForCompletion(); err != nil {
		c.metrics.ObserveCompletion("", err)
		return res, err
	}

	ctx, span := c.tracer.Start(ctx, "complete_consultation",
		trace.WithAttributes(
			attribute.String("queue_entry_id", req.Patient.QueueEntryID),
			attribute.String("consultation_id", req.ConsultationID),
			attribute.String("resume_after", req.Progress.LastStep.String()),
		))
	defer span.End()

	steps := []struct {
		step Step
		run  func(context.Context, *Result) (bool, error)
	}{
		{StepSave, func(ctx context.Context, res *Result) (bool, error) {
			return true, c.save(ctx, req, res)
		}},
		{StepPrescriptions, func(ctx context.Context, res *Result) (bool, error) {
			return c.savePrescriptions(ctx, req, res)
		}},
		{StepComplete, func(ctx context.Context, res *Result) (bool, error) {
			if res.Progress.LastStep >= StepComplete {
				return false, nil
			}
			return true, c.store.CompleteConsultation(ctx, res.ConsultationID, req.Patient.QueueEntryID)
		}},
		{StepAdvanceQueue, func(ctx context.Context, res *Result) (bool, error) {
			return c.advanceQueue(ctx, req, res)
		}},
	}

	for _, s := range steps {
		ran, err := c.runStep(ctx, s.step, &res, s.run)
		if err != nil {
			res.FailedStep = s.step
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.metrics.ObserveCompletion(s.step.String(), err)
			c.logger.Error("completion step failed",
				zap.String("step", s.step.String()),
				zap.String("queue_entry_id", req.Patient.QueueEntryID),
				zap.String("consultation_id", res.ConsultationID),
				zap.String("last_committed", res.Progress.LastStep.String()),
				zap.Error(err))
			return res, fmt.Errorf("completion step %s: %w", s.step, err)
		}
		if !ran {
			c.logger.Debug("completion step skipped",
				zap.String("step", s.step.String()),
				zap.String("consultation_id", res.ConsultationID))
		}
		if res.Progress.LastStep < s.step {
			res.Progress.LastStep = s.step
		}
	}

	c.metrics.ObserveCompletion("", nil)
	c.logger.Info("consultation completed",
		zap.String("consultation_id", res.ConsultationID),
		zap.String("queue_entry_id", req.Patient.QueueEntryID))
	return res, nil
}

func (c *Coordinator) runStep(ctx context.Context, step Step, res *Result, fn func(context.Context, *Result) (bool, error)) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "completion_step",
		trace.WithAttributes(attribute.String("step", step.String())))
	defer span.End()

	ran, err := fn(ctx, res)
	span.SetAttributes(attribute.Bool("skipped", !ran))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ran, err
}

// save always runs: create when no identity exists, otherwise update to capture
// last-moment edits.
func (c *Coordinator) save(ctx context.Context, req Request, res *Result) error {
	data := req.Draft.toData(req.Patient, explicitPolicy)
	if res.ConsultationID == "" {
		cons, err := createOrAdopt(ctx, c.store, c.logger, data)
		c.metrics.ObserveSave("create", err)
		if err != nil {
			return err
		}
		res.Consultation = cons
		res.ConsultationID = cons.ID
		return nil
	}
	cons, err := c.store.UpdateConsultation(ctx, res.ConsultationID, data)
	c.metrics.ObserveSave("update", err)
	if err != nil {
		return err
	}
	res.Consultation = cons
	return nil
}

// createOrAdopt creates the consultation for data's queue entry. A conflict
// means an earlier create committed without its response reaching us, so the
// existing record is looked up and updated instead. When the lookup fails the
// original conflict is returned.
func createOrAdopt(ctx context.Context, store opd.ConsultationStore, logger *zap.Logger, data opd.ConsultationData) (opd.Consultation, error) {
	cons, err := store.CreateConsultation(ctx, data)
	if !errors.Is(err, opd.ErrConflict) {
		return cons, err
	}
	existing, lookupErr := store.ConsultationByQueueEntry(ctx, data.QueueEntryID)
	if lookupErr != nil || existing.ID == "" {
		return opd.Consultation{}, err
	}
	logger.Warn("adopting existing consultation after create conflict",
		zap.String("consultation_id", existing.ID),
		zap.String("queue_entry_id", data.QueueEntryID))
	return store.UpdateConsultation(ctx, existing.ID, data)
}

// savePrescriptions submits the line batch unless it is empty or identical to
// the batch already committed for this consultation.
func (c *Coordinator) savePrescriptions(ctx context.Context, req Request, res *Result) (bool, error) {
	lines := req.Draft.PrescriptionLines
	if len(lines) == 0 {
		return false, nil
	}
	key := opd.PrescriptionBatchKey(res.ConsultationID, req.Patient.PatientID, lines)
	if key == res.Progress.LinesKey {
		return false, nil
	}
	if err := c.store.SavePrescriptionLines(ctx, res.ConsultationID, req.Patient.PatientID, lines); err != nil {
		return true, err
	}
	res.Progress.LinesKey = key
	return true, nil
}

func (c *Coordinator) advanceQueue(ctx context.Context, req Request, res *Result) (bool, error) {
	entryID := req.Patient.QueueEntryID
	if c.queue == nil || entryID == "" || res.Progress.LastStep >= StepAdvanceQueue {
		return false, nil
	}
	entry, err := c.queue.Select(entryID)
	if err == nil && entry.Status == opd.StatusCompleted {
		return false, nil
	}
	if err != nil && !errors.Is(err, opd.ErrNotFound) {
		return false, err
	}
	return true, c.queue.Advance(ctx, entryID, opd.StatusCompleted)
}
