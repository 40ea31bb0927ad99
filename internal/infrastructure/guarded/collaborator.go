// Package guarded decorates an opd.Collaborator with circuit breakers and
// call latency metrics.
package guarded

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/observability/metrics"
	"github.com/drfirst/go-opd/pkg/circuitbreaker"
)

// Breaker names, one per collaborator concern
const (
	BreakerQueue        = "queue"
	BreakerConsultation = "consultation"
	BreakerDrugs        = "drugs"
)

// Collaborator wraps every call of the inner collaborator in the breaker for
// its concern. Only network errors count as breaker failures; a rejected call
// surfaces as an opd network error.
type Collaborator struct {
	inner        opd.Collaborator
	queue        *circuitbreaker.CircuitBreaker
	consultation *circuitbreaker.CircuitBreaker
	drugs        *circuitbreaker.CircuitBreaker
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

var _ opd.Collaborator = (*Collaborator)(nil)

// New creates the guarded collaborator, registering its breakers in reg
func New(inner opd.Collaborator, reg *circuitbreaker.Registry, base circuitbreaker.Config, m *metrics.Metrics, logger *zap.Logger) (*Collaborator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base.IsFailure = opd.IsTransient
	base.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}

	g := &Collaborator{inner: inner, metrics: m, logger: logger}
	for name, dst := range map[string]**circuitbreaker.CircuitBreaker{
		BreakerQueue:        &g.queue,
		BreakerConsultation: &g.consultation,
		BreakerDrugs:        &g.drugs,
	} {
		cb, err := reg.GetOrCreate(name, base)
		if err != nil {
			return nil, fmt.Errorf("create %s breaker: %w", name, err)
		}
		m.SetBreakerState(name, cb.GetState().Gauge())
		*dst = cb
	}
	return g, nil
}

func call[T any](ctx context.Context, g *Collaborator, cb *circuitbreaker.CircuitBreaker, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	started := time.Now()
	out, err := circuitbreaker.Do(ctx, cb, fn)
	g.metrics.ObserveCall(op, started)
	if err != nil && circuitbreaker.IsRejected(err) {
		g.logger.Warn("collaborator call rejected by open circuit",
			zap.String("operation", op),
			zap.String("breaker", cb.Name()))
		return out, opd.Network(op, err)
	}
	return out, err
}

func (g *Collaborator) TodayQueueForClinician(ctx context.Context, clinicianID string) ([]opd.QueueEntry, error) {
	return call(ctx, g, g.queue, "today_queue", func(ctx context.Context) ([]opd.QueueEntry, error) {
		return g.inner.TodayQueueForClinician(ctx, clinicianID)
	})
}

func (g *Collaborator) UpdateQueueStatus(ctx context.Context, entryID string, status opd.Status) (opd.QueueEntry, error) {
	return call(ctx, g, g.queue, "update_queue_status", func(ctx context.Context) (opd.QueueEntry, error) {
		return g.inner.UpdateQueueStatus(ctx, entryID, status)
	})
}

func (g *Collaborator) SubscribeQueueChanges(ctx context.Context, clinicianID string, onChange func()) (opd.Subscription, error) {
	return call(ctx, g, g.queue, "subscribe_queue_changes", func(ctx context.Context) (opd.Subscription, error) {
		return g.inner.SubscribeQueueChanges(ctx, clinicianID, onChange)
	})
}

func (g *Collaborator) ConsultationByQueueEntry(ctx context.Context, entryID string) (opd.Consultation, error) {
	return call(ctx, g, g.consultation, "consultation_by_queue_entry", func(ctx context.Context) (opd.Consultation, error) {
		return g.inner.ConsultationByQueueEntry(ctx, entryID)
	})
}

func (g *Collaborator) CreateConsultation(ctx context.Context, data opd.ConsultationData) (opd.Consultation, error) {
	return call(ctx, g, g.consultation, "create_consultation", func(ctx context.Context) (opd.Consultation, error) {
		return g.inner.CreateConsultation(ctx, data)
	})
}

func (g *Collaborator) UpdateConsultation(ctx context.Context, id string, data opd.ConsultationData) (opd.Consultation, error) {
	return call(ctx, g, g.consultation, "update_consultation", func(ctx context.Context) (opd.Consultation, error) {
		return g.inner.UpdateConsultation(ctx, id, data)
	})
}

func (g *Collaborator) SavePrescriptionLines(ctx context.Context, consultationID, patientID string, lines []opd.PrescriptionLine) error {
	_, err := call(ctx, g, g.consultation, "save_prescription_lines", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.SavePrescriptionLines(ctx, consultationID, patientID, lines)
	})
	return err
}

func (g *Collaborator) CompleteConsultation(ctx context.Context, consultationID, entryID string) error {
	_, err := call(ctx, g, g.consultation, "complete_consultation", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CompleteConsultation(ctx, consultationID, entryID)
	})
	return err
}

func (g *Collaborator) SearchDrugs(ctx context.Context, query string, limit int) ([]opd.DrugSummary, error) {
	return call(ctx, g, g.drugs, "search_drugs", func(ctx context.Context) ([]opd.DrugSummary, error) {
		return g.inner.SearchDrugs(ctx, query, limit)
	})
}
