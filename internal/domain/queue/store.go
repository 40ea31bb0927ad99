// Package queue holds a clinician's OPD worklist and keeps it converged with the
// persistence collaborator through a fixed-interval poll and push invalidation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/observability/metrics"
)

// Trigger identifies what caused a refresh
type Trigger string

const (
	TriggerInitial Trigger = "initial"
	TriggerPoll    Trigger = "poll"
	TriggerPush    Trigger = "push"
	TriggerAdvance Trigger = "advance"
	TriggerManual  Trigger = "manual"
)

// ErrNoClinician is returned when the store has no clinician context
var ErrNoClinician = opd.Validation("queue", "no clinician selected")

// Config holds store configuration
type Config struct {
	// PollInterval is the fixed refresh interval
	PollInterval time.Duration
	// RefreshTimeout bounds a single snapshot fetch
	RefreshTimeout time.Duration
}

// DefaultConfig returns the console defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:   15 * time.Second,
		RefreshTimeout: 10 * time.Second,
	}
}

// Store is the single authoritative snapshot holder for one clinician's worklist.
// Every trigger calls the same full-replace refresh, so the snapshot converges
// regardless of trigger order.
type Store struct {
	source  opd.QueueSource
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu          sync.RWMutex
	clinicianID string
	epoch       uint64
	entries     []opd.QueueEntry
	lastErr     error
	refreshedAt time.Time

	// lifecycle of the current clinician context
	cancel context.CancelFunc
	done   chan struct{}
	sub    opd.Subscription
}

// NewStore creates a store; call Start to bind it to a clinician
func NewStore(source opd.QueueSource, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultConfig().RefreshTimeout
	}
	return &Store{
		source:  source,
		config:  cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("queue-store"),
	}
}

// Start binds the store to a clinician: performs an initial refresh, starts the
// poll timer and subscribes to push invalidation. Any previous clinician context
// is torn down first. Refresh failures are reported through LastError; the poll
// keeps retrying.
func (s *Store) Start(ctx context.Context, clinicianID string) error {
	if clinicianID == "" {
		return ErrNoClinician
	}
	s.Stop()

	loopCtx, cancel := context.WithCancel(context.Background())
	kick := make(chan struct{}, 1)
	done := make(chan struct{})

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.clinicianID = clinicianID
	s.entries = nil
	s.lastErr = nil
	s.refreshedAt = time.Time{}
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	sub, err := s.source.SubscribeQueueChanges(ctx, clinicianID, func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		s.logger.Warn("push subscription failed, relying on poll",
			zap.String("clinician_id", clinicianID),
			zap.Error(err))
	} else {
		s.mu.Lock()
		if s.epoch == epoch {
			s.sub = sub
			sub = nil
		}
		s.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
	}

	_ = s.refresh(ctx, epoch, TriggerInitial)

	go s.loop(loopCtx, epoch, kick, done)

	s.logger.Info("queue store started",
		zap.String("clinician_id", clinicianID),
		zap.Duration("poll_interval", s.config.PollInterval))
	return nil
}

// SwitchClinician tears down the current context and starts a new one
func (s *Store) SwitchClinician(ctx context.Context, clinicianID string) error {
	return s.Start(ctx, clinicianID)
}

// Stop cancels the poll timer and the push subscription. In-flight refreshes
// resolve against a stale epoch and are discarded.
func (s *Store) Stop() {
	s.mu.Lock()
	cancel, done, sub := s.cancel, s.done, s.sub
	s.cancel, s.done, s.sub = nil, nil, nil
	if cancel != nil {
		s.epoch++
		s.clinicianID = ""
		s.entries = nil
	}
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if cancel != nil {
		cancel()
		<-done
		s.logger.Info("queue store stopped")
	}
}

// loop drives the poll and push triggers for one clinician context
func (s *Store) loop(ctx context.Context, epoch uint64, kick <-chan struct{}, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.refresh(ctx, epoch, TriggerPoll)
		case <-kick:
			_ = s.refresh(ctx, epoch, TriggerPush)
		}
	}
}

// Refresh fetches the full worklist and replaces the snapshot
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.RLock()
	epoch := s.epoch
	s.mu.RUnlock()
	return s.refresh(ctx, epoch, TriggerManual)
}

func (s *Store) refresh(ctx context.Context, epoch uint64, trigger Trigger) error {
	s.mu.RLock()
	clinicianID, current := s.clinicianID, s.epoch
	s.mu.RUnlock()

	if current != epoch {
		return nil
	}
	if clinicianID == "" {
		return ErrNoClinician
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RefreshTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "queue_refresh",
		trace.WithAttributes(
			attribute.String("clinician_id", clinicianID),
			attribute.String("trigger", string(trigger)),
		))
	defer span.End()

	entries, err := s.source.TodayQueueForClinician(ctx, clinicianID)
	s.metrics.ObserveRefresh(string(trigger), err)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.logger.Debug("discarding refresh for stale clinician context",
			zap.String("clinician_id", clinicianID))
		return nil
	}
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		span.RecordError(err)
		s.logger.Warn("queue refresh failed",
			zap.String("clinician_id", clinicianID),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
		return fmt.Errorf("refresh queue for %s: %w", clinicianID, err)
	}
	snapshot := make([]opd.QueueEntry, len(entries))
	copy(snapshot, entries)
	s.entries = snapshot
	s.lastErr = nil
	s.refreshedAt = time.Now()
	stats := ComputeStats(snapshot)
	s.mu.Unlock()

	s.metrics.SetQueueCounts(stats.byStatus())
	span.SetAttributes(attribute.Int("entries", stats.Total))
	s.logger.Debug("queue refreshed",
		zap.String("clinician_id", clinicianID),
		zap.String("trigger", string(trigger)),
		zap.Int("entries", stats.Total))
	return nil
}

// ClinicianID returns the current clinician, or "" when stopped
func (s *Store) ClinicianID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clinicianID
}

// Entries returns a copy of the snapshot in collaborator order
func (s *Store) Entries() []opd.QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]opd.QueueEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Sorted returns the display ordering of the snapshot
func (s *Store) Sorted() []opd.QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SortForDisplay(s.entries)
}

// Stats returns per-status counts of the snapshot
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ComputeStats(s.entries)
}

// LastError returns the error of the most recent failed refresh, cleared on success
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// RefreshedAt returns when the snapshot was last replaced
func (s *Store) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

// Select returns the entry with the given id from the snapshot
func (s *Store) Select(entryID string) (opd.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == entryID {
			return e, nil
		}
	}
	return opd.QueueEntry{}, opd.NotFound("select_entry", "queue entry", entryID)
}

// Advance moves an entry to target. The transition gate is consulted first and a
// rejected edge never reaches the collaborator. On success a refresh is forced
// instead of waiting for the push notification to propagate.
func (s *Store) Advance(ctx context.Context, entryID string, target opd.Status) error {
	entry, err := s.Select(entryID)
	if err != nil {
		s.metrics.ObserveAdvance(string(target), err)
		return err
	}

	if err := opd.CheckTransition(entry.Status, target); err != nil {
		s.metrics.ObserveAdvance(string(target), err)
		s.logger.Error("rejected queue transition",
			zap.String("entry_id", entryID),
			zap.String("from", string(entry.Status)),
			zap.String("to", string(target)))
		return err
	}

	if _, err := s.source.UpdateQueueStatus(ctx, entryID, target); err != nil {
		s.metrics.ObserveAdvance(string(target), err)
		s.logger.Error("queue status update failed",
			zap.String("entry_id", entryID),
			zap.String("to", string(target)),
			zap.Error(err))
		return fmt.Errorf("advance entry %s to %s: %w", entryID, target, err)
	}
	s.metrics.ObserveAdvance(string(target), nil)

	s.mu.RLock()
	epoch := s.epoch
	s.mu.RUnlock()
	if err := s.refresh(ctx, epoch, TriggerAdvance); err != nil && !errors.Is(err, ErrNoClinician) {
		// the status change is committed; the next poll or push converges the snapshot
		s.logger.Warn("refresh after advance failed", zap.String("entry_id", entryID), zap.Error(err))
	}

	s.logger.Info("queue entry advanced",
		zap.String("entry_id", entryID),
		zap.String("from", string(entry.Status)),
		zap.String("to", string(target)))
	return nil
}
