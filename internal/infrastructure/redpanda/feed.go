package redpanda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/opd"
)

// FeedConfig holds configuration for the queue-change feed
type FeedConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// Topic carries queue-change events keyed by clinician
	Topic string
	// FetchMaxWait bounds how long a fetch waits for new records
	FetchMaxWait time.Duration
}

// DefaultFeedConfig returns feed defaults
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        TopicQueueChanges,
		FetchMaxWait: 500 * time.Millisecond,
	}
}

// QueueChangeFeed fans queue-change records out to per-clinician subscribers.
// Every console process needs every change, so the feed reads the topic
// directly from its end instead of joining a consumer group.
type QueueChangeFeed struct {
	client *kgo.Client
	config FeedConfig
	logger *zap.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu   sync.RWMutex
	delivered int64
	errors    int64
}

// NewQueueChangeFeed creates a feed. Call Start to begin reading.
func NewQueueChangeFeed(cfg FeedConfig, logger *zap.Logger) (*QueueChangeFeed, error) {
	if cfg.Topic == "" {
		cfg.Topic = TopicQueueChanges
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	f := newFeed(cfg, logger)
	f.client = client
	return f, nil
}

func newFeed(cfg FeedConfig, logger *zap.Logger) *QueueChangeFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueChangeFeed{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("redpanda-queue-feed"),
		subs:   make(map[string]map[uint64]func()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers onChange for clinicianID until the subscription is cancelled
func (f *QueueChangeFeed) Subscribe(_ context.Context, clinicianID string, onChange func()) (opd.Subscription, error) {
	if clinicianID == "" {
		return nil, opd.Validation("subscribe_queue_changes", "clinician is required")
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	if f.subs[clinicianID] == nil {
		f.subs[clinicianID] = make(map[uint64]func())
	}
	f.subs[clinicianID][id] = onChange
	f.mu.Unlock()

	var once sync.Once
	return opd.SubscriptionFunc(func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[clinicianID], id)
			if len(f.subs[clinicianID]) == 0 {
				delete(f.subs, clinicianID)
			}
		})
	}), nil
}

// Start begins consuming
func (f *QueueChangeFeed) Start() {
	f.wg.Add(1)
	go f.consumeLoop()
	f.logger.Info("queue change feed started", zap.String("topic", f.config.Topic))
}

// Stop stops consuming and closes the client
func (f *QueueChangeFeed) Stop() {
	f.cancel()
	if f.client != nil {
		f.client.Close()
	}
	f.wg.Wait()
	f.logger.Info("queue change feed stopped")
}

func (f *QueueChangeFeed) consumeLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		fetches := f.client.PollFetches(f.ctx)
		if fetches.IsClientClosed() || f.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			f.logger.Warn("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			f.incrementErrors()
		})
		fetches.EachRecord(f.dispatch)
	}
}

// dispatch notifies the subscribers of the record's clinician. Subscribers are
// called outside the lock; a record for a clinician nobody watches is dropped.
func (f *QueueChangeFeed) dispatch(record *kgo.Record) {
	ctx := otel.GetTextMapPropagator().Extract(f.ctx, headerCarrier{record})
	_, span := f.tracer.Start(ctx, "queue_change",
		trace.WithAttributes(
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	clinicianID := clinicianOf(record)
	if clinicianID == "" {
		f.logger.Warn("queue change without clinician",
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset))
		f.incrementErrors()
		return
	}
	span.SetAttributes(attribute.String("clinician_id", clinicianID))

	f.mu.Lock()
	handlers := make([]func(), 0, len(f.subs[clinicianID]))
	for _, h := range f.subs[clinicianID] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h()
	}
	if len(handlers) > 0 {
		f.statsMu.Lock()
		f.delivered++
		f.statsMu.Unlock()
	}
}

// clinicianOf returns the record key, falling back to the decoded event
func clinicianOf(record *kgo.Record) string {
	if len(record.Key) > 0 {
		return string(record.Key)
	}
	event, err := opd.UnmarshalQueueChangedEvent(record.Value)
	if err != nil {
		return ""
	}
	return event.ClinicianID
}

// Subscribers returns the number of live subscriptions for clinicianID
func (f *QueueChangeFeed) Subscribers(clinicianID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[clinicianID])
}

// FeedStats holds feed statistics
type FeedStats struct {
	Delivered int64
	Errors    int64
}

// Stats returns current feed statistics
func (f *QueueChangeFeed) Stats() FeedStats {
	f.statsMu.RLock()
	defer f.statsMu.RUnlock()
	return FeedStats{Delivered: f.delivered, Errors: f.errors}
}

func (f *QueueChangeFeed) incrementErrors() {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	f.errors++
}
