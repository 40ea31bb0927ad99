// Package redpanda carries queue-change notifications over Redpanda with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the OPD services
const (
	TopicQueueChanges = "opd.queue.changes"
	TopicDeadLetter   = "opd.dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// Topics names the topics a deployment uses
type Topics struct {
	QueueChanges string
	DeadLetter   string
}

// DefaultTopics returns the standard topic names
func DefaultTopics() Topics {
	return Topics{QueueChanges: TopicQueueChanges, DeadLetter: TopicDeadLetter}
}

// Configs returns the layout for t. Queue changes are keyed by clinician and
// only matter for the current clinic day, so retention is one day; dead
// letters are kept for a week of manual inspection.
func (t Topics) Configs() []TopicConfig {
	ptr := func(s string) *string { return &s }
	retain := func(ms string) map[string]*string {
		return map[string]*string{
			"retention.ms":     ptr(ms),
			"cleanup.policy":   ptr("delete"),
			"compression.type": ptr("lz4"),
		}
	}

	return []TopicConfig{
		// partitions bound the number of clinicians whose changes relay in parallel
		{Name: t.QueueChanges, Partitions: 6, ReplicationFactor: 1, Configs: retain("86400000")},
		{Name: t.DeadLetter, Partitions: 1, ReplicationFactor: 1, Configs: retain("604800000")},
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the specified topics, leaving existing ones untouched
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates any of t's topics that do not exist yet
func (a *Admin) EnsureTopics(ctx context.Context, t Topics) error {
	if t.QueueChanges == "" || t.DeadLetter == "" {
		return errors.New("queue-change and dead-letter topic names are required")
	}
	return a.CreateTopics(ctx, t.Configs())
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
