package config

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap/zapcore"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if c.Database.URL == "" {
		return errors.New("database.url must be set (or DATABASE_URL)")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must list at least one broker (or KAFKA_BROKERS)")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("clinic.timezone: %w", err)
	}
	if c.Clinic.DrugSearchLimit <= 0 {
		return errors.New("clinic.drug_search_limit must be positive")
	}
	if err := c.validateTimings(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.New("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateServer() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("server.port %q is not a valid port", c.Server.Port)
	}
	for key, clinician := range c.Server.APIKeys {
		if key == "" || clinician == "" {
			return errors.New("server.api_keys entries need a key and a clinician")
		}
	}
	return nil
}

func (c *Config) validateTimings() error {
	if c.Queue.PollIntervalSeconds <= 0 {
		return errors.New("queue.poll_interval_seconds must be positive")
	}
	if c.Queue.RefreshTimeoutSeconds <= 0 {
		return errors.New("queue.refresh_timeout_seconds must be positive")
	}
	if c.Consultation.AutosaveDelayMS <= 0 {
		return errors.New("consultation.autosave_delay_ms must be positive")
	}
	if c.Consultation.AutosaveTimeoutSeconds <= 0 {
		return errors.New("consultation.autosave_timeout_seconds must be positive")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollIntervalMS <= 0 || c.Outbox.MaxRetries <= 0 {
		return errors.New("outbox batch_size, poll_interval_ms and max_retries must be positive")
	}
	return nil
}

func (c *Config) validateBreaker() error {
	if c.Breaker.FailureThreshold == 0 {
		return errors.New("breaker.failure_threshold must be positive")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return errors.New("breaker.failure_ratio must be in (0, 1]")
	}
	if c.Breaker.OpenTimeoutSeconds <= 0 {
		return errors.New("breaker.open_timeout_seconds must be positive")
	}
	return nil
}
