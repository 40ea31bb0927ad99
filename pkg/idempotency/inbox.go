// Package idempotency provides deterministic request keys and a Postgres-backed
// inbox that runs a handler at most once per key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// DB is the subset of pgxpool.Pool the inbox needs
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Entry represents an inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Result    json.RawMessage
	UpdatedAt time.Time
}

// Config holds inbox configuration
type Config struct {
	// TTL is how long finished entries are kept
	TTL time.Duration
	// CleanupInterval is how often expired entries are deleted
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns defaults sized for once-per-day operations
func DefaultConfig() Config {
	return Config{
		TTL:             48 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

var (
	// ErrInProgress indicates another caller holds the key
	ErrInProgress = errors.New("idempotency: operation in progress")
	// ErrPreviouslyFailed indicates the key failed permanently before
	ErrPreviouslyFailed = errors.New("idempotency: operation previously failed")
)

type terminalError struct{ err error }

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

// Terminal marks err as permanent so the key is not retried
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal
func IsTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

// HandlerFunc produces the result stored under the key
type HandlerFunc func(ctx context.Context) (json.RawMessage, error)

// Result is the outcome of Process
type Result struct {
	// Replayed is true when the stored result of an earlier run was returned
	Replayed bool
	Output   json.RawMessage
}

// Inbox runs handlers at most once per key
type Inbox struct {
	db     DB
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over db
func NewInbox(db DB, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn unless key already finished, in which case the stored
// output is returned. Abandoned STARTED entries are taken over after
// RecoveryTimeout.
func (i *Inbox) Process(ctx context.Context, key, handler string, fn HandlerFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("replayed", true))
			return &Result{Replayed: true, Output: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("recover inbox entry: %w", err)
			}
			i.logger.Warn("taking over abandoned inbox entry", zap.String("handler", handler))
		}
	}

	if err := i.claim(ctx, key, handler); err != nil {
		return nil, err
	}

	out, runErr := fn(ctx)
	if runErr != nil {
		status := StatusRecoverable
		if IsTerminal(runErr) {
			status = StatusFailed
		}
		msg, _ := json.Marshal(map[string]string{"error": runErr.Error()})
		if err := i.setStatus(ctx, key, status, msg); err != nil {
			i.logger.Error("failed to record inbox failure", zap.Error(err))
		}
		span.RecordError(runErr)
		return nil, runErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, out); err != nil {
		// the handler's effect is committed; a replay will run it again
		i.logger.Error("failed to mark inbox entry finished", zap.String("handler", handler), zap.Error(err))
	}
	return &Result{Output: out}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	const query = `
		SELECT idempotency_key, handler_name, status, result, updated_at
		FROM opd_inbox
		WHERE idempotency_key = $1
	`
	e := &Entry{}
	if err := i.db.QueryRow(ctx, query, key).Scan(&e.Key, &e.Handler, &e.Status, &e.Result, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE one
func (i *Inbox) claim(ctx context.Context, key, handler string) error {
	const query = `
		INSERT INTO opd_inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE opd_inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`
	var returned string
	err := i.db.QueryRow(ctx, query, key, handler, StatusStarted, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInProgress
	}
	if err != nil {
		return fmt.Errorf("claim inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	const query = `
		UPDATE opd_inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := i.db.Exec(ctx, query, status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	tag, err := i.db.Exec(ctx, `DELETE FROM opd_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", tag.RowsAffected()))
	}
	return nil
}
