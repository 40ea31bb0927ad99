package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/pkg/idempotency"
)

// CheckInRequest adds a patient to a clinician's queue for today
type CheckInRequest struct {
	ClinicianID string               `json:"clinician_id"`
	PatientID   string               `json:"patient_id"`
	Mode        opd.ConsultationMode `json:"consultation_mode,omitempty"`
	Priority    bool                 `json:"priority"`
	Notes       string               `json:"notes,omitempty"`
}

type checkInResult struct {
	EntryID string `json:"entry_id"`
}

// CheckIn assigns the next queue number for the clinician's day and inserts a
// WAITING entry. Repeating a check-in of the same patient with the same
// clinician on the same day returns the existing entry.
func (r *Repository) CheckIn(ctx context.Context, req CheckInRequest) (opd.QueueEntry, error) {
	const op = "check_in"
	if req.ClinicianID == "" || req.PatientID == "" {
		return opd.QueueEntry{}, opd.Validation(op, "clinician and patient are required")
	}
	if req.Mode == "" {
		req.Mode = opd.ModePhysical
	}
	if req.Mode != opd.ModePhysical && req.Mode != opd.ModeVideo {
		return opd.QueueEntry{}, opd.Validation(op, "unknown consultation mode "+string(req.Mode))
	}

	if r.inbox == nil {
		id, err := r.insertQueueEntry(ctx, req)
		if err != nil {
			return opd.QueueEntry{}, err
		}
		return r.queueEntry(ctx, id)
	}

	key := idempotency.DayKey(r.now(), r.config.Location, req.ClinicianID, req.PatientID)
	res, err := r.inbox.Process(ctx, key, op, func(ctx context.Context) (json.RawMessage, error) {
		id, err := r.insertQueueEntry(ctx, req)
		if err != nil {
			if errors.Is(err, opd.ErrValidation) || errors.Is(err, opd.ErrNotFound) {
				return nil, idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.Marshal(checkInResult{EntryID: id})
	})
	if err != nil {
		switch {
		case errors.Is(err, idempotency.ErrInProgress):
			return opd.QueueEntry{}, opd.Conflict(op, "check-in already in progress", err)
		case errors.Is(err, idempotency.ErrPreviouslyFailed):
			return opd.QueueEntry{}, opd.Conflict(op, "check-in was rejected earlier today", err)
		}
		return opd.QueueEntry{}, classify(op, "patient", req.PatientID, err)
	}

	var out checkInResult
	if err := json.Unmarshal(res.Output, &out); err != nil {
		return opd.QueueEntry{}, fmt.Errorf("decode check-in result: %w", err)
	}
	if res.Replayed {
		r.logger.Info("duplicate check-in returned existing entry",
			zap.String("entry_id", out.EntryID),
			zap.String("clinician_id", req.ClinicianID))
	}
	return r.queueEntry(ctx, out.EntryID)
}

func (r *Repository) insertQueueEntry(ctx context.Context, req CheckInRequest) (string, error) {
	const op = "check_in"
	id := uuid.New().String()
	day := r.today()

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		// serialize number assignment per clinician and day
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2::text))`, req.ClinicianID, day); err != nil {
			return err
		}
		var next int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(queue_no), 0) + 1
			FROM opd_queue
			WHERE clinician_id = $1 AND queue_date = $2
		`, req.ClinicianID, day).Scan(&next); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO opd_queue (id, queue_no, status, priority, clinician_id, patient_id, queue_date, consultation_mode, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id, next, opd.StatusWaiting, req.Priority, req.ClinicianID, req.PatientID, day, req.Mode, req.Notes); err != nil {
			return err
		}

		entry, err := r.entryByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return r.writeQueueEvent(ctx, tx, opd.EventPatientCheckedIn, entry, "")
	})
	if err != nil {
		return "", classify(op, "patient", req.PatientID, err)
	}

	r.logger.Info("patient checked in",
		zap.String("entry_id", id),
		zap.String("clinician_id", req.ClinicianID))
	return id, nil
}

func (r *Repository) queueEntry(ctx context.Context, id string) (opd.QueueEntry, error) {
	entry, err := r.entryByID(ctx, r.pool, id)
	if err != nil {
		return opd.QueueEntry{}, classify("queue_entry", "queue entry", id, err)
	}
	return entry, nil
}
