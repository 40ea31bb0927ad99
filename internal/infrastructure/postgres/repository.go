// Package postgres implements the persistence collaborator on PostgreSQL, with
// a transactional outbox for queue-change notifications.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/pkg/idempotency"
)

// ChangeFeed delivers push invalidation for a clinician's queue
type ChangeFeed interface {
	Subscribe(ctx context.Context, clinicianID string, onChange func()) (opd.Subscription, error)
}

// Config holds repository configuration
type Config struct {
	// Location defines the calendar day of "today's queue"
	Location *time.Location
	// ChangeTopic is the outbox topic for queue-change events
	ChangeTopic string
	// DrugSearchLimit caps SearchDrugs when the caller passes no limit
	DrugSearchLimit int
}

// DefaultConfig returns repository defaults
func DefaultConfig() Config {
	return Config{
		Location:        time.UTC,
		ChangeTopic:     "opd.queue.changes",
		DrugSearchLimit: 20,
	}
}

// Repository is the PostgreSQL persistence collaborator
type Repository struct {
	pool   *pgxpool.Pool
	feed   ChangeFeed
	inbox  *idempotency.Inbox
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ opd.Collaborator = (*Repository)(nil)

// NewRepository creates a repository. A nil feed leaves the console on polling
// only; a nil inbox disables check-in deduplication.
func NewRepository(pool *pgxpool.Pool, feed ChangeFeed, inbox *idempotency.Inbox, cfg Config, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.ChangeTopic == "" {
		cfg.ChangeTopic = def.ChangeTopic
	}
	if cfg.DrugSearchLimit <= 0 {
		cfg.DrugSearchLimit = def.DrugSearchLimit
	}
	return &Repository{
		pool:   pool,
		feed:   feed,
		inbox:  inbox,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("postgres-repository"),
		now:    time.Now,
	}
}

func (r *Repository) today() time.Time {
	y, m, d := r.now().In(r.config.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const queueColumns = `
	q.id, q.queue_no, q.status, q.priority, q.clinician_id, q.consultation_mode,
	q.join_url, q.notes, q.queue_date, q.wait_time, q.consultation_start_time,
	q.consultation_end_time, q.created_at,
	p.id, p.uhid, p.first_name, p.last_name, COALESCE(p.age, 0), p.gender, p.phone, p.blood_group
`

func scanQueueEntry(row pgx.Row) (opd.QueueEntry, error) {
	var (
		e         opd.QueueEntry
		status    string
		mode      string
		queueDate time.Time
	)
	err := row.Scan(
		&e.ID, &e.QueueNo, &status, &e.Priority, &e.ClinicianID, &mode,
		&e.JoinURL, &e.Notes, &queueDate, &e.WaitMinutes, &e.ConsultationStartedAt,
		&e.ConsultationEndedAt, &e.CreatedAt,
		&e.Patient.ID, &e.Patient.UHID, &e.Patient.FirstName, &e.Patient.LastName,
		&e.Patient.Age, &e.Patient.Gender, &e.Patient.Phone, &e.Patient.BloodGroup,
	)
	if err != nil {
		return opd.QueueEntry{}, err
	}
	e.Status = opd.Status(status)
	e.ConsultationMode = opd.ConsultationMode(mode)
	e.QueueDate = queueDate.Format(time.DateOnly)
	return e, nil
}

// TodayQueueForClinician returns the clinician's worklist for the current day
func (r *Repository) TodayQueueForClinician(ctx context.Context, clinicianID string) ([]opd.QueueEntry, error) {
	ctx, span := r.tracer.Start(ctx, "today_queue_for_clinician",
		trace.WithAttributes(attribute.String("clinician_id", clinicianID)))
	defer span.End()

	query := `SELECT ` + queueColumns + `
		FROM opd_queue q
		JOIN patients p ON p.id = q.patient_id
		WHERE q.clinician_id = $1 AND q.queue_date = $2
		ORDER BY q.queue_no ASC
	`
	rows, err := r.pool.Query(ctx, query, clinicianID, r.today())
	if err != nil {
		span.RecordError(err)
		return nil, classify("today_queue", "queue for clinician", clinicianID, err)
	}
	defer rows.Close()

	var entries []opd.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, classify("today_queue", "queue entry", "", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("today_queue", "queue for clinician", clinicianID, err)
	}
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) entryByID(ctx context.Context, q rowQuerier, entryID string) (opd.QueueEntry, error) {
	query := `SELECT ` + queueColumns + `
		FROM opd_queue q
		JOIN patients p ON p.id = q.patient_id
		WHERE q.id = $1
	`
	return scanQueueEntry(q.QueryRow(ctx, query, entryID))
}

// timings are the consultation timing columns of a queue row
type timings struct {
	CheckIn  time.Time
	Start    *time.Time
	End      *time.Time
	Wait     *int
	Duration *int
	TAT      *int
}

func minutesBetween(from, to time.Time) *int {
	m := int(to.Sub(from).Minutes())
	if m < 0 {
		m = 0
	}
	return &m
}

// stamp applies the timing columns for a transition to status at now.
// Entering consultation records the start and the wait; leaving it records the
// end, the consultation duration and the total turnaround.
func (t *timings) stamp(status opd.Status, now time.Time) {
	switch status {
	case opd.StatusInConsultation:
		t.Start = &now
		t.Wait = minutesBetween(t.CheckIn, now)
	case opd.StatusCompleted, opd.StatusCancelled:
		t.End = &now
		if t.Start != nil {
			t.Duration = minutesBetween(*t.Start, now)
		}
		t.TAT = minutesBetween(t.CheckIn, now)
	}
}

// UpdateQueueStatus moves an entry to status under a row lock, stamps the
// timing columns and records a queue-change event in the same transaction.
// A transition no longer legal for the locked row is a conflict: another
// session moved the entry first.
func (r *Repository) UpdateQueueStatus(ctx context.Context, entryID string, status opd.Status) (opd.QueueEntry, error) {
	const op = "update_queue_status"
	ctx, span := r.tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("entry_id", entryID),
			attribute.String("status", string(status)),
		))
	defer span.End()

	if !status.Valid() {
		return opd.QueueEntry{}, opd.Validation(op, "unknown status "+string(status))
	}

	var updated opd.QueueEntry
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			current string
			t       timings
		)
		err := tx.QueryRow(ctx, `
			SELECT status, check_in_time, consultation_start_time, consultation_end_time,
			       wait_time, consultation_duration, total_tat
			FROM opd_queue WHERE id = $1
			FOR UPDATE
		`, entryID).Scan(&current, &t.CheckIn, &t.Start, &t.End, &t.Wait, &t.Duration, &t.TAT)
		if err != nil {
			return classify(op, "queue entry", entryID, err)
		}

		from := opd.Status(current)
		if !opd.CanTransition(from, status) {
			return opd.Conflict(op, fmt.Sprintf("entry %s is %s, cannot move to %s", entryID, from, status), nil)
		}
		t.stamp(status, r.now().UTC())

		_, err = tx.Exec(ctx, `
			UPDATE opd_queue
			SET status = $2, consultation_start_time = $3, consultation_end_time = $4,
			    wait_time = $5, consultation_duration = $6, total_tat = $7, updated_at = NOW()
			WHERE id = $1
		`, entryID, status, t.Start, t.End, t.Wait, t.Duration, t.TAT)
		if err != nil {
			return classify(op, "queue entry", entryID, err)
		}

		updated, err = r.entryByID(ctx, tx, entryID)
		if err != nil {
			return classify(op, "queue entry", entryID, err)
		}
		return r.writeQueueEvent(ctx, tx, opd.EventQueueStatusChanged, updated, from)
	})
	if err != nil {
		span.RecordError(err)
		return opd.QueueEntry{}, classify(op, "queue entry", entryID, err)
	}

	r.logger.Info("queue status updated",
		zap.String("entry_id", entryID),
		zap.String("status", string(status)))
	return updated, nil
}

func (r *Repository) writeQueueEvent(ctx context.Context, tx pgx.Tx, eventType opd.EventType, entry opd.QueueEntry, from opd.Status) error {
	event := opd.NewQueueChangedEvent(eventType, entry, from)
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal queue event: %w", err)
	}
	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   entry.ID,
		AggregateType: "QueueEntry",
		EventType:     string(eventType),
		Payload:       payload,
		KafkaTopic:    r.config.ChangeTopic,
		KafkaKey:      entry.ClinicianID,
	})
}

// SubscribeQueueChanges registers onChange with the change feed
func (r *Repository) SubscribeQueueChanges(ctx context.Context, clinicianID string, onChange func()) (opd.Subscription, error) {
	if r.feed == nil {
		return opd.SubscriptionFunc(func() {}), nil
	}
	return r.feed.Subscribe(ctx, clinicianID, onChange)
}

const consultationColumns = `
	id, patient_id, clinician_id, COALESCE(queue_entry_id, ''), chief_complaints,
	COALESCE(examination_findings, ''), diagnosis, diagnosis_codes, COALESCE(treatment_plan, ''),
	follow_up_date, COALESCE(follow_up_notes, ''), completed_at, created_at, updated_at
`

func scanConsultation(row pgx.Row) (opd.Consultation, error) {
	var (
		c        opd.Consultation
		followUp *time.Time
	)
	err := row.Scan(
		&c.ID, &c.PatientID, &c.ClinicianID, &c.QueueEntryID, &c.ChiefComplaints,
		&c.ExaminationFindings, &c.Diagnosis, &c.DiagnosisCodes, &c.TreatmentPlan,
		&followUp, &c.FollowUpNotes, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return opd.Consultation{}, err
	}
	if followUp != nil {
		c.FollowUpDate = followUp.Format(time.DateOnly)
	}
	return c, nil
}

// consultationArgs converts the optional text fields of data to nullable values
func consultationArgs(op string, data opd.ConsultationData) (followUp *time.Time, codes []string, err error) {
	if data.FollowUpDate != "" {
		d, perr := time.Parse(time.DateOnly, data.FollowUpDate)
		if perr != nil {
			return nil, nil, opd.Validation(op, "follow-up date must be YYYY-MM-DD")
		}
		followUp = &d
	}
	codes = data.DiagnosisCodes
	if codes == nil {
		codes = []string{}
	}
	return followUp, codes, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// ConsultationByQueueEntry returns the consultation recorded for an entry
func (r *Repository) ConsultationByQueueEntry(ctx context.Context, entryID string) (opd.Consultation, error) {
	query := `SELECT ` + consultationColumns + `
		FROM opd_consultations
		WHERE queue_entry_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	c, err := scanConsultation(r.pool.QueryRow(ctx, query, entryID))
	if err != nil {
		return opd.Consultation{}, classify("consultation_by_queue_entry", "consultation for entry", entryID, err)
	}
	return c, nil
}

// CreateConsultation inserts a consultation with a new identity
func (r *Repository) CreateConsultation(ctx context.Context, data opd.ConsultationData) (opd.Consultation, error) {
	const op = "create_consultation"
	if data.PatientID == "" || data.ClinicianID == "" {
		return opd.Consultation{}, opd.Validation(op, "patient and clinician are required")
	}
	followUp, codes, err := consultationArgs(op, data)
	if err != nil {
		return opd.Consultation{}, err
	}

	query := `
		INSERT INTO opd_consultations (
			id, patient_id, clinician_id, queue_entry_id, chief_complaints, examination_findings,
			diagnosis, diagnosis_codes, treatment_plan, follow_up_date, follow_up_notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + consultationColumns
	c, err := scanConsultation(r.pool.QueryRow(ctx, query,
		uuid.New().String(), data.PatientID, data.ClinicianID, nullable(data.QueueEntryID),
		data.ChiefComplaints, nullable(data.ExaminationFindings), data.Diagnosis, codes,
		nullable(data.TreatmentPlan), followUp, nullable(data.FollowUpNotes),
	))
	if err != nil {
		return opd.Consultation{}, classify(op, "consultation", "", err)
	}

	r.logger.Info("consultation created",
		zap.String("consultation_id", c.ID),
		zap.String("queue_entry_id", data.QueueEntryID))
	return c, nil
}

// UpdateConsultation overwrites the clinical fields of a consultation
func (r *Repository) UpdateConsultation(ctx context.Context, id string, data opd.ConsultationData) (opd.Consultation, error) {
	const op = "update_consultation"
	followUp, codes, err := consultationArgs(op, data)
	if err != nil {
		return opd.Consultation{}, err
	}

	query := `
		UPDATE opd_consultations
		SET chief_complaints = $2, examination_findings = $3, diagnosis = $4, diagnosis_codes = $5,
		    treatment_plan = $6, follow_up_date = $7, follow_up_notes = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + consultationColumns
	c, err := scanConsultation(r.pool.QueryRow(ctx, query,
		id, data.ChiefComplaints, nullable(data.ExaminationFindings), data.Diagnosis, codes,
		nullable(data.TreatmentPlan), followUp, nullable(data.FollowUpNotes),
	))
	if err != nil {
		return opd.Consultation{}, classify(op, "consultation", id, err)
	}
	return c, nil
}

// SavePrescriptionLines replaces the consultation's prescription with lines in
// one transaction, so resubmitting the same batch leaves the same rows.
func (r *Repository) SavePrescriptionLines(ctx context.Context, consultationID, patientID string, lines []opd.PrescriptionLine) error {
	const op = "save_prescription_lines"
	ctx, span := r.tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("consultation_id", consultationID),
			attribute.Int("lines", len(lines)),
		))
	defer span.End()

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM opd_consultations WHERE id = $1)`, consultationID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return opd.NotFound(op, "consultation", consultationID)
		}

		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM prescription_lines WHERE consultation_id = $1`, consultationID)
		for i, l := range lines {
			id := l.ID
			if id == "" {
				id = uuid.New().String()
			}
			batch.Queue(`
				INSERT INTO prescription_lines (
					id, consultation_id, patient_id, line_no, drug_id, drug_name,
					dosage, frequency, duration, route, instructions
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, id, consultationID, patientID, i+1, nullable(l.DrugID), l.DrugName,
				l.Dosage, l.Frequency, l.Duration, l.Route, l.Instructions)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		span.RecordError(err)
		return classify(op, "consultation", consultationID, err)
	}
	return nil
}

// CompleteConsultation marks a consultation completed. Completing twice keeps
// the first completion time.
func (r *Repository) CompleteConsultation(ctx context.Context, consultationID, entryID string) error {
	const op = "complete_consultation"
	tag, err := r.pool.Exec(ctx, `
		UPDATE opd_consultations
		SET completed_at = COALESCE(completed_at, NOW()),
		    queue_entry_id = COALESCE(queue_entry_id, $2),
		    updated_at = NOW()
		WHERE id = $1
	`, consultationID, nullable(entryID))
	if err != nil {
		return classify(op, "consultation", consultationID, err)
	}
	if tag.RowsAffected() == 0 {
		return opd.NotFound(op, "consultation", consultationID)
	}
	r.logger.Info("consultation completed",
		zap.String("consultation_id", consultationID),
		zap.String("queue_entry_id", entryID))
	return nil
}

// SearchDrugs matches active drugs by brand or generic name prefix-insensitively
func (r *Repository) SearchDrugs(ctx context.Context, query string, limit int) ([]opd.DrugSummary, error) {
	const op = "search_drugs"
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > r.config.DrugSearchLimit {
		limit = r.config.DrugSearchLimit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, generic_name, strength, form
		FROM drugs
		WHERE is_active AND (name ILIKE $1 OR generic_name ILIKE $1)
		ORDER BY name
		LIMIT $2
	`, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, classify(op, "drug", query, err)
	}
	drugs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (opd.DrugSummary, error) {
		var d opd.DrugSummary
		err := row.Scan(&d.ID, &d.Name, &d.GenericName, &d.Strength, &d.Form)
		return d, err
	})
	if err != nil {
		return nil, classify(op, "drug", query, err)
	}
	return drugs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
