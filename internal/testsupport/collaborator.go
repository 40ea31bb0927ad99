// Package testsupport provides in-memory collaborators for orchestrator tests.
package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-opd/internal/domain/opd"
)

// Operation names recorded in the call log
const (
	OpTodayQueue        = "TodayQueueForClinician"
	OpUpdateQueueStatus = "UpdateQueueStatus"
	OpSubscribe         = "SubscribeQueueChanges"
	OpConsultationByQ   = "ConsultationByQueueEntry"
	OpCreate            = "CreateConsultation"
	OpUpdate            = "UpdateConsultation"
	OpSaveLines         = "SavePrescriptionLines"
	OpComplete          = "CompleteConsultation"
	OpSearchDrugs       = "SearchDrugs"
)

// Collaborator is an in-memory opd.Collaborator with call recording and
// failure injection.
type Collaborator struct {
	mu            sync.Mutex
	queues        map[string][]opd.QueueEntry
	consultations map[string]opd.Consultation
	lines         map[string][]opd.PrescriptionLine
	drugs         []opd.DrugSummary
	calls         []string
	failNext      map[string][]error
	failAlways    map[string]error
	subs          map[int]subscriber
	nextSub       int
	nextID        int

	// OnCall, if set, runs before every operation outside the lock
	OnCall func(op string)
}

type subscriber struct {
	clinicianID string
	onChange    func()
}

// NewCollaborator creates an empty collaborator
func NewCollaborator() *Collaborator {
	return &Collaborator{
		queues:        make(map[string][]opd.QueueEntry),
		consultations: make(map[string]opd.Consultation),
		lines:         make(map[string][]opd.PrescriptionLine),
		failNext:      make(map[string][]error),
		failAlways:    make(map[string]error),
		subs:          make(map[int]subscriber),
	}
}

// SetQueue replaces the clinician's worklist
func (c *Collaborator) SetQueue(clinicianID string, entries ...opd.QueueEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]opd.QueueEntry, len(entries))
	for i, e := range entries {
		if e.ClinicianID == "" {
			e.ClinicianID = clinicianID
		}
		cp[i] = e
	}
	c.queues[clinicianID] = cp
}

// AddConsultation seeds an existing consultation
func (c *Collaborator) AddConsultation(cons opd.Consultation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consultations[cons.ID] = cons
}

// SetDrugs seeds the drug catalog
func (c *Collaborator) SetDrugs(drugs ...opd.DrugSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drugs = append([]opd.DrugSummary(nil), drugs...)
}

// FailNext makes the next call to op return err
func (c *Collaborator) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[op] = append(c.failNext[op], err)
}

// FailAlways makes every call to op return err until ClearFailures
func (c *Collaborator) FailAlways(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAlways[op] = err
}

// ClearFailures removes all injected failures
func (c *Collaborator) ClearFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = make(map[string][]error)
	c.failAlways = make(map[string]error)
}

// Calls returns the ordered call log
func (c *Collaborator) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CallCount returns how many times op was called
func (c *Collaborator) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log
func (c *Collaborator) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Consultation returns a stored consultation
func (c *Collaborator) Consultation(id string) (opd.Consultation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cons, ok := c.consultations[id]
	return cons, ok
}

// ConsultationCount returns the number of stored consultations
func (c *Collaborator) ConsultationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consultations)
}

// Lines returns the prescription lines saved for a consultation
func (c *Collaborator) Lines(consultationID string) []opd.PrescriptionLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]opd.PrescriptionLine(nil), c.lines[consultationID]...)
}

// Entry returns a queue entry by id
func (c *Collaborator) Entry(id string) (opd.QueueEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entries := range c.queues {
		for _, e := range entries {
			if e.ID == id {
				return e, true
			}
		}
	}
	return opd.QueueEntry{}, false
}

// Emit simulates a push notification for the clinician
func (c *Collaborator) Emit(clinicianID string) {
	c.mu.Lock()
	var fns []func()
	for _, s := range c.subs {
		if s.clinicianID == clinicianID {
			fns = append(fns, s.onChange)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Subscribers returns the number of live subscriptions for a clinician
func (c *Collaborator) Subscribers(clinicianID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subs {
		if s.clinicianID == clinicianID {
			n++
		}
	}
	return n
}

// begin records the call and returns an injected failure, if any
func (c *Collaborator) begin(op string) error {
	if c.OnCall != nil {
		c.OnCall(op)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, op)
	if errs := c.failNext[op]; len(errs) > 0 {
		c.failNext[op] = errs[1:]
		return errs[0]
	}
	return c.failAlways[op]
}

func (c *Collaborator) TodayQueueForClinician(ctx context.Context, clinicianID string) ([]opd.QueueEntry, error) {
	if err := c.begin(OpTodayQueue); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]opd.QueueEntry(nil), c.queues[clinicianID]...), nil
}

func (c *Collaborator) UpdateQueueStatus(ctx context.Context, entryID string, status opd.Status) (opd.QueueEntry, error) {
	if err := c.begin(OpUpdateQueueStatus); err != nil {
		return opd.QueueEntry{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for clinician, entries := range c.queues {
		for i := range entries {
			if entries[i].ID == entryID {
				entries[i].Status = status
				c.queues[clinician] = entries
				return entries[i], nil
			}
		}
	}
	return opd.QueueEntry{}, opd.NotFound("update_queue_status", "queue entry", entryID)
}

func (c *Collaborator) SubscribeQueueChanges(ctx context.Context, clinicianID string, onChange func()) (opd.Subscription, error) {
	if err := c.begin(OpSubscribe); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = subscriber{clinicianID: clinicianID, onChange: onChange}
	return opd.SubscriptionFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}), nil
}

func (c *Collaborator) ConsultationByQueueEntry(ctx context.Context, entryID string) (opd.Consultation, error) {
	if err := c.begin(OpConsultationByQ); err != nil {
		return opd.Consultation{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cons := range c.consultations {
		if cons.QueueEntryID == entryID {
			return cons, nil
		}
	}
	return opd.Consultation{}, opd.NotFound("consultation_by_queue_entry", "consultation for entry", entryID)
}

func (c *Collaborator) CreateConsultation(ctx context.Context, data opd.ConsultationData) (opd.Consultation, error) {
	if err := c.begin(OpCreate); err != nil {
		return opd.Consultation{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	now := time.Now().UTC()
	cons := opd.Consultation{
		ID:           fmt.Sprintf("cons-%d", c.nextID),
		PatientID:    data.PatientID,
		ClinicianID:  data.ClinicianID,
		QueueEntryID: data.QueueEntryID,
		CreatedAt:    now,
	}
	applyData(&cons, data, now)
	c.consultations[cons.ID] = cons
	return cons, nil
}

func (c *Collaborator) UpdateConsultation(ctx context.Context, id string, data opd.ConsultationData) (opd.Consultation, error) {
	if err := c.begin(OpUpdate); err != nil {
		return opd.Consultation{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cons, ok := c.consultations[id]
	if !ok {
		return opd.Consultation{}, opd.NotFound("update_consultation", "consultation", id)
	}
	applyData(&cons, data, time.Now().UTC())
	c.consultations[id] = cons
	return cons, nil
}

func (c *Collaborator) SavePrescriptionLines(ctx context.Context, consultationID, patientID string, lines []opd.PrescriptionLine) error {
	if err := c.begin(OpSaveLines); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.consultations[consultationID]; !ok {
		return opd.NotFound("save_prescription_lines", "consultation", consultationID)
	}
	c.lines[consultationID] = append([]opd.PrescriptionLine(nil), lines...)
	return nil
}

func (c *Collaborator) CompleteConsultation(ctx context.Context, consultationID, entryID string) error {
	if err := c.begin(OpComplete); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cons, ok := c.consultations[consultationID]
	if !ok {
		return opd.NotFound("complete_consultation", "consultation", consultationID)
	}
	now := time.Now().UTC()
	cons.CompletedAt = &now
	c.consultations[consultationID] = cons
	return nil
}

func (c *Collaborator) SearchDrugs(ctx context.Context, query string, limit int) ([]opd.DrugSummary, error) {
	if err := c.begin(OpSearchDrugs); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := strings.ToLower(query)
	var out []opd.DrugSummary
	for _, d := range c.drugs {
		if strings.Contains(strings.ToLower(d.Name), q) || strings.Contains(strings.ToLower(d.GenericName), q) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func applyData(cons *opd.Consultation, data opd.ConsultationData, now time.Time) {
	cons.ChiefComplaints = data.ChiefComplaints
	cons.ExaminationFindings = data.ExaminationFindings
	cons.Diagnosis = data.Diagnosis
	cons.DiagnosisCodes = append([]string(nil), data.DiagnosisCodes...)
	cons.TreatmentPlan = data.TreatmentPlan
	cons.FollowUpDate = data.FollowUpDate
	cons.FollowUpNotes = data.FollowUpNotes
	cons.UpdatedAt = now
}
