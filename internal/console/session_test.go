package console

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-opd/internal/clock"
	"github.com/drfirst/go-opd/internal/domain/consultation"
	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/domain/queue"
	"github.com/drfirst/go-opd/internal/observability/metrics"
	"github.com/drfirst/go-opd/internal/testsupport"
)

func queueEntry(id string, no int, status opd.Status, patientID string) opd.QueueEntry {
	return opd.QueueEntry{
		ID:          id,
		QueueNo:     no,
		Status:      status,
		ClinicianID: "dr-1",
		Patient:     opd.PatientSnapshot{ID: patientID, FirstName: "Pat", LastName: patientID},
	}
}

type fixture struct {
	collab  *testsupport.Collaborator
	clk     *clock.Manual
	session *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1",
		queueEntry("q-1", 1, opd.StatusWaiting, "p-1"),
		queueEntry("q-2", 2, opd.StatusVitalsDone, "p-2"),
		queueEntry("q-3", 3, opd.StatusCancelled, "p-3"),
		queueEntry("q-4", 4, opd.StatusCompleted, "p-4"),
	)
	collab.SetQueue("dr-2", queueEntry("q-9", 1, opd.StatusWaiting, "p-9"))

	logger := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	store := queue.NewStore(collab, queue.Config{PollInterval: time.Hour, RefreshTimeout: time.Second}, logger, m)
	coord := consultation.NewCoordinator(collab, store, logger, m)
	mgr := consultation.NewManager(collab, coord, clk, consultation.DefaultConfig(), logger, m)
	s := NewSession(store, mgr, collab, logger)
	t.Cleanup(s.Close)

	if err := s.SwitchClinician(context.Background(), "dr-1"); err != nil {
		t.Fatalf("SwitchClinician: %v", err)
	}
	return &fixture{collab: collab, clk: clk, session: s}
}

func TestSelectWaitingEntryStartsConsultation(t *testing.T) {
	f := newFixture(t)

	entry, err := f.session.SelectEntry(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("SelectEntry: %v", err)
	}
	if entry.Status != opd.StatusInConsultation {
		t.Errorf("returned status = %s", entry.Status)
	}
	if e, _ := f.collab.Entry("q-1"); e.Status != opd.StatusInConsultation {
		t.Errorf("persisted status = %s", e.Status)
	}

	drafts := f.session.Drafts()
	if drafts.State() != consultation.StateDrafting {
		t.Errorf("draft state = %s", drafts.State())
	}
	pc, ok := drafts.Patient()
	if !ok || pc.PatientID != "p-1" || pc.ClinicianID != "dr-1" || pc.QueueEntryID != "q-1" {
		t.Errorf("patient context = %+v, %v", pc, ok)
	}
}

func TestSelectVitalsDoneEntry(t *testing.T) {
	f := newFixture(t)
	if _, err := f.session.SelectEntry(context.Background(), "q-2"); err != nil {
		t.Fatalf("SelectEntry: %v", err)
	}
	if e, _ := f.collab.Entry("q-2"); e.Status != opd.StatusInConsultation {
		t.Errorf("status = %s", e.Status)
	}
}

func TestSelectCancelledEntryIsRejected(t *testing.T) {
	f := newFixture(t)
	f.collab.ResetCalls()

	_, err := f.session.SelectEntry(context.Background(), "q-3")
	if !errors.Is(err, opd.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
	if n := f.collab.CallCount(testsupport.OpUpdateQueueStatus); n != 0 {
		t.Errorf("update calls = %d", n)
	}
	if f.session.Drafts().State() != consultation.StateIdle {
		t.Errorf("draft state = %s", f.session.Drafts().State())
	}
}

func TestSelectCompletedEntryOpensReadOnly(t *testing.T) {
	f := newFixture(t)
	done := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	f.collab.AddConsultation(opd.Consultation{
		ID: "c-4", PatientID: "p-4", QueueEntryID: "q-4",
		ChiefComplaints: "rash", Diagnosis: "eczema", CompletedAt: &done,
	})
	f.collab.ResetCalls()

	if _, err := f.session.SelectEntry(context.Background(), "q-4"); err != nil {
		t.Fatalf("SelectEntry: %v", err)
	}
	if n := f.collab.CallCount(testsupport.OpUpdateQueueStatus); n != 0 {
		t.Errorf("completed entry should not move, update calls = %d", n)
	}
	if got := f.session.Drafts().State(); got != consultation.StateCompleted {
		t.Errorf("draft state = %s", got)
	}
}

func TestSelectUnknownEntry(t *testing.T) {
	f := newFixture(t)
	if _, err := f.session.SelectEntry(context.Background(), "q-404"); !errors.Is(err, opd.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestSelectFailedAdvanceLeavesDraftClosed(t *testing.T) {
	f := newFixture(t)
	f.collab.FailNext(testsupport.OpUpdateQueueStatus, opd.Network("update_queue_status", errors.New("timeout")))

	if _, err := f.session.SelectEntry(context.Background(), "q-1"); !errors.Is(err, opd.ErrNetwork) {
		t.Fatalf("err = %v, want network", err)
	}
	if f.session.Drafts().State() != consultation.StateIdle {
		t.Errorf("draft opened despite failed advance: %s", f.session.Drafts().State())
	}
}

func TestCompleteFromSessionAdvancesWorklist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.session.SelectEntry(ctx, "q-1"); err != nil {
		t.Fatalf("SelectEntry: %v", err)
	}
	drafts := f.session.Drafts()
	if err := drafts.Update(consultation.Patch{
		ChiefComplaints: consultation.Text("headache"),
		Diagnosis:       consultation.Text("migraine"),
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := drafts.AddPrescriptionLine(opd.PrescriptionLine{DrugName: "Sumatriptan", Dosage: "50mg"}); err != nil {
		t.Fatalf("AddPrescriptionLine: %v", err)
	}

	if err := drafts.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if drafts.State() != consultation.StateCompleted {
		t.Errorf("state = %s", drafts.State())
	}

	sorted := f.session.Queue().Sorted()
	last := sorted[len(sorted)-1]
	if e, err := f.session.Queue().Select("q-1"); err != nil || e.Status != opd.StatusCompleted {
		t.Fatalf("q-1 in snapshot = %+v, %v", e, err)
	}
	if last.Status != opd.StatusCompleted {
		t.Errorf("completed entries should sort last, got %s", last.Status)
	}
	if lines := f.collab.Lines(drafts.ConsultationID()); len(lines) != 1 {
		t.Errorf("lines = %d", len(lines))
	}
}

func TestSwitchClinicianClosesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.session.SelectEntry(ctx, "q-1"); err != nil {
		t.Fatalf("SelectEntry: %v", err)
	}
	if err := f.session.Drafts().Update(consultation.Patch{ChiefComplaints: consultation.Text("x")}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := f.session.SwitchClinician(ctx, "dr-2"); err != nil {
		t.Fatalf("SwitchClinician: %v", err)
	}
	if f.session.Drafts().State() != consultation.StateIdle {
		t.Errorf("draft state = %s", f.session.Drafts().State())
	}
	if f.clk.Pending() != 0 {
		t.Errorf("autosave timer still armed")
	}
	if f.session.ClinicianID() != "dr-2" {
		t.Errorf("clinician = %q", f.session.ClinicianID())
	}
	if entries := f.session.Queue().Entries(); len(entries) != 1 || entries[0].ID != "q-9" {
		t.Errorf("entries = %+v", entries)
	}
	if f.collab.Subscribers("dr-1") != 0 {
		t.Error("previous clinician subscription should be cancelled")
	}
}

func TestSwitchClinicianRequiresID(t *testing.T) {
	f := newFixture(t)
	if err := f.session.SwitchClinician(context.Background(), ""); !errors.Is(err, ErrNoClinician) {
		t.Errorf("err = %v", err)
	}
}

func TestSearchDrugs(t *testing.T) {
	f := newFixture(t)
	f.collab.SetDrugs(opd.DrugSummary{ID: "d-1", Name: "Paracetamol"}, opd.DrugSummary{ID: "d-2", Name: "Ibuprofen"})

	drugs, err := f.session.SearchDrugs(context.Background(), "para", 10)
	if err != nil {
		t.Fatalf("SearchDrugs: %v", err)
	}
	if len(drugs) != 1 || drugs[0].ID != "d-1" {
		t.Errorf("drugs = %+v", drugs)
	}
}
