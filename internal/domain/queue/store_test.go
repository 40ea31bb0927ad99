package queue

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-opd/internal/domain/opd"
	"github.com/drfirst/go-opd/internal/observability/metrics"
	"github.com/drfirst/go-opd/internal/testsupport"
)

func entry(id string, no int, status opd.Status) opd.QueueEntry {
	return opd.QueueEntry{ID: id, QueueNo: no, Status: status}
}

func newTestStore(t *testing.T, collab *testsupport.Collaborator, cfg Config) (*Store, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	s := NewStore(collab, cfg, zaptest.NewLogger(t), m)
	t.Cleanup(s.Stop)
	return s, m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSortedViewScenario(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1",
		entry("e3", 3, opd.StatusWaiting),
		entry("e1", 1, opd.StatusCompleted),
		entry("e2", 2, opd.StatusWaiting),
	)
	s, _ := newTestStore(t, collab, Config{PollInterval: time.Hour})

	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sorted := s.Sorted()
	var got []int
	for _, e := range sorted {
		got = append(got, e.QueueNo)
	}
	want := []int{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestSortForDisplayInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		n := r.Intn(20)
		perm := r.Perm(n)
		entries := make([]opd.QueueEntry, n)
		for i := 0; i < n; i++ {
			entries[i] = entry("e", perm[i]+1, opd.Statuses[r.Intn(len(opd.Statuses))])
		}

		sorted := SortForDisplay(entries)
		if len(sorted) != n {
			t.Fatalf("length changed: %d != %d", len(sorted), n)
		}
		seenCompleted := false
		lastNo := 0
		for _, e := range sorted {
			if e.Status == opd.StatusCompleted {
				seenCompleted = true
				continue
			}
			if seenCompleted {
				t.Fatalf("non-completed entry %d after a completed entry", e.QueueNo)
			}
			if e.QueueNo < lastNo {
				t.Fatalf("queue numbers out of order: %d after %d", e.QueueNo, lastNo)
			}
			lastNo = e.QueueNo
		}
	}
}

func TestStatsCountsActive(t *testing.T) {
	stats := ComputeStats([]opd.QueueEntry{
		entry("a", 1, opd.StatusWaiting),
		entry("b", 2, opd.StatusVitalsDone),
		entry("c", 3, opd.StatusInConsultation),
		entry("d", 4, opd.StatusCompleted),
		entry("e", 5, opd.StatusCompleted),
		entry("f", 6, opd.StatusCancelled),
	})
	want := Stats{Total: 6, Waiting: 1, VitalsDone: 1, InConsultation: 1, Completed: 2, Cancelled: 1, Active: 4}
	if stats != want {
		t.Fatalf("got %+v want %+v", stats, want)
	}
}

func TestSelectUnknownEntryIsNotFound(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("e1", 1, opd.StatusWaiting))
	s, _ := newTestStore(t, collab, Config{PollInterval: time.Hour})
	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Select("missing"); !errors.Is(err, opd.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, err := s.Select("e1")
	if err != nil || got.QueueNo != 1 {
		t.Fatalf("Select(e1) = %+v, %v", got, err)
	}
}

func TestAdvanceFromTerminalIsRejectedWithoutCollaboratorCall(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("e1", 1, opd.StatusCompleted))
	s, _ := newTestStore(t, collab, Config{PollInterval: time.Hour})
	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}

	err := s.Advance(context.Background(), "e1", opd.StatusInConsultation)
	if !errors.Is(err, opd.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if n := collab.CallCount(testsupport.OpUpdateQueueStatus); n != 0 {
		t.Fatalf("expected no status update calls, got %d", n)
	}
}

func TestAdvanceForcesRefresh(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("e1", 1, opd.StatusWaiting))
	s, m := newTestStore(t, collab, Config{PollInterval: time.Hour})
	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}
	collab.ResetCalls()

	if err := s.Advance(context.Background(), "e1", opd.StatusInConsultation); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	calls := collab.Calls()
	if len(calls) != 2 || calls[0] != testsupport.OpUpdateQueueStatus || calls[1] != testsupport.OpTodayQueue {
		t.Fatalf("unexpected call sequence %v", calls)
	}
	got, _ := s.Select("e1")
	if got.Status != opd.StatusInConsultation {
		t.Fatalf("snapshot not refreshed, status %s", got.Status)
	}
	if v := testutil.ToFloat64(m.QueueRefreshes.WithLabelValues(string(TriggerAdvance))); v != 1 {
		t.Fatalf("advance refresh metric = %v", v)
	}
}

func TestAdvanceCollaboratorFailurePropagates(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("e1", 1, opd.StatusInConsultation))
	s, _ := newTestStore(t, collab, Config{PollInterval: time.Hour})
	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}
	collab.FailNext(testsupport.OpUpdateQueueStatus, opd.Network("update", errors.New("timeout")))

	err := s.Advance(context.Background(), "e1", opd.StatusCompleted)
	if !errors.Is(err, opd.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("e1", 1, opd.StatusWaiting))
	s, _ := newTestStore(t, collab, Config{PollInterval: time.Hour})
	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}

	collab.FailNext(testsupport.OpTodayQueue, opd.Network("fetch", errors.New("reset")))
	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if len(s.Entries()) != 1 {
		t.Fatal("snapshot should survive a failed refresh")
	}
	if s.LastError() == nil {
		t.Fatal("LastError should be set")
	}

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.LastError() != nil {
		t.Fatal("LastError should clear after success")
	}
}

func TestPushInvalidationTriggersRefresh(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("e1", 1, opd.StatusWaiting))
	s, _ := newTestStore(t, collab, Config{PollInterval: time.Hour})
	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}

	collab.SetQueue("dr-1", entry("e1", 1, opd.StatusWaiting), entry("e2", 2, opd.StatusWaiting))
	collab.Emit("dr-1")

	waitFor(t, func() bool { return len(s.Entries()) == 2 })
}

func TestPollTriggersRefresh(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("e1", 1, opd.StatusWaiting))
	s, _ := newTestStore(t, collab, Config{PollInterval: 10 * time.Millisecond})
	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return collab.CallCount(testsupport.OpTodayQueue) >= 3 })
}

func TestSwitchClinicianTearsDownPreviousContext(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("a1", 1, opd.StatusWaiting))
	collab.SetQueue("dr-2", entry("b1", 1, opd.StatusWaiting), entry("b2", 2, opd.StatusWaiting))
	s, _ := newTestStore(t, collab, Config{PollInterval: time.Hour})

	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}
	if collab.Subscribers("dr-1") != 1 {
		t.Fatal("expected dr-1 subscription")
	}

	if err := s.SwitchClinician(context.Background(), "dr-2"); err != nil {
		t.Fatal(err)
	}
	if collab.Subscribers("dr-1") != 0 {
		t.Fatal("dr-1 subscription must be cancelled on switch")
	}
	if collab.Subscribers("dr-2") != 1 {
		t.Fatal("expected dr-2 subscription")
	}
	if len(s.Entries()) != 2 || s.ClinicianID() != "dr-2" {
		t.Fatalf("unexpected snapshot for dr-2: %+v", s.Entries())
	}

	s.Stop()
	if collab.Subscribers("dr-2") != 0 {
		t.Fatal("subscription must be cancelled on stop")
	}
	if s.ClinicianID() != "" || len(s.Entries()) != 0 {
		t.Fatal("stop should clear the clinician context")
	}
}

func TestStaleRefreshIsDiscarded(t *testing.T) {
	collab := testsupport.NewCollaborator()
	collab.SetQueue("dr-1", entry("a1", 1, opd.StatusWaiting))
	collab.SetQueue("dr-2", entry("b1", 1, opd.StatusWaiting), entry("b2", 2, opd.StatusWaiting))
	s, _ := newTestStore(t, collab, Config{PollInterval: time.Hour})
	if err := s.Start(context.Background(), "dr-1"); err != nil {
		t.Fatal(err)
	}

	s.mu.RLock()
	staleEpoch := s.epoch
	s.mu.RUnlock()

	if err := s.SwitchClinician(context.Background(), "dr-2"); err != nil {
		t.Fatal(err)
	}
	if err := s.refresh(context.Background(), staleEpoch, TriggerPush); err != nil {
		t.Fatalf("stale refresh should be a no-op, got %v", err)
	}
	if len(s.Entries()) != 2 {
		t.Fatal("stale refresh must not replace the dr-2 snapshot")
	}
}

func TestStartRequiresClinician(t *testing.T) {
	s, _ := newTestStore(t, testsupport.NewCollaborator(), DefaultConfig())
	if err := s.Start(context.Background(), ""); !errors.Is(err, opd.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
