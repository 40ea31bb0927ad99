package queue

import (
	"sort"

	"github.com/drfirst/go-opd/internal/domain/opd"
)

// Stats summarizes a worklist snapshot
type Stats struct {
	Total          int `json:"total"`
	Waiting        int `json:"waiting"`
	VitalsDone     int `json:"vitals_done"`
	InConsultation int `json:"in_consultation"`
	Completed      int `json:"completed"`
	Cancelled      int `json:"cancelled"`
	// Active is Total - Completed
	Active int `json:"active"`
}

// ComputeStats counts entries per status
func ComputeStats(entries []opd.QueueEntry) Stats {
	var s Stats
	for _, e := range entries {
		s.Total++
		switch e.Status {
		case opd.StatusWaiting:
			s.Waiting++
		case opd.StatusVitalsDone:
			s.VitalsDone++
		case opd.StatusInConsultation:
			s.InConsultation++
		case opd.StatusCompleted:
			s.Completed++
		case opd.StatusCancelled:
			s.Cancelled++
		}
	}
	s.Active = s.Total - s.Completed
	return s
}

// byStatus returns counts keyed by status for metrics
func (s Stats) byStatus() map[string]int {
	return map[string]int{
		string(opd.StatusWaiting):        s.Waiting,
		string(opd.StatusVitalsDone):     s.VitalsDone,
		string(opd.StatusInConsultation): s.InConsultation,
		string(opd.StatusCompleted):      s.Completed,
		string(opd.StatusCancelled):      s.Cancelled,
	}
}

// SortForDisplay returns a copy with every non-COMPLETED entry first, ordered by
// ascending queue number, followed by COMPLETED entries.
func SortForDisplay(entries []opd.QueueEntry) []opd.QueueEntry {
	out := make([]opd.QueueEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		ci := out[i].Status == opd.StatusCompleted
		cj := out[j].Status == opd.StatusCompleted
		if ci != cj {
			return !ci
		}
		if ci {
			return false
		}
		return out[i].QueueNo < out[j].QueueNo
	})
	return out
}
