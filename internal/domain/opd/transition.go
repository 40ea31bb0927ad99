package opd

import "fmt"

// legalEdges lists every allowed non-cancel transition
var legalEdges = map[Status][]Status{
	StatusWaiting:        {StatusVitalsDone, StatusInConsultation},
	StatusVitalsDone:     {StatusInConsultation},
	StatusInConsultation: {StatusCompleted},
}

// CanTransition reports whether a queue entry may move from one status to another.
// Any non-terminal status may be cancelled; terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an InvalidTransition error when CanTransition rejects the edge
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return NewError(KindInvalidTransition, "transition",
		fmt.Sprintf("%s -> %s is not allowed", from, to), nil)
}
