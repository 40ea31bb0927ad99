package opd

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of queue event
type EventType string

const (
	EventQueueStatusChanged EventType = "QueueStatusChanged"
	EventPatientCheckedIn   EventType = "PatientCheckedIn"
)

// QueueChangedEvent is the push-invalidation payload published for a clinician's queue.
// Consumers treat it as a hint to refresh, never as state.
type QueueChangedEvent struct {
	ID          string    `json:"id"`
	EventType   EventType `json:"event_type"`
	EntryID     string    `json:"entry_id"`
	ClinicianID string    `json:"clinician_id"`
	From        Status    `json:"from,omitempty"`
	To          Status    `json:"to"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewQueueChangedEvent creates an event for an entry transition
func NewQueueChangedEvent(eventType EventType, entry QueueEntry, from Status) *QueueChangedEvent {
	return &QueueChangedEvent{
		ID:          uuid.New().String(),
		EventType:   eventType,
		EntryID:     entry.ID,
		ClinicianID: entry.ClinicianID,
		From:        from,
		To:          entry.Status,
		Timestamp:   time.Now().UTC(),
	}
}

// Marshal encodes the event for transport
func (e *QueueChangedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalQueueChangedEvent decodes a transported event
func UnmarshalQueueChangedEvent(data []byte) (*QueueChangedEvent, error) {
	var e QueueChangedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
