package opd

import "context"

// Subscription is a cancellable push-invalidation registration
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a func to Subscription
type SubscriptionFunc func()

// Cancel calls f
func (f SubscriptionFunc) Cancel() { f() }

// QueueSource provides a clinician's worklist and status updates
type QueueSource interface {
	TodayQueueForClinician(ctx context.Context, clinicianID string) ([]QueueEntry, error)
	UpdateQueueStatus(ctx context.Context, entryID string, status Status) (QueueEntry, error)
	// SubscribeQueueChanges calls onChange whenever the backing store reports a change
	// for the clinician. onChange may be called from any goroutine.
	SubscribeQueueChanges(ctx context.Context, clinicianID string, onChange func()) (Subscription, error)
}

// ConsultationStore persists consultations and prescription lines
type ConsultationStore interface {
	// ConsultationByQueueEntry returns ErrNotFound when no consultation exists
	ConsultationByQueueEntry(ctx context.Context, entryID string) (Consultation, error)
	CreateConsultation(ctx context.Context, data ConsultationData) (Consultation, error)
	UpdateConsultation(ctx context.Context, id string, data ConsultationData) (Consultation, error)
	// SavePrescriptionLines is expected to be idempotent for an unchanged batch
	SavePrescriptionLines(ctx context.Context, consultationID, patientID string, lines []PrescriptionLine) error
	CompleteConsultation(ctx context.Context, consultationID, entryID string) error
}

// DrugCatalog serves prescription suggestions
type DrugCatalog interface {
	SearchDrugs(ctx context.Context, query string, limit int) ([]DrugSummary, error)
}

// Collaborator is the full persistence/notification surface consumed by the orchestrator
type Collaborator interface {
	QueueSource
	ConsultationStore
	DrugCatalog
}
