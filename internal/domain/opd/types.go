// Package opd defines the shared OPD queue and consultation model.
package opd

import (
	"fmt"
	"strings"
	"time"
)

// Status represents a queue entry status
type Status string

const (
	StatusWaiting        Status = "WAITING"
	StatusVitalsDone     Status = "VITALS_DONE"
	StatusInConsultation Status = "IN_CONSULTATION"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// Statuses lists every queue status in lifecycle order
var Statuses = []Status{
	StatusWaiting,
	StatusVitalsDone,
	StatusInConsultation,
	StatusCompleted,
	StatusCancelled,
}

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus normalizes a status string (case-insensitive)
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", NewError(KindValidation, "parse_status", fmt.Sprintf("unknown queue status %q", s), nil)
	}
	return status, nil
}

// ConsultationMode is how the patient is seen
type ConsultationMode string

const (
	ModePhysical ConsultationMode = "physical"
	ModeVideo    ConsultationMode = "video"
)

// PatientSnapshot is the denormalized patient demographic carried on a queue entry
type PatientSnapshot struct {
	ID         string `json:"id"`
	UHID       string `json:"uhid,omitempty"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Age        int    `json:"age"`
	Gender     string `json:"gender"`
	Phone      string `json:"phone"`
	BloodGroup string `json:"blood_group,omitempty"`
}

// QueueEntry is one patient's slot in a clinician's worklist for a day
type QueueEntry struct {
	ID                    string           `json:"id"`
	QueueNo               int              `json:"queue_no"`
	Status                Status           `json:"status"`
	Priority              bool             `json:"priority"`
	ClinicianID           string           `json:"clinician_id"`
	Patient               PatientSnapshot  `json:"patient"`
	ConsultationMode      ConsultationMode `json:"consultation_mode,omitempty"`
	JoinURL               string           `json:"join_url,omitempty"`
	Notes                 string           `json:"notes,omitempty"`
	QueueDate             string           `json:"queue_date"`
	WaitMinutes           *int             `json:"wait_minutes,omitempty"`
	ConsultationStartedAt *time.Time       `json:"consultation_started_at,omitempty"`
	ConsultationEndedAt   *time.Time       `json:"consultation_ended_at,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
}

// Consultation is the persisted record of a clinical encounter
type Consultation struct {
	ID                  string     `json:"id"`
	PatientID           string     `json:"patient_id"`
	ClinicianID         string     `json:"clinician_id"`
	QueueEntryID        string     `json:"queue_entry_id,omitempty"`
	ChiefComplaints     string     `json:"chief_complaints"`
	ExaminationFindings string     `json:"examination_findings,omitempty"`
	Diagnosis           string     `json:"diagnosis"`
	DiagnosisCodes      []string   `json:"diagnosis_codes,omitempty"`
	TreatmentPlan       string     `json:"treatment_plan,omitempty"`
	FollowUpDate        string     `json:"follow_up_date,omitempty"`
	FollowUpNotes       string     `json:"follow_up_notes,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ConsultationData is the write payload for creating or updating a consultation.
// ChiefComplaints and Diagnosis are never empty; callers substitute placeholders.
type ConsultationData struct {
	PatientID           string   `json:"patient_id,omitempty"`
	ClinicianID         string   `json:"clinician_id,omitempty"`
	QueueEntryID        string   `json:"queue_entry_id,omitempty"`
	ChiefComplaints     string   `json:"chief_complaints"`
	ExaminationFindings string   `json:"examination_findings,omitempty"`
	Diagnosis           string   `json:"diagnosis"`
	DiagnosisCodes      []string `json:"diagnosis_codes,omitempty"`
	TreatmentPlan       string   `json:"treatment_plan,omitempty"`
	FollowUpDate        string   `json:"follow_up_date,omitempty"`
	FollowUpNotes       string   `json:"follow_up_notes,omitempty"`
}

// PrescriptionLine is one drug line of a consultation's prescription
type PrescriptionLine struct {
	ID           string `json:"id"`
	DrugID       string `json:"drug_id,omitempty"`
	DrugName     string `json:"drug_name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration"`
	Route        string `json:"route"`
	Instructions string `json:"instructions"`
}

// DrugSummary is a catalog search hit used for prescription suggestions
type DrugSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	GenericName string `json:"generic_name,omitempty"`
	Strength    string `json:"strength,omitempty"`
	Form        string `json:"form,omitempty"`
}
