// Package consultation manages the in-progress consultation for the selected
// queue entry and the multi-step commit that completes it.
package consultation

import (
	"strings"

	"github.com/google/uuid"

	"github.com/drfirst/go-opd/internal/domain/opd"
)

// Placeholders substituted for empty required text so persisted rows stay non-null.
const (
	PlaceholderNotRecorded = "Not recorded"
	PlaceholderPending     = "Pending"
)

// Draft is the in-memory, not yet authoritative consultation content
type Draft struct {
	ChiefComplaints     string                 `json:"chief_complaints"`
	ExaminationFindings string                 `json:"examination_findings"`
	Diagnosis           string                 `json:"diagnosis"`
	DiagnosisCodes      []string               `json:"diagnosis_codes"`
	TreatmentPlan       string                 `json:"treatment_plan"`
	FollowUpDate        string                 `json:"follow_up_date"`
	FollowUpNotes       string                 `json:"follow_up_notes"`
	PrescriptionLines   []opd.PrescriptionLine `json:"prescription_lines"`
}

// Patch is a partial draft update; nil fields are left unchanged
type Patch struct {
	ChiefComplaints     *string                `json:"chief_complaints,omitempty"`
	ExaminationFindings *string                `json:"examination_findings,omitempty"`
	Diagnosis           *string                `json:"diagnosis,omitempty"`
	DiagnosisCodes      []string               `json:"diagnosis_codes,omitempty"`
	TreatmentPlan       *string                `json:"treatment_plan,omitempty"`
	FollowUpDate        *string                `json:"follow_up_date,omitempty"`
	FollowUpNotes       *string                `json:"follow_up_notes,omitempty"`
	PrescriptionLines   []opd.PrescriptionLine `json:"prescription_lines,omitempty"`
}

// Text returns a pointer to s for building patches
func Text(s string) *string { return &s }

// Clone returns a deep copy
func (d Draft) Clone() Draft {
	out := d
	out.DiagnosisCodes = append([]string(nil), d.DiagnosisCodes...)
	out.PrescriptionLines = append([]opd.PrescriptionLine(nil), d.PrescriptionLines...)
	return out
}

// apply merges p into d
func (d *Draft) apply(p Patch) {
	if p.ChiefComplaints != nil {
		d.ChiefComplaints = *p.ChiefComplaints
	}
	if p.ExaminationFindings != nil {
		d.ExaminationFindings = *p.ExaminationFindings
	}
	if p.Diagnosis != nil {
		d.Diagnosis = *p.Diagnosis
	}
	if p.DiagnosisCodes != nil {
		d.DiagnosisCodes = nil
		for _, code := range p.DiagnosisCodes {
			d.addCode(code)
		}
	}
	if p.TreatmentPlan != nil {
		d.TreatmentPlan = *p.TreatmentPlan
	}
	if p.FollowUpDate != nil {
		d.FollowUpDate = *p.FollowUpDate
	}
	if p.FollowUpNotes != nil {
		d.FollowUpNotes = *p.FollowUpNotes
	}
	if p.PrescriptionLines != nil {
		d.PrescriptionLines = nil
		for _, line := range p.PrescriptionLines {
			d.addLine(line)
		}
	}
}

// addCode appends a diagnosis code, keeping insertion order and no duplicates
func (d *Draft) addCode(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}
	for _, existing := range d.DiagnosisCodes {
		if existing == code {
			return false
		}
	}
	d.DiagnosisCodes = append(d.DiagnosisCodes, code)
	return true
}

func (d *Draft) removeCode(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for i, existing := range d.DiagnosisCodes {
		if existing == code {
			d.DiagnosisCodes = append(d.DiagnosisCodes[:i:i], d.DiagnosisCodes[i+1:]...)
			return true
		}
	}
	return false
}

// addLine appends a prescription line, assigning a local identity if missing
func (d *Draft) addLine(line opd.PrescriptionLine) opd.PrescriptionLine {
	if line.ID == "" {
		line.ID = uuid.New().String()
	}
	d.PrescriptionLines = append(d.PrescriptionLines, line)
	return line
}

func (d *Draft) lineIndex(id string) int {
	for i, l := range d.PrescriptionLines {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// validateForCompletion checks the fields a completed consultation must carry
func (d Draft) validateForCompletion() error {
	var missing []string
	if strings.TrimSpace(d.ChiefComplaints) == "" {
		missing = append(missing, "chief complaints")
	}
	if strings.TrimSpace(d.Diagnosis) == "" && len(d.DiagnosisCodes) == 0 {
		missing = append(missing, "diagnosis")
	}
	for _, l := range d.PrescriptionLines {
		if strings.TrimSpace(l.DrugName) == "" {
			missing = append(missing, "drug name for prescription line "+l.ID)
		}
	}
	if len(missing) > 0 {
		return opd.Validation("complete_consultation", "missing "+strings.Join(missing, ", "))
	}
	return nil
}

// savePolicy selects placeholder text for empty required fields
type savePolicy struct {
	complaints string
	diagnosis  string
}

var (
	explicitPolicy = savePolicy{complaints: PlaceholderNotRecorded, diagnosis: PlaceholderPending}
	autosavePolicy = savePolicy{complaints: PlaceholderPending, diagnosis: PlaceholderPending}
)

// toData converts a draft into a write payload applying the placeholder policy
func (d Draft) toData(pc PatientContext, policy savePolicy) opd.ConsultationData {
	return opd.ConsultationData{
		PatientID:           pc.PatientID,
		ClinicianID:         pc.ClinicianID,
		QueueEntryID:        pc.QueueEntryID,
		ChiefComplaints:     orDefault(d.ChiefComplaints, policy.complaints),
		ExaminationFindings: strings.TrimSpace(d.ExaminationFindings),
		Diagnosis:           orDefault(d.Diagnosis, policy.diagnosis),
		DiagnosisCodes:      append([]string(nil), d.DiagnosisCodes...),
		TreatmentPlan:       strings.TrimSpace(d.TreatmentPlan),
		FollowUpDate:        strings.TrimSpace(d.FollowUpDate),
		FollowUpNotes:       strings.TrimSpace(d.FollowUpNotes),
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// draftFromConsultation hydrates a draft from a persisted consultation.
// Prescription lines are not part of the consultation record and start empty.
func draftFromConsultation(c opd.Consultation) Draft {
	d := Draft{
		ChiefComplaints:     c.ChiefComplaints,
		ExaminationFindings: c.ExaminationFindings,
		Diagnosis:           c.Diagnosis,
		TreatmentPlan:       c.TreatmentPlan,
		FollowUpDate:        c.FollowUpDate,
		FollowUpNotes:       c.FollowUpNotes,
	}
	for _, code := range c.DiagnosisCodes {
		d.addCode(code)
	}
	return d
}
