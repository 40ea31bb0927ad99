package opd

import (
	"github.com/drfirst/go-opd/pkg/idempotency"
)

// PrescriptionBatchKey fingerprints a prescription batch for one consultation.
// Two submissions with the same key carry identical lines in identical order.
func PrescriptionBatchKey(consultationID, patientID string, lines []PrescriptionLine) string {
	parts := make([]string, 0, 2+len(lines)*7)
	parts = append(parts, consultationID, patientID)
	for _, l := range lines {
		parts = append(parts, l.DrugID, l.DrugName, l.Dosage, l.Frequency, l.Duration, l.Route, l.Instructions)
	}
	return idempotency.GenerateKey(parts...)
}
