package ledger

import (
	"time"

	"github.com/hackgods/clinic-scheduling/internal/identity"
)

type EntryID int64

type Prescription struct {
	Medication string `json:"medication"`
	Dosage     string `json:"dosage,omitempty"`
	Frequency  string `json:"frequency,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

// Visit is what the doctor writes down for an encounter.
type Visit struct {
	Diagnosis     string         `json:"diagnosis,omitempty"`
	Treatment     string         `json:"treatment,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	Prescriptions []Prescription `json:"prescriptions,omitempty"`
}

func (v Visit) empty() bool {
	return v.Diagnosis == "" && v.Treatment == "" && v.Notes == "" && len(v.Prescriptions) == 0
}

// Entry is immutable once committed. An amendment is a new entry whose AmendsID points at
// the entry it corrects.
type Entry struct {
	ID            EntryID           `json:"id"`
	PatientID     identity.PersonID `json:"patient_id"`
	DoctorID      identity.PersonID `json:"doctor_id"`
	AppointmentID int64             `json:"appointment_id"`
	Visit
	AmendsID   EntryID   `json:"amends_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Encounter reports whether e is the original record of a visit rather than an amendment.
func (e Entry) Encounter() bool {
	return e.AmendsID == 0
}

// Draft is the input to Prepare.
type Draft struct {
	PatientID     identity.PersonID
	DoctorID      identity.PersonID
	AppointmentID int64
	Visit         Visit
}

func (e Entry) clone() Entry {
	out := e
	out.Prescriptions = append([]Prescription(nil), e.Prescriptions...)
	if len(out.Prescriptions) == 0 {
		out.Prescriptions = nil
	}
	return out
}
