package appointment

import (
	"encoding/json"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/identity"
)

type AppointmentID int64

type AppointmentStatus string

// requested --confirm--> confirmed --complete--> completed
// requested|confirmed --cancel--> cancelled
const (
	StatusRequested AppointmentStatus = "requested"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

var Statuses = []AppointmentStatus{StatusRequested, StatusConfirmed, StatusCompleted, StatusCancelled}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions and do not block the calendar.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Appointment struct {
	ID         AppointmentID     `json:"id"`
	PatientID  identity.PersonID `json:"patient_id"`
	DoctorID   identity.PersonID `json:"doctor_id"`
	Start      time.Time         `json:"start"`
	Duration   time.Duration     `json:"duration"`
	Status     AppointmentStatus `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	DisputedAt *time.Time        `json:"disputed_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (a Appointment) End() time.Time {
	return a.Start.Add(a.Duration)
}

// Overlaps tests [a.Start, a.End) against [start, end). Touching intervals do not overlap.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return start.Before(a.End()) && a.Start.Before(end)
}

const (
	EventAppointmentRequested   = "APPOINTMENT_REQUESTED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentDisputed    = "APPOINTMENT_DISPUTED"
	EventAppointmentPrebilled   = "APPOINTMENT_PREBILLED"
)

type EventID int64

type EventLog struct {
	ID            EventID           `json:"id"`
	EventType     string            `json:"event_type"`
	AppointmentID AppointmentID     `json:"appointment_id"`
	ActorID       identity.PersonID `json:"actor_id"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
