package appointment

import (
	"fmt"

	"github.com/hackgods/clinic-scheduling/internal/arena"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
)

// Repository contains all record access needed by the scheduler.
type Repository interface {
	Create(build func(id AppointmentID) Appointment) Appointment
	Get(id AppointmentID) (Appointment, error)
	// Update stores fn's changes only when fn returns nil.
	Update(id AppointmentID, fn func(*Appointment) error) (Appointment, error)
	Select(keep func(Appointment) bool) []Appointment

	// For conflict checks
	ActiveForDoctor(doctorID identity.PersonID) []Appointment
	// Treats reports whether the doctor has any appointment with the patient.
	Treats(doctorID, patientID identity.PersonID) bool

	// Event logging
	InsertEvent(ev EventLog) EventLog
	Events(id AppointmentID) []EventLog

	Export() ([]Appointment, []EventLog)
	Restore(appts []Appointment, events []EventLog) error
}

type MemoryRepository struct {
	appts  *arena.Table[AppointmentID, Appointment]
	events *arena.Table[EventID, EventLog]
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		appts:  arena.New[AppointmentID, Appointment]("appointment"),
		events: arena.New[EventID, EventLog]("event"),
	}
}

func (r *MemoryRepository) Create(build func(id AppointmentID) Appointment) Appointment {
	return r.appts.Insert(build)
}

func (r *MemoryRepository) Get(id AppointmentID) (Appointment, error) {
	return r.appts.Get(id)
}

func (r *MemoryRepository) Update(id AppointmentID, fn func(*Appointment) error) (Appointment, error) {
	return r.appts.Update(id, fn)
}

func (r *MemoryRepository) Select(keep func(Appointment) bool) []Appointment {
	return r.appts.Select(keep)
}

func (r *MemoryRepository) ActiveForDoctor(doctorID identity.PersonID) []Appointment {
	return r.appts.Select(func(a Appointment) bool {
		return a.DoctorID == doctorID && !a.Status.Terminal()
	})
}

func (r *MemoryRepository) Treats(doctorID, patientID identity.PersonID) bool {
	return len(r.appts.Select(func(a Appointment) bool {
		return a.DoctorID == doctorID && a.PatientID == patientID
	})) > 0
}

func (r *MemoryRepository) InsertEvent(ev EventLog) EventLog {
	return r.events.Insert(func(id EventID) EventLog {
		ev.ID = id
		return ev
	})
}

func (r *MemoryRepository) Events(id AppointmentID) []EventLog {
	return r.events.Select(func(ev EventLog) bool { return ev.AppointmentID == id })
}

func (r *MemoryRepository) Export() ([]Appointment, []EventLog) {
	return r.appts.Select(nil), r.events.Select(nil)
}

func (r *MemoryRepository) Restore(appts []Appointment, events []EventLog) error {
	if err := ValidateRecords(appts, events); err != nil {
		return err
	}
	if err := r.appts.Replace(appts, func(a Appointment) AppointmentID { return a.ID }); err != nil {
		return err
	}
	return r.events.Replace(events, func(ev EventLog) EventID { return ev.ID })
}

// ValidateRecords checks appointments and their event log before a restore, including the
// per-doctor non-overlap invariant.
func ValidateRecords(appts []Appointment, events []EventLog) error {
	byID := make(map[AppointmentID]Appointment, len(appts))
	active := make(map[identity.PersonID][]Appointment)

	for _, a := range appts {
		if a.ID <= 0 {
			return fmt.Errorf("%w: appointment id %d is not positive", domain.ErrInvalidInput, a.ID)
		}
		if _, dup := byID[a.ID]; dup {
			return fmt.Errorf("%w: duplicate appointment id %d", domain.ErrInvalidInput, a.ID)
		}
		byID[a.ID] = a

		if !a.Status.Valid() {
			return fmt.Errorf("%w: appointment %d has status %q", domain.ErrInvalidInput, a.ID, a.Status)
		}
		if a.Duration <= 0 {
			return fmt.Errorf("%w: appointment %d has non-positive duration", domain.ErrInvalidInput, a.ID)
		}
		if a.Status.Terminal() {
			continue
		}
		for _, other := range active[a.DoctorID] {
			if other.Overlaps(a.Start, a.End()) {
				return fmt.Errorf("appointments %d and %d overlap: %w", other.ID, a.ID, domain.ErrSchedulingConflict)
			}
		}
		active[a.DoctorID] = append(active[a.DoctorID], a)
	}

	seen := make(map[EventID]bool, len(events))
	for _, ev := range events {
		if ev.ID <= 0 || seen[ev.ID] {
			return fmt.Errorf("%w: event id %d is missing or duplicated", domain.ErrInvalidInput, ev.ID)
		}
		seen[ev.ID] = true
		if _, ok := byID[ev.AppointmentID]; !ok {
			return fmt.Errorf("%w: event %d references appointment %d", domain.ErrInvalidInput, ev.ID, ev.AppointmentID)
		}
	}
	return nil
}
