// Package ledger is the append-only medical history. Encounter entries are written only
// through Prepare and Commit, which the scheduler calls while completing an appointment.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/arena"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
)

// CareRelation answers whether a doctor has seen or is booked with a patient.
type CareRelation interface {
	Treats(doctorID, patientID identity.PersonID) bool
}

type Ledger struct {
	entries *arena.Table[EntryID, Entry]
	access  *access.Engine
	care    CareRelation
	now     func() time.Time
}

func New(engine *access.Engine, care CareRelation, now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Round(0) }
	}
	return &Ledger{
		entries: arena.New[EntryID, Entry]("history entry"),
		access:  engine,
		care:    care,
		now:     now,
	}
}

// Prepare validates a draft and returns the entry Commit will store. Nothing is written.
func (l *Ledger) Prepare(d Draft) (Entry, error) {
	if d.PatientID <= 0 || d.DoctorID <= 0 || d.AppointmentID <= 0 {
		return Entry{}, fmt.Errorf("%w: history entry needs patient, doctor and appointment", domain.ErrInvalidInput)
	}
	visit := normalizeVisit(d.Visit)
	if visit.empty() {
		return Entry{}, fmt.Errorf("%w: history entry has no content", domain.ErrInvalidInput)
	}
	for _, p := range visit.Prescriptions {
		if p.Medication == "" {
			return Entry{}, fmt.Errorf("%w: prescription without medication", domain.ErrInvalidInput)
		}
	}
	if _, ok := l.ForAppointment(d.AppointmentID); ok {
		return Entry{}, fmt.Errorf("appointment %d already has a history entry: %w", d.AppointmentID, domain.ErrInvalidTransition)
	}

	return Entry{
		PatientID:     d.PatientID,
		DoctorID:      d.DoctorID,
		AppointmentID: d.AppointmentID,
		Visit:         visit,
	}.clone(), nil
}

// Commit stores a prepared entry and cannot fail.
func (l *Ledger) Commit(e Entry) Entry {
	e = e.clone()
	return l.entries.Insert(func(id EntryID) Entry {
		e.ID = id
		if e.RecordedAt.IsZero() {
			e.RecordedAt = l.now()
		}
		return e
	})
}

// ForAppointment returns the encounter entry recorded for an appointment.
func (l *Ledger) ForAppointment(appointmentID int64) (Entry, bool) {
	rows := l.entries.Select(func(e Entry) bool {
		return e.AppointmentID == appointmentID && e.Encounter()
	})
	if len(rows) == 0 {
		return Entry{}, false
	}
	return rows[0].clone(), true
}

// HistoryFor lists a patient's entries, amendments included, oldest first.
func (l *Ledger) HistoryFor(actor access.Actor, patientID identity.PersonID) ([]Entry, error) {
	if err := l.access.RequireSelf(actor, access.OpViewHistory, patientID); err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleDoctor && !l.care.Treats(actor.ID, patientID) {
		return nil, l.access.Deny(actor, access.OpViewHistory, "doctor does not treat patient")
	}
	return l.history(patientID), nil
}

func (l *Ledger) history(patientID identity.PersonID) []Entry {
	rows := l.entries.Select(func(e Entry) bool { return e.PatientID == patientID })
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].RecordedAt.Equal(rows[j].RecordedAt) {
			return rows[i].RecordedAt.Before(rows[j].RecordedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	for i := range rows {
		rows[i] = rows[i].clone()
	}
	return rows
}

// Amend appends a correction to an existing entry. The original is left as it was.
func (l *Ledger) Amend(actor access.Actor, entryID EntryID, visit Visit) (Entry, error) {
	if err := l.access.Require(actor, access.OpAmendHistory); err != nil {
		return Entry{}, err
	}
	orig, err := l.entries.Get(entryID)
	if err != nil {
		return Entry{}, err
	}
	if actor.Role == domain.RoleDoctor && !l.care.Treats(actor.ID, orig.PatientID) {
		return Entry{}, l.access.Deny(actor, access.OpAmendHistory, "doctor does not treat patient")
	}
	visit = normalizeVisit(visit)
	if visit.empty() {
		return Entry{}, fmt.Errorf("%w: amendment has no content", domain.ErrInvalidInput)
	}

	return l.Commit(Entry{
		PatientID:     orig.PatientID,
		DoctorID:      actor.ID,
		AppointmentID: orig.AppointmentID,
		Visit:         visit,
		AmendsID:      orig.ID,
	}), nil
}

func (l *Ledger) Get(id EntryID) (Entry, error) {
	e, err := l.entries.Get(id)
	if err != nil {
		return Entry{}, err
	}
	return e.clone(), nil
}

func (l *Ledger) Export() []Entry {
	rows := l.entries.Select(nil)
	for i := range rows {
		rows[i] = rows[i].clone()
	}
	return rows
}

// ValidateRecords checks entries on their own: ids, amendment targets and one encounter per
// appointment. References to people and appointments are checked by the caller.
func ValidateRecords(entries []Entry) error {
	byID := make(map[EntryID]Entry, len(entries))
	encounters := make(map[int64]EntryID)
	for _, e := range entries {
		if e.ID <= 0 {
			return fmt.Errorf("%w: history entry id %d is not positive", domain.ErrInvalidInput, e.ID)
		}
		if _, dup := byID[e.ID]; dup {
			return fmt.Errorf("%w: duplicate history entry id %d", domain.ErrInvalidInput, e.ID)
		}
		byID[e.ID] = e
		if e.Encounter() {
			if prev, dup := encounters[e.AppointmentID]; dup {
				return fmt.Errorf("%w: entries %d and %d both record appointment %d", domain.ErrInvalidInput, prev, e.ID, e.AppointmentID)
			}
			encounters[e.AppointmentID] = e.ID
		}
	}
	for _, e := range entries {
		if e.Encounter() {
			continue
		}
		target, ok := byID[e.AmendsID]
		if !ok || target.PatientID != e.PatientID {
			return fmt.Errorf("%w: entry %d amends unknown entry %d", domain.ErrInvalidInput, e.ID, e.AmendsID)
		}
	}
	return nil
}

func (l *Ledger) Restore(entries []Entry) error {
	if err := ValidateRecords(entries); err != nil {
		return err
	}
	rows := make([]Entry, len(entries))
	for i, e := range entries {
		rows[i] = e.clone()
	}
	return l.entries.Replace(rows, func(e Entry) EntryID { return e.ID })
}

func normalizeVisit(v Visit) Visit {
	v.Diagnosis = strings.TrimSpace(v.Diagnosis)
	v.Treatment = strings.TrimSpace(v.Treatment)
	v.Notes = strings.TrimSpace(v.Notes)
	rx := make([]Prescription, 0, len(v.Prescriptions))
	for _, p := range v.Prescriptions {
		p.Medication = strings.TrimSpace(p.Medication)
		rx = append(rx, p)
	}
	if len(rx) == 0 {
		rx = nil
	}
	v.Prescriptions = rx
	return v
}
