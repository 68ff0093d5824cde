// Package reporting aggregates the other components' records. It owns no state and never
// writes.
package reporting

import (
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
)

type Appointments interface {
	All() []appointment.Appointment
}

type Invoices interface {
	All() []billing.Invoice
}

type People interface {
	Lookup(id identity.PersonID) (identity.Person, error)
	List(role domain.Role) []identity.Person
}

type AppointmentCounts struct {
	Requested int `json:"requested"`
	Confirmed int `json:"confirmed"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

func (c *AppointmentCounts) add(s appointment.AppointmentStatus) {
	switch s {
	case appointment.StatusRequested:
		c.Requested++
	case appointment.StatusConfirmed:
		c.Confirmed++
	case appointment.StatusCompleted:
		c.Completed++
	case appointment.StatusCancelled:
		c.Cancelled++
	}
	c.Total++
}

// Revenue covers invoices issued in [From, To). Voided invoices count only towards Voided.
type Revenue struct {
	From        time.Time     `json:"from"`
	To          time.Time     `json:"to"`
	Invoices    int           `json:"invoices"`
	Billed      billing.Cents `json:"billed"`
	Collected   billing.Cents `json:"collected"`
	Outstanding billing.Cents `json:"outstanding"`
	Voided      billing.Cents `json:"voided"`
}

type DoctorLoad struct {
	DoctorID identity.PersonID `json:"doctor_id"`
	Name     string            `json:"name"`
	Patients int               `json:"patients"`
}

type DoctorSummary struct {
	DoctorID     identity.PersonID `json:"doctor_id"`
	Name         string            `json:"name"`
	Specialty    string            `json:"specialty"`
	Appointments AppointmentCounts `json:"appointments"`
	Patients     int               `json:"patients"`
	Billed       billing.Cents     `json:"billed"`
	Collected    billing.Cents     `json:"collected"`
}

type Facade struct {
	appts    Appointments
	invoices Invoices
	people   People
	access   *access.Engine
}

func NewFacade(appts Appointments, invoices Invoices, people People, engine *access.Engine) *Facade {
	return &Facade{appts: appts, invoices: invoices, people: people, access: engine}
}

// AppointmentCounts counts appointments by status, for one doctor or, with doctorID 0,
// for everyone.
func (f *Facade) AppointmentCounts(actor access.Actor, doctorID identity.PersonID) (AppointmentCounts, error) {
	if err := f.access.Require(actor, access.OpReports); err != nil {
		return AppointmentCounts{}, err
	}
	if doctorID != 0 {
		if _, err := f.doctor(doctorID); err != nil {
			return AppointmentCounts{}, err
		}
	}

	var c AppointmentCounts
	for _, a := range f.appts.All() {
		if doctorID == 0 || a.DoctorID == doctorID {
			c.add(a.Status)
		}
	}
	return c, nil
}

func (f *Facade) Revenue(actor access.Actor, from, to time.Time) (Revenue, error) {
	if err := f.access.Require(actor, access.OpReports); err != nil {
		return Revenue{}, err
	}
	if !from.Before(to) {
		return Revenue{}, fmt.Errorf("%w: revenue range must have from before to", domain.ErrInvalidInput)
	}

	r := Revenue{From: from, To: to}
	for _, inv := range f.invoices.All() {
		if inv.IssuedAt.Before(from) || !inv.IssuedAt.Before(to) {
			continue
		}
		r.Invoices++
		if inv.Status == billing.StatusVoid {
			r.Voided += inv.Total
			continue
		}
		r.Billed += inv.Total
		r.Collected += inv.Paid
	}
	r.Outstanding = r.Billed - r.Collected
	return r, nil
}

// PatientsPerDoctor counts distinct patients with a non-cancelled appointment, for every
// doctor, ordered by doctor id.
func (f *Facade) PatientsPerDoctor(actor access.Actor) ([]DoctorLoad, error) {
	if err := f.access.Require(actor, access.OpReports); err != nil {
		return nil, err
	}

	patients := f.patientSets()
	doctors := f.people.List(domain.RoleDoctor)
	out := make([]DoctorLoad, 0, len(doctors))
	for _, d := range doctors {
		out = append(out, DoctorLoad{DoctorID: d.ID, Name: d.Name, Patients: len(patients[d.ID])})
	}
	return out, nil
}

// Overdue lists pending invoices whose due date is before now.
func (f *Facade) Overdue(actor access.Actor, now time.Time) ([]billing.Invoice, error) {
	if err := f.access.Require(actor, access.OpReports); err != nil {
		return nil, err
	}
	var out []billing.Invoice
	for _, inv := range f.invoices.All() {
		if inv.Overdue(now) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *Facade) DoctorSummary(actor access.Actor, doctorID identity.PersonID) (DoctorSummary, error) {
	if err := f.access.Require(actor, access.OpReports); err != nil {
		return DoctorSummary{}, err
	}
	doc, err := f.doctor(doctorID)
	if err != nil {
		return DoctorSummary{}, err
	}

	s := DoctorSummary{DoctorID: doc.ID, Name: doc.Name, Specialty: doc.Doctor.Specialty}
	mine := make(map[int64]bool)
	for _, a := range f.appts.All() {
		if a.DoctorID != doctorID {
			continue
		}
		s.Appointments.add(a.Status)
		mine[int64(a.ID)] = true
	}
	s.Patients = len(f.patientSets()[doctorID])

	for _, inv := range f.invoices.All() {
		if !mine[inv.AppointmentID] || inv.Status == billing.StatusVoid {
			continue
		}
		s.Billed += inv.Total
		s.Collected += inv.Paid
	}
	return s, nil
}

func (f *Facade) doctor(id identity.PersonID) (identity.Person, error) {
	p, err := f.people.Lookup(id)
	if err != nil {
		return identity.Person{}, err
	}
	if p.Role != domain.RoleDoctor || p.Doctor == nil {
		return identity.Person{}, fmt.Errorf("doctor %d: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (f *Facade) patientSets() map[identity.PersonID]map[identity.PersonID]struct{} {
	sets := make(map[identity.PersonID]map[identity.PersonID]struct{})
	for _, a := range f.appts.All() {
		if a.Status == appointment.StatusCancelled {
			continue
		}
		if sets[a.DoctorID] == nil {
			sets[a.DoctorID] = make(map[identity.PersonID]struct{})
		}
		sets[a.DoctorID][a.PatientID] = struct{}{}
	}
	return sets
}
