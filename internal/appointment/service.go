package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/ledger"
	"github.com/hackgods/clinic-scheduling/internal/lock"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

// People resolves participants.
type People interface {
	Lookup(id identity.PersonID) (identity.Person, error)
}

// HistoryRecorder is the ledger's write path.
type HistoryRecorder interface {
	Prepare(d ledger.Draft) (ledger.Entry, error)
	Commit(e ledger.Entry) ledger.Entry
}

// Invoicer is the part of billing the scheduler drives.
type Invoicer interface {
	Prepare(ref billing.AppointmentRef, extra []billing.LineItem) (billing.Invoice, error)
	Commit(inv billing.Invoice) billing.Invoice
	ForAppointment(appointmentID int64) (billing.Invoice, bool)
	Void(id billing.InvoiceID, reason string) (billing.Invoice, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Repo    Repository
	People  People
	Access  *access.Engine
	Locker  lock.Locker
	History HistoryRecorder
	Billing Invoicer
	Log     *logger.Logger
	Now     func() time.Time
	// Location is where working hours are read. Defaults to UTC.
	Location *time.Location
}

// Service is the scheduling engine: the appointment state machine over a Repository.
type Service struct {
	repo    Repository
	people  People
	access  *access.Engine
	locker  lock.Locker
	history HistoryRecorder
	billing Invoicer
	now     func() time.Time
	loc     *time.Location
	log     *logrus.Entry
}

// NewService builds a scheduler from d, filling in a UTC clock and a discarding logger.
func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC().Round(0) }
	}
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Service{
		repo:    d.Repo,
		people:  d.People,
		access:  d.Access,
		locker:  d.Locker,
		history: d.History,
		billing: d.Billing,
		now:     d.Now,
		loc:     d.Location,
		log:     d.Log.WithComponent("scheduler"),
	}
}

// Completion is everything a successful Complete produced.
type Completion struct {
	Appointment Appointment     `json:"appointment"`
	Entry       ledger.Entry    `json:"entry"`
	Invoice     billing.Invoice `json:"invoice"`
}

// Request books [start, start+duration) with a doctor. The overlap check and the insert
// run under the doctor's lock so two requests for one calendar cannot both pass.
func (s *Service) Request(ctx context.Context, actor access.Actor, patientID, doctorID identity.PersonID, start time.Time, duration time.Duration) (Appointment, error) {
	if err := s.access.RequireSelf(actor, access.OpRequest, patientID); err != nil {
		return Appointment{}, err
	}
	if start.IsZero() || duration <= 0 {
		return Appointment{}, fmt.Errorf("%w: appointment needs a start and a positive duration", domain.ErrInvalidInput)
	}
	if _, err := s.participant(patientID, domain.RolePatient); err != nil {
		return Appointment{}, err
	}
	doctor, err := s.participant(doctorID, domain.RoleDoctor)
	if err != nil {
		return Appointment{}, err
	}
	start = start.Round(0).UTC()
	if !doctor.Doctor.WorkingHours.Covers(start.In(s.loc), duration) {
		return Appointment{}, fmt.Errorf("outside working hours of doctor %d: %w", doctorID, domain.ErrSchedulingConflict)
	}

	var created Appointment
	err = s.locker.WithLock(ctx, lock.DoctorKey(int64(doctorID)), func(lockCtx context.Context) error {
		if err := s.checkCalendar(doctorID, 0, start, duration); err != nil {
			return err
		}

		now := s.now()
		created = s.repo.Create(func(id AppointmentID) Appointment {
			return Appointment{
				ID:        id,
				PatientID: patientID,
				DoctorID:  doctorID,
				Start:     start,
				Duration:  duration,
				Status:    StatusRequested,
				CreatedAt: now,
				UpdatedAt: now,
			}
		})

		s.logEvent(created.ID, EventAppointmentRequested, actor, map[string]any{
			"patient_id": patientID,
			"doctor_id":  doctorID,
			"start":      start,
			"duration":   duration.String(),
		})
		return nil
	})
	if err != nil {
		return Appointment{}, err
	}
	return created, nil
}

// Confirm moves a requested appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, actor access.Actor, id AppointmentID) (Appointment, error) {
	if err := s.access.Require(actor, access.OpConfirm); err != nil {
		return Appointment{}, err
	}

	var updated Appointment
	err := s.withAppointment(ctx, actor, access.OpConfirm, id, func(a Appointment) error {
		var err error
		updated, err = s.repo.Update(id, func(a *Appointment) error {
			if a.Status != StatusRequested {
				return fmt.Errorf("confirm appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
			}
			a.Status = StatusConfirmed
			a.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			return err
		}
		s.logEvent(id, EventAppointmentConfirmed, actor, map[string]any{})
		return nil
	})
	return updated, err
}

// Complete records the encounter, bills it and closes the appointment as one unit. Both
// drafts are validated before anything is written and the commits cannot fail, so either
// all three effects happen or none do.
func (s *Service) Complete(ctx context.Context, actor access.Actor, id AppointmentID, visit ledger.Visit, extra ...billing.LineItem) (Completion, error) {
	if err := s.access.Require(actor, access.OpComplete); err != nil {
		return Completion{}, err
	}

	var done Completion
	err := s.withAppointment(ctx, actor, access.OpComplete, id, func(a Appointment) error {
		if a.Status != StatusConfirmed {
			return fmt.Errorf("complete appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
		}

		entry, err := s.history.Prepare(ledger.Draft{
			PatientID:     a.PatientID,
			DoctorID:      a.DoctorID,
			AppointmentID: int64(id),
			Visit:         visit,
		})
		if err != nil {
			return fmt.Errorf("prepare history entry: %w", err)
		}

		invoice, prebilled := s.billing.ForAppointment(int64(id))
		var draft billing.Invoice
		switch {
		case prebilled && invoice.Status == billing.StatusVoid:
			return fmt.Errorf("appointment %d has a void invoice: %w", id, domain.ErrInvalidTransition)
		case prebilled && len(extra) > 0:
			return fmt.Errorf("%w: appointment %d is already invoiced, extra items not accepted", domain.ErrInvalidInput, id)
		case !prebilled:
			draft, err = s.billing.Prepare(s.billingRef(a), extra)
			if err != nil {
				return fmt.Errorf("prepare invoice: %w", err)
			}
		}

		updated, err := s.repo.Update(id, func(a *Appointment) error {
			if a.Status != StatusConfirmed {
				return fmt.Errorf("complete appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
			}
			a.Status = StatusCompleted
			a.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			return err
		}

		done.Appointment = updated
		done.Entry = s.history.Commit(entry)
		if prebilled {
			done.Invoice = invoice
		} else {
			done.Invoice = s.billing.Commit(draft)
		}

		s.logEvent(id, EventAppointmentCompleted, actor, map[string]any{
			"entry_id":   done.Entry.ID,
			"invoice_id": done.Invoice.ID,
			"prebilled":  prebilled,
		})
		return nil
	})
	return done, err
}

// Cancel ends a non-terminal appointment and voids its invoice if one was issued.
func (s *Service) Cancel(ctx context.Context, actor access.Actor, id AppointmentID, reason string) (Appointment, error) {
	if err := s.access.Require(actor, access.OpCancel); err != nil {
		return Appointment{}, err
	}

	var updated Appointment
	err := s.withAppointment(ctx, actor, access.OpCancel, id, func(a Appointment) error {
		if a.Status.Terminal() {
			return fmt.Errorf("cancel appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
		}
		payload := map[string]any{}
		voided, err := s.voidInvoice(id, "appointment cancelled")
		if err != nil {
			return err
		}
		if voided != 0 {
			payload["voided_invoice_id"] = voided
		}

		updated, err = s.repo.Update(id, func(a *Appointment) error {
			if a.Status.Terminal() {
				return fmt.Errorf("cancel appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
			}
			a.Status = StatusCancelled
			a.Reason = strings.TrimSpace(reason)
			a.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			return err
		}

		payload["reason"] = updated.Reason
		s.logEvent(id, EventAppointmentCancelled, actor, payload)
		return nil
	})
	return updated, err
}

// Reschedule moves a non-terminal appointment. It goes back to requested so the doctor
// confirms the new time.
func (s *Service) Reschedule(ctx context.Context, actor access.Actor, id AppointmentID, start time.Time, duration time.Duration) (Appointment, error) {
	if err := s.access.Require(actor, access.OpReschedule); err != nil {
		return Appointment{}, err
	}
	if start.IsZero() || duration <= 0 {
		return Appointment{}, fmt.Errorf("%w: appointment needs a start and a positive duration", domain.ErrInvalidInput)
	}
	current, err := s.repo.Get(id)
	if err != nil {
		return Appointment{}, err
	}
	if err := s.scope(actor, access.OpReschedule, current); err != nil {
		return Appointment{}, err
	}
	doctor, err := s.participant(current.DoctorID, domain.RoleDoctor)
	if err != nil {
		return Appointment{}, err
	}
	start = start.Round(0).UTC()
	if !doctor.Doctor.WorkingHours.Covers(start.In(s.loc), duration) {
		return Appointment{}, fmt.Errorf("outside working hours of doctor %d: %w", current.DoctorID, domain.ErrSchedulingConflict)
	}

	var updated Appointment
	err = s.locker.WithLock(ctx, lock.DoctorKey(int64(current.DoctorID)), func(lockCtx context.Context) error {
		return s.withAppointment(lockCtx, actor, access.OpReschedule, id, func(a Appointment) error {
			if a.Status.Terminal() {
				return fmt.Errorf("reschedule appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
			}
			if err := s.checkCalendar(a.DoctorID, id, start, duration); err != nil {
				return err
			}

			var err error
			updated, err = s.repo.Update(id, func(a *Appointment) error {
				a.Start = start
				a.Duration = duration
				a.Status = StatusRequested
				a.UpdatedAt = s.now()
				return nil
			})
			if err != nil {
				return err
			}
			s.logEvent(id, EventAppointmentRescheduled, actor, map[string]any{
				"from":     a.Start,
				"to":       start,
				"duration": duration.String(),
			})
			return nil
		})
	})
	return updated, err
}

// Dispute voids the invoice of a completed appointment. The appointment stays completed and
// its history entry stays in the ledger.
func (s *Service) Dispute(ctx context.Context, actor access.Actor, id AppointmentID, reason string) (Appointment, error) {
	if err := s.access.Require(actor, access.OpDispute); err != nil {
		return Appointment{}, err
	}

	var updated Appointment
	err := s.withAppointment(ctx, actor, access.OpDispute, id, func(a Appointment) error {
		if a.Status != StatusCompleted || a.DisputedAt != nil {
			return fmt.Errorf("dispute appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
		}
		payload := map[string]any{}
		voided, err := s.voidInvoice(id, "appointment disputed")
		if err != nil {
			return err
		}
		if voided != 0 {
			payload["voided_invoice_id"] = voided
		}

		updated, err = s.repo.Update(id, func(a *Appointment) error {
			if a.Status != StatusCompleted || a.DisputedAt != nil {
				return fmt.Errorf("dispute appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
			}
			now := s.now()
			a.DisputedAt = &now
			a.Reason = strings.TrimSpace(reason)
			a.UpdatedAt = now
			return nil
		})
		if err != nil {
			return err
		}

		payload["reason"] = updated.Reason
		s.logEvent(id, EventAppointmentDisputed, actor, payload)
		return nil
	})
	return updated, err
}

// Prebill issues the invoice of a confirmed appointment ahead of the visit. Complete later
// adopts it.
func (s *Service) Prebill(ctx context.Context, actor access.Actor, id AppointmentID, extra ...billing.LineItem) (billing.Invoice, error) {
	if err := s.access.Require(actor, access.OpPrebill); err != nil {
		return billing.Invoice{}, err
	}

	var issued billing.Invoice
	err := s.withAppointment(ctx, actor, access.OpPrebill, id, func(a Appointment) error {
		if a.Status != StatusConfirmed {
			return fmt.Errorf("prebill appointment %d in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
		}
		draft, err := s.billing.Prepare(s.billingRef(a), extra)
		if err != nil {
			return err
		}
		issued = s.billing.Commit(draft)
		s.logEvent(id, EventAppointmentPrebilled, actor, map[string]any{"invoice_id": issued.ID})
		return nil
	})
	return issued, err
}

func (s *Service) Get(ctx context.Context, actor access.Actor, id AppointmentID) (Appointment, error) {
	if err := s.access.Require(actor, access.OpViewAppt); err != nil {
		return Appointment{}, err
	}
	a, err := s.repo.Get(id)
	if err != nil {
		return Appointment{}, err
	}
	if err := s.scope(actor, access.OpViewAppt, a); err != nil {
		return Appointment{}, err
	}
	return a, nil
}

// ListForDoctor returns the doctor's appointments ordered by start, ties by id. An empty
// filter matches every status. Each call returns a fresh slice.
func (s *Service) ListForDoctor(ctx context.Context, actor access.Actor, doctorID identity.PersonID, statuses ...AppointmentStatus) ([]Appointment, error) {
	if err := s.access.Require(actor, access.OpViewAppt); err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RolePatient:
		return nil, s.access.Deny(actor, access.OpViewAppt, "patients cannot list a doctor's calendar")
	case domain.RoleDoctor:
		if !actor.Is(doctorID) {
			return nil, s.access.Deny(actor, access.OpViewAppt, "doctors list their own calendar only")
		}
	}
	p, err := s.people.Lookup(doctorID)
	if err != nil {
		return nil, err
	}
	if p.Role != domain.RoleDoctor {
		return nil, fmt.Errorf("doctor %d: %w", doctorID, domain.ErrNotFound)
	}

	match := statusFilter(statuses)
	return sortByStart(s.repo.Select(func(a Appointment) bool {
		return a.DoctorID == doctorID && match(a.Status)
	})), nil
}

// ListForPatient returns a patient's appointments ordered by start. Doctors see only the
// ones booked with them.
func (s *Service) ListForPatient(ctx context.Context, actor access.Actor, patientID identity.PersonID, statuses ...AppointmentStatus) ([]Appointment, error) {
	if err := s.access.RequireSelf(actor, access.OpViewAppt, patientID); err != nil {
		return nil, err
	}
	p, err := s.people.Lookup(patientID)
	if err != nil {
		return nil, err
	}
	if p.Role != domain.RolePatient {
		return nil, fmt.Errorf("patient %d: %w", patientID, domain.ErrNotFound)
	}

	match := statusFilter(statuses)
	return sortByStart(s.repo.Select(func(a Appointment) bool {
		if a.PatientID != patientID || !match(a.Status) {
			return false
		}
		return actor.Role != domain.RoleDoctor || a.DoctorID == actor.ID
	})), nil
}

// Events returns the audit trail of one appointment.
func (s *Service) Events(ctx context.Context, actor access.Actor, id AppointmentID) ([]EventLog, error) {
	if err := s.access.Require(actor, access.OpEvents); err != nil {
		return nil, err
	}
	if _, err := s.repo.Get(id); err != nil {
		return nil, err
	}
	return s.repo.Events(id), nil
}

func (s *Service) Treats(doctorID, patientID identity.PersonID) bool {
	return s.repo.Treats(doctorID, patientID)
}

// All returns every appointment ordered by id, for read-only consumers.
func (s *Service) All() []Appointment {
	return s.repo.Select(nil)
}

// withAppointment runs fn on the current record while holding the appointment's lock,
// after checking the actor may touch it.
func (s *Service) withAppointment(ctx context.Context, actor access.Actor, op access.Operation, id AppointmentID, fn func(a Appointment) error) error {
	return s.locker.WithLock(ctx, lock.AppointmentKey(int64(id)), func(lockCtx context.Context) error {
		a, err := s.repo.Get(id)
		if err != nil {
			return err
		}
		if err := s.scope(actor, op, a); err != nil {
			return err
		}
		return fn(a)
	})
}

// scope limits patients and doctors to appointments they take part in.
func (s *Service) scope(actor access.Actor, op access.Operation, a Appointment) error {
	switch actor.Role {
	case domain.RolePatient:
		if a.PatientID != actor.ID {
			return s.access.Deny(actor, op, "appointment belongs to another patient")
		}
	case domain.RoleDoctor:
		if a.DoctorID != actor.ID {
			return s.access.Deny(actor, op, "appointment belongs to another doctor")
		}
	}
	return nil
}

func (s *Service) participant(id identity.PersonID, role domain.Role) (identity.Person, error) {
	p, err := s.people.Lookup(id)
	if err != nil || p.Role != role || !p.Active {
		return identity.Person{}, fmt.Errorf("%s %d: %w", role, id, domain.ErrUnknownParticipant)
	}
	return p, nil
}

// checkCalendar fails when [start, start+duration) overlaps another non-terminal
// appointment of the doctor. skip excludes the appointment being moved.
func (s *Service) checkCalendar(doctorID identity.PersonID, skip AppointmentID, start time.Time, duration time.Duration) error {
	end := start.Add(duration)
	for _, existing := range s.repo.ActiveForDoctor(doctorID) {
		if existing.ID == skip {
			continue
		}
		if existing.Overlaps(start, end) {
			return fmt.Errorf("doctor %d is booked by appointment %d: %w", doctorID, existing.ID, domain.ErrSchedulingConflict)
		}
	}
	return nil
}

// voidInvoice voids the appointment's invoice, if any, before the appointment changes so a
// failure leaves both untouched. It returns the voided invoice id or zero.
func (s *Service) voidInvoice(id AppointmentID, reason string) (billing.InvoiceID, error) {
	inv, ok := s.billing.ForAppointment(int64(id))
	if !ok {
		return 0, nil
	}
	if _, err := s.billing.Void(inv.ID, reason); err != nil {
		return 0, fmt.Errorf("void invoice %d of appointment %d: %w", inv.ID, id, err)
	}
	return inv.ID, nil
}

func (s *Service) billingRef(a Appointment) billing.AppointmentRef {
	ref := billing.AppointmentRef{AppointmentID: int64(a.ID), PatientID: a.PatientID}
	if doc, err := s.people.Lookup(a.DoctorID); err == nil && doc.Doctor != nil {
		ref.DoctorName = doc.Name
		ref.ConsultationFee = billing.Cents(doc.Doctor.ConsultationFeeCents)
	}
	return ref
}

func (s *Service) logEvent(appointmentID AppointmentID, eventType string, actor access.Actor, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).WithField("event_type", eventType).Error("failed to marshal event payload")
		data = nil
	}

	ev := s.repo.InsertEvent(EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		ActorID:       actor.ID,
		Payload:       data,
		CreatedAt:     s.now(),
	})

	s.log.WithFields(logrus.Fields{
		"event_id":       ev.ID,
		"event_type":     eventType,
		"appointment_id": appointmentID,
		"actor_id":       actor.ID,
	}).Info("appointment event")
}

func statusFilter(statuses []AppointmentStatus) func(AppointmentStatus) bool {
	if len(statuses) == 0 {
		return func(AppointmentStatus) bool { return true }
	}
	want := make(map[AppointmentStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return func(st AppointmentStatus) bool { return want[st] }
}

func sortByStart(rows []Appointment) []Appointment {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Start.Equal(rows[j].Start) {
			return rows[i].Start.Before(rows[j].Start)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}
