// Package clinic is the command boundary of the core. Front ends call Core only; Core
// composes the identity store, access engine, scheduler, ledger, billing and reports.
package clinic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/ledger"
	"github.com/hackgods/clinic-scheduling/internal/lock"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling/internal/reporting"
)

var tracer = otel.Tracer("clinic.internal.clinic")

type Options struct {
	// Grants defaults to access.DefaultGrants.
	Grants  map[domain.Role][]access.Operation
	Hasher  identity.Hasher
	Locker  lock.Locker
	Billing billing.Config
	Log     *logger.Logger
	Metrics *metrics.CoreMetrics
	Now     func() time.Time
	// Location is where doctors' working hours are read. Defaults to UTC.
	Location *time.Location
}

type Core struct {
	// gate is shared by commands and held alone by export and import, so a snapshot never
	// sees half of a composite command.
	gate sync.RWMutex

	people    *identity.Store
	access    *access.Engine
	appts     *appointment.MemoryRepository
	scheduler *appointment.Service
	ledger    *ledger.Ledger
	billing   *billing.Engine
	reports   *reporting.Facade

	log     *logger.Logger
	metrics *metrics.CoreMetrics
	now     func() time.Time
}

func New(opts Options) (*Core, error) {
	if opts.Grants == nil {
		opts.Grants = access.DefaultGrants()
	}
	if opts.Hasher == nil {
		opts.Hasher = identity.NewBcryptHasher(bcrypt.DefaultCost)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC().Round(0) }
	}

	people, err := identity.NewStore(opts.Hasher, opts.Now)
	if err != nil {
		return nil, err
	}
	engine := access.NewEngine(access.NewTable(opts.Grants), opts.Log)
	repo := appointment.NewMemoryRepository()
	book := ledger.New(engine, repo, opts.Now)
	bills := billing.NewEngine(engine, opts.Billing, opts.Now)
	scheduler := appointment.NewService(appointment.Deps{
		Repo:     repo,
		People:   people,
		Access:   engine,
		Locker:   opts.Locker,
		History:  book,
		Billing:  bills,
		Log:      opts.Log,
		Now:      opts.Now,
		Location: opts.Location,
	})

	return &Core{
		people:    people,
		access:    engine,
		appts:     repo,
		scheduler: scheduler,
		ledger:    book,
		billing:   bills,
		reports:   reporting.NewFacade(scheduler, bills, people, engine),
		log:       opts.Log,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}, nil
}

// Bootstrap registers the first administrator when nobody is registered yet.
func (c *Core) Bootstrap(ctx context.Context, email, password string) (bool, error) {
	if email == "" || password == "" {
		return false, nil
	}
	c.gate.RLock()
	defer c.gate.RUnlock()

	if c.people.Len() > 0 {
		return false, nil
	}
	id, err := c.people.Register(domain.RoleAdministrator, identity.Profile{Name: "Administrator", Email: email}, password)
	if err != nil {
		return false, fmt.Errorf("bootstrap administrator: %w", err)
	}
	c.log.WithComponent("clinic").WithField("person_id", id).Info("bootstrap administrator registered")
	return true, nil
}

// command wraps a state-changing call: span, shared gate, metrics and a success audit line.
func (c *Core) command(ctx context.Context, op access.Operation, actor access.Actor, fn func(ctx context.Context) error) error {
	return c.observe(ctx, op, actor, true, fn)
}

func (c *Core) query(ctx context.Context, op access.Operation, actor access.Actor, fn func(ctx context.Context) error) error {
	return c.observe(ctx, op, actor, false, fn)
}

func (c *Core) observe(ctx context.Context, op access.Operation, actor access.Actor, audit bool, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "clinic."+string(op), spanOptions(op, actor)...)
	defer span.End()

	started := time.Now()
	c.gate.RLock()
	err := fn(ctx)
	c.gate.RUnlock()

	outcome := "ok"
	if err != nil {
		outcome = domain.KindOf(err)
		if errors.Is(err, lock.ErrNotAcquired) {
			outcome = "busy"
			c.metrics.ObserveLockBusy()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else if audit {
		c.log.Audit(int64(actor.ID), string(op), op.Resource(), true, nil)
	}
	c.metrics.ObserveCommand(string(op), outcome, time.Since(started).Seconds())
	return err
}

func spanOptions(op access.Operation, actor access.Actor) []trace.SpanStartOption {
	return []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("clinic.operation", string(op)),
			attribute.Int64("clinic.actor_id", int64(actor.ID)),
			attribute.String("clinic.role", string(actor.Role)),
		),
	}
}

// RegisterPatient is open self-registration.
func (c *Core) RegisterPatient(ctx context.Context, profile identity.Profile, password string) (identity.PersonID, error) {
	var id identity.PersonID
	err := c.command(ctx, "identity.register_patient", access.Actor{}, func(ctx context.Context) error {
		var err error
		profile.Doctor = nil
		id, err = c.people.Register(domain.RolePatient, profile, password)
		return err
	})
	return id, err
}

// RegisterStaff lets an administrator create any kind of account.
func (c *Core) RegisterStaff(ctx context.Context, actor access.Actor, role domain.Role, profile identity.Profile, password string) (identity.PersonID, error) {
	var id identity.PersonID
	err := c.command(ctx, access.OpRegisterStaff, actor, func(ctx context.Context) error {
		if err := c.access.Require(actor, access.OpRegisterStaff); err != nil {
			return err
		}
		var err error
		id, err = c.people.Register(role, profile, password)
		return err
	})
	return id, err
}

// Authenticate returns the actor to use for later commands.
func (c *Core) Authenticate(ctx context.Context, email, password string) (access.Actor, error) {
	var actor access.Actor
	err := c.query(ctx, "identity.authenticate", access.Actor{}, func(ctx context.Context) error {
		id, role, err := c.people.Authenticate(email, password)
		if err != nil {
			c.log.Audit(0, "identity.authenticate", "identity", false, logrus.Fields{"reason": domain.KindOf(err)})
			return err
		}
		actor = access.Actor{ID: id, Role: role}
		return nil
	})
	return actor, err
}

// Resolve turns a session subject back into an actor. Deactivated people no longer resolve,
// and a changed role takes effect immediately.
func (c *Core) Resolve(ctx context.Context, id identity.PersonID) (access.Actor, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	p, err := c.people.Lookup(id)
	if err != nil || !p.Active {
		return access.Actor{}, fmt.Errorf("session subject %d: %w", id, domain.ErrInvalidCredentials)
	}
	return access.Actor{ID: p.ID, Role: p.Role}, nil
}

// Person returns a profile without its credential hash. Patients see themselves and
// doctors; doctors also see the patients they treat.
func (c *Core) Person(ctx context.Context, actor access.Actor, id identity.PersonID) (identity.Person, error) {
	var p identity.Person
	err := c.query(ctx, access.OpViewPerson, actor, func(ctx context.Context) error {
		if err := c.access.Require(actor, access.OpViewPerson); err != nil {
			return err
		}
		var err error
		p, err = c.people.Lookup(id)
		if err != nil {
			return err
		}
		if !c.canSee(actor, p) {
			return c.access.Deny(actor, access.OpViewPerson, "person outside caller's scope")
		}
		p = redact(p)
		return nil
	})
	return p, err
}

func (c *Core) canSee(actor access.Actor, p identity.Person) bool {
	switch {
	case actor.Role == domain.RoleAdministrator, actor.Is(p.ID), p.Role == domain.RoleDoctor:
		return true
	case actor.Role == domain.RoleDoctor && p.Role == domain.RolePatient:
		return c.appts.Treats(actor.ID, p.ID)
	}
	return false
}

func (c *Core) ListDoctors(ctx context.Context, actor access.Actor) ([]identity.Person, error) {
	var out []identity.Person
	err := c.query(ctx, access.OpListDoctors, actor, func(ctx context.Context) error {
		if err := c.access.Require(actor, access.OpListDoctors); err != nil {
			return err
		}
		out = redactAll(c.people.List(domain.RoleDoctor))
		return nil
	})
	return out, err
}

// ListPatients returns every patient to administrators and the treated ones to doctors.
func (c *Core) ListPatients(ctx context.Context, actor access.Actor) ([]identity.Person, error) {
	var out []identity.Person
	err := c.query(ctx, access.OpListPatients, actor, func(ctx context.Context) error {
		if err := c.access.Require(actor, access.OpListPatients); err != nil {
			return err
		}
		rows := c.people.List(domain.RolePatient)
		if actor.Role == domain.RoleDoctor {
			kept := rows[:0]
			for _, p := range rows {
				if c.appts.Treats(actor.ID, p.ID) {
					kept = append(kept, p)
				}
			}
			rows = kept
		}
		out = redactAll(rows)
		return nil
	})
	return out, err
}

func (c *Core) UpdatePerson(ctx context.Context, actor access.Actor, id identity.PersonID, u identity.ProfileUpdate) (identity.Person, error) {
	var p identity.Person
	err := c.command(ctx, access.OpUpdatePerson, actor, func(ctx context.Context) error {
		if err := c.requireSelfOrAdmin(actor, access.OpUpdatePerson, id); err != nil {
			return err
		}
		var err error
		p, err = c.people.UpdateProfile(id, u)
		p = redact(p)
		return err
	})
	return p, err
}

func (c *Core) ChangePassword(ctx context.Context, actor access.Actor, id identity.PersonID, password string) error {
	return c.command(ctx, access.OpUpdatePerson, actor, func(ctx context.Context) error {
		if err := c.requireSelfOrAdmin(actor, access.OpUpdatePerson, id); err != nil {
			return err
		}
		return c.people.SetPassword(id, password)
	})
}

// Deactivate keeps the person's records but blocks sign-in and new bookings.
func (c *Core) Deactivate(ctx context.Context, actor access.Actor, id identity.PersonID) (identity.Person, error) {
	var p identity.Person
	err := c.command(ctx, access.OpDeactivate, actor, func(ctx context.Context) error {
		if err := c.access.Require(actor, access.OpDeactivate); err != nil {
			return err
		}
		if actor.Is(id) {
			return fmt.Errorf("%w: cannot deactivate yourself", domain.ErrInvalidInput)
		}
		var err error
		p, err = c.people.Deactivate(id)
		p = redact(p)
		return err
	})
	return p, err
}

func (c *Core) requireSelfOrAdmin(actor access.Actor, op access.Operation, id identity.PersonID) error {
	if err := c.access.Require(actor, op); err != nil {
		return err
	}
	if actor.Role != domain.RoleAdministrator && !actor.Is(id) {
		return c.access.Deny(actor, op, "only the person or an administrator")
	}
	return nil
}

func (c *Core) RequestAppointment(ctx context.Context, actor access.Actor, patientID, doctorID identity.PersonID, start time.Time, duration time.Duration) (appointment.Appointment, error) {
	var a appointment.Appointment
	err := c.command(ctx, access.OpRequest, actor, func(ctx context.Context) error {
		var err error
		a, err = c.scheduler.Request(ctx, actor, patientID, doctorID, start, duration)
		return err
	})
	return a, err
}

func (c *Core) Confirm(ctx context.Context, actor access.Actor, id appointment.AppointmentID) (appointment.Appointment, error) {
	var a appointment.Appointment
	err := c.command(ctx, access.OpConfirm, actor, func(ctx context.Context) error {
		var err error
		a, err = c.scheduler.Confirm(ctx, actor, id)
		return err
	})
	return a, err
}

func (c *Core) Complete(ctx context.Context, actor access.Actor, id appointment.AppointmentID, visit ledger.Visit, extra ...billing.LineItem) (appointment.Completion, error) {
	var done appointment.Completion
	err := c.command(ctx, access.OpComplete, actor, func(ctx context.Context) error {
		var err error
		done, err = c.scheduler.Complete(ctx, actor, id, visit, extra...)
		return err
	})
	return done, err
}

func (c *Core) Cancel(ctx context.Context, actor access.Actor, id appointment.AppointmentID, reason string) (appointment.Appointment, error) {
	var a appointment.Appointment
	err := c.command(ctx, access.OpCancel, actor, func(ctx context.Context) error {
		var err error
		a, err = c.scheduler.Cancel(ctx, actor, id, reason)
		return err
	})
	return a, err
}

func (c *Core) Reschedule(ctx context.Context, actor access.Actor, id appointment.AppointmentID, start time.Time, duration time.Duration) (appointment.Appointment, error) {
	var a appointment.Appointment
	err := c.command(ctx, access.OpReschedule, actor, func(ctx context.Context) error {
		var err error
		a, err = c.scheduler.Reschedule(ctx, actor, id, start, duration)
		return err
	})
	return a, err
}

func (c *Core) Dispute(ctx context.Context, actor access.Actor, id appointment.AppointmentID, reason string) (appointment.Appointment, error) {
	var a appointment.Appointment
	err := c.command(ctx, access.OpDispute, actor, func(ctx context.Context) error {
		var err error
		a, err = c.scheduler.Dispute(ctx, actor, id, reason)
		return err
	})
	return a, err
}

func (c *Core) Prebill(ctx context.Context, actor access.Actor, id appointment.AppointmentID, extra ...billing.LineItem) (billing.Invoice, error) {
	var inv billing.Invoice
	err := c.command(ctx, access.OpPrebill, actor, func(ctx context.Context) error {
		var err error
		inv, err = c.scheduler.Prebill(ctx, actor, id, extra...)
		return err
	})
	return inv, err
}

func (c *Core) Appointment(ctx context.Context, actor access.Actor, id appointment.AppointmentID) (appointment.Appointment, error) {
	var a appointment.Appointment
	err := c.query(ctx, access.OpViewAppt, actor, func(ctx context.Context) error {
		var err error
		a, err = c.scheduler.Get(ctx, actor, id)
		return err
	})
	return a, err
}

func (c *Core) DoctorAppointments(ctx context.Context, actor access.Actor, doctorID identity.PersonID, statuses ...appointment.AppointmentStatus) ([]appointment.Appointment, error) {
	var rows []appointment.Appointment
	err := c.query(ctx, access.OpViewAppt, actor, func(ctx context.Context) error {
		var err error
		rows, err = c.scheduler.ListForDoctor(ctx, actor, doctorID, statuses...)
		return err
	})
	return rows, err
}

func (c *Core) PatientAppointments(ctx context.Context, actor access.Actor, patientID identity.PersonID, statuses ...appointment.AppointmentStatus) ([]appointment.Appointment, error) {
	var rows []appointment.Appointment
	err := c.query(ctx, access.OpViewAppt, actor, func(ctx context.Context) error {
		var err error
		rows, err = c.scheduler.ListForPatient(ctx, actor, patientID, statuses...)
		return err
	})
	return rows, err
}

func (c *Core) AppointmentEvents(ctx context.Context, actor access.Actor, id appointment.AppointmentID) ([]appointment.EventLog, error) {
	var rows []appointment.EventLog
	err := c.query(ctx, access.OpEvents, actor, func(ctx context.Context) error {
		var err error
		rows, err = c.scheduler.Events(ctx, actor, id)
		return err
	})
	return rows, err
}

func (c *Core) History(ctx context.Context, actor access.Actor, patientID identity.PersonID) ([]ledger.Entry, error) {
	var rows []ledger.Entry
	err := c.query(ctx, access.OpViewHistory, actor, func(ctx context.Context) error {
		var err error
		rows, err = c.ledger.HistoryFor(actor, patientID)
		return err
	})
	return rows, err
}

func (c *Core) Amend(ctx context.Context, actor access.Actor, entryID ledger.EntryID, visit ledger.Visit) (ledger.Entry, error) {
	var e ledger.Entry
	err := c.command(ctx, access.OpAmendHistory, actor, func(ctx context.Context) error {
		var err error
		e, err = c.ledger.Amend(actor, entryID, visit)
		return err
	})
	return e, err
}

func (c *Core) Invoice(ctx context.Context, actor access.Actor, id billing.InvoiceID) (billing.Invoice, error) {
	var inv billing.Invoice
	err := c.query(ctx, access.OpViewBilling, actor, func(ctx context.Context) error {
		var err error
		inv, err = c.billing.Invoice(actor, id)
		return err
	})
	return inv, err
}

func (c *Core) PatientInvoices(ctx context.Context, actor access.Actor, patientID identity.PersonID) ([]billing.Invoice, error) {
	var rows []billing.Invoice
	err := c.query(ctx, access.OpViewBilling, actor, func(ctx context.Context) error {
		var err error
		rows, err = c.billing.ForPatient(actor, patientID)
		return err
	})
	return rows, err
}

// Pay settles an invoice. A zero amount pays the whole balance.
func (c *Core) Pay(ctx context.Context, actor access.Actor, id billing.InvoiceID, amount billing.Cents) (billing.Invoice, error) {
	var inv billing.Invoice
	err := c.command(ctx, access.OpPay, actor, func(ctx context.Context) error {
		var err error
		if amount == 0 {
			inv, err = c.billing.MarkPaid(actor, id)
		} else {
			inv, err = c.billing.RecordPayment(actor, id, amount)
		}
		return err
	})
	return inv, err
}

func (c *Core) AppointmentCounts(ctx context.Context, actor access.Actor, doctorID identity.PersonID) (reporting.AppointmentCounts, error) {
	var out reporting.AppointmentCounts
	err := c.query(ctx, access.OpReports, actor, func(ctx context.Context) error {
		var err error
		out, err = c.reports.AppointmentCounts(actor, doctorID)
		return err
	})
	return out, err
}

func (c *Core) Revenue(ctx context.Context, actor access.Actor, from, to time.Time) (reporting.Revenue, error) {
	var out reporting.Revenue
	err := c.query(ctx, access.OpReports, actor, func(ctx context.Context) error {
		var err error
		out, err = c.reports.Revenue(actor, from, to)
		return err
	})
	return out, err
}

func (c *Core) PatientsPerDoctor(ctx context.Context, actor access.Actor) ([]reporting.DoctorLoad, error) {
	var out []reporting.DoctorLoad
	err := c.query(ctx, access.OpReports, actor, func(ctx context.Context) error {
		var err error
		out, err = c.reports.PatientsPerDoctor(actor)
		return err
	})
	return out, err
}

func (c *Core) OverdueInvoices(ctx context.Context, actor access.Actor) ([]billing.Invoice, error) {
	var out []billing.Invoice
	err := c.query(ctx, access.OpReports, actor, func(ctx context.Context) error {
		var err error
		out, err = c.reports.Overdue(actor, c.now())
		return err
	})
	return out, err
}

func (c *Core) DoctorSummary(ctx context.Context, actor access.Actor, doctorID identity.PersonID) (reporting.DoctorSummary, error) {
	var out reporting.DoctorSummary
	err := c.query(ctx, access.OpReports, actor, func(ctx context.Context) error {
		var err error
		out, err = c.reports.DoctorSummary(actor, doctorID)
		return err
	})
	return out, err
}

func redact(p identity.Person) identity.Person {
	p.CredentialHash = ""
	return p
}

func redactAll(rows []identity.Person) []identity.Person {
	for i := range rows {
		rows[i] = redact(rows[i])
	}
	return rows
}
