package clinic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/ledger"
)

const stateVersion = 1

// State is the serialized form of every table.
type State struct {
	Version      int                       `json:"version"`
	ExportedAt   time.Time                 `json:"exported_at"`
	People       []identity.Person         `json:"people"`
	Appointments []appointment.Appointment `json:"appointments"`
	Events       []appointment.EventLog    `json:"events"`
	History      []ledger.Entry            `json:"history"`
	Invoices     []billing.Invoice         `json:"invoices"`
}

// ExportState serializes the whole store. It is the persistence collaborator's entry
// point and carries no actor.
func (c *Core) ExportState() ([]byte, error) {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.exportLocked()
}

// ImportState replaces the whole store. The snapshot is validated as a whole first; on any
// error nothing changes.
func (c *Core) ImportState(data []byte) error {
	st, err := Snapshot(data)
	if err != nil {
		return err
	}

	c.gate.Lock()
	defer c.gate.Unlock()
	return c.importLocked(st)
}

// ExportFor is ExportState for an authenticated administrator.
func (c *Core) ExportFor(ctx context.Context, actor access.Actor) ([]byte, error) {
	var data []byte
	err := c.observeExclusive(ctx, access.OpExportState, actor, func() error {
		var err error
		data, err = c.exportLocked()
		return err
	})
	return data, err
}

func (c *Core) ImportFor(ctx context.Context, actor access.Actor, data []byte) error {
	st, err := Snapshot(data)
	if err != nil {
		return err
	}
	return c.observeExclusive(ctx, access.OpImportState, actor, func() error {
		return c.importLocked(st)
	})
}

// observeExclusive authorizes before taking the gate so a denied caller never waits on it.
func (c *Core) observeExclusive(ctx context.Context, op access.Operation, actor access.Actor, fn func() error) error {
	_, span := tracer.Start(ctx, "clinic."+string(op), spanOptions(op, actor)...)
	defer span.End()

	started := time.Now()
	err := c.access.Require(actor, op)
	if err == nil {
		c.gate.Lock()
		err = fn()
		c.gate.Unlock()
	}

	outcome := "ok"
	if err != nil {
		outcome = domain.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		c.log.Audit(int64(actor.ID), string(op), op.Resource(), true, nil)
	}
	c.metrics.ObserveCommand(string(op), outcome, time.Since(started).Seconds())
	return err
}

func (c *Core) exportLocked() ([]byte, error) {
	appts, events := c.appts.Export()
	st := State{
		Version:      stateVersion,
		ExportedAt:   c.now(),
		People:       c.people.Export(),
		Appointments: appts,
		Events:       events,
		History:      c.ledger.Export(),
		Invoices:     c.billing.Export(),
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func (c *Core) importLocked(st State) error {
	if err := ValidateState(st); err != nil {
		return err
	}

	if err := c.people.Restore(st.People); err != nil {
		return err
	}
	if err := c.appts.Restore(st.Appointments, st.Events); err != nil {
		return err
	}
	if err := c.ledger.Restore(st.History); err != nil {
		return err
	}
	if err := c.billing.Restore(st.Invoices); err != nil {
		return err
	}
	c.log.WithComponent("clinic").WithField("people", len(st.People)).
		WithField("appointments", len(st.Appointments)).Info("state imported")
	return nil
}

// ValidateState checks every table and every reference between them.
func ValidateState(st State) error {
	if st.Version != stateVersion {
		return fmt.Errorf("%w: state version %d, want %d", domain.ErrInvalidInput, st.Version, stateVersion)
	}
	if err := identity.ValidateRecords(st.People); err != nil {
		return fmt.Errorf("people: %w", err)
	}
	if err := appointment.ValidateRecords(st.Appointments, st.Events); err != nil {
		return fmt.Errorf("appointments: %w", err)
	}
	if err := ledger.ValidateRecords(st.History); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err := billing.ValidateRecords(st.Invoices); err != nil {
		return fmt.Errorf("invoices: %w", err)
	}

	roles := make(map[identity.PersonID]domain.Role, len(st.People))
	for _, p := range st.People {
		roles[p.ID] = p.Role
	}
	appts := make(map[int64]appointment.Appointment, len(st.Appointments))
	for _, a := range st.Appointments {
		if roles[a.PatientID] != domain.RolePatient || roles[a.DoctorID] != domain.RoleDoctor {
			return fmt.Errorf("%w: appointment %d references unknown participants", domain.ErrInvalidInput, a.ID)
		}
		appts[int64(a.ID)] = a
	}
	for _, ev := range st.Events {
		if _, ok := roles[ev.ActorID]; !ok && ev.ActorID != 0 {
			return fmt.Errorf("%w: event %d references unknown actor %d", domain.ErrInvalidInput, ev.ID, ev.ActorID)
		}
	}

	encounters := make(map[int64]int)
	for _, e := range st.History {
		a, ok := appts[e.AppointmentID]
		if !ok || a.PatientID != e.PatientID {
			return fmt.Errorf("%w: history entry %d does not match appointment %d", domain.ErrInvalidInput, e.ID, e.AppointmentID)
		}
		if roles[e.DoctorID] != domain.RoleDoctor {
			return fmt.Errorf("%w: history entry %d references unknown doctor %d", domain.ErrInvalidInput, e.ID, e.DoctorID)
		}
		if e.Encounter() {
			encounters[e.AppointmentID]++
		}
	}

	invoiced := make(map[int64]int)
	for _, inv := range st.Invoices {
		a, ok := appts[inv.AppointmentID]
		if !ok || a.PatientID != inv.PatientID {
			return fmt.Errorf("%w: invoice %d does not match appointment %d", domain.ErrInvalidInput, inv.ID, inv.AppointmentID)
		}
		invoiced[inv.AppointmentID]++
	}

	for id, a := range appts {
		completed := a.Status == appointment.StatusCompleted
		if completed && (encounters[id] != 1 || invoiced[id] != 1) {
			return fmt.Errorf("%w: completed appointment %d needs exactly one history entry and one invoice", domain.ErrInvalidInput, id)
		}
		if !completed && encounters[id] != 0 {
			return fmt.Errorf("%w: appointment %d in status %s has a history entry", domain.ErrInvalidInput, id, a.Status)
		}
	}
	return nil
}

// Snapshot decodes an exported state.
func Snapshot(data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("%w: decode state: %v", domain.ErrInvalidInput, err)
	}
	return st, nil
}
