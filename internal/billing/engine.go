// Package billing issues invoices for appointments and tracks their payment.
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/arena"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
)

const DefaultPaymentTerms = 30 * 24 * time.Hour

type Config struct {
	DefaultConsultationFee Cents
	PaymentTerms           time.Duration
}

type Engine struct {
	invoices *arena.Table[InvoiceID, Invoice]
	access   *access.Engine
	cfg      Config
	now      func() time.Time
}

func NewEngine(engine *access.Engine, cfg Config, now func() time.Time) *Engine {
	if cfg.PaymentTerms <= 0 {
		cfg.PaymentTerms = DefaultPaymentTerms
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Round(0) }
	}
	return &Engine{
		invoices: arena.New[InvoiceID, Invoice]("invoice"),
		access:   engine,
		cfg:      cfg,
		now:      now,
	}
}

// Prepare builds and validates an invoice for ref without storing it. The consultation is
// always the first line item.
func (e *Engine) Prepare(ref AppointmentRef, extra []LineItem) (Invoice, error) {
	if ref.AppointmentID <= 0 || ref.PatientID <= 0 {
		return Invoice{}, fmt.Errorf("%w: invoice needs an appointment and a patient", domain.ErrInvalidInput)
	}
	if _, ok := e.ForAppointment(ref.AppointmentID); ok {
		return Invoice{}, fmt.Errorf("appointment %d is already invoiced: %w", ref.AppointmentID, domain.ErrInvalidTransition)
	}

	fee := ref.ConsultationFee
	if fee <= 0 {
		fee = e.cfg.DefaultConsultationFee
	}
	desc := "Consultation"
	if ref.DoctorName != "" {
		desc = "Consultation with " + ref.DoctorName
	}

	items := make([]LineItem, 0, 1+len(extra))
	items = append(items, LineItem{Description: desc, Quantity: 1, UnitPrice: fee})
	for _, li := range extra {
		li.Description = strings.TrimSpace(li.Description)
		if li.Description == "" {
			return Invoice{}, fmt.Errorf("%w: line item needs a description", domain.ErrInvalidInput)
		}
		items = append(items, li)
	}

	total, err := sumItems(items)
	if err != nil {
		return Invoice{}, err
	}

	return Invoice{
		AppointmentID: ref.AppointmentID,
		PatientID:     ref.PatientID,
		Items:         items,
		Total:         total,
		Status:        StatusPending,
	}, nil
}

// Commit stores a prepared invoice and cannot fail.
func (e *Engine) Commit(inv Invoice) Invoice {
	inv = inv.clone()
	return e.invoices.Insert(func(id InvoiceID) Invoice {
		inv.ID = id
		inv.IssuedAt = e.now()
		inv.DueAt = inv.IssuedAt.Add(e.cfg.PaymentTerms)
		inv.Status = StatusPending
		return inv
	}).clone()
}

// GenerateInvoice prepares and commits in one step.
func (e *Engine) GenerateInvoice(ref AppointmentRef, items []LineItem) (InvoiceID, error) {
	inv, err := e.Prepare(ref, items)
	if err != nil {
		return 0, err
	}
	return e.Commit(inv).ID, nil
}

// MarkPaid settles the whole remaining balance.
func (e *Engine) MarkPaid(actor access.Actor, id InvoiceID) (Invoice, error) {
	return e.pay(actor, id, 0)
}

// RecordPayment applies a partial payment. Amounts above the balance are capped.
func (e *Engine) RecordPayment(actor access.Actor, id InvoiceID, amount Cents) (Invoice, error) {
	if amount <= 0 {
		return Invoice{}, fmt.Errorf("%w: payment must be positive", domain.ErrInvalidInput)
	}
	return e.pay(actor, id, amount)
}

// pay with amount zero settles in full.
func (e *Engine) pay(actor access.Actor, id InvoiceID, amount Cents) (Invoice, error) {
	if err := e.access.Require(actor, access.OpPay); err != nil {
		return Invoice{}, err
	}
	if err := e.requireOwner(actor, access.OpPay, id); err != nil {
		return Invoice{}, err
	}

	updated, err := e.invoices.Update(id, func(inv *Invoice) error {
		switch inv.Status {
		case StatusVoid:
			return fmt.Errorf("invoice %d is void: %w", id, domain.ErrInvalidTransition)
		case StatusPaid:
			return fmt.Errorf("invoice %d is already paid: %w", id, domain.ErrInvalidTransition)
		}

		balance := inv.Total - inv.Paid
		if amount == 0 || amount > balance {
			amount = balance
		}
		inv.Paid += amount
		if inv.Paid >= inv.Total {
			now := e.now()
			inv.Status = StatusPaid
			inv.PaidAt = &now
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return updated.clone(), nil
}

// Void marks an invoice void. Voiding a void invoice is a no-op.
func (e *Engine) Void(id InvoiceID, reason string) (Invoice, error) {
	updated, err := e.invoices.Update(id, func(inv *Invoice) error {
		if inv.Status == StatusVoid {
			return nil
		}
		now := e.now()
		inv.Status = StatusVoid
		inv.VoidedAt = &now
		inv.VoidReason = strings.TrimSpace(reason)
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return updated.clone(), nil
}

func (e *Engine) ForAppointment(appointmentID int64) (Invoice, bool) {
	rows := e.invoices.Select(func(inv Invoice) bool { return inv.AppointmentID == appointmentID })
	if len(rows) == 0 {
		return Invoice{}, false
	}
	return rows[0].clone(), true
}

// Invoice returns one invoice to someone allowed to see it.
func (e *Engine) Invoice(actor access.Actor, id InvoiceID) (Invoice, error) {
	if err := e.access.Require(actor, access.OpViewBilling); err != nil {
		return Invoice{}, err
	}
	if err := e.requireOwner(actor, access.OpViewBilling, id); err != nil {
		return Invoice{}, err
	}
	return e.Get(id)
}

func (e *Engine) ForPatient(actor access.Actor, patientID identity.PersonID) ([]Invoice, error) {
	if err := e.access.RequireSelf(actor, access.OpViewBilling, patientID); err != nil {
		return nil, err
	}
	return e.selectCopies(func(inv Invoice) bool { return inv.PatientID == patientID }), nil
}

func (e *Engine) requireOwner(actor access.Actor, op access.Operation, id InvoiceID) error {
	if actor.Role != domain.RolePatient {
		return nil
	}
	inv, err := e.invoices.Get(id)
	if err != nil {
		return err
	}
	if inv.PatientID != actor.ID {
		return e.access.Deny(actor, op, "invoice belongs to another patient")
	}
	return nil
}

func (e *Engine) Get(id InvoiceID) (Invoice, error) {
	inv, err := e.invoices.Get(id)
	if err != nil {
		return Invoice{}, err
	}
	return inv.clone(), nil
}

// All returns every invoice ordered by id.
func (e *Engine) All() []Invoice {
	return e.selectCopies(nil)
}

func (e *Engine) Export() []Invoice {
	return e.All()
}

func (e *Engine) selectCopies(keep func(Invoice) bool) []Invoice {
	rows := e.invoices.Select(keep)
	for i := range rows {
		rows[i] = rows[i].clone()
	}
	return rows
}

// ValidateRecords checks invoices on their own. Appointment and patient references are
// checked by the caller.
func ValidateRecords(invoices []Invoice) error {
	seen := make(map[InvoiceID]bool, len(invoices))
	perAppointment := make(map[int64]InvoiceID, len(invoices))
	for _, inv := range invoices {
		if inv.ID <= 0 || seen[inv.ID] {
			return fmt.Errorf("%w: invoice id %d is missing or duplicated", domain.ErrInvalidInput, inv.ID)
		}
		seen[inv.ID] = true
		if prev, dup := perAppointment[inv.AppointmentID]; dup {
			return fmt.Errorf("%w: invoices %d and %d bill appointment %d", domain.ErrInvalidInput, prev, inv.ID, inv.AppointmentID)
		}
		perAppointment[inv.AppointmentID] = inv.ID
		if !inv.Status.Valid() {
			return fmt.Errorf("%w: invoice %d has status %q", domain.ErrInvalidInput, inv.ID, inv.Status)
		}

		total, err := sumItems(inv.Items)
		if err != nil {
			return fmt.Errorf("invoice %d: %w", inv.ID, err)
		}
		if total != inv.Total {
			return fmt.Errorf("%w: invoice %d total %s does not match its items %s", domain.ErrInvalidInput, inv.ID, inv.Total, total)
		}
		if inv.Paid < 0 || inv.Paid > inv.Total {
			return fmt.Errorf("%w: invoice %d paid %s out of range", domain.ErrInvalidInput, inv.ID, inv.Paid)
		}
	}
	return nil
}

func (e *Engine) Restore(invoices []Invoice) error {
	if err := ValidateRecords(invoices); err != nil {
		return err
	}
	rows := make([]Invoice, len(invoices))
	for i, inv := range invoices {
		rows[i] = inv.clone()
	}
	return e.invoices.Replace(rows, func(inv Invoice) InvoiceID { return inv.ID })
}
