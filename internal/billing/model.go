package billing

import (
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
)

// Cents is an amount of money in minor units.
type Cents int64

func (c Cents) String() string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, int64(c)/100, int64(c)%100)
}

type InvoiceID int64

type InvoiceStatus string

const (
	StatusPending InvoiceStatus = "pending"
	StatusPaid    InvoiceStatus = "paid"
	StatusVoid    InvoiceStatus = "void"
)

func (s InvoiceStatus) Valid() bool {
	return s == StatusPending || s == StatusPaid || s == StatusVoid
}

type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   Cents  `json:"unit_price"`
}

// Line item bounds. Within them no product or invoice sum can overflow int64.
const (
	MaxQuantity     = 10_000
	MaxUnitPrice    = Cents(100_000_000_00)
	MaxInvoiceTotal = Cents(1_000_000_000_000_00)
)

func (li LineItem) Amount() Cents {
	return Cents(li.Quantity) * li.UnitPrice
}

func (li LineItem) validate() error {
	if li.Quantity <= 0 || li.Quantity > MaxQuantity {
		return fmt.Errorf("%w: line item %q quantity %d outside 1..%d", domain.ErrInvalidInput, li.Description, li.Quantity, MaxQuantity)
	}
	if li.UnitPrice < 0 || li.UnitPrice > MaxUnitPrice {
		return fmt.Errorf("%w: line item %q unit price %s outside 0..%s", domain.ErrInvalidInput, li.Description, li.UnitPrice, MaxUnitPrice)
	}
	return nil
}

// sumItems totals items, failing on an item out of bounds or a total above MaxInvoiceTotal.
func sumItems(items []LineItem) (Cents, error) {
	var total Cents
	for _, li := range items {
		if err := li.validate(); err != nil {
			return 0, err
		}
		total += li.Amount()
		if total > MaxInvoiceTotal {
			return 0, fmt.Errorf("%w: invoice total exceeds %s", domain.ErrInvalidInput, MaxInvoiceTotal)
		}
	}
	return total, nil
}

type Invoice struct {
	ID            InvoiceID         `json:"id"`
	AppointmentID int64             `json:"appointment_id"`
	PatientID     identity.PersonID `json:"patient_id"`
	Items         []LineItem        `json:"items"`
	Total         Cents             `json:"total"`
	Paid          Cents             `json:"paid"`
	Status        InvoiceStatus     `json:"status"`
	IssuedAt      time.Time         `json:"issued_at"`
	DueAt         time.Time         `json:"due_at"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	VoidedAt      *time.Time        `json:"voided_at,omitempty"`
	VoidReason    string            `json:"void_reason,omitempty"`
}

func (inv Invoice) Balance() Cents {
	if inv.Status == StatusVoid {
		return 0
	}
	return inv.Total - inv.Paid
}

// Overdue reports whether a pending invoice is past its due date at now.
func (inv Invoice) Overdue(now time.Time) bool {
	return inv.Status == StatusPending && now.After(inv.DueAt)
}

// AppointmentRef is what billing needs to know about the appointment being invoiced.
type AppointmentRef struct {
	AppointmentID int64
	PatientID     identity.PersonID
	DoctorName    string
	// ConsultationFee of zero falls back to the configured default.
	ConsultationFee Cents
}

func (inv Invoice) clone() Invoice {
	out := inv
	out.Items = append([]LineItem(nil), inv.Items...)
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		out.PaidAt = &t
	}
	if inv.VoidedAt != nil {
		t := *inv.VoidedAt
		out.VoidedAt = &t
	}
	return out
}
