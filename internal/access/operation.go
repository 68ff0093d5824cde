package access

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

// Operation names a command or sensitive read as "resource.verb".
type Operation string

const (
	OpRegisterStaff Operation = "identity.register_staff"
	OpListDoctors   Operation = "identity.list_doctors"
	OpListPatients  Operation = "identity.list_patients"
	OpViewPerson    Operation = "identity.view"
	OpUpdatePerson  Operation = "identity.update"
	OpDeactivate    Operation = "identity.deactivate"

	OpRequest    Operation = "appointment.request"
	OpConfirm    Operation = "appointment.confirm"
	OpComplete   Operation = "appointment.complete"
	OpCancel     Operation = "appointment.cancel"
	OpReschedule Operation = "appointment.reschedule"
	OpViewAppt   Operation = "appointment.view"
	OpDispute    Operation = "appointment.dispute"
	OpEvents     Operation = "appointment.events"

	OpViewHistory  Operation = "history.view"
	OpAmendHistory Operation = "history.amend"

	OpViewBilling Operation = "billing.view"
	OpPay         Operation = "billing.pay"
	OpPrebill     Operation = "billing.prebill"

	OpReports Operation = "reports.view"

	OpExportState Operation = "state.export"
	OpImportState Operation = "state.import"
)

// Operations lists every known operation.
var Operations = []Operation{
	OpRegisterStaff, OpListDoctors, OpListPatients, OpViewPerson, OpUpdatePerson, OpDeactivate,
	OpRequest, OpConfirm, OpComplete, OpCancel, OpReschedule, OpViewAppt, OpDispute, OpEvents,
	OpViewHistory, OpAmendHistory,
	OpViewBilling, OpPay, OpPrebill,
	OpReports,
	OpExportState, OpImportState,
}

// Resource is the part before the dot.
func (o Operation) Resource() string {
	if i := strings.IndexByte(string(o), '.'); i > 0 {
		return string(o)[:i]
	}
	return string(o)
}

func (o Operation) known() bool {
	for _, op := range Operations {
		if op == o {
			return true
		}
	}
	return false
}

// DefaultGrants is the permission set the core ships with.
func DefaultGrants() map[domain.Role][]Operation {
	admin := make([]Operation, 0, len(Operations))
	for _, op := range Operations {
		// clinical acts stay with doctors
		if op == OpComplete || op == OpAmendHistory {
			continue
		}
		admin = append(admin, op)
	}

	return map[domain.Role][]Operation{
		domain.RolePatient: {
			OpListDoctors, OpViewPerson, OpUpdatePerson,
			OpRequest, OpCancel, OpReschedule, OpViewAppt,
			OpViewHistory, OpViewBilling, OpPay,
		},
		domain.RoleDoctor: {
			OpListDoctors, OpListPatients, OpViewPerson, OpUpdatePerson,
			OpConfirm, OpComplete, OpCancel, OpViewAppt,
			OpViewHistory, OpAmendHistory,
		},
		domain.RoleAdministrator: admin,
	}
}

// LoadGrants reads a role → operations JSON document, for example
//
//	{"patient": ["appointment.request"], "doctor": ["appointment.confirm"]}
//
// Unknown roles or operations are rejected so a typo cannot silently widen or narrow access.
func LoadGrants(path string) (map[domain.Role][]Operation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}

	var doc map[string][]string
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode permissions file: %w", err)
	}

	grants := make(map[domain.Role][]Operation, len(doc))
	for roleName, ops := range doc {
		role, err := domain.ParseRole(roleName)
		if err != nil {
			return nil, fmt.Errorf("permissions file: %w", err)
		}
		for _, name := range ops {
			op := Operation(name)
			if !op.known() {
				return nil, fmt.Errorf("%w: permissions file names unknown operation %q", domain.ErrInvalidInput, name)
			}
			grants[role] = append(grants[role], op)
		}
	}
	return grants, nil
}
