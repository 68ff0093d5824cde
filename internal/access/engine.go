// Package access decides which role may perform which operation. The table is built once
// at startup and never changes; anything it does not name is denied.
package access

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

// Actor is the authenticated caller of a command.
type Actor struct {
	ID   identity.PersonID `json:"id"`
	Role domain.Role       `json:"role"`
}

func (a Actor) Is(id identity.PersonID) bool { return a.ID == id }

// Table is the read-only role → operations set.
type Table struct {
	grants map[domain.Role]map[Operation]struct{}
}

func NewTable(grants map[domain.Role][]Operation) *Table {
	t := &Table{grants: make(map[domain.Role]map[Operation]struct{}, len(grants))}
	for role, ops := range grants {
		set := make(map[Operation]struct{}, len(ops))
		for _, op := range ops {
			set[op] = struct{}{}
		}
		t.grants[role] = set
	}
	return t
}

// Allows is a pure lookup. Unknown roles and operations are denied.
func (t *Table) Allows(role domain.Role, op Operation) bool {
	if t == nil {
		return false
	}
	ops, ok := t.grants[role]
	if !ok {
		return false
	}
	_, ok = ops[op]
	return ok
}

type Engine struct {
	table *Table
	log   *logger.Logger
}

func NewEngine(table *Table, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{table: table, log: log}
}

func (e *Engine) Authorize(role domain.Role, op Operation) bool {
	return e.table.Allows(role, op)
}

// Require returns ErrAuthorizationDenied when the actor's role may not perform op.
// Denials are written to the audit log.
func (e *Engine) Require(actor Actor, op Operation) error {
	if e.Authorize(actor.Role, op) {
		return nil
	}
	return e.deny(actor, op, "role not permitted")
}

// RequireSelf is Require plus a scope check: patients may only act on their own records.
func (e *Engine) RequireSelf(actor Actor, op Operation, subject identity.PersonID) error {
	if err := e.Require(actor, op); err != nil {
		return err
	}
	if actor.Role == domain.RolePatient && !actor.Is(subject) {
		return e.Deny(actor, op, "patients act on their own records only")
	}
	return nil
}

// Deny records a scope violation found by the caller and returns the matching error.
func (e *Engine) Deny(actor Actor, op Operation, reason string) error {
	return e.deny(actor, op, reason)
}

func (e *Engine) deny(actor Actor, op Operation, reason string) error {
	e.log.Audit(int64(actor.ID), string(op), op.Resource(), false, logrus.Fields{
		"role":   string(actor.Role),
		"reason": reason,
	})
	return fmt.Errorf("%s may not %s: %w", actor.Role, op, domain.ErrAuthorizationDenied)
}
