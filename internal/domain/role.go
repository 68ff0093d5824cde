package domain

import (
	"fmt"
	"strings"
)

type Role string

const (
	RolePatient       Role = "patient"
	RoleDoctor        Role = "doctor"
	RoleAdministrator Role = "administrator"
)

// Roles lists every known role in a stable order.
var Roles = []Role{RolePatient, RoleDoctor, RoleAdministrator}

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdministrator:
		return true
	}
	return false
}

// ParseRole accepts a role name in any case, plus "admin" as shorthand.
func ParseRole(s string) (Role, error) {
	v := Role(strings.ToLower(strings.TrimSpace(s)))
	if v == "admin" {
		v = RoleAdministrator
	}
	if !v.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return v, nil
}
