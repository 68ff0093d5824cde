package access

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

func TestDefaultGrants(t *testing.T) {
	e := NewEngine(NewTable(DefaultGrants()), nil)

	cases := []struct {
		role domain.Role
		op   Operation
		want bool
	}{
		{domain.RolePatient, OpRequest, true},
		{domain.RolePatient, OpConfirm, false},
		{domain.RolePatient, OpComplete, false},
		{domain.RolePatient, OpReports, false},
		{domain.RoleDoctor, OpConfirm, true},
		{domain.RoleDoctor, OpComplete, true},
		{domain.RoleDoctor, OpRequest, false},
		{domain.RoleDoctor, OpPay, false},
		{domain.RoleAdministrator, OpCancel, true},
		{domain.RoleAdministrator, OpExportState, true},
		{domain.RoleAdministrator, OpComplete, false},
		{domain.RoleAdministrator, OpAmendHistory, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.Authorize(tc.role, tc.op), "%s %s", tc.role, tc.op)
	}
}

func TestUnknownRoleOrOperationIsDenied(t *testing.T) {
	e := NewEngine(NewTable(DefaultGrants()), nil)

	assert.False(t, e.Authorize(domain.Role("janitor"), OpViewAppt))
	assert.False(t, e.Authorize(domain.RoleAdministrator, Operation("appointment.teleport")))
	assert.False(t, e.Authorize("", ""))

	var empty *Table
	assert.False(t, empty.Allows(domain.RoleAdministrator, OpReports))
}

func TestRequireWrapsDenialAndAudits(t *testing.T) {
	log := logger.New("info", "prod")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	e := NewEngine(NewTable(DefaultGrants()), log)

	err := e.Require(Actor{ID: 4, Role: domain.RolePatient}, OpConfirm)
	require.ErrorIs(t, err, domain.ErrAuthorizationDenied)
	assert.Contains(t, err.Error(), "appointment.confirm")
	assert.Contains(t, buf.String(), `"action":"appointment.confirm"`)
	assert.Contains(t, buf.String(), `"resource":"appointment"`)

	assert.NoError(t, e.Require(Actor{ID: 2, Role: domain.RoleDoctor}, OpConfirm))
}

func TestRequireSelf(t *testing.T) {
	e := NewEngine(NewTable(DefaultGrants()), nil)
	patient := Actor{ID: 5, Role: domain.RolePatient}

	assert.NoError(t, e.RequireSelf(patient, OpViewHistory, 5))
	assert.ErrorIs(t, e.RequireSelf(patient, OpViewHistory, 6), domain.ErrAuthorizationDenied)
	assert.NoError(t, e.RequireSelf(Actor{ID: 1, Role: domain.RoleAdministrator}, OpViewBilling, 6))
}

func TestSubstituteTable(t *testing.T) {
	e := NewEngine(NewTable(map[domain.Role][]Operation{
		domain.RolePatient: {OpConfirm},
	}), nil)

	assert.True(t, e.Authorize(domain.RolePatient, OpConfirm))
	assert.False(t, e.Authorize(domain.RoleDoctor, OpConfirm))
}

func TestLoadGrants(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perms.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"patient":["appointment.request"],"admin":["reports.view"]}`), 0o600))

	grants, err := LoadGrants(path)
	require.NoError(t, err)
	assert.Equal(t, []Operation{OpRequest}, grants[domain.RolePatient])
	assert.Equal(t, []Operation{OpReports}, grants[domain.RoleAdministrator])

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"patient":["appointment.teleport"]}`), 0o600))
	_, err = LoadGrants(bad)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = LoadGrants(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestOperationResource(t *testing.T) {
	assert.Equal(t, "billing", OpPay.Resource())
	assert.Equal(t, "odd", Operation("odd").Resource())
}
