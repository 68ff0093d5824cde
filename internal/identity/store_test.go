package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(NewBcryptHasher(bcrypt.MinCost), func() time.Time { return fixedNow })
	require.NoError(t, err)
	return s
}

func doctorProfile(email string) Profile {
	return Profile{
		Name:  "Dana Whitfield",
		Email: email,
		Doctor: &DoctorProfile{
			Specialty: "Cardiology",
			WorkingHours: WorkingHours{
				Days:  []time.Weekday{time.Monday, time.Tuesday},
				Start: "09:00",
				End:   "17:00",
			},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Register(domain.RolePatient, Profile{Name: "Pat Lee", Email: " Pat@Example.com "}, "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, PersonID(1), id)

	p, err := s.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "pat@example.com", p.Email)
	assert.Equal(t, domain.RolePatient, p.Role)
	assert.True(t, p.Active)
	assert.Equal(t, fixedNow, p.CreatedAt)
	require.NotNil(t, p.Patient)
	assert.NotEqual(t, "correct-horse", p.CredentialHash)
	assert.NotEmpty(t, p.CredentialHash)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Register(domain.RolePatient, Profile{Name: "A", Email: "same@example.com"}, "password-1")
	require.NoError(t, err)

	_, err = s.Register(domain.RoleDoctor, doctorProfile("SAME@example.com"), "password-2")
	assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)
	assert.Equal(t, 1, s.Len())
}

func TestRegisterValidatesRoleProfile(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Register(domain.RoleDoctor, Profile{Name: "No Specialty", Email: "d@example.com"}, "password-1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.Register(domain.RoleAdministrator, doctorProfile("a@example.com"), "password-1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.Register(domain.RolePatient, Profile{Name: "Short", Email: "p@example.com"}, "short")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.Register(domain.RolePatient, Profile{Name: "Bad", Email: "not-an-email"}, "password-1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	pricey := doctorProfile("pricey@example.com")
	pricey.Doctor.ConsultationFeeCents = MaxConsultationFeeCents + 1
	_, err = s.Register(domain.RoleDoctor, pricey, "password-1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAuthenticateSameErrorForUnknownAndWrongPassword(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Register(domain.RoleDoctor, doctorProfile("doc@example.com"), "stethoscope")
	require.NoError(t, err)

	gotID, role, err := s.Authenticate("DOC@example.com", "stethoscope")
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, domain.RoleDoctor, role)

	_, _, errWrong := s.Authenticate("doc@example.com", "wrong-password")
	_, _, errUnknown := s.Authenticate("nobody@example.com", "stethoscope")
	assert.ErrorIs(t, errWrong, domain.ErrInvalidCredentials)
	assert.ErrorIs(t, errUnknown, domain.ErrInvalidCredentials)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())
}

func TestDeactivatedPersonCannotAuthenticate(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Register(domain.RolePatient, Profile{Name: "P", Email: "p@example.com"}, "password-1")
	require.NoError(t, err)

	_, err = s.Deactivate(id)
	require.NoError(t, err)

	_, _, err = s.Authenticate("p@example.com", "password-1")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestLookupUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Lookup(42)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLookupReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Register(domain.RoleDoctor, doctorProfile("doc@example.com"), "password-1")
	require.NoError(t, err)

	p, err := s.Lookup(id)
	require.NoError(t, err)
	p.Doctor.Specialty = "Tampered"

	again, err := s.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "Cardiology", again.Doctor.Specialty)
}

func TestUpdateProfileReindexesEmail(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Register(domain.RolePatient, Profile{Name: "P", Email: "old@example.com"}, "password-1")
	require.NoError(t, err)
	_, err = s.Register(domain.RolePatient, Profile{Name: "Q", Email: "taken@example.com"}, "password-1")
	require.NoError(t, err)

	taken := "taken@example.com"
	_, err = s.UpdateProfile(id, ProfileUpdate{Email: &taken})
	assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)

	fresh := "new@example.com"
	name := "P. Renamed"
	p, err := s.UpdateProfile(id, ProfileUpdate{Email: &fresh, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "P. Renamed", p.Name)

	_, _, err = s.Authenticate("new@example.com", "password-1")
	assert.NoError(t, err)
	_, _, err = s.Authenticate("old@example.com", "password-1")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	specialty := "Dermatology"
	_, err = s.UpdateProfile(id, ProfileUpdate{Specialty: &specialty})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSetPassword(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Register(domain.RoleAdministrator, Profile{Name: "Admin", Email: "admin@example.com"}, "password-1")
	require.NoError(t, err)

	require.NoError(t, s.SetPassword(id, "password-2"))
	_, _, err = s.Authenticate("admin@example.com", "password-2")
	assert.NoError(t, err)
}

func TestRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Register(domain.RolePatient, Profile{Name: "P", Email: "p@example.com"}, "password-1")
	require.NoError(t, err)
	_, err = s.Register(domain.RoleDoctor, doctorProfile("d@example.com"), "password-1")
	require.NoError(t, err)

	exported := s.Export()

	other := newTestStore(t)
	require.NoError(t, other.Restore(exported))
	assert.Equal(t, exported, other.Export())

	_, _, err = other.Authenticate("d@example.com", "password-1")
	assert.NoError(t, err)

	next, err := other.Register(domain.RolePatient, Profile{Name: "R", Email: "r@example.com"}, "password-1")
	require.NoError(t, err)
	assert.Equal(t, PersonID(3), next)
}

func TestValidateRecordsRejectsDuplicateEmails(t *testing.T) {
	people := []Person{
		{ID: 1, Role: domain.RolePatient, Name: "A", Email: "a@example.com", CredentialHash: "x", Patient: &PatientProfile{}},
		{ID: 2, Role: domain.RolePatient, Name: "B", Email: "a@example.com", CredentialHash: "x", Patient: &PatientProfile{}},
	}
	assert.ErrorIs(t, ValidateRecords(people), domain.ErrDuplicateIdentity)
}

func TestWorkingHoursCovers(t *testing.T) {
	w := WorkingHours{Days: []time.Weekday{time.Monday}, Start: "09:00", End: "12:00"}
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	assert.True(t, w.Covers(monday.Add(9*time.Hour), 30*time.Minute))
	assert.True(t, w.Covers(monday.Add(11*time.Hour+30*time.Minute), 30*time.Minute))
	assert.False(t, w.Covers(monday.Add(11*time.Hour+45*time.Minute), 30*time.Minute))
	assert.False(t, w.Covers(monday.Add(8*time.Hour), 30*time.Minute))
	assert.False(t, w.Covers(monday.Add(24*time.Hour+10*time.Hour), 30*time.Minute))
	assert.True(t, WorkingHours{}.Covers(monday, time.Hour))
}
