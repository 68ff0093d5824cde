package identity

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

type PersonID int64

// Person is the shared root of patients, doctors and administrators. Exactly one of the
// role-specific profiles is set for patients and doctors; administrators carry none.
type Person struct {
	ID             PersonID        `json:"id"`
	Role           domain.Role     `json:"role"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	Phone          string          `json:"phone,omitempty"`
	CredentialHash string          `json:"credential_hash"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	Patient        *PatientProfile `json:"patient,omitempty"`
	Doctor         *DoctorProfile  `json:"doctor,omitempty"`
}

type PatientProfile struct {
	DateOfBirth *time.Time        `json:"date_of_birth,omitempty"`
	Insurance   map[string]string `json:"insurance,omitempty"`
}

type DoctorProfile struct {
	Specialty            string       `json:"specialty"`
	WorkingHours         WorkingHours `json:"working_hours"`
	ConsultationFeeCents int64        `json:"consultation_fee_cents,omitempty"`
}

// WorkingHours restricts when a doctor can be booked. The zero value means no restriction.
type WorkingHours struct {
	Days  []time.Weekday `json:"days,omitempty"`
	Start string         `json:"start,omitempty"` // "HH:MM"
	End   string         `json:"end,omitempty"`   // "HH:MM"
}

const clockLayout = "15:04"

func (w WorkingHours) IsZero() bool {
	return len(w.Days) == 0 && w.Start == "" && w.End == ""
}

func (w WorkingHours) validate() error {
	if w.Start == "" && w.End == "" {
		return nil
	}
	start, err := time.Parse(clockLayout, w.Start)
	if err != nil {
		return fmt.Errorf("%w: working hours start %q", domain.ErrInvalidInput, w.Start)
	}
	end, err := time.Parse(clockLayout, w.End)
	if err != nil {
		return fmt.Errorf("%w: working hours end %q", domain.ErrInvalidInput, w.End)
	}
	if !start.Before(end) {
		return fmt.Errorf("%w: working hours end before start", domain.ErrInvalidInput)
	}
	return nil
}

// Covers reports whether [start, start+d) falls inside the working hours of start's day,
// evaluated in start's location. Callers convert start to the clinic's location first.
func (w WorkingHours) Covers(start time.Time, d time.Duration) bool {
	if len(w.Days) > 0 {
		ok := false
		for _, day := range w.Days {
			if day == start.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if w.Start == "" && w.End == "" {
		return true
	}

	from, err1 := time.Parse(clockLayout, w.Start)
	until, err2 := time.Parse(clockLayout, w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	y, m, day := start.Date()
	loc := start.Location()
	opensAt := time.Date(y, m, day, from.Hour(), from.Minute(), 0, 0, loc)
	closesAt := time.Date(y, m, day, until.Hour(), until.Minute(), 0, 0, loc)

	return !start.Before(opensAt) && !start.Add(d).After(closesAt)
}

// Profile is the registration payload.
type Profile struct {
	Name    string
	Email   string
	Phone   string
	Patient *PatientProfile
	Doctor  *DoctorProfile
}

// ProfileUpdate changes the fields that are set.
type ProfileUpdate struct {
	Name                 *string
	Email                *string
	Phone                *string
	Specialty            *string
	WorkingHours         *WorkingHours
	ConsultationFeeCents *int64
	DateOfBirth          *time.Time
	Insurance            map[string]string
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", domain.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: email %q", domain.ErrInvalidInput, email)
	}
	return nil
}

// MaxConsultationFeeCents matches the largest unit price billing accepts.
const MaxConsultationFeeCents = 100_000_000_00

// validatePerson checks the fields every stored person must satisfy.
func validatePerson(p Person) error {
	if !p.Role.Valid() {
		return fmt.Errorf("%w: role %q", domain.ErrInvalidInput, p.Role)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidInput)
	}
	if err := validateEmail(p.Email); err != nil {
		return err
	}
	switch p.Role {
	case domain.RolePatient:
		if p.Doctor != nil {
			return fmt.Errorf("%w: patient cannot carry a doctor profile", domain.ErrInvalidInput)
		}
	case domain.RoleDoctor:
		if p.Doctor == nil || strings.TrimSpace(p.Doctor.Specialty) == "" {
			return fmt.Errorf("%w: doctor requires a specialty", domain.ErrInvalidInput)
		}
		if p.Patient != nil {
			return fmt.Errorf("%w: doctor cannot carry a patient profile", domain.ErrInvalidInput)
		}
		if p.Doctor.ConsultationFeeCents < 0 || p.Doctor.ConsultationFeeCents > MaxConsultationFeeCents {
			return fmt.Errorf("%w: consultation fee outside 0..%d cents", domain.ErrInvalidInput, MaxConsultationFeeCents)
		}
		if err := p.Doctor.WorkingHours.validate(); err != nil {
			return err
		}
	case domain.RoleAdministrator:
		if p.Doctor != nil || p.Patient != nil {
			return fmt.Errorf("%w: administrator carries no profile", domain.ErrInvalidInput)
		}
	}
	return nil
}

func (p Person) clone() Person {
	out := p
	if p.Patient != nil {
		pp := *p.Patient
		if p.Patient.DateOfBirth != nil {
			dob := *p.Patient.DateOfBirth
			pp.DateOfBirth = &dob
		}
		if p.Patient.Insurance != nil {
			pp.Insurance = make(map[string]string, len(p.Patient.Insurance))
			for k, v := range p.Patient.Insurance {
				pp.Insurance[k] = v
			}
		}
		out.Patient = &pp
	}
	if p.Doctor != nil {
		dp := *p.Doctor
		dp.WorkingHours.Days = append([]time.Weekday(nil), p.Doctor.WorkingHours.Days...)
		out.Doctor = &dp
	}
	return out
}
