package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/ledger"
	"github.com/hackgods/clinic-scheduling/internal/lock"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	PersonID  identity.PersonID `json:"person_id"`
	Role      domain.Role       `json:"role"`
}

type RegisterRequest struct {
	Role        string                 `json:"role,omitempty"`
	Name        string                 `json:"name"`
	Email       string                 `json:"email"`
	Phone       string                 `json:"phone,omitempty"`
	Password    string                 `json:"password"`
	DateOfBirth *time.Time             `json:"date_of_birth,omitempty"`
	Insurance   map[string]string      `json:"insurance,omitempty"`
	Specialty   string                 `json:"specialty,omitempty"`
	Hours       *identity.WorkingHours `json:"working_hours,omitempty"`
	FeeCents    int64                  `json:"consultation_fee_cents,omitempty"`
}

func (req RegisterRequest) profile(role domain.Role) identity.Profile {
	p := identity.Profile{Name: req.Name, Email: req.Email, Phone: req.Phone}
	switch role {
	case domain.RolePatient:
		p.Patient = &identity.PatientProfile{DateOfBirth: req.DateOfBirth, Insurance: req.Insurance}
	case domain.RoleDoctor:
		p.Doctor = &identity.DoctorProfile{Specialty: req.Specialty, ConsultationFeeCents: req.FeeCents}
		if req.Hours != nil {
			p.Doctor.WorkingHours = *req.Hours
		}
	}
	return p
}

type CreatedResponse struct {
	ID int64 `json:"id"`
}

type UpdatePersonRequest struct {
	Name        *string                `json:"name,omitempty"`
	Email       *string                `json:"email,omitempty"`
	Phone       *string                `json:"phone,omitempty"`
	Password    *string                `json:"password,omitempty"`
	Specialty   *string                `json:"specialty,omitempty"`
	Hours       *identity.WorkingHours `json:"working_hours,omitempty"`
	FeeCents    *int64                 `json:"consultation_fee_cents,omitempty"`
	DateOfBirth *time.Time             `json:"date_of_birth,omitempty"`
	Insurance   map[string]string      `json:"insurance,omitempty"`
}

func (req UpdatePersonRequest) update() identity.ProfileUpdate {
	return identity.ProfileUpdate{
		Name:                 req.Name,
		Email:                req.Email,
		Phone:                req.Phone,
		Specialty:            req.Specialty,
		WorkingHours:         req.Hours,
		ConsultationFeeCents: req.FeeCents,
		DateOfBirth:          req.DateOfBirth,
		Insurance:            req.Insurance,
	}
}

func (req UpdatePersonRequest) changesProfile() bool {
	return req.Name != nil || req.Email != nil || req.Phone != nil || req.Specialty != nil ||
		req.Hours != nil || req.FeeCents != nil || req.DateOfBirth != nil || req.Insurance != nil
}

type PersonResponse struct {
	ID        identity.PersonID        `json:"id"`
	Role      domain.Role              `json:"role"`
	Name      string                   `json:"name"`
	Email     string                   `json:"email"`
	Phone     string                   `json:"phone,omitempty"`
	Active    bool                     `json:"active"`
	CreatedAt time.Time                `json:"created_at"`
	Patient   *identity.PatientProfile `json:"patient,omitempty"`
	Doctor    *identity.DoctorProfile  `json:"doctor,omitempty"`
}

func toPerson(p identity.Person) PersonResponse {
	return PersonResponse{
		ID:        p.ID,
		Role:      p.Role,
		Name:      p.Name,
		Email:     p.Email,
		Phone:     p.Phone,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
		Patient:   p.Patient,
		Doctor:    p.Doctor,
	}
}

func toPeople(rows []identity.Person) []PersonResponse {
	out := make([]PersonResponse, 0, len(rows))
	for _, p := range rows {
		out = append(out, toPerson(p))
	}
	return out
}

// MaxAppointmentMinutes bounds duration_minutes on create and reschedule.
const MaxAppointmentMinutes = 24 * 60

func appointmentDuration(minutes int) (time.Duration, error) {
	if minutes < 1 || minutes > MaxAppointmentMinutes {
		return 0, fmt.Errorf("%w: duration_minutes must be between 1 and %d", domain.ErrInvalidInput, MaxAppointmentMinutes)
	}
	return time.Duration(minutes) * time.Minute, nil
}

type CreateAppointmentRequest struct {
	PatientID       int64     `json:"patient_id,omitempty"`
	DoctorID        int64     `json:"doctor_id"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
}

type RescheduleRequest struct {
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CompleteRequest struct {
	ledger.Visit
	Items []billing.LineItem `json:"items,omitempty"`
}

type PrebillRequest struct {
	Items []billing.LineItem `json:"items,omitempty"`
}

type PayRequest struct {
	// AmountCents of zero settles the whole balance.
	AmountCents int64 `json:"amount_cents,omitempty"`
}

type AppointmentResponse struct {
	ID              appointment.AppointmentID     `json:"id"`
	PatientID       identity.PersonID             `json:"patient_id"`
	DoctorID        identity.PersonID             `json:"doctor_id"`
	Start           time.Time                     `json:"start"`
	End             time.Time                     `json:"end"`
	DurationMinutes int64                         `json:"duration_minutes"`
	Status          appointment.AppointmentStatus `json:"status"`
	Reason          string                        `json:"reason,omitempty"`
	DisputedAt      *time.Time                    `json:"disputed_at,omitempty"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

func toAppointment(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		Start:           a.Start,
		End:             a.End(),
		DurationMinutes: int64(a.Duration / time.Minute),
		Status:          a.Status,
		Reason:          a.Reason,
		DisputedAt:      a.DisputedAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toAppointments(rows []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(rows))
	for _, a := range rows {
		out = append(out, toAppointment(a))
	}
	return out
}

type CompletionResponse struct {
	Appointment AppointmentResponse `json:"appointment"`
	Entry       ledger.Entry        `json:"history_entry"`
	Invoice     billing.Invoice     `json:"invoice"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleError maps core error kinds to status codes. Internal errors keep their details out
// of the response.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		writeError(w, http.StatusConflict, "busy", "resource is being modified, please retry shortly")
	case errors.Is(err, domain.ErrSchedulingConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateIdentity):
		writeError(w, http.StatusConflict, domain.KindOf(err), err.Error())
	case errors.Is(err, domain.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, domain.KindOf(err), err.Error())
	case errors.Is(err, domain.ErrAuthorizationDenied):
		writeError(w, http.StatusForbidden, domain.KindOf(err), err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, domain.KindOf(err), err.Error())
	case errors.Is(err, domain.ErrUnknownParticipant):
		writeError(w, http.StatusUnprocessableEntity, domain.KindOf(err), err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, domain.KindOf(err), err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}
