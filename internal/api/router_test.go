package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/clinic"
	"github.com/hackgods/clinic-scheduling/internal/identity"
)

const testSecret = "test-secret-0123456789"

type server struct {
	t      *testing.T
	core   *clinic.Core
	router http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	core, err := clinic.New(clinic.Options{
		Hasher:  identity.NewBcryptHasher(bcrypt.MinCost),
		Billing: billing.Config{DefaultConsultationFee: 5000},
	})
	require.NoError(t, err)
	ok, err := core.Bootstrap(context.Background(), "admin@clinic.test", "admin-password")
	require.NoError(t, err)
	require.True(t, ok)

	return &server{
		t:    t,
		core: core,
		router: NewRouter(RouterConfig{
			Core:     core,
			Sessions: NewSessions(testSecret, time.Hour),
			Env:      "test",
			Version:  "v0",
		}),
	}
}

func (s *server) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) login(email, password string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/sessions", "", LoginRequest{Email: email, Password: password})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func (s *server) created(rec *httptest.ResponseRecorder) int64 {
	s.t.Helper()
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		ID int64 `json:"id"`
	}
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

type clinicFixture struct {
	*server
	admin, doctor, alice, bob string
	doctorID, aliceID, bobID  int64
}

func newClinic(t *testing.T) *clinicFixture {
	s := newServer(t)
	f := &clinicFixture{server: s}
	f.admin = s.login("admin@clinic.test", "admin-password")

	f.doctorID = s.created(s.do(http.MethodPost, "/staff", f.admin, RegisterRequest{
		Role: "doctor", Name: "Dr. Grey", Email: "grey@clinic.test", Password: "doctor-password", Specialty: "General",
	}))
	f.aliceID = s.created(s.do(http.MethodPost, "/patients", "", RegisterRequest{
		Name: "Alice", Email: "alice@clinic.test", Password: "patient-password",
	}))
	f.bobID = s.created(s.do(http.MethodPost, "/patients", "", RegisterRequest{
		Name: "Bob", Email: "bob@clinic.test", Password: "patient-password",
	}))
	f.doctor = s.login("grey@clinic.test", "doctor-password")
	f.alice = s.login("alice@clinic.test", "patient-password")
	f.bob = s.login("bob@clinic.test", "patient-password")
	return f
}

var tenAM = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"disabled"`)

	down := NewRouter(RouterConfig{
		Core:     s.core,
		Sessions: NewSessions(testSecret, time.Hour),
		Postgres: PingFunc(func(context.Context) error { return errors.New("refused") }),
	})
	rr := httptest.NewRecorder()
	down.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"postgres":"down"`)
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/doctors", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/doctors", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/sessions", "", LoginRequest{Email: "admin@clinic.test", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_credentials", errorCode(t, rec))
}

func TestBookingFlow(t *testing.T) {
	f := newClinic(t)

	apptID := f.created(f.do(http.MethodPost, "/appointments", f.alice, CreateAppointmentRequest{
		DoctorID: f.doctorID, Start: tenAM, DurationMinutes: 30,
	}))

	rec := f.do(http.MethodPost, "/appointments", f.bob, CreateAppointmentRequest{
		DoctorID: f.doctorID, Start: tenAM.Add(15 * time.Minute), DurationMinutes: 30,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "scheduling_conflict", errorCode(t, rec))

	f.created(f.do(http.MethodPost, "/appointments", f.bob, CreateAppointmentRequest{
		DoctorID: f.doctorID, Start: tenAM.Add(30 * time.Minute), DurationMinutes: 30,
	}))

	rec = f.do(http.MethodPost, "/appointments", f.bob, CreateAppointmentRequest{
		DoctorID: 999, Start: tenAM.Add(2 * time.Hour), DurationMinutes: 30,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	path := "/appointments/" + itoa(apptID)
	rec = f.do(http.MethodPost, path+"/confirm", f.alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, path, f.bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, path+"/confirm", f.doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, path+"/complete", f.doctor, CompleteRequest{
		Items: []billing.LineItem{{Description: "Blood panel", Quantity: 1, UnitPrice: 2500}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a visit needs content")

	body := map[string]any{"notes": "checkup normal"}
	rec = f.do(http.MethodPost, path+"/complete", f.doctor, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done CompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, "completed", string(done.Appointment.Status))
	assert.Equal(t, billing.StatusPending, done.Invoice.Status)
	assert.Equal(t, "checkup normal", done.Entry.Notes)

	rec = f.do(http.MethodPost, path+"/complete", f.doctor, body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodGet, "/patients/"+itoa(f.aliceID)+"/history", f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "checkup normal")

	rec = f.do(http.MethodGet, "/patients/"+itoa(f.aliceID)+"/history", f.bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	invPath := "/invoices/" + itoa(int64(done.Invoice.ID))
	rec = f.do(http.MethodPost, invPath+"/pay", f.bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(http.MethodPost, invPath+"/pay", f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"paid"`)

	rec = f.do(http.MethodGet, "/doctors/"+itoa(f.doctorID)+"/appointments?status=requested", f.doctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, int64(30), listed[0].DurationMinutes)

	rec = f.do(http.MethodGet, "/doctors/"+itoa(f.doctorID)+"/appointments?status=bogus", f.doctor, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/appointments/"+itoa(apptID)+"/events", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "APPOINTMENT_COMPLETED")
}

func TestAppointmentDurationBounds(t *testing.T) {
	f := newClinic(t)

	for _, minutes := range []int{0, -30, MaxAppointmentMinutes + 1, 200_000_000} {
		rec := f.do(http.MethodPost, "/appointments", f.alice, CreateAppointmentRequest{
			DoctorID: f.doctorID, Start: tenAM, DurationMinutes: minutes,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "duration_minutes=%d", minutes)
		assert.Equal(t, "invalid_input", errorCode(t, rec))
	}

	id := f.created(f.do(http.MethodPost, "/appointments", f.alice, CreateAppointmentRequest{
		DoctorID: f.doctorID, Start: tenAM, DurationMinutes: MaxAppointmentMinutes,
	}))

	path := "/appointments/" + itoa(id) + "/reschedule"
	rec := f.do(http.MethodPost, path, f.alice, RescheduleRequest{Start: tenAM, DurationMinutes: MaxAppointmentMinutes + 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, path, f.alice, RescheduleRequest{Start: tenAM, DurationMinutes: 1})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestReportsAndPeople(t *testing.T) {
	f := newClinic(t)

	rec := f.do(http.MethodGet, "/reports/appointments", f.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/reports/appointments", f.doctor, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/reports/revenue?from=2026-01-01T00:00:00Z&to=2027-01-01T00:00:00Z", f.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/reports/revenue?from=yesterday", f.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/reports/doctors/"+itoa(f.doctorID), f.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, "/reports/overdue", f.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/doctors", f.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "credential")

	rec = f.do(http.MethodGet, "/people/"+itoa(f.bobID), f.alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(http.MethodGet, "/people/abc", f.alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	phone := "555-0100"
	rec = f.do(http.MethodPatch, "/people/"+itoa(f.aliceID), f.alice, UpdatePersonRequest{Phone: &phone})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), phone)

	rec = f.do(http.MethodPost, "/patients", "", RegisterRequest{Name: "Dup", Email: "ALICE@clinic.test", Password: "patient-password"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeactivatedSessionStopsWorking(t *testing.T) {
	f := newClinic(t)

	rec := f.do(http.MethodGet, "/doctors", f.bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/people/"+itoa(f.bobID)+"/deactivate", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/doctors", f.bob, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminStateRoundTrip(t *testing.T) {
	f := newClinic(t)
	f.created(f.do(http.MethodPost, "/appointments", f.alice, CreateAppointmentRequest{
		DoctorID: f.doctorID, Start: tenAM, DurationMinutes: 30,
	}))

	rec := f.do(http.MethodGet, "/admin/state", f.alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/admin/state", f.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := rec.Body.Bytes()

	req := httptest.NewRequest(http.MethodPut, "/admin/state", bytes.NewReader(state))
	req.Header.Set("Authorization", "Bearer "+f.admin)
	put := httptest.NewRecorder()
	f.router.ServeHTTP(put, req)
	assert.Equal(t, http.StatusNoContent, put.Code, put.Body.String())

	req = httptest.NewRequest(http.MethodPut, "/admin/state", bytes.NewReader([]byte(`{"version":99}`)))
	req.Header.Set("Authorization", "Bearer "+f.admin)
	bad := httptest.NewRecorder()
	f.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
