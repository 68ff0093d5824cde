package clinic

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/ledger"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
)

var (
	ctx    = context.Background()
	now    = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
)

func at(hour, minute int) time.Time {
	return monday.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type world struct {
	core    *Core
	p, q, r access.Actor
	doc     access.Actor
	admin   access.Actor
}

func newCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(Options{
		Hasher:  identity.NewBcryptHasher(bcrypt.MinCost),
		Billing: billing.Config{DefaultConsultationFee: 5000},
		Metrics: metrics.NewCoreMetrics(prometheus.NewRegistry()),
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)
	return c
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{core: newCore(t)}

	ok, err := w.core.Bootstrap(ctx, "admin@clinic.test", "admin-password")
	require.NoError(t, err)
	require.True(t, ok)
	w.admin = w.login(t, "admin@clinic.test", "admin-password")

	docID, err := w.core.RegisterStaff(ctx, w.admin, domain.RoleDoctor, identity.Profile{
		Name:   "Dr. Grey",
		Email:  "grey@clinic.test",
		Doctor: &identity.DoctorProfile{Specialty: "General practice"},
	}, "doctor-password")
	require.NoError(t, err)
	w.doc = access.Actor{ID: docID, Role: domain.RoleDoctor}

	for _, email := range []string{"p@clinic.test", "q@clinic.test", "r@clinic.test"} {
		_, err := w.core.RegisterPatient(ctx, identity.Profile{Name: email, Email: email}, "patient-password")
		require.NoError(t, err)
	}
	w.p = w.login(t, "p@clinic.test", "patient-password")
	w.q = w.login(t, "q@clinic.test", "patient-password")
	w.r = w.login(t, "r@clinic.test", "patient-password")
	return w
}

func (w *world) login(t *testing.T, email, password string) access.Actor {
	t.Helper()
	actor, err := w.core.Authenticate(ctx, email, password)
	require.NoError(t, err)
	return actor
}

func (w *world) book(t *testing.T, patient access.Actor, start time.Time) appointment.Appointment {
	t.Helper()
	a, err := w.core.RequestAppointment(ctx, patient, patient.ID, w.doc.ID, start, 30*time.Minute)
	require.NoError(t, err)
	return a
}

func TestBackToBackAndOverlap(t *testing.T) {
	w := newWorld(t)

	w.book(t, w.p, at(10, 0))
	w.book(t, w.q, at(10, 30))

	_, err := w.core.RequestAppointment(ctx, w.r, w.r.ID, w.doc.ID, at(10, 15), 30*time.Minute)
	assert.ErrorIs(t, err, domain.ErrSchedulingConflict)
}

func TestConfirmThenComplete(t *testing.T) {
	w := newWorld(t)
	a := w.book(t, w.p, at(10, 0))

	_, err := w.core.Confirm(ctx, w.doc, a.ID)
	require.NoError(t, err)
	done, err := w.core.Complete(ctx, w.doc, a.ID, ledger.Visit{Notes: "checkup normal"})
	require.NoError(t, err)

	got, err := w.core.Appointment(ctx, w.p, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCompleted, got.Status)

	history, err := w.core.History(ctx, w.p, w.p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "checkup normal", history[0].Notes)

	invoices, err := w.core.PatientInvoices(ctx, w.p, w.p.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, billing.StatusPending, invoices[0].Status)
	assert.Equal(t, done.Invoice.ID, invoices[0].ID)
}

func TestCompleteRejectsOversizedItemAndStateStillRoundTrips(t *testing.T) {
	w := newWorld(t)
	a := w.book(t, w.p, at(10, 0))
	_, err := w.core.Confirm(ctx, w.doc, a.ID)
	require.NoError(t, err)

	_, err = w.core.Complete(ctx, w.doc, a.ID, ledger.Visit{Diagnosis: "fracture"},
		billing.LineItem{Description: "Implant", Quantity: 3_000_000_000, UnitPrice: 4_000_000_000})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	got, err := w.core.Appointment(ctx, w.p, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
	history, err := w.core.History(ctx, w.p, w.p.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	done, err := w.core.Complete(ctx, w.doc, a.ID, ledger.Visit{Diagnosis: "fracture"},
		billing.LineItem{Description: "Implant", Quantity: 1, UnitPrice: billing.MaxUnitPrice})
	require.NoError(t, err)
	assert.Equal(t, billing.MaxUnitPrice+5000, done.Invoice.Total)

	data, err := w.core.ExportState()
	require.NoError(t, err)
	assert.NoError(t, newCore(t).ImportState(data))
}

func TestAdministratorCancelsPrebilledAppointment(t *testing.T) {
	w := newWorld(t)
	a := w.book(t, w.p, at(10, 0))
	_, err := w.core.Confirm(ctx, w.doc, a.ID)
	require.NoError(t, err)
	inv, err := w.core.Prebill(ctx, w.admin, a.ID)
	require.NoError(t, err)

	cancelled, err := w.core.Cancel(ctx, w.admin, a.ID, "re-opened for correction")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)

	got, err := w.core.Invoice(ctx, w.admin, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusVoid, got.Status)
}

func TestPatientConfirmDeniedInEveryState(t *testing.T) {
	w := newWorld(t)
	requested := w.book(t, w.p, at(9, 0))
	confirmed := w.book(t, w.p, at(10, 0))
	cancelled := w.book(t, w.p, at(11, 0))
	_, err := w.core.Confirm(ctx, w.doc, confirmed.ID)
	require.NoError(t, err)
	_, err = w.core.Cancel(ctx, w.p, cancelled.ID, "")
	require.NoError(t, err)

	for _, id := range []appointment.AppointmentID{requested.ID, confirmed.ID, cancelled.ID, 999} {
		_, err := w.core.Confirm(ctx, w.p, id)
		assert.ErrorIs(t, err, domain.ErrAuthorizationDenied, "appointment %d", id)
	}
}

func TestAuthenticateDoesNotRevealAccounts(t *testing.T) {
	w := newWorld(t)

	_, errUnknown := w.core.Authenticate(ctx, "nobody@clinic.test", "patient-password")
	_, errWrong := w.core.Authenticate(ctx, "p@clinic.test", "wrong-password")
	assert.ErrorIs(t, errUnknown, domain.ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, domain.ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())

	_, err := w.core.RegisterPatient(ctx, identity.Profile{Name: "Dup", Email: "P@clinic.test"}, "patient-password")
	assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)
}

func TestPeopleScoping(t *testing.T) {
	w := newWorld(t)

	_, err := w.core.RegisterStaff(ctx, w.p, domain.RoleDoctor, identity.Profile{}, "x")
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)

	me, err := w.core.Person(ctx, w.p, w.p.ID)
	require.NoError(t, err)
	assert.Empty(t, me.CredentialHash)

	_, err = w.core.Person(ctx, w.p, w.q.ID)
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)

	_, err = w.core.Person(ctx, w.p, w.doc.ID)
	assert.NoError(t, err)

	_, err = w.core.Person(ctx, w.doc, w.p.ID)
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied, "no appointment yet")
	w.book(t, w.p, at(10, 0))
	_, err = w.core.Person(ctx, w.doc, w.p.ID)
	assert.NoError(t, err)

	patients, err := w.core.ListPatients(ctx, w.doc)
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, w.p.ID, patients[0].ID)

	all, err := w.core.ListPatients(ctx, w.admin)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	doctors, err := w.core.ListDoctors(ctx, w.q)
	require.NoError(t, err)
	require.Len(t, doctors, 1)
	assert.Empty(t, doctors[0].CredentialHash)

	phone := "555-0100"
	_, err = w.core.UpdatePerson(ctx, w.q, w.p.ID, identity.ProfileUpdate{Phone: &phone})
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)
	updated, err := w.core.UpdatePerson(ctx, w.p, w.p.ID, identity.ProfileUpdate{Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, phone, updated.Phone)
}

func TestDeactivateAndPasswordChange(t *testing.T) {
	w := newWorld(t)

	_, err := w.core.Deactivate(ctx, w.admin, w.admin.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, w.core.ChangePassword(ctx, w.q, w.q.ID, "new-patient-password"))
	w.login(t, "q@clinic.test", "new-patient-password")

	_, err = w.core.Deactivate(ctx, w.admin, w.q.ID)
	require.NoError(t, err)
	_, err = w.core.Authenticate(ctx, "q@clinic.test", "new-patient-password")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestPaymentsAndReports(t *testing.T) {
	w := newWorld(t)
	a := w.book(t, w.p, at(10, 0))
	_, err := w.core.Confirm(ctx, w.doc, a.ID)
	require.NoError(t, err)
	done, err := w.core.Complete(ctx, w.doc, a.ID, ledger.Visit{Diagnosis: "flu"},
		billing.LineItem{Description: "Rapid test", Quantity: 1, UnitPrice: 2000})
	require.NoError(t, err)
	assert.Equal(t, billing.Cents(7000), done.Invoice.Total)

	_, err = w.core.Pay(ctx, w.q, done.Invoice.ID, 0)
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)

	partial, err := w.core.Pay(ctx, w.p, done.Invoice.ID, 3000)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPending, partial.Status)
	paid, err := w.core.Pay(ctx, w.p, done.Invoice.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, paid.Status)

	counts, err := w.core.AppointmentCounts(ctx, w.admin, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Completed)

	revenue, err := w.core.Revenue(ctx, w.admin, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, billing.Cents(7000), revenue.Collected)

	loads, err := w.core.PatientsPerDoctor(ctx, w.admin)
	require.NoError(t, err)
	require.Len(t, loads, 1)
	assert.Equal(t, 1, loads[0].Patients)

	overdue, err := w.core.OverdueInvoices(ctx, w.admin)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	summary, err := w.core.DoctorSummary(ctx, w.admin, w.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.Cents(7000), summary.Billed)

	_, err = w.core.Revenue(ctx, w.doc, now, now.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)
}

func TestAmendAndDispute(t *testing.T) {
	w := newWorld(t)
	a := w.book(t, w.p, at(10, 0))
	_, err := w.core.Confirm(ctx, w.doc, a.ID)
	require.NoError(t, err)
	done, err := w.core.Complete(ctx, w.doc, a.ID, ledger.Visit{Notes: "checkup normal"})
	require.NoError(t, err)

	amendment, err := w.core.Amend(ctx, w.doc, done.Entry.ID, ledger.Visit{Notes: "corrected dosage"})
	require.NoError(t, err)
	assert.Equal(t, done.Entry.ID, amendment.AmendsID)

	history, err := w.core.History(ctx, w.doc, w.p.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "checkup normal", history[0].Notes)

	_, err = w.core.Dispute(ctx, w.admin, a.ID, "duplicate charge")
	require.NoError(t, err)
	inv, err := w.core.Invoice(ctx, w.p, done.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusVoid, inv.Status)

	events, err := w.core.AppointmentEvents(ctx, w.admin, a.ID)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestExportImportRoundTrip(t *testing.T) {
	w := newWorld(t)
	a := w.book(t, w.p, at(10, 0))
	b := w.book(t, w.q, at(11, 0))
	w.book(t, w.r, at(12, 0))
	_, err := w.core.Confirm(ctx, w.doc, a.ID)
	require.NoError(t, err)
	done, err := w.core.Complete(ctx, w.doc, a.ID, ledger.Visit{
		Notes:         "checkup normal",
		Prescriptions: []ledger.Prescription{{Medication: "Ibuprofen", Dosage: "200mg"}},
	})
	require.NoError(t, err)
	_, err = w.core.Pay(ctx, w.p, done.Invoice.ID, 1000)
	require.NoError(t, err)
	_, err = w.core.Cancel(ctx, w.q, b.ID, "travel")
	require.NoError(t, err)
	phone := "555-0199"
	_, err = w.core.UpdatePerson(ctx, w.p, w.p.ID, identity.ProfileUpdate{Phone: &phone, Insurance: map[string]string{"provider": "Acme"}})
	require.NoError(t, err)

	data, err := w.core.ExportState()
	require.NoError(t, err)

	restored := newCore(t)
	require.NoError(t, restored.ImportState(data))
	again, err := restored.ExportState()
	require.NoError(t, err)

	before, err := Snapshot(data)
	require.NoError(t, err)
	after, err := Snapshot(again)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.JSONEq(t, string(data), string(again))

	// ids keep increasing after a restore
	next, err := restored.RegisterPatient(ctx, identity.Profile{Name: "S", Email: "s@clinic.test"}, "patient-password")
	require.NoError(t, err)
	assert.Equal(t, identity.PersonID(6), next)
	_, err = restored.Authenticate(ctx, "p@clinic.test", "patient-password")
	assert.NoError(t, err)
}

func TestImportRejectsCompletedWithoutInvoice(t *testing.T) {
	w := newWorld(t)
	a := w.book(t, w.p, at(10, 0))
	_, err := w.core.Confirm(ctx, w.doc, a.ID)
	require.NoError(t, err)
	_, err = w.core.Complete(ctx, w.doc, a.ID, ledger.Visit{Notes: "checkup normal"})
	require.NoError(t, err)

	data, err := w.core.ExportState()
	require.NoError(t, err)
	st, err := Snapshot(data)
	require.NoError(t, err)
	st.Invoices = nil
	broken, err := json.Marshal(st)
	require.NoError(t, err)

	target := newWorld(t)
	before, err := target.core.ExportState()
	require.NoError(t, err)

	err = target.core.ImportState(broken)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	after, err := target.core.ExportState()
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "a rejected import changes nothing")

	assert.ErrorIs(t, target.core.ImportState([]byte("{not json")), domain.ErrInvalidInput)
}

func TestAdminExportRequiresPermission(t *testing.T) {
	w := newWorld(t)

	_, err := w.core.ExportFor(ctx, w.p)
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)

	data, err := w.core.ExportFor(ctx, w.admin)
	require.NoError(t, err)
	assert.ErrorIs(t, w.core.ImportFor(ctx, w.doc, data), domain.ErrAuthorizationDenied)
	assert.NoError(t, w.core.ImportFor(ctx, w.admin, data))
}

func TestBootstrapOnlyWhenEmpty(t *testing.T) {
	w := newWorld(t)
	ok, err := w.core.Bootstrap(ctx, "second@clinic.test", "admin-password")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = newCore(t).Bootstrap(ctx, "", "")
	require.NoError(t, err)
	assert.False(t, ok)
}
