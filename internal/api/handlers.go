package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-scheduling/internal/access"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/billing"
	"github.com/hackgods/clinic-scheduling/internal/clinic"
	"github.com/hackgods/clinic-scheduling/internal/domain"
	"github.com/hackgods/clinic-scheduling/internal/identity"
	"github.com/hackgods/clinic-scheduling/internal/ledger"
)

// maxStateBytes bounds PUT /admin/state bodies.
const maxStateBytes = 64 << 20

type Handler struct {
	core     *clinic.Core
	sessions *Sessions
}

func NewHandler(core *clinic.Core, sessions *Sessions) *Handler {
	return &Handler{core: core, sessions: sessions}
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}
	actor, err := h.core.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		handleError(w, err)
		return
	}
	token, expires, err := h.sessions.Issue(actor)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{
		Token:     token,
		ExpiresAt: expires,
		PersonID:  actor.ID,
		Role:      actor.Role,
	})
}

func (h *Handler) registerPatient(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.core.RegisterPatient(r.Context(), req.profile(domain.RolePatient), req.Password)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{ID: int64(id)})
}

func (h *Handler) registerStaff(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		handleError(w, err)
		return
	}
	id, err := h.core.RegisterStaff(r.Context(), actorOf(r), role, req.profile(role), req.Password)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{ID: int64(id)})
}

func (h *Handler) listDoctors(w http.ResponseWriter, r *http.Request) {
	rows, err := h.core.ListDoctors(r.Context(), actorOf(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeople(rows))
}

func (h *Handler) listPatients(w http.ResponseWriter, r *http.Request) {
	rows, err := h.core.ListPatients(r.Context(), actorOf(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeople(rows))
}

func (h *Handler) getPerson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.core.Person(r.Context(), actorOf(r), identity.PersonID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPerson(p))
}

func (h *Handler) updatePerson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdatePersonRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorOf(r)
	pid := identity.PersonID(id)

	if req.Password != nil {
		if err := h.core.ChangePassword(r.Context(), actor, pid, *req.Password); err != nil {
			handleError(w, err)
			return
		}
	}
	if !req.changesProfile() {
		p, err := h.core.Person(r.Context(), actor, pid)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toPerson(p))
		return
	}
	p, err := h.core.UpdatePerson(r.Context(), actor, pid, req.update())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPerson(p))
}

func (h *Handler) deactivatePerson(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.core.Deactivate(r.Context(), actorOf(r), identity.PersonID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPerson(p))
}

func (h *Handler) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	actor := actorOf(r)
	patientID := identity.PersonID(req.PatientID)
	if patientID == 0 && actor.Role == domain.RolePatient {
		patientID = actor.ID
	}

	duration, err := appointmentDuration(req.DurationMinutes)
	if err != nil {
		handleError(w, err)
		return
	}

	a, err := h.core.RequestAppointment(r.Context(), actor, patientID, identity.PersonID(req.DoctorID),
		req.Start, duration)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointment(a))
}

func (h *Handler) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.core.Appointment(r.Context(), actorOf(r), appointment.AppointmentID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(a))
}

func (h *Handler) confirmAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.core.Confirm(r.Context(), actorOf(r), appointment.AppointmentID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(a))
}

func (h *Handler) completeAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	done, err := h.core.Complete(r.Context(), actorOf(r), appointment.AppointmentID(id), req.Visit, req.Items...)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompletionResponse{
		Appointment: toAppointment(done.Appointment),
		Entry:       done.Entry,
		Invoice:     done.Invoice,
	})
}

func (h *Handler) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	a, err := h.core.Cancel(r.Context(), actorOf(r), appointment.AppointmentID(id), req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(a))
}

func (h *Handler) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	duration, err := appointmentDuration(req.DurationMinutes)
	if err != nil {
		handleError(w, err)
		return
	}
	a, err := h.core.Reschedule(r.Context(), actorOf(r), appointment.AppointmentID(id), req.Start, duration)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(a))
}

func (h *Handler) disputeAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	a, err := h.core.Dispute(r.Context(), actorOf(r), appointment.AppointmentID(id), req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(a))
}

func (h *Handler) prebillAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req PrebillRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	inv, err := h.core.Prebill(r.Context(), actorOf(r), appointment.AppointmentID(id), req.Items...)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *Handler) appointmentEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rows, err := h.core.AppointmentEvents(r.Context(), actorOf(r), appointment.AppointmentID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) doctorAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	statuses, ok := statusQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.core.DoctorAppointments(r.Context(), actorOf(r), identity.PersonID(id), statuses...)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointments(rows))
}

func (h *Handler) patientAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	statuses, ok := statusQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.core.PatientAppointments(r.Context(), actorOf(r), identity.PersonID(id), statuses...)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointments(rows))
}

func (h *Handler) patientHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rows, err := h.core.History(r.Context(), actorOf(r), identity.PersonID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) amendHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var visit ledger.Visit
	if !decode(w, r, &visit) {
		return
	}
	e, err := h.core.Amend(r.Context(), actorOf(r), ledger.EntryID(id), visit)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) patientInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rows, err := h.core.PatientInvoices(r.Context(), actorOf(r), identity.PersonID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.core.Invoice(r.Context(), actorOf(r), billing.InvoiceID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) payInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req PayRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	inv, err := h.core.Pay(r.Context(), actorOf(r), billing.InvoiceID(id), billing.Cents(req.AmountCents))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) appointmentReport(w http.ResponseWriter, r *http.Request) {
	var doctorID int64
	if v := r.URL.Query().Get("doctor_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be an integer")
			return
		}
		doctorID = n
	}
	out, err := h.core.AppointmentCounts(r.Context(), actorOf(r), identity.PersonID(doctorID))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) revenueReport(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be an RFC 3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be an RFC 3339 timestamp")
		return
	}
	out, err := h.core.Revenue(r.Context(), actorOf(r), from, to)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) doctorsReport(w http.ResponseWriter, r *http.Request) {
	out, err := h.core.PatientsPerDoctor(r.Context(), actorOf(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) doctorSummaryReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	out, err := h.core.DoctorSummary(r.Context(), actorOf(r), identity.PersonID(id))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) overdueReport(w http.ResponseWriter, r *http.Request) {
	out, err := h.core.OverdueInvoices(r.Context(), actorOf(r))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) exportState(w http.ResponseWriter, r *http.Request) {
	data, err := h.core.ExportFor(r.Context(), actorOf(r))
	if err != nil {
		handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) importState(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStateBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read state")
		return
	}
	if err := h.core.ImportFor(r.Context(), actorOf(r), data); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func actorOf(r *http.Request) access.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func statusQuery(w http.ResponseWriter, r *http.Request) ([]appointment.AppointmentStatus, bool) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, true
	}
	var out []appointment.AppointmentStatus
	for _, part := range strings.Split(raw, ",") {
		s := appointment.AppointmentStatus(strings.TrimSpace(part))
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+string(s))
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
