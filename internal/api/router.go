package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
	"github.com/hackgods/clinic-scheduling/internal/logger"
)

type RouterConfig struct {
	Core     *clinic.Core
	Sessions *Sessions
	Log      *logger.Logger
	Postgres Pinger
	Redis    Pinger
	Metrics  http.Handler
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	h := NewHandler(cfg.Core, cfg.Sessions)

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Post("/sessions", h.login)
	r.Post("/patients", h.registerPatient)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Sessions, cfg.Core))

		r.Post("/staff", h.registerStaff)
		r.Get("/doctors", h.listDoctors)
		r.Get("/patients", h.listPatients)
		r.Get("/people/{id}", h.getPerson)
		r.Patch("/people/{id}", h.updatePerson)
		r.Post("/people/{id}/deactivate", h.deactivatePerson)

		r.Post("/appointments", h.createAppointment)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Post("/appointments/{id}/confirm", h.confirmAppointment)
		r.Post("/appointments/{id}/complete", h.completeAppointment)
		r.Post("/appointments/{id}/cancel", h.cancelAppointment)
		r.Post("/appointments/{id}/reschedule", h.rescheduleAppointment)
		r.Post("/appointments/{id}/dispute", h.disputeAppointment)
		r.Post("/appointments/{id}/invoice", h.prebillAppointment)
		r.Get("/appointments/{id}/events", h.appointmentEvents)
		r.Get("/doctors/{id}/appointments", h.doctorAppointments)
		r.Get("/patients/{id}/appointments", h.patientAppointments)

		r.Get("/patients/{id}/history", h.patientHistory)
		r.Post("/history/{id}/amendments", h.amendHistory)

		r.Get("/patients/{id}/invoices", h.patientInvoices)
		r.Get("/invoices/{id}", h.getInvoice)
		r.Post("/invoices/{id}/pay", h.payInvoice)

		r.Get("/reports/appointments", h.appointmentReport)
		r.Get("/reports/revenue", h.revenueReport)
		r.Get("/reports/doctors", h.doctorsReport)
		r.Get("/reports/doctors/{id}", h.doctorSummaryReport)
		r.Get("/reports/overdue", h.overdueReport)

		r.Get("/admin/state", h.exportState)
		r.Put("/admin/state", h.importState)
	})

	return r
}
