package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Service        BookingService
	Rooms          RoomStatusUpdater
	Relay          http.Handler
	Reaper         ExpiryKicker // optional
	Metrics        http.Handler // optional
	Checks         []DependencyCheck
	AdminJWTSecret string
	Logger         zerolog.Logger
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// Booking endpoints
	r.Post("/quotes", quoteHandler(cfg.Service, cfg.Logger))
	r.Route("/appointments", func(r chi.Router) {
		r.Post("/hold", holdHandler(cfg.Service, cfg.Logger))
		r.Get("/{id}", getAppointmentHandler(cfg.Service, cfg.Logger))
		r.Post("/{id}/confirm", confirmHandler(cfg.Service, cfg.Reaper, cfg.Logger))
		r.Post("/{id}/cancel", cancelHandler(cfg.Service, cfg.Logger))
		r.Post("/{id}/reschedule", rescheduleHandler(cfg.Service, cfg.Logger))
	})
	r.Get("/patients/{id}/appointments", listPatientAppointmentsHandler(cfg.Service, cfg.Logger))

	// Rooms
	if cfg.Relay != nil {
		r.Method(http.MethodGet, "/rooms/ws", cfg.Relay)
	}
	if cfg.Rooms != nil {
		r.Group(func(r chi.Router) {
			if cfg.AdminJWTSecret != "" {
				r.Use(AdminJWT(cfg.AdminJWTSecret))
			}
			r.Post("/rooms/status", roomStatusHandler(cfg.Rooms, cfg.Logger))
		})
	}

	return r
}
