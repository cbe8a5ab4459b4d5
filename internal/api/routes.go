package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Device-facing routes (authenticated by device identity, not JWT)
	r.Post("/enroll", s.HandleEnroll)
	r.Post("/telemetry", s.HandleIngestTelemetry)
	r.Get("/devices/{id}/channel", s.HandleDeviceChannel)

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/enroll-token", s.HandleIssueToken)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Put("/", s.HandleUpdateDevice)
				r.Delete("/", s.HandleDeleteDevice)
				r.Post("/reissue-token", s.HandleReissueToken)
				r.Post("/command", s.HandleSendCommand)
				r.Get("/sessions", s.HandleListDeviceSessions)
				r.Post("/sessions/rebuild", s.HandleRebuildSessions)
				r.Get("/telemetry", s.HandleListDeviceTelemetry)
			})
		})

		// Metrics
		r.Get("/metrics/summary", s.HandleMetricsSummary)

		// Events
		r.Get("/events", s.HandleListEvents)
	})
}
