package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/fitdesk/fitdesk-server/internal/models"
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

	managers := s.requireRole(models.UserRoleAdmin, models.UserRoleManager)
	admins := s.requireRole(models.UserRoleAdmin)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Staff
		r.Route("/users", func(r chi.Router) {
			r.Get("/me", s.HandleGetCurrentUser)
			r.With(admins).Post("/", s.HandleCreateUser)
		})

		// Members
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", s.HandleListClients)
			r.Post("/", s.HandleCreateClient)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetClient)
				r.Put("/", s.HandleUpdateClient)
				r.Get("/subscriptions", s.HandleListSubscriptions)
				r.Post("/subscriptions", s.HandleCreateSubscription)
				r.Get("/checkins", s.HandleListClientCheckIns)
			})
		})

		// Check-ins
		r.Route("/checkins", func(r chi.Router) {
			r.Get("/", s.HandleListCheckIns)
			r.Post("/", s.HandleManualCheckIn)
		})

		// Campaigns
		r.Route("/campaigns", func(r chi.Router) {
			r.Use(managers)
			r.Get("/", s.HandleListCampaigns)
			r.Post("/", s.HandleCreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetCampaign)
				r.Post("/send", s.HandleSendCampaign)
				r.Get("/preview", s.HandlePreviewCampaign)
				r.Get("/messages", s.HandleListCampaignMessages)
				r.Post("/schedule", s.HandleScheduleCampaign)
				r.Post("/cancel", s.HandleCancelCampaign)
			})
		})

		// Messages
		r.Route("/messages", func(r chi.Router) {
			r.Use(managers)
			r.Get("/", s.HandleListMessages)
			r.Post("/", s.HandleSendMessage)
		})

		// Fingerprint terminals
		r.Route("/terminals", func(r chi.Router) {
			r.Get("/", s.HandleListTerminals)
			r.With(admins).Post("/", s.HandleCreateTerminal)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetTerminal)
				r.Post("/test", s.HandleTestTerminal)
				r.Post("/sync", s.HandleSyncTerminal)
				r.With(managers).Get("/users", s.HandleListTerminalUsers)
				r.With(managers).Post("/enroll", s.HandleEnrollClient)
			})
		})

		// Events
		r.With(managers).Get("/events", s.HandleListEvents)

		// Integrations
		r.With(admins).Get("/integrations", s.HandleGetIntegrations)
	})
}
