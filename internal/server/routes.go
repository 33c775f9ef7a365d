package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/web-tech-tw/freya-go/internal/api"
	"github.com/web-tech-tw/freya-go/internal/auth"
	"github.com/web-tech-tw/freya-go/internal/ratelimit"
)

// setupRoutes builds the router. Order matters: RequestID and the real IP
// rewrite feed the request logger, and Recoverer writes through the access
// log's wrapper so panics are logged as 500.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RealIPMiddleware(s.trustedProxies))
	r.Use(RequestLoggerMiddleware(s.logger))
	r.Use(AccessLogMiddleware(s.deps.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", api.HealthHandler)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	authGate := auth.NewAuthGate(auth.AuthGateConfig{
		Log:         s.logger,
		SessionRepo: s.deps.SessionRepo,
		PartyRepo:   s.deps.PartyRepo,
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.deps.Auth.Register)
		r.Post("/login", s.deps.Auth.Login)
		r.Post("/logout", s.deps.Auth.Logout)
		r.Post("/verify-email", s.deps.Auth.VerifyEmail)
		r.With(authGate).Post("/verify-email/resend", s.deps.Auth.ResendVerification)
		r.With(authGate).Get("/me", s.deps.Auth.Me)
	})

	// Visitor surface.
	r.Get("/rooms/{code}", s.deps.Rooms.HandleGet)
	r.Patch("/rooms/{code}", s.deps.Rooms.HandleRefresh)
	r.Post("/submissions", s.deps.Submissions.HandleCreate)

	// Administrator surface.
	r.Group(func(r chi.Router) {
		r.Use(authGate)

		r.Get("/rooms", s.deps.Rooms.HandleList)
		r.Post("/rooms", s.deps.Rooms.HandleStartPairing)
		r.With(s.deps.Limiter.Middleware(ratelimit.KeyByPrincipal)).
			Patch("/rooms", s.deps.Rooms.HandleFinishPairing)

		r.Get("/rooms/{roomCode}/submissions/{code}", s.deps.Rooms.HandleGetSubmission)
		r.Get("/rooms/{code}/administrators", s.deps.Rooms.HandleListAdministrators)
		r.Delete("/rooms/{code}/administrators/{userID}", s.deps.Rooms.HandleRemoveAdministrator)
		r.Post("/rooms/{code}/invitations", s.deps.Rooms.HandleInvite)

		r.Get("/invitations/{id}", s.deps.Rooms.HandleGetInvitation)
		r.Post("/invitations/{id}/accept", s.deps.Rooms.HandleAcceptInvitation)
		r.Delete("/invitations/{id}", s.deps.Rooms.HandleCancelInvitation)
	})

	return r
}
