// Package auth provides session authentication middleware.
package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/web-tech-tw/freya-go/internal/api"
	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/identity"
	"github.com/web-tech-tw/freya-go/internal/logutil"
)

// AuthGateConfig configures the session auth gate middleware.
type AuthGateConfig struct {
	// Log is the base logger for auth-related warnings and errors.
	Log *slog.Logger

	// SessionRepo provides session lookup by token.
	SessionRepo identity.SessionRepo

	// PartyRepo provides user lookup by ID.
	PartyRepo identity.PartyRepo
}

// NewAuthGate returns a middleware that rejects requests without a valid
// session and attaches the caller as an appctx.Principal otherwise.
// Mount it on the route groups that need a signed-in user.
func NewAuthGate(cfg AuthGateConfig) func(http.Handler) http.Handler {
	cfg.Log = logutil.NoopIfNil(cfg.Log)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := api.ExtractToken(r)
			if token == "" {
				api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
				return
			}

			ctx := r.Context()
			session, err := cfg.SessionRepo.Get(ctx, token)
			switch {
			case errors.Is(err, identity.ErrSessionExpired):
				api.WriteUnauthorized(w, api.ReasonSessionExpired, "session has expired")
				return
			case err != nil:
				if !errors.Is(err, identity.ErrSessionNotFound) {
					cfg.Log.Error("session lookup failed", "error", err)
				}
				api.WriteUnauthorized(w, api.ReasonUnauthenticated, "session not found or expired")
				return
			}

			user, err := cfg.PartyRepo.Get(ctx, session.UserID)
			if err != nil {
				api.WriteUnauthorized(w, api.ReasonUnauthenticated, "session user not found")
				return
			}

			ctx = appctx.WithPrincipal(ctx, &appctx.Principal{
				UserID:        user.ID,
				Email:         user.Email,
				EmailVerified: user.EmailVerified,
				DisplayName:   user.Name(),
			})

			// handler-only enrichment; the access log keeps its own fields
			reqLogger := appctx.GetLogger(ctx).With("user_id", user.ID)
			ctx = appctx.WithLogger(ctx, reqLogger)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
