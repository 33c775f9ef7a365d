package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/identity"
	"github.com/web-tech-tw/freya-go/internal/mail"
)

// DefaultSessionTTL is used when no session lifetime is configured.
const DefaultSessionTTL = 24 * time.Hour

// SessionCookie carries the session token for browser clients.
const SessionCookie = "session"

// Mailer sends a named mail template.
type Mailer interface {
	Send(ctx context.Context, name string, data mail.Data) error
}

// AuthHandler handles account endpoints.
type AuthHandler struct {
	repo      identity.PartyRepo
	sessions  identity.SessionRepo
	auth      *identity.UserAuth
	bootstrap *identity.Bootstrap
	ttl       time.Duration

	registration bool
	verifier     *identity.EmailVerifier
	mailer       Mailer
	verifyURL    func(token string) string
}

// AuthOption configures an AuthHandler.
type AuthOption func(*AuthHandler)

// WithRegistration opens or closes POST /auth/register. Open by default.
func WithRegistration(enabled bool) AuthOption {
	return func(h *AuthHandler) { h.registration = enabled }
}

// WithEmailVerification mails a verification link after registration and
// serves the verify endpoints. link turns a token into the mailed URL.
func WithEmailVerification(v *identity.EmailVerifier, m Mailer, link func(token string) string) AuthOption {
	return func(h *AuthHandler) {
		h.verifier = v
		h.mailer = m
		h.verifyURL = link
	}
}

// NewAuthHandler creates a new authentication handler.
func NewAuthHandler(repo identity.PartyRepo, sessions identity.SessionRepo, auth *identity.UserAuth, bootstrap *identity.Bootstrap, ttl time.Duration, opts ...AuthOption) *AuthHandler {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	h := &AuthHandler{
		repo:         repo,
		sessions:     sessions,
		auth:         auth,
		bootstrap:    bootstrap,
		ttl:          ttl,
		registration: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// UserView is the public shape of an account.
type UserView struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	DisplayName   string `json:"display_name"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role"`
}

func viewOf(u *identity.User) UserView {
	return UserView{
		ID:            u.ID,
		Username:      u.Username,
		DisplayName:   u.DisplayName,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Role:          u.Role,
	}
}

// RegisterRequest is the request body for registration.
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Register handles POST /auth/register. The new account's email is
// unverified; a verification link is mailed when verification is enabled.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.registration {
		WriteForbidden(w, ReasonRegistrationClosed, "registration is disabled")
		return
	}
	var req RegisterRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	user, err := h.bootstrap.Register(ctx, identity.Registration{
		Username:    req.Username,
		Password:    req.Password,
		Email:       req.Email,
		DisplayName: req.DisplayName,
	})
	switch {
	case err == nil:
		if h.verifier != nil {
			if err := h.sendVerification(ctx, user); err != nil {
				// the account stands; the user can ask for another link
				appctx.GetLogger(ctx).Warn("verification mail not sent", "user_id", user.ID, "error", err)
			}
		}
		WriteJSON(w, http.StatusCreated, viewOf(user))
	case errors.Is(err, identity.ErrEmailTaken):
		WriteConflict(w, "email already registered")
	case errors.Is(err, identity.ErrUserExists):
		WriteConflict(w, "username already taken")
	case errors.Is(err, identity.ErrInvalidUsername),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrWeakPassword):
		WriteBadRequest(w, ReasonInvalidField, err.Error())
	default:
		appctx.GetLogger(ctx).Error("registration failed", "error", err)
		WriteInternalError(w, "failed to create user")
	}
}

func (h *AuthHandler) sendVerification(ctx context.Context, user *identity.User) error {
	token, err := h.verifier.Issue(ctx, user)
	if err != nil {
		return err
	}
	return h.mailer.Send(ctx, mail.TemplateEmailVerification, mail.EmailVerification{
		To:              user.Email,
		UserName:        user.Name(),
		VerificationURL: h.verifyURL(token),
		ExpiresIn:       h.verifier.TTL(),
	})
}

// VerifyEmailRequest is the request body for email verification.
type VerifyEmailRequest struct {
	Token string `json:"token"`
}

// VerifyEmail handles POST /auth/verify-email.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		WriteNotFound(w, "email verification is not enabled")
		return
	}
	var req VerifyEmailRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		WriteBadRequest(w, ReasonMissingField, "token required")
		return
	}

	user, err := h.verifier.Confirm(r.Context(), req.Token)
	switch {
	case err == nil:
		appctx.GetLogger(r.Context()).Info("email verified", "user_id", user.ID)
		WriteJSON(w, http.StatusOK, viewOf(user))
	case errors.Is(err, identity.ErrVerificationNotFound):
		WriteNotFound(w, err.Error())
	default:
		appctx.GetLogger(r.Context()).Error("email verification failed", "error", err)
		WriteInternalError(w, "failed to verify email")
	}
}

// ResendVerification handles POST /auth/verify-email/resend. It runs
// behind the session middleware.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		WriteNotFound(w, "email verification is not enabled")
		return
	}
	ctx := r.Context()
	p := appctx.PrincipalFromContext(ctx)
	if p == nil {
		WriteUnauthorized(w, ReasonUnauthenticated, "authentication required")
		return
	}
	user, err := h.repo.Get(ctx, p.UserID)
	if err != nil {
		WriteUnauthorized(w, ReasonUnauthenticated, "user not found")
		return
	}

	err = h.sendVerification(ctx, user)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, identity.ErrAlreadyVerified):
		WriteConflict(w, err.Error())
	case errors.Is(err, identity.ErrInvalidEmail):
		WriteBadRequest(w, ReasonInvalidField, "account has no email address")
	default:
		appctx.GetLogger(ctx).Error("verification mail failed", "error", err)
		WriteError(w, http.StatusBadGateway, ReasonMailFailed, "unable to send verification mail")
	}
}

// LoginRequest is the request body for login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the response for a successful login.
type LoginResponse struct {
	Token     string   `json:"token"`
	ExpiresAt string   `json:"expires_at"`
	User      UserView `json:"user"`
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteBadRequest(w, ReasonMissingField, "username and password required")
		return
	}

	ctx := r.Context()
	user, err := h.auth.Authenticate(ctx, h.repo, req.Username, req.Password)
	if err != nil {
		WriteUnauthorized(w, ReasonInvalidCredentials, "invalid username or password")
		return
	}

	session, err := h.sessions.Create(ctx, user.ID, h.ttl)
	if err != nil {
		appctx.GetLogger(ctx).Error("session create failed", "error", err)
		WriteInternalError(w, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	WriteJSON(w, http.StatusOK, LoginResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
		User:      viewOf(user),
	})
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := ExtractToken(r)
	if token == "" {
		WriteUnauthorized(w, ReasonUnauthenticated, "no session token provided")
		return
	}

	if err := h.sessions.Delete(r.Context(), token); err != nil {
		appctx.GetLogger(r.Context()).Warn("session delete failed", "error", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		MaxAge:   -1,
	})

	WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// Me handles GET /auth/me. It runs behind the session middleware.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := appctx.PrincipalFromContext(r.Context())
	if p == nil {
		WriteUnauthorized(w, ReasonUnauthenticated, "authentication required")
		return
	}
	user, err := h.repo.Get(r.Context(), p.UserID)
	if err != nil {
		WriteUnauthorized(w, ReasonUnauthenticated, "user not found")
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(user))
}

// ExtractToken gets the session token from the Authorization header or cookie.
func ExtractToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}
