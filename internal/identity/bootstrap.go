package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/web-tech-tw/freya-go/internal/logutil"
)

var (
	ErrInvalidUsername = errors.New("username must be 3-64 characters of letters, digits, '.', '_' or '-'")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrWeakPassword    = errors.New("password must be at least 8 characters")
)

// Registration is a new account request.
type Registration struct {
	Username    string
	Password    string
	Email       string
	DisplayName string
	Role        string

	// EmailVerified marks the email as trusted from the start. Only the
	// operator-supplied admin email is.
	EmailVerified bool
}

// Bootstrap creates accounts: the initial admin at startup and
// self-registered users at runtime.
type Bootstrap struct {
	repo PartyRepo
	auth *UserAuth
	log  *slog.Logger
}

// NewBootstrap creates a new bootstrap handler.
func NewBootstrap(repo PartyRepo, auth *UserAuth, log *slog.Logger) *Bootstrap {
	return &Bootstrap{
		repo: repo,
		auth: auth,
		log:  logutil.NoopIfNil(log),
	}
}

// EnsureAdmin creates the admin account if it does not exist yet.
// An empty password is replaced by a random one that is logged once.
// Returns true if the account was created.
func (b *Bootstrap) EnsureAdmin(ctx context.Context, reg Registration) (bool, error) {
	if reg.Username == "" {
		return false, nil
	}
	_, err := b.repo.GetByUsername(ctx, reg.Username)
	if err == nil {
		b.log.Debug("admin user already exists", "username", reg.Username)
		return false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return false, err
	}

	generated := false
	if reg.Password == "" {
		buf := make([]byte, 18)
		if _, err := rand.Read(buf); err != nil {
			return false, err
		}
		reg.Password = base64.RawURLEncoding.EncodeToString(buf)
		generated = true
	}
	reg.Role = RoleAdmin
	reg.EmailVerified = reg.Email != ""

	if _, err := b.create(ctx, reg); err != nil {
		return false, err
	}
	if generated {
		b.log.Warn("generated bootstrap admin password; change it after first login",
			"username", reg.Username, "password", reg.Password)
	}
	return true, nil
}

// Register validates and creates a regular user account. Its email stays
// unverified until confirmed through an EmailVerifier token. An email
// already held by another account yields ErrEmailTaken.
func (b *Bootstrap) Register(ctx context.Context, reg Registration) (*User, error) {
	if !validUsername(reg.Username) {
		return nil, ErrInvalidUsername
	}
	if len(reg.Password) < 8 {
		return nil, ErrWeakPassword
	}
	addr, err := mail.ParseAddress(reg.Email)
	if err != nil || addr.Address != strings.TrimSpace(reg.Email) {
		return nil, ErrInvalidEmail
	}
	switch _, err := b.repo.GetByEmail(ctx, reg.Email); {
	case err == nil:
		return nil, ErrEmailTaken
	case !errors.Is(err, ErrUserNotFound):
		return nil, err
	}
	reg.Role = RoleUser
	reg.EmailVerified = false
	return b.create(ctx, reg)
}

func (b *Bootstrap) create(ctx context.Context, reg Registration) (*User, error) {
	hash, err := b.auth.HashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &User{
		ID:            NewID(),
		Username:      reg.Username,
		Email:         reg.Email,
		EmailVerified: reg.EmailVerified,
		DisplayName:   reg.DisplayName,
		PasswordHash:  hash,
		Role:          reg.Role,
	}
	if err := b.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	b.log.Info("created user", "username", user.Username, "role", user.Role)
	return user, nil
}

func validUsername(s string) bool {
	if len(s) < 3 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
