// Package identity provides user accounts, authentication, and session handling.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/web-tech-tw/freya-go/internal/store"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidPassword = errors.New("invalid password")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionNotFound = errors.New("session not found")
)

// Role constants for user roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an account that can own and administer rooms.
type User struct {
	ID            string    `json:"id"`             // UUIDv7
	Username      string    `json:"username"`       // Unique login name
	Email         string    `json:"email"`          // Lowercased, unique when set
	EmailVerified bool      `json:"email_verified"` // Only a verified email redeems invitations
	DisplayName   string    `json:"display_name"`   // Shown in invitation mail
	PasswordHash  string    `json:"-"`              // bcrypt hash, never serialized
	Role          string    `json:"role"`
	CreatedAt     time.Time `json:"created_at"`
}

// IsAdmin returns true if the user is a site admin.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// PartyRepo provides user storage operations.
type PartyRepo interface {
	// Create creates a new user. Returns ErrUserExists if the username or
	// email is taken.
	Create(ctx context.Context, user *User) error

	// Get retrieves a user by ID. Returns ErrUserNotFound if not found.
	Get(ctx context.Context, id string) (*User, error)

	// GetByUsername retrieves a user by username. Returns ErrUserNotFound if not found.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// GetByEmail retrieves a user by email, case-insensitively. Returns
	// ErrUserNotFound if not found.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// Update updates an existing user.
	Update(ctx context.Context, user *User) error
}

// NewID returns a time-ordered user id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StoreRepo keeps users in the configured persistence driver.
type StoreRepo struct {
	users store.UserStore
}

// NewStoreRepo wraps a store driver as a PartyRepo.
func NewStoreRepo(users store.UserStore) *StoreRepo {
	return &StoreRepo{users: users}
}

func (r *StoreRepo) Create(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = NewID()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	err := r.users.CreateUser(ctx, toRecord(user))
	if errors.Is(err, store.ErrAlreadyExists) {
		return ErrUserExists
	}
	return err
}

func (r *StoreRepo) Get(ctx context.Context, id string) (*User, error) {
	rec, err := r.users.GetUser(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return fromRecord(rec), nil
}

func (r *StoreRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	rec, err := r.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, translate(err)
	}
	return fromRecord(rec), nil
}

func (r *StoreRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	rec, err := r.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, translate(err)
	}
	return fromRecord(rec), nil
}

func (r *StoreRepo) Update(ctx context.Context, user *User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	return translate(r.users.UpdateUser(ctx, toRecord(user)))
}

func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrUserNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrUserExists
	default:
		return err
	}
}

func toRecord(u *User) *store.User {
	return &store.User{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		DisplayName:   u.DisplayName,
		PasswordHash:  u.PasswordHash,
		Role:          u.Role,
		CreatedAt:     u.CreatedAt.Unix(),
	}
}

func fromRecord(rec *store.User) *User {
	return &User{
		ID:            rec.ID,
		Username:      rec.Username,
		Email:         rec.Email,
		EmailVerified: rec.EmailVerified,
		DisplayName:   rec.DisplayName,
		PasswordHash:  rec.PasswordHash,
		Role:          rec.Role,
		CreatedAt:     time.Unix(rec.CreatedAt, 0),
	}
}
