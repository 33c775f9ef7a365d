package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/web-tech-tw/freya-go/internal/cache"
)

const verificationKeyPrefix = "verify-email:"

// DefaultVerificationTTL is used when no token lifetime is configured.
const DefaultVerificationTTL = 24 * time.Hour

var (
	ErrVerificationNotFound = errors.New("verification token not found or expired")
	ErrAlreadyVerified      = errors.New("email already verified")
)

type verification struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// EmailVerifier proves that an account controls its email address. Tokens
// are single use and bound to the email they were issued for, so changing
// the address invalidates outstanding tokens.
type EmailVerifier struct {
	cache cache.Cache
	users PartyRepo
	ttl   time.Duration
}

// NewEmailVerifier keeps tokens in c for ttl.
func NewEmailVerifier(c cache.Cache, users PartyRepo, ttl time.Duration) *EmailVerifier {
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}
	return &EmailVerifier{cache: c, users: users, ttl: ttl}
}

// TTL returns the token lifetime.
func (v *EmailVerifier) TTL() time.Duration { return v.ttl }

// Issue creates a token for the user's current email.
func (v *EmailVerifier) Issue(ctx context.Context, user *User) (string, error) {
	if user.EmailVerified {
		return "", ErrAlreadyVerified
	}
	if user.Email == "" {
		return "", ErrInvalidEmail
	}
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(verification{UserID: user.ID, Email: user.Email})
	if err != nil {
		return "", err
	}
	if err := v.cache.Set(ctx, verificationKeyPrefix+token, data, v.ttl); err != nil {
		return "", fmt.Errorf("store verification token: %w", err)
	}
	return token, nil
}

// Confirm consumes token and marks the email verified.
func (v *EmailVerifier) Confirm(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrVerificationNotFound
	}
	key := verificationKeyPrefix + token
	data, err := v.cache.Get(ctx, key)
	if cache.IsMiss(err) {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := v.cache.Delete(ctx, key); err != nil {
		return nil, err
	}

	var rec verification
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ErrVerificationNotFound
	}
	user, err := v.users.Get(ctx, rec.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrVerificationNotFound
	}
	if err != nil {
		return nil, err
	}
	if user.Email != rec.Email {
		return nil, ErrVerificationNotFound
	}
	if user.EmailVerified {
		return user, nil
	}

	user.EmailVerified = true
	if err := v.users.Update(ctx, user); err != nil {
		return nil, fmt.Errorf("mark email verified: %w", err)
	}
	return user, nil
}
