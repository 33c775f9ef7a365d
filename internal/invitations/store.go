// Package invitations keeps short-lived administrator invitations.
package invitations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/web-tech-tw/freya-go/internal/cache"
)

// DefaultTTL is the absolute lifetime of an invitation.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "invitation:"

var ErrNotFound = errors.New("invitation not found")

// Invitation offers Email the administrator role on RoomCode.
type Invitation struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	RoomCode  string    `json:"roomCode"`
	CreatedAt time.Time `json:"createdAt"`
}

// ExpiresAt returns the instant after which the invitation is void.
func (i *Invitation) ExpiresAt(ttl time.Duration) time.Time {
	return i.CreatedAt.Add(ttl)
}

// Store keeps invitations in a shared cache. Every operation is a single
// cache command, so no extra locking is needed.
type Store struct {
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(c cache.Cache, opts ...Option) *Store {
	s := &Store{cache: c, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured invitation lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create stores a new invitation and returns it.
// Several live invitations for the same email and room may coexist.
func (s *Store) Create(ctx context.Context, email, roomCode string) (*Invitation, error) {
	inv := &Invitation{
		ID:        uuid.NewString(),
		Email:     NormalizeEmail(email),
		RoomCode:  roomCode,
		CreatedAt: s.now().UTC(),
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encode invitation: %w", err)
	}
	if err := s.cache.Set(ctx, keyPrefix+inv.ID, raw, s.ttl); err != nil {
		return nil, fmt.Errorf("store invitation: %w", err)
	}
	return inv, nil
}

// Get returns a live invitation. Unknown, deleted and expired ids all yield
// ErrNotFound; expired entries are evicted on the way.
func (s *Store) Get(ctx context.Context, id string) (*Invitation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	raw, err := s.cache.Get(ctx, keyPrefix+id)
	if cache.IsMiss(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load invitation: %w", err)
	}

	var inv Invitation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invitation: %w", err)
	}
	if s.now().After(inv.ExpiresAt(s.ttl)) {
		_ = s.cache.Delete(ctx, keyPrefix+id)
		return nil, ErrNotFound
	}
	return &inv, nil
}

// Delete removes an invitation. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.cache.Delete(ctx, keyPrefix+id); err != nil && !cache.IsMiss(err) {
		return fmt.Errorf("delete invitation: %w", err)
	}
	return nil
}

// NormalizeEmail lower-cases and trims an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SameEmail reports whether two addresses name the same mailbox.
func SameEmail(a, b string) bool {
	return a != "" && NormalizeEmail(a) == NormalizeEmail(b)
}
