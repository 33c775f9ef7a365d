// Package store provides persistence for rooms, submissions and user
// accounts behind pluggable drivers.
package store

import (
	"context"
	"errors"
	"slices"
)

// Common errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store closed")

	ErrAlreadyAdministrator = errors.New("already an administrator")
	ErrNotAdministrator     = errors.New("not an administrator")
)

// Driver defines the interface for a persistence backend.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init initializes the driver (create tables, load data, etc).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (json, sqlite).
	Name() string
}

// RoomStore persists rooms. Code and PageURL are both unique.
//
// There is no whole-row update: UpdateRoomPage, AddAdministrator and
// RemoveAdministrator each change one concern atomically, so concurrent
// calls on the same room never lose each other's writes.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *Room) error
	GetRoomByCode(ctx context.Context, code string) (*Room, error)
	GetRoomByPageURL(ctx context.Context, pageURL string) (*Room, error)

	// UpdateRoomPage overwrites only the ticket page fields of a room.
	UpdateRoomPage(ctx context.Context, code string, page RoomPage) (*Room, error)

	// AddAdministrator appends userID to the administrator list, or returns
	// ErrAlreadyAdministrator.
	AddAdministrator(ctx context.Context, code, userID string) (*Room, error)

	// RemoveAdministrator drops userID from the administrator list, or
	// returns ErrNotAdministrator.
	RemoveAdministrator(ctx context.Context, code, userID string) (*Room, error)

	DeleteRoom(ctx context.Context, code string) error
	ListRoomsByAdministrator(ctx context.Context, userID string) ([]*Room, error)
	ListRoomsByCreator(ctx context.Context, userID string) ([]*Room, error)
}

// SubmissionStore persists submissions. Code is unique.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, roomCode, code string) (*Submission, error)
	DeleteSubmission(ctx context.Context, code string) error
}

// UserStore persists user accounts. ID, Username and a non-empty Email
// are unique.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
}

// Store is the full set of operations every driver provides.
type Store interface {
	Driver
	RoomStore
	SubmissionStore
	UserStore
}

// Room is a registered ticket page and the users allowed to manage it.
type Room struct {
	Code            string   `json:"code" gorm:"primaryKey"`
	PageURL         string   `json:"pageUrl" gorm:"uniqueIndex"`
	Label           string   `json:"label"`
	Members         int      `json:"members"`
	Description     string   `json:"description"`
	BackgroundImage string   `json:"backgroundImage"`
	Creator         string   `json:"creator" gorm:"index"`
	Administrators  []string `json:"administrators" gorm:"serializer:json"`
	IsAbused        bool     `json:"isAbused"`
	CreatedAt       int64    `json:"createdAt"`
	UpdatedAt       int64    `json:"updatedAt"`
}

// RoomPage holds the fields refreshed from a room's ticket page.
type RoomPage struct {
	Label           string
	Members         int
	Description     string
	BackgroundImage string
}

// IsAdministrator reports whether userID may manage the room.
func (r *Room) IsAdministrator(userID string) bool {
	return userID != "" && slices.Contains(r.Administrators, userID)
}

// Clone returns a deep copy so callers cannot alias driver state.
func (r *Room) Clone() *Room {
	c := *r
	c.Administrators = slices.Clone(r.Administrators)
	return &c
}

// Submission is a join request a visitor files against a room. Its code is
// what the visitor pastes into the LINE join form.
type Submission struct {
	Code      string `json:"code" gorm:"primaryKey"`
	RoomCode  string `json:"roomCode" gorm:"index"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// User is a persisted account. Email is stored lowercased.
type User struct {
	ID            string `json:"id" gorm:"primaryKey"`
	Username      string `json:"username" gorm:"uniqueIndex"`
	Email         string `json:"email" gorm:"uniqueIndex:idx_users_email,where:email <> ''"`
	EmailVerified bool   `json:"emailVerified"`
	DisplayName   string `json:"displayName"`
	PasswordHash  string `json:"passwordHash"`
	Role          string `json:"role"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}
