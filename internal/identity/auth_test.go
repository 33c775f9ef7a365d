package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/web-tech-tw/freya-go/internal/identity"
)

func TestUserAuth_HashAndVerify(t *testing.T) {
	auth := identity.NewUserAuth(4) // Low cost for fast tests

	password := "secret123"
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if hash == password {
		t.Error("hash should not equal password")
	}

	if err := auth.VerifyPassword(hash, password); err != nil {
		t.Errorf("VerifyPassword failed for correct password: %v", err)
	}

	err = auth.VerifyPassword(hash, "wrongpassword")
	if !errors.Is(err, identity.ErrInvalidPassword) {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestUserAuth_Authenticate(t *testing.T) {
	repo := newRepo(t)
	auth := identity.NewUserAuth(4)
	ctx := context.Background()

	hash, _ := auth.HashPassword("testpass")
	user := &identity.User{
		Username:     "testuser",
		Email:        "Test@Example.org",
		PasswordHash: hash,
		Role:         identity.RoleUser,
	}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if user.ID == "" {
		t.Fatal("Create did not assign an id")
	}

	got, err := auth.Authenticate(ctx, repo, "testuser", "testpass")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("expected id %q, got %q", user.ID, got.ID)
	}
	if got.Email != "test@example.org" {
		t.Errorf("expected lowercased email, got %q", got.Email)
	}

	_, err = auth.Authenticate(ctx, repo, "testuser", "wrongpass")
	if !errors.Is(err, identity.ErrInvalidPassword) {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}

	_, err = auth.Authenticate(ctx, repo, "unknown", "testpass")
	if !errors.Is(err, identity.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestStoreRepo_DuplicateUsername(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &identity.User{Username: "alice"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, &identity.User{Username: "alice"}); !errors.Is(err, identity.ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestStoreRepo_DuplicateEmail(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &identity.User{Username: "alice", Email: "alice@example.org"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err := repo.Create(ctx, &identity.User{Username: "mallory", Email: " Alice@Example.org"})
	if !errors.Is(err, identity.ErrUserExists) {
		t.Errorf("expected ErrUserExists for a reused email, got %v", err)
	}

	got, err := repo.GetByEmail(ctx, "ALICE@example.org")
	if err != nil {
		t.Fatalf("GetByEmail failed: %v", err)
	}
	if got.Username != "alice" {
		t.Errorf("GetByEmail = %+v", got)
	}
	if _, err := repo.GetByEmail(ctx, "nobody@example.org"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}
