// Package storetest provides the conformance suite every store driver runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/web-tech-tw/freya-go/internal/store"
)

// TestRoom returns a room administered by its creator only.
func TestRoom(code, pageURL, creator string) *store.Room {
	return &store.Room{
		Code:            code,
		PageURL:         pageURL,
		Label:           "Spam Fighters",
		Members:         1234,
		Description:     "pairing " + code,
		BackgroundImage: "https://obs.line-scdn.net/0h/preview",
		Creator:         creator,
		Administrators:  []string{creator},
	}
}

// Open creates and initializes a driver, closing it at test end.
func Open(t *testing.T, cfg *store.DriverConfig) store.Store {
	t.Helper()
	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create %s driver: %v", cfg.Driver, err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("failed to init %s driver: %v", cfg.Driver, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// RunDriverTests runs the standard test suite against a driver.
func RunDriverTests(t *testing.T, cfg *store.DriverConfig) {
	s := Open(t, cfg)
	ctx := context.Background()

	if s.Name() != cfg.Driver {
		t.Errorf("expected driver name %q, got %q", cfg.Driver, s.Name())
	}

	t.Run("RoomCRUD", func(t *testing.T) {
		room := TestRoom("Ab3dE6gH9k", "https://line.me/ti/g2/crud", "u1")
		if err := s.CreateRoom(ctx, room); err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}
		if room.CreatedAt == 0 {
			t.Error("CreatedAt not stamped")
		}

		got, err := s.GetRoomByCode(ctx, room.Code)
		if err != nil {
			t.Fatalf("GetRoomByCode failed: %v", err)
		}
		if got.PageURL != room.PageURL || got.Members != 1234 || !got.IsAdministrator("u1") {
			t.Errorf("GetRoomByCode = %+v", got)
		}

		byURL, err := s.GetRoomByPageURL(ctx, room.PageURL)
		if err != nil {
			t.Fatalf("GetRoomByPageURL failed: %v", err)
		}
		if byURL.Code != room.Code {
			t.Errorf("GetRoomByPageURL code = %q", byURL.Code)
		}

		got.Administrators = append(got.Administrators, "mutated")
		again, _ := s.GetRoomByCode(ctx, room.Code)
		if again.IsAdministrator("mutated") {
			t.Error("returned room aliases driver state")
		}

		if err := s.DeleteRoom(ctx, room.Code); err != nil {
			t.Fatalf("DeleteRoom failed: %v", err)
		}
		if _, err := s.GetRoomByCode(ctx, room.Code); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if _, err := s.GetRoomByPageURL(ctx, room.PageURL); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound by url after delete, got %v", err)
		}
		if err := s.DeleteRoom(ctx, room.Code); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RoomUniqueness", func(t *testing.T) {
		first := TestRoom("uniqcode01", "https://line.me/ti/g2/uniq", "u1")
		if err := s.CreateRoom(ctx, first); err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}
		sameURL := TestRoom("uniqcode02", first.PageURL, "u2")
		if err := s.CreateRoom(ctx, sameURL); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("duplicate page url: expected ErrAlreadyExists, got %v", err)
		}
		sameCode := TestRoom(first.Code, "https://line.me/ti/g2/other", "u2")
		if err := s.CreateRoom(ctx, sameCode); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("duplicate code: expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("UpdateRoomPageKeepsAdministrators", func(t *testing.T) {
		room := TestRoom("pageroom01", "https://line.me/ti/g2/page", "u1")
		room.Administrators = []string{"u1", "u2"}
		room.IsAbused = true
		if err := s.CreateRoom(ctx, room); err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}

		got, err := s.UpdateRoomPage(ctx, room.Code, store.RoomPage{Label: "Renamed", Members: 0})
		if err != nil {
			t.Fatalf("UpdateRoomPage failed: %v", err)
		}
		if got.Label != "Renamed" || got.Members != 0 || got.Description != "" || got.BackgroundImage != "" {
			t.Errorf("page fields not written: %+v", got)
		}
		if len(got.Administrators) != 2 || !got.IsAbused || got.Creator != "u1" {
			t.Errorf("non-page fields changed: %+v", got)
		}

		if _, err := s.UpdateRoomPage(ctx, "ghostroom2", store.RoomPage{}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("missing room: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Administrators", func(t *testing.T) {
		room := TestRoom("adminroom1", "https://line.me/ti/g2/admins", "u1")
		if err := s.CreateRoom(ctx, room); err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}

		got, err := s.AddAdministrator(ctx, room.Code, "u2")
		if err != nil {
			t.Fatalf("AddAdministrator failed: %v", err)
		}
		if want := []string{"u1", "u2"}; fmt.Sprint(got.Administrators) != fmt.Sprint(want) {
			t.Errorf("administrators = %v, want %v", got.Administrators, want)
		}
		if _, err := s.AddAdministrator(ctx, room.Code, "u2"); !errors.Is(err, store.ErrAlreadyAdministrator) {
			t.Errorf("second add: expected ErrAlreadyAdministrator, got %v", err)
		}

		got, err = s.RemoveAdministrator(ctx, room.Code, "u1")
		if err != nil {
			t.Fatalf("RemoveAdministrator failed: %v", err)
		}
		if want := []string{"u2"}; fmt.Sprint(got.Administrators) != fmt.Sprint(want) {
			t.Errorf("administrators = %v, want %v", got.Administrators, want)
		}
		if _, err := s.RemoveAdministrator(ctx, room.Code, "u1"); !errors.Is(err, store.ErrNotAdministrator) {
			t.Errorf("second remove: expected ErrNotAdministrator, got %v", err)
		}

		stored, _ := s.GetRoomByCode(ctx, room.Code)
		if stored.IsAdministrator("u1") || !stored.IsAdministrator("u2") {
			t.Errorf("stored administrators = %v", stored.Administrators)
		}

		if _, err := s.AddAdministrator(ctx, "ghostroom3", "u1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("add to missing room: expected ErrNotFound, got %v", err)
		}
		if _, err := s.RemoveAdministrator(ctx, "ghostroom3", "u1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("remove from missing room: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentAddAdministrator", func(t *testing.T) {
		room := TestRoom("raceroom01", "https://line.me/ti/g2/race", "owner")
		if err := s.CreateRoom(ctx, room); err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}

		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.AddAdministrator(ctx, room.Code, fmt.Sprintf("admin-%d", i)); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("AddAdministrator failed: %v", err)
		}

		got, err := s.GetRoomByCode(ctx, room.Code)
		if err != nil {
			t.Fatalf("GetRoomByCode failed: %v", err)
		}
		if len(got.Administrators) != n+1 {
			t.Errorf("got %d administrators, want %d: %v", len(got.Administrators), n+1, got.Administrators)
		}
	})

	t.Run("ListRooms", func(t *testing.T) {
		a := TestRoom("listroom01", "https://line.me/ti/g2/list1", "alice")
		b := TestRoom("listroom02", "https://line.me/ti/g2/list2", "bob")
		b.Administrators = []string{"bob", "alice"}
		c := TestRoom("listroom03", "https://line.me/ti/g2/list3", "carol")
		for _, r := range []*store.Room{a, b, c} {
			if err := s.CreateRoom(ctx, r); err != nil {
				t.Fatalf("CreateRoom(%s) failed: %v", r.Code, err)
			}
		}

		admin, err := s.ListRoomsByAdministrator(ctx, "alice")
		if err != nil {
			t.Fatalf("ListRoomsByAdministrator failed: %v", err)
		}
		if len(admin) != 2 {
			t.Errorf("alice administers %d rooms, want 2", len(admin))
		}

		created, err := s.ListRoomsByCreator(ctx, "alice")
		if err != nil {
			t.Fatalf("ListRoomsByCreator failed: %v", err)
		}
		if len(created) != 1 || created[0].Code != a.Code {
			t.Errorf("ListRoomsByCreator(alice) = %v", created)
		}

		none, err := s.ListRoomsByAdministrator(ctx, "nobody")
		if err != nil {
			t.Fatalf("ListRoomsByAdministrator failed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("expected no rooms, got %d", len(none))
		}
	})

	t.Run("Submissions", func(t *testing.T) {
		sub := &store.Submission{Code: "sub-1", RoomCode: "listroom01"}
		if err := s.CreateSubmission(ctx, sub); err != nil {
			t.Fatalf("CreateSubmission failed: %v", err)
		}
		if err := s.CreateSubmission(ctx, &store.Submission{Code: "sub-1", RoomCode: "x"}); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("duplicate submission: expected ErrAlreadyExists, got %v", err)
		}

		got, err := s.GetSubmission(ctx, "listroom01", "sub-1")
		if err != nil {
			t.Fatalf("GetSubmission failed: %v", err)
		}
		if got.RoomCode != "listroom01" {
			t.Errorf("RoomCode = %q", got.RoomCode)
		}
		if _, err := s.GetSubmission(ctx, "listroom02", "sub-1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("submission leaked across rooms: %v", err)
		}

		if err := s.DeleteSubmission(ctx, "sub-1"); err != nil {
			t.Fatalf("DeleteSubmission failed: %v", err)
		}
		if _, err := s.GetSubmission(ctx, "listroom01", "sub-1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("Users", func(t *testing.T) {
		user := &store.User{ID: "user-1", Username: "alice", Email: "alice@example.org", Role: "user"}
		if err := s.CreateUser(ctx, user); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		if err := s.CreateUser(ctx, &store.User{ID: "user-2", Username: "alice"}); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("duplicate username: expected ErrAlreadyExists, got %v", err)
		}
		if err := s.CreateUser(ctx, &store.User{ID: "user-3", Username: "mallory", Email: "alice@example.org"}); !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("duplicate email: expected ErrAlreadyExists, got %v", err)
		}
		for _, u := range []*store.User{{ID: "user-4", Username: "noemail1"}, {ID: "user-5", Username: "noemail2"}} {
			if err := s.CreateUser(ctx, u); err != nil {
				t.Errorf("users without email must not collide: %v", err)
			}
		}

		byEmail, err := s.GetUserByEmail(ctx, "alice@example.org")
		if err != nil {
			t.Fatalf("GetUserByEmail failed: %v", err)
		}
		if byEmail.ID != "user-1" {
			t.Errorf("GetUserByEmail = %+v", byEmail)
		}
		if _, err := s.GetUserByEmail(ctx, ""); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("empty email: expected ErrNotFound, got %v", err)
		}

		got, err := s.GetUserByUsername(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUserByUsername failed: %v", err)
		}
		if got.ID != "user-1" || got.Email != "alice@example.org" {
			t.Errorf("GetUserByUsername = %+v", got)
		}

		got.DisplayName = "Alice"
		if err := s.UpdateUser(ctx, got); err != nil {
			t.Fatalf("UpdateUser failed: %v", err)
		}
		byID, err := s.GetUser(ctx, "user-1")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if byID.DisplayName != "Alice" {
			t.Errorf("update not persisted: %+v", byID)
		}

		if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.UpdateUser(ctx, &store.User{ID: "nobody", Username: "ghost"}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("update missing user: expected ErrNotFound, got %v", err)
		}
	})
}

// RunRestartTest checks that data written by one driver instance is read
// back by a fresh one over the same data dir.
func RunRestartTest(t *testing.T, cfg *store.DriverConfig) {
	ctx := context.Background()

	first, err := store.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Init(ctx); err != nil {
		t.Fatal(err)
	}
	room := TestRoom("restart001", "https://line.me/ti/g2/restart", "u1")
	room.Administrators = []string{"u1", "u2"}
	if err := first.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second := Open(t, cfg)
	got, err := second.GetRoomByPageURL(ctx, room.PageURL)
	if err != nil {
		t.Fatalf("room not found after restart: %v", err)
	}
	if got.Code != room.Code || len(got.Administrators) != 2 {
		t.Errorf("data corruption after restart: %+v", got)
	}
}
