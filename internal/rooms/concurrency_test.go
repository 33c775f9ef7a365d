package rooms_test

import (
	"context"
	"sync"
	"testing"

	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/store"
)

// pausingStore stops the next GetRoomByCode after the room has been read
// and keeps the caller there until resume is called.
type pausingStore struct {
	store.Store

	mu      sync.Mutex
	armed   bool
	paused  chan struct{}
	release chan struct{}
}

func (p *pausingStore) pauseNextRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = true
	p.paused = make(chan struct{})
	p.release = make(chan struct{})
}

func (p *pausingStore) resume() { close(p.release) }

func (p *pausingStore) GetRoomByCode(ctx context.Context, code string) (*store.Room, error) {
	room, err := p.Store.GetRoomByCode(ctx, code)

	p.mu.Lock()
	armed := p.armed
	p.armed = false
	paused, release := p.paused, p.release
	p.mu.Unlock()

	if armed {
		close(paused)
		<-release
	}
	return room, err
}

func newPausingFixture(t *testing.T) (*fixture, *pausingStore) {
	t.Helper()
	var ps *pausingStore
	f := newFixture(t, func(s store.Store) store.Store {
		ps = &pausingStore{Store: s}
		return ps
	})
	return f, ps
}

// invite has alice invite email to the room and returns the invitation id.
func (f *fixture) invite(t *testing.T, code, email string) string {
	t.Helper()
	inv, err := f.svc.Invite(context.Background(), f.alice, code, email)
	if err != nil {
		t.Fatalf("Invite(%s): %v", email, err)
	}
	return inv.ID
}

func TestRefresh_KeepsConcurrentRemoval(t *testing.T) {
	f, ps := newPausingFixture(t)
	ctx := context.Background()
	room := f.pair(t)

	id := f.invite(t, room.Code, f.bob.Email)
	if _, err := f.svc.AcceptInvitation(ctx, f.bob, id); err != nil {
		t.Fatal(err)
	}

	f.pages.set(pageURL, "refreshed", 77)
	ps.pauseNextRead()
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Refresh(ctx, room.Code)
		done <- err
	}()
	<-ps.paused

	// the refresh holds a snapshot that still lists bob
	if err := f.svc.RemoveAdministrator(ctx, f.alice, room.Code, f.bob.UserID); err != nil {
		t.Fatalf("RemoveAdministrator: %v", err)
	}
	ps.resume()
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got, err := f.svc.Get(ctx, room.Code)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsAdministrator(f.bob.UserID) {
		t.Errorf("removed administrator restored by refresh: %v", got.Administrators)
	}
	if got.Members != 77 || got.Description != "refreshed" {
		t.Errorf("page fields not refreshed: %+v", got)
	}
}

func TestAcceptInvitation_ConcurrentAccepts(t *testing.T) {
	f, ps := newPausingFixture(t)
	ctx := context.Background()
	room := f.pair(t)

	forBob := f.invite(t, room.Code, f.bob.Email)
	forCarol := f.invite(t, room.Code, f.carol.Email)

	ps.pauseNextRead()
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.AcceptInvitation(ctx, f.bob, forBob)
		done <- err
	}()
	<-ps.paused

	if _, err := f.svc.AcceptInvitation(ctx, f.carol, forCarol); err != nil {
		t.Fatalf("carol AcceptInvitation: %v", err)
	}
	ps.resume()
	if err := <-done; err != nil {
		t.Fatalf("bob AcceptInvitation: %v", err)
	}

	got, err := f.svc.Get(ctx, room.Code)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Administrators) != 3 {
		t.Fatalf("administrators = %v, want alice, carol and bob", got.Administrators)
	}
	for _, p := range []string{f.alice.UserID, f.bob.UserID, f.carol.UserID} {
		if !got.IsAdministrator(p) {
			t.Errorf("%s missing from %v", p, got.Administrators)
		}
	}
}

func TestAcceptInvitation_ManyConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.pair(t)

	ids := map[string]string{
		f.bob.UserID:   f.invite(t, room.Code, f.bob.Email),
		f.carol.UserID: f.invite(t, room.Code, f.carol.Email),
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, actor := range []*appctx.Principal{f.bob, f.carol} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.AcceptInvitation(ctx, actor, ids[actor.UserID]); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("AcceptInvitation: %v", err)
	}

	got, _ := f.svc.Get(ctx, room.Code)
	if len(got.Administrators) != 3 {
		t.Errorf("administrators = %v, want 3 entries", got.Administrators)
	}
}
