package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/web-tech-tw/freya-go/internal/api"
	"github.com/web-tech-tw/freya-go/internal/cache/memory"
	"github.com/web-tech-tw/freya-go/internal/captcha"
	"github.com/web-tech-tw/freya-go/internal/config"
	"github.com/web-tech-tw/freya-go/internal/identity"
	"github.com/web-tech-tw/freya-go/internal/invitations"
	"github.com/web-tech-tw/freya-go/internal/mail"
	"github.com/web-tech-tw/freya-go/internal/mail/mailtest"
	"github.com/web-tech-tw/freya-go/internal/metrics"
	"github.com/web-tech-tw/freya-go/internal/openchat"
	"github.com/web-tech-tw/freya-go/internal/pairing"
	"github.com/web-tech-tw/freya-go/internal/ratelimit"
	"github.com/web-tech-tw/freya-go/internal/rooms"
	"github.com/web-tech-tw/freya-go/internal/store"
	_ "github.com/web-tech-tw/freya-go/internal/store/json"
	"github.com/web-tech-tw/freya-go/internal/store/storetest"
	"github.com/web-tech-tw/freya-go/internal/submissions"
)

const ticketURL = "https://line.me/ti/g2/spamfighters"

// pageBoard serves ticket pages whose description tests can rewrite.
type pageBoard struct {
	mu   sync.Mutex
	desc string
}

func (b *pageBoard) Parse(_ context.Context, url string, _ bool) (*openchat.Page, error) {
	if url != ticketURL {
		return nil, fmt.Errorf("%w: status 404", openchat.ErrFetch)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &openchat.Page{Label: "Spam Fighters", Members: 12, Description: b.desc}, nil
}

func (b *pageBoard) set(desc string) {
	b.mu.Lock()
	b.desc = desc
	b.mu.Unlock()
}

type harness struct {
	handler http.Handler
	pages   *pageBoard
	mail    *mailtest.Recorder
}

func newHarness(t *testing.T, pairingLimit int64) *harness {
	t.Helper()
	cfg := config.DevConfig()
	s := storetest.Open(t, &store.DriverConfig{Driver: "json", DataDir: t.TempDir()})
	c := memory.New(time.Hour, 0)
	t.Cleanup(func() { c.Close() })

	users := identity.NewStoreRepo(s)
	sessions := identity.NewCacheSessionRepo(c)
	ua := identity.NewUserAuth(4)
	boot := identity.NewBootstrap(users, ua, nil)
	m := metrics.New(prometheus.NewRegistry())

	engine, err := pairing.New("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{pages: &pageBoard{}, mail: &mailtest.Recorder{}}
	mailer := mail.NewMailer(h.mail, nil)
	verifier := identity.NewEmailVerifier(c, users, time.Hour)

	roomSvc := rooms.NewService(rooms.Deps{
		Rooms:         s,
		Submissions:   s,
		Users:         users,
		Pages:         h.pages,
		Pairing:       engine,
		Invitations:   invitations.NewStore(c),
		Mailer:        mailer,
		InvitationURL: cfg.InvitationURL,
		Metrics:       m,
	})
	limiter := ratelimit.New(c, &ratelimit.Config{
		RequestsPerWindow: pairingLimit,
		Window:            time.Minute,
		KeyPrefix:         "ratelimit:pairing:",
	}, nil)

	srv, err := New(cfg, nil, &Deps{
		Auth:        api.NewAuthHandler(users, sessions, ua, boot, time.Hour, api.WithEmailVerification(verifier, mailer, cfg.VerificationURL)),
		Rooms:       rooms.NewHandler(roomSvc),
		Submissions: submissions.NewHandler(submissions.NewService(s, s, captcha.Bypass{}, m, nil)),
		SessionRepo: sessions,
		PartyRepo:   users,
		Limiter:     limiter,
		Metrics:     m,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.handler = srv.Handler()
	return h
}

func (h *harness) call(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "203.0.113.20:40000"
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

// register creates an account with an unverified email and logs it in.
func (h *harness) register(t *testing.T, username string) string {
	t.Helper()
	w := h.call(t, http.MethodPost, "/auth/register", "",
		fmt.Sprintf(`{"username":%q,"password":"correct-horse","email":"%s@example.org"}`, username, username))
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", username, w.Code, w.Body.String())
	}
	w = h.call(t, http.MethodPost, "/auth/login", "",
		fmt.Sprintf(`{"username":%q,"password":"correct-horse"}`, username))
	var login api.LoginResponse
	if err := json.NewDecoder(w.Body).Decode(&login); err != nil || login.Token == "" {
		t.Fatalf("login %s: %d", username, w.Code)
	}
	return login.Token
}

// verificationToken pulls the token out of the latest verification mail
// sent to to.
func (h *harness) verificationToken(t *testing.T, to string) string {
	t.Helper()
	msgs := h.mail.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].To != to {
			continue
		}
		_, rest, ok := strings.Cut(msgs[i].Text, "/verify-email?token=")
		if !ok {
			continue
		}
		escaped, _, _ := strings.Cut(rest, "\n")
		token, err := url.QueryUnescape(strings.TrimSpace(escaped))
		if err != nil {
			t.Fatalf("unescape token: %v", err)
		}
		return token
	}
	t.Fatalf("no verification mail for %s", to)
	return ""
}

func (h *harness) verify(t *testing.T, username string) {
	t.Helper()
	token := h.verificationToken(t, username+"@example.org")
	body, _ := json.Marshal(api.VerifyEmailRequest{Token: token})
	if w := h.call(t, http.MethodPost, "/auth/verify-email", "", string(body)); w.Code != http.StatusOK {
		t.Fatalf("verify %s: %d %s", username, w.Code, w.Body.String())
	}
}

// signUp registers, verifies the email and returns a session token.
func (h *harness) signUp(t *testing.T, username string) string {
	t.Helper()
	token := h.register(t, username)
	h.verify(t, username)
	return token
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestNew_ValidatesDeps(t *testing.T) {
	if _, err := New(config.DevConfig(), nil, nil); err == nil {
		t.Fatal("expected error for nil deps")
	}
	_, err := New(config.DevConfig(), nil, &Deps{})
	if !errors.Is(err, ErrMissingDep) {
		t.Errorf("expected ErrMissingDep, got %v", err)
	}
}

func TestRoutes_PublicAndGated(t *testing.T) {
	h := newHarness(t, 10)

	if w := h.call(t, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	if w := h.call(t, http.MethodGet, "/metrics", "", ""); w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}

	gated := []struct{ method, path string }{
		{http.MethodGet, "/rooms"},
		{http.MethodPost, "/rooms"},
		{http.MethodPatch, "/rooms"},
		{http.MethodGet, "/rooms/abc/administrators"},
		{http.MethodGet, "/rooms/abc/submissions/xyz"},
		{http.MethodPost, "/rooms/abc/invitations"},
		{http.MethodGet, "/invitations/abc"},
		{http.MethodGet, "/auth/me"},
	}
	for _, g := range gated {
		w := h.call(t, g.method, g.path, "", "{}")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without session = %d, want 401", g.method, g.path, w.Code)
		}
	}

	if w := h.call(t, http.MethodGet, "/rooms/unknown", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("public room lookup = %d, want 404", w.Code)
	}
}

func TestRoutes_PairingToSubmission(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.signUp(t, "alice")

	w := h.call(t, http.MethodPost, "/rooms", alice, `{"url":"`+ticketURL+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start pairing = %d %s", w.Code, w.Body.String())
	}
	ch := decode[rooms.Challenge](t, w)

	h.pages.set("room code: " + ch.Code)
	w = h.call(t, http.MethodPatch, "/rooms", alice,
		fmt.Sprintf(`{"url":%q,"code":%q,"hash":%q}`, ticketURL, ch.Code, ch.Hash))
	if w.Code != http.StatusCreated {
		t.Fatalf("finish pairing = %d %s", w.Code, w.Body.String())
	}

	w = h.call(t, http.MethodGet, "/rooms/"+ch.Code, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("public room = %d", w.Code)
	}
	if pub := decode[rooms.PublicRoom](t, w); pub.PageURL != ticketURL {
		t.Errorf("pageUrl = %q", pub.PageURL)
	}

	w = h.call(t, http.MethodPost, "/submissions", "", fmt.Sprintf(`{"roomCode":%q,"captcha":"x"}`, ch.Code))
	if w.Code != http.StatusCreated {
		t.Fatalf("submission = %d %s", w.Code, w.Body.String())
	}
	created := decode[submissions.Created](t, w)

	w = h.call(t, http.MethodGet, "/rooms/"+ch.Code+"/submissions/"+created.Code, alice, "")
	if w.Code != http.StatusOK {
		t.Errorf("admin submission lookup = %d", w.Code)
	}

	bob := h.signUp(t, "bob")
	w = h.call(t, http.MethodGet, "/rooms/"+ch.Code+"/submissions/"+created.Code, bob, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("non-admin submission lookup = %d, want 404", w.Code)
	}

	w = h.call(t, http.MethodPost, "/rooms/"+ch.Code+"/invitations", alice, `{"email":"bob@example.org"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("invite = %d %s", w.Code, w.Body.String())
	}
	inv := decode[rooms.InvitationView](t, w)
	msgs := h.mail.Messages()
	if last := msgs[len(msgs)-1]; last.To != "bob@example.org" || !strings.Contains(last.Text, "/invitations/"+inv.ID) {
		t.Errorf("last mail = %+v, want the invitation to bob", last)
	}
	if w := h.call(t, http.MethodPost, "/invitations/"+inv.ID+"/accept", bob, ""); w.Code != http.StatusOK {
		t.Errorf("accept = %d %s", w.Code, w.Body.String())
	}

	w = h.call(t, http.MethodGet, "/rooms", bob, "")
	if list := decode[[]store.Room](t, w); len(list) != 1 {
		t.Errorf("bob administers %d rooms, want 1", len(list))
	}
}

func TestRoutes_EmailVerificationGatesInvitations(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.signUp(t, "alice")

	w := h.call(t, http.MethodPost, "/rooms", alice, `{"url":"`+ticketURL+`"}`)
	ch := decode[rooms.Challenge](t, w)
	h.pages.set("room code: " + ch.Code)
	w = h.call(t, http.MethodPatch, "/rooms", alice,
		fmt.Sprintf(`{"url":%q,"code":%q,"hash":%q}`, ticketURL, ch.Code, ch.Hash))
	if w.Code != http.StatusCreated {
		t.Fatalf("finish pairing = %d %s", w.Code, w.Body.String())
	}

	carol := h.register(t, "carol")
	w = h.call(t, http.MethodGet, "/auth/me", carol, "")
	if me := decode[api.UserView](t, w); me.EmailVerified {
		t.Fatal("fresh account reports a verified email")
	}

	w = h.call(t, http.MethodPost, "/rooms/"+ch.Code+"/invitations", alice, `{"email":"carol@example.org"}`)
	inv := decode[rooms.InvitationView](t, w)

	w = h.call(t, http.MethodPost, "/invitations/"+inv.ID+"/accept", carol, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("unverified accept = %d, want 403", w.Code)
	}
	if env := decode[api.ErrorEnvelope](t, w); env.Error.ReasonCode != api.ReasonEmailUnverified {
		t.Errorf("reason_code = %q", env.Error.ReasonCode)
	}

	// a second account cannot claim the same mailbox
	w = h.call(t, http.MethodPost, "/auth/register", "",
		`{"username":"mallory","password":"correct-horse","email":"Carol@Example.org"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate email register = %d, want 409", w.Code)
	}

	if w := h.call(t, http.MethodPost, "/auth/verify-email", "", `{"token":"bogus"}`); w.Code != http.StatusNotFound {
		t.Errorf("bogus token = %d, want 404", w.Code)
	}
	if w := h.call(t, http.MethodPost, "/auth/verify-email/resend", carol, ""); w.Code != http.StatusAccepted {
		t.Errorf("resend = %d, want 202", w.Code)
	}
	h.verify(t, "carol")
	if w := h.call(t, http.MethodPost, "/auth/verify-email/resend", carol, ""); w.Code != http.StatusConflict {
		t.Errorf("resend after verification = %d, want 409", w.Code)
	}

	if w := h.call(t, http.MethodPost, "/invitations/"+inv.ID+"/accept", carol, ""); w.Code != http.StatusOK {
		t.Errorf("verified accept = %d %s", w.Code, w.Body.String())
	}
}

func TestRoutes_FinishPairingIsRateLimited(t *testing.T) {
	h := newHarness(t, 2)
	alice := h.signUp(t, "alice")
	body := `{"url":"` + ticketURL + `","code":"AAAAAAAA","hash":"00"}`

	for i := 0; i < 2; i++ {
		if w := h.call(t, http.MethodPatch, "/rooms", alice, body); w.Code == http.StatusTooManyRequests {
			t.Fatalf("attempt %d limited too early", i+1)
		}
	}
	w := h.call(t, http.MethodPatch, "/rooms", alice, body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	// Other users keep their own bucket.
	bob := h.signUp(t, "bob")
	if w := h.call(t, http.MethodPatch, "/rooms", bob, body); w.Code == http.StatusTooManyRequests {
		t.Error("separate users must not share a bucket")
	}
}

func TestHTTPSRedirect(t *testing.T) {
	tests := []struct {
		port int
		host string
		want string
	}{
		{443, "freya.example.org", "https://freya.example.org/rooms?x=1"},
		{8443, "freya.example.org:8080", "https://freya.example.org:8443/rooms?x=1"},
		{443, "[::1]:80", "https://[::1]/rooms?x=1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/rooms?x=1", nil)
		req.Host = tt.host
		w := httptest.NewRecorder()
		httpsRedirect(tt.port).ServeHTTP(w, req)
		if w.Code != http.StatusPermanentRedirect {
			t.Errorf("status = %d", w.Code)
		}
		if got := w.Header().Get("Location"); got != tt.want {
			t.Errorf("Location = %q, want %q", got, tt.want)
		}
	}
}

func TestHostname(t *testing.T) {
	if got := hostname("https://freya.example.org:8443"); got != "freya.example.org" {
		t.Errorf("hostname = %q", got)
	}
}
