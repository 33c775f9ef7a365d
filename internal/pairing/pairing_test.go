package pairing_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/web-tech-tw/freya-go/internal/openchat"
	"github.com/web-tech-tw/freya-go/internal/pairing"
)

const page = "https://line.me/ti/g2/abc"

func newEngine(t *testing.T) *pairing.Engine {
	t.Helper()
	e, err := pairing.New("test-secret-test-secret-test-secret")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestNew_EmptySecret(t *testing.T) {
	if _, err := pairing.New(""); !errors.Is(err, pairing.ErrEmptySecret) {
		t.Errorf("expected ErrEmptySecret, got %v", err)
	}
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	e := newEngine(t)

	ch, err := e.Issue("u1", page)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(ch.Code) != pairing.CodeLength {
		t.Errorf("code length = %d, want %d", len(ch.Code), pairing.CodeLength)
	}
	if len(ch.Hash) != pairing.HashLength {
		t.Errorf("hash length = %d, want %d", len(ch.Hash), pairing.HashLength)
	}
	if !e.Verify("u1", page, ch.Code, ch.Hash) {
		t.Error("Verify() rejected its own challenge")
	}
	if !e.Verify("u1", page, ch.Code, strings.ToUpper(ch.Hash)) {
		t.Error("Verify() should accept upper-case hex")
	}
}

func TestVerify_AnyChangedInputFails(t *testing.T) {
	e := newEngine(t)
	ch, _ := e.Issue("u1", page)
	other, _ := e.Issue("u1", page)

	tests := []struct {
		name, user, url, code, hash string
	}{
		{"other user", "u2", page, ch.Code, ch.Hash},
		{"other page", "u1", "https://line.me/ti/g2/abd", ch.Code, ch.Hash},
		{"other code", "u1", page, other.Code, ch.Hash},
		{"other hash", "u1", page, ch.Code, other.Hash},
		{"truncated hash", "u1", page, ch.Code, ch.Hash[:62]},
		{"empty hash", "u1", page, ch.Code, ""},
		{"overlong hash", "u1", page, ch.Code, ch.Hash + "00"},
		{"non-hex hash", "u1", page, ch.Code, strings.Repeat("zz", 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if e.Verify(tt.user, tt.url, tt.code, tt.hash) {
				t.Errorf("Verify(%q, %q, %q, %q) = true", tt.user, tt.url, tt.code, tt.hash)
			}
		})
	}
}

func TestVerify_DifferentSecretFails(t *testing.T) {
	a := newEngine(t)
	b, _ := pairing.New("another-secret")
	ch, _ := a.Issue("u1", page)
	if b.Verify("u1", page, ch.Code, ch.Hash) {
		t.Error("hash verified under a different secret")
	}
}

func TestIssue_CodesAreDistinct(t *testing.T) {
	e := newEngine(t)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		ch, err := e.Issue("u1", page)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if seen[ch.Code] {
			t.Fatalf("duplicate code %q after %d issues", ch.Code, i)
		}
		seen[ch.Code] = true
	}
}

func TestIssue_RejectsBiasedBytes(t *testing.T) {
	e := newEngine(t)
	// 0xFF bytes are above the rejection limit and must be skipped
	src := append(bytes.Repeat([]byte{0xFF}, 20), bytes.Repeat([]byte{1}, 20)...)
	e.SetRandom(bytes.NewReader(src))

	ch, err := e.Issue("u1", page)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if ch.Code != "1111111111" {
		t.Errorf("code = %q, want 1111111111", ch.Code)
	}
}

func TestIssue_RandomFailure(t *testing.T) {
	e := newEngine(t)
	e.SetRandom(bytes.NewReader(nil))
	if _, err := e.Issue("u1", page); err == nil {
		t.Error("expected error when the random source is exhausted")
	}
}

func TestValidateClaim(t *testing.T) {
	good := strings.Repeat("a", pairing.HashLength)
	if err := pairing.ValidateClaim("code", good); err != nil {
		t.Errorf("ValidateClaim() error = %v", err)
	}
	if err := pairing.ValidateClaim("", good); !errors.Is(err, pairing.ErrMalformedClaim) {
		t.Errorf("empty code: got %v", err)
	}
	if err := pairing.ValidateClaim("code", "abc"); !errors.Is(err, pairing.ErrMalformedClaim) {
		t.Errorf("short hash: got %v", err)
	}
}

type stubPages struct {
	page   *openchat.Page
	err    error
	forced []bool
}

func (s *stubPages) Parse(_ context.Context, _ string, force bool) (*openchat.Page, error) {
	s.forced = append(s.forced, force)
	return s.page, s.err
}

func TestVerifyClaim(t *testing.T) {
	e := newEngine(t)
	ch, _ := e.Issue("u1", page)
	ctx := context.Background()

	t.Run("code on page", func(t *testing.T) {
		pages := &stubPages{page: &openchat.Page{Label: "L", Members: 3, Description: "join us " + ch.Code}}
		got, err := e.VerifyClaim(ctx, pages, "u1", page, ch.Code, ch.Hash)
		if err != nil {
			t.Fatalf("VerifyClaim() error = %v", err)
		}
		if got.Label != "L" {
			t.Errorf("page = %+v", got)
		}
		if len(pages.forced) != 1 || !pages.forced[0] {
			t.Errorf("claim must force a live read, got %v", pages.forced)
		}
	})

	t.Run("code missing", func(t *testing.T) {
		pages := &stubPages{page: &openchat.Page{Label: "L", Members: 3, Description: "nothing here"}}
		_, err := e.VerifyClaim(ctx, pages, "u1", page, ch.Code, ch.Hash)
		if !errors.Is(err, pairing.ErrCodeNotOnPage) {
			t.Errorf("expected ErrCodeNotOnPage, got %v", err)
		}
	})

	t.Run("bad hash skips fetch", func(t *testing.T) {
		pages := &stubPages{page: &openchat.Page{Description: ch.Code}}
		_, err := e.VerifyClaim(ctx, pages, "u2", page, ch.Code, ch.Hash)
		if !errors.Is(err, pairing.ErrInvalidHash) {
			t.Errorf("expected ErrInvalidHash, got %v", err)
		}
		if len(pages.forced) != 0 {
			t.Error("page fetched for a forged claim")
		}
	})

	t.Run("page error propagates", func(t *testing.T) {
		pages := &stubPages{err: openchat.ErrInvalidStructure}
		_, err := e.VerifyClaim(ctx, pages, "u1", page, ch.Code, ch.Hash)
		if !errors.Is(err, openchat.ErrInvalidStructure) {
			t.Errorf("expected ErrInvalidStructure, got %v", err)
		}
	})
}
