package openchat

import "testing"

func TestIsValidTicketPageURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://line.me/ti/g2/abc", true},
		{"https://line.me/R/ti/g2/abc?utm_source=x", true},
		{"https://line.naver.jp/ti/g2/abc", true},
		{"https://line.naver.jp/R/ti/g2/abc", true},
		{"https://line.me/ti/g2/", true},

		{"line.me/ti/g2/abc", false},
		{"http://line.me/ti/g2/abc", false},
		{"https://line.me/ti/g/abc", false},
		{"https://line.me.evil.com/ti/g2/abc", false},
		{"https://evil.com/https://line.me/ti/g2/abc", false},
		{"https://LINE.me/ti/g2/abc", false},
		{"https://line.me/r/ti/g2/abc", false},
		{" https://line.me/ti/g2/abc", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValidTicketPageURL(tt.url); got != tt.want {
			t.Errorf("IsValidTicketPageURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://line.me/ti/g2/abc", "https://line.me/ti/g2/abc"},
		{"https://line.naver.jp/ti/g2/abc", "https://line.me/ti/g2/abc"},
		{"https://line.naver.jp/R/ti/g2/abc?x=1#frag", "https://line.me/R/ti/g2/abc?x=1"},
	}
	for _, tt := range tests {
		got, err := CanonicalURL(tt.in)
		if err != nil {
			t.Fatalf("CanonicalURL(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := CanonicalURL("https://example.com/ti/g2/abc"); err != ErrInvalidURL {
		t.Errorf("expected ErrInvalidURL, got %v", err)
	}
}
