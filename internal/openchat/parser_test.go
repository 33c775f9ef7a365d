package openchat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/web-tech-tw/freya-go/internal/cache/memory"
	"github.com/web-tech-tw/freya-go/internal/openchat"
)

const pageURL = "https://line.me/ti/g2/abc"

// fakePages serves canned bodies and counts downloads.
type fakePages struct {
	mu    sync.Mutex
	pages map[string]string
	calls int
	err   error
}

func (f *fakePages) GetBody(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("no page for %s", url)
	}
	return []byte(body), nil
}

func (f *fakePages) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = body
}

func newParser(t *testing.T, body string) (*openchat.Parser, *fakePages) {
	t.Helper()
	pages := &fakePages{pages: map[string]string{pageURL: body}}
	c := memory.New(time.Hour, 0)
	t.Cleanup(func() { c.Close() })
	return openchat.NewParser(openchat.NewFetcher(pages, c, time.Hour, nil)), pages
}

func ticketPage(desc, style string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="MdMN04Txt">Spam Fighters</div><div class="MdMN05Txt">1,234 members</div>`)
	if desc != "" {
		b.WriteString(`<p class="MdMN06Desc">` + desc + `</p>`)
	}
	if style != "" {
		b.WriteString(`<div class="mdMN01Inner" style="` + style + `"></div>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func TestParse_Minimal(t *testing.T) {
	p, _ := newParser(t, ticketPage("", ""))

	page, err := p.Parse(context.Background(), pageURL, false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := openchat.Page{Label: "Spam Fighters", Members: 1234}
	if *page != want {
		t.Errorf("Parse() = %+v, want %+v", *page, want)
	}
}

func TestParse_AllFields(t *testing.T) {
	p, _ := newParser(t, ticketPage(
		"Welcome! code: Ab3dE6gH9k",
		"background-color: #fff; background-image: url(https://obs.line-scdn.net/0h/preview)",
	))

	page, err := p.Parse(context.Background(), pageURL, false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if page.Description != "Welcome! code: Ab3dE6gH9k" {
		t.Errorf("Description = %q", page.Description)
	}
	if page.BackgroundImage != "https://obs.line-scdn.net/0h/preview" {
		t.Errorf("BackgroundImage = %q", page.BackgroundImage)
	}
}

func TestParse_StructureAndMemberErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no Txt elements", `<html><body><p>hi</p></body></html>`, openchat.ErrInvalidStructure},
		{"one Txt element", `<div class="aTxt">Only label</div>`, openchat.ErrInvalidStructure},
		{"zero members", `<div class="aTxt">L</div><div class="bTxt">0 members</div>`, openchat.ErrInvalidMemberCount},
		{"no digits", `<div class="aTxt">L</div><div class="bTxt">many members</div>`, openchat.ErrInvalidMemberCount},
		{"Txt not a suffix", `<div class="TxtA">L</div><div class="TxtB">5</div>`, openchat.ErrInvalidStructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newParser(t, tt.body)
			_, err := p.Parse(context.Background(), pageURL, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
			if !openchat.IsPageError(err) {
				t.Errorf("IsPageError(%v) = false", err)
			}
		})
	}
}

func TestParse_MemberCountClamped(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"2,147,483,647 members", openchat.MaxMembers},
		{"2147483648 members", openchat.MaxMembers},
		{"99999999999999999999999999 members", openchat.MaxMembers},
		{"000042 members", 42},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			p, _ := newParser(t, `<div class="aTxt">L</div><div class="bTxt">`+tt.text+`</div>`)
			page, err := p.Parse(context.Background(), pageURL, false)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if page.Members != tt.want {
				t.Errorf("Members = %d, want %d", page.Members, tt.want)
			}
		})
	}
}

func TestParse_MalformedBackground(t *testing.T) {
	p, _ := newParser(t, ticketPage("", "background-image: none"))
	page, err := p.Parse(context.Background(), pageURL, false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if page.BackgroundImage != "" {
		t.Errorf("BackgroundImage = %q, want empty", page.BackgroundImage)
	}
}

func TestParse_QuotedBackground(t *testing.T) {
	p, _ := newParser(t, ticketPage("", `background-image: url('https://img.example/x.jpg')`))
	page, err := p.Parse(context.Background(), pageURL, false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if page.BackgroundImage != "https://img.example/x.jpg" {
		t.Errorf("BackgroundImage = %q", page.BackgroundImage)
	}
}

func TestParse_InvalidURLSkipsFetch(t *testing.T) {
	p, pages := newParser(t, ticketPage("", ""))
	_, err := p.Parse(context.Background(), "https://line.me/ti/g/abc", false)
	if !errors.Is(err, openchat.ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL, got %v", err)
	}
	if pages.calls != 0 {
		t.Errorf("invalid url caused %d downloads", pages.calls)
	}
}

func TestParse_FetchError(t *testing.T) {
	p, pages := newParser(t, "")
	pages.err = errors.New("connection refused")

	_, err := p.Parse(context.Background(), pageURL, false)
	if !errors.Is(err, openchat.ErrFetch) {
		t.Errorf("expected ErrFetch, got %v", err)
	}
}

func TestFetcher_MemoAndForcedRefresh(t *testing.T) {
	p, pages := newParser(t, ticketPage("before", ""))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		page, err := p.Parse(ctx, pageURL, false)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if page.Description != "before" {
			t.Errorf("Description = %q", page.Description)
		}
	}
	if pages.calls != 1 {
		t.Errorf("expected 1 download for cached reads, got %d", pages.calls)
	}

	pages.set(pageURL, ticketPage("after", ""))

	page, _ := p.Parse(ctx, pageURL, false)
	if page.Description != "before" {
		t.Errorf("cached read should not see the live page, got %q", page.Description)
	}

	page, err := p.Parse(ctx, pageURL, true)
	if err != nil {
		t.Fatalf("Parse(force) error = %v", err)
	}
	if page.Description != "after" {
		t.Errorf("forced refresh Description = %q, want after", page.Description)
	}
	if pages.calls != 2 {
		t.Errorf("expected 2 downloads, got %d", pages.calls)
	}

	page, _ = p.Parse(ctx, pageURL, false)
	if page.Description != "after" {
		t.Errorf("refresh should replace the cached copy, got %q", page.Description)
	}
}
