package openchat

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

var (
	ErrInvalidURL         = errors.New("invalid page url")
	ErrFetch              = errors.New("unable to fetch page")
	ErrInvalidStructure   = errors.New("invalid page structure")
	ErrInvalidMemberCount = errors.New("invalid member count")
)

// IsPageError reports whether err came from reading or interpreting a ticket
// page, as opposed to an internal failure.
func IsPageError(err error) bool {
	return errors.Is(err, ErrInvalidURL) ||
		errors.Is(err, ErrFetch) ||
		errors.Is(err, ErrInvalidStructure) ||
		errors.Is(err, ErrInvalidMemberCount)
}

// Class suffixes of the generated ticket page markup.
const (
	suffixText  = "Txt"
	suffixDesc  = "Desc"
	suffixInner = "Inner"
)

var (
	nonDigits = regexp.MustCompile(`[^0-9]`)
	cssURL    = regexp.MustCompile(`url\((.*)\)`)
)

// Page is the data extracted from a ticket page.
type Page struct {
	Label           string `json:"label"`
	Members         int    `json:"members"`
	Description     string `json:"description"`
	BackgroundImage string `json:"backgroundImage"`
}

// Parser extracts Page values from ticket pages.
type Parser struct {
	fetcher *Fetcher
}

func NewParser(f *Fetcher) *Parser {
	return &Parser{fetcher: f}
}

// Parse validates pageURL, reads the page (from cache unless forceRefresh)
// and extracts its fields.
func (p *Parser) Parse(ctx context.Context, pageURL string, forceRefresh bool) (*Page, error) {
	if !IsValidTicketPageURL(pageURL) {
		return nil, ErrInvalidURL
	}
	doc, err := p.fetcher.Fetch(ctx, pageURL, forceRefresh)
	if err != nil {
		return nil, err
	}
	return ParseDocument(doc)
}

// ParseDocument extracts the page fields from an already parsed document.
func ParseDocument(doc *html.Node) (*Page, error) {
	texts := findByClassSuffix(doc, suffixText, 2)
	if len(texts) < 2 {
		return nil, ErrInvalidStructure
	}

	members, err := parseMembers(textContent(texts[1]))
	if err != nil {
		return nil, err
	}

	page := &Page{
		Label:   strings.TrimSpace(textContent(texts[0])),
		Members: members,
	}
	if desc := findByClassSuffix(doc, suffixDesc, 1); len(desc) > 0 {
		page.Description = strings.TrimSpace(textContent(desc[0]))
	}
	if inner := findByClassSuffix(doc, suffixInner, 1); len(inner) > 0 {
		page.BackgroundImage = backgroundImage(attr(inner[0], "style"))
	}
	return page, nil
}

// MaxMembers caps member counts too large to be real.
const MaxMembers = math.MaxInt32

// parseMembers reads the digits of the member text. Counts beyond MaxMembers
// are clamped rather than rejected.
func parseMembers(text string) (int, error) {
	digits := nonDigits.ReplaceAllString(text, "")
	n, err := strconv.ParseInt(digits, 10, 32)
	if errors.Is(err, strconv.ErrRange) {
		return MaxMembers, nil
	}
	if err != nil || n < 1 {
		return 0, ErrInvalidMemberCount
	}
	return int(n), nil
}

// findByClassSuffix walks the tree in document order and returns up to limit
// elements whose class attribute ends with suffix.
func findByClassSuffix(root *html.Node, suffix string, limit int) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(out) >= limit {
			return
		}
		if n.Type == html.ElementNode && strings.HasSuffix(attr(n, "class"), suffix) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// backgroundImage reads the background-image declaration of an inline style
// and strips its url(...) wrapper and quotes. Empty when absent or malformed.
func backgroundImage(style string) string {
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "background-image") {
			continue
		}
		m := cssURL.FindStringSubmatch(strings.TrimSpace(value))
		if m == nil {
			return ""
		}
		return strings.Trim(strings.TrimSpace(m[1]), `"'`)
	}
	return ""
}
