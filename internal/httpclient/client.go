// Package httpclient provides the outbound HTTP client used for ticket page
// fetches and captcha verification, with SSRF protections and bounded reads.
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/web-tech-tw/freya-go/internal/config"
)

var (
	ErrSSRFBlocked       = errors.New("request blocked by SSRF protection")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrResponseTooLarge  = errors.New("response body too large")
	ErrInvalidURL        = errors.New("invalid URL")
	ErrRedirectDowngrade = errors.New("redirect from https to http blocked")
	ErrHostUnresolvable  = errors.New("host could not be resolved")
	ErrUnexpectedStatus  = errors.New("unexpected response status")
)

// Client is a safe HTTP client with SSRF protections and bounded behavior.
type Client struct {
	cfg        config.OutboundHTTPConfig
	userAgent  string
	httpClient *http.Client
}

// DefaultConfig mirrors the strict preset.
func DefaultConfig() config.OutboundHTTPConfig {
	return config.OutboundHTTPConfig{
		SSRFMode:         "strict",
		TimeoutMS:        10000,
		ConnectTimeoutMS: 2000,
		MaxRedirects:     1,
		MaxResponseBytes: 2 << 20,
	}
}

// New creates a new safe HTTP client. userAgent is sent on every request.
// The client ignores proxy environment variables (HTTP_PROXY, HTTPS_PROXY, NO_PROXY).
func New(cfg *config.OutboundHTTPConfig, userAgent string) *Client {
	c := &Client{cfg: DefaultConfig(), userAgent: userAgent}
	if cfg != nil {
		c.cfg = *cfg
	}

	dialer := &net.Dialer{
		Timeout: time.Duration(c.cfg.ConnectTimeoutMS) * time.Millisecond,
	}

	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// checked again at dial time so DNS rebinding cannot slip through
			if c.strict() {
				if err := checkSSRFAddr(addr); err != nil {
					return nil, err
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}

	c.httpClient = &http.Client{
		Transport:     transport,
		Timeout:       time.Duration(c.cfg.TimeoutMS) * time.Millisecond,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

func (c *Client) strict() bool { return c.cfg.SSRFMode == "strict" }

// checkRedirect bounds redirect chains and forbids scheme downgrades.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.cfg.MaxRedirects {
		return fmt.Errorf("%w: exceeded limit of %d", ErrTooManyRedirects, c.cfg.MaxRedirects)
	}
	prev := via[len(via)-1]
	if prev.URL.Scheme == "https" && req.URL.Scheme != "https" {
		return fmt.Errorf("%w: %s -> %s", ErrRedirectDowngrade, prev.URL, req.URL)
	}
	if c.strict() {
		if err := checkSSRFHost(req.URL.Hostname()); err != nil {
			return err
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return nil
}

func checkSSRFAddr(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return checkSSRFHost(host)
}

// checkSSRFHost rejects hosts that are, or resolve to, non-public addresses.
func checkSSRFHost(host string) error {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	lower := strings.ToLower(host)
	if lower == "localhost" || lower == "localhost.localdomain" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: localhost is blocked", ErrSSRFBlocked)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isPublicIP(ip) {
			return fmt.Errorf("%w: IP %s is blocked", ErrSSRFBlocked, ip)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// fail closed
		return fmt.Errorf("%w: %s: %v", ErrHostUnresolvable, host, err)
	}
	for _, ip := range ips {
		if !isPublicIP(ip) {
			return fmt.Errorf("%w: %s resolves to blocked IP %s", ErrSSRFBlocked, host, ip)
		}
	}
	return nil
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast())
}

// Do performs an HTTP request with safety protections.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.URL == nil || req.URL.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if c.strict() {
		if err := checkSSRFHost(req.URL.Hostname()); err != nil {
			return nil, err
		}
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.httpClient.Do(req)
}

// GetBody fetches urlStr and returns the body of a 2xx response, bounded by
// MaxResponseBytes.
func (c *Client) GetBody(ctx context.Context, urlStr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return c.readBody(req)
}

// PostForm submits form values and returns the body of a 2xx response.
func (c *Client) PostForm(ctx context.Context, urlStr string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, urlStr, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.readBody(req)
}

func (c *Client) readBody(req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, req.URL.Host)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

// IsSSRFError returns true if the error is an SSRF blocking error.
func IsSSRFError(err error) bool {
	return errors.Is(err, ErrSSRFBlocked) || errors.Is(err, ErrHostUnresolvable)
}
