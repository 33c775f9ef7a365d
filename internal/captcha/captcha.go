// Package captcha verifies Cloudflare Turnstile tokens.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/web-tech-tw/freya-go/internal/config"
)

// DefaultVerifyURL is the Turnstile siteverify endpoint.
const DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

var ErrMissingToken = errors.New("captcha token is required")

// Result is the outcome of a token check.
type Result struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname,omitempty"`
}

// Verifier checks a captcha token. A non-nil error means the check could not
// be made; callers treat that as a failed check.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (*Result, error)
}

// FormPoster is the subset of the outbound HTTP client the verifier needs.
type FormPoster interface {
	PostForm(ctx context.Context, url string, form url.Values) ([]byte, error)
}

// Turnstile verifies tokens against the siteverify API.
type Turnstile struct {
	client    FormPoster
	secret    string
	verifyURL string
}

// NewTurnstile creates a verifier. An empty verifyURL uses DefaultVerifyURL.
func NewTurnstile(client FormPoster, secret, verifyURL string) *Turnstile {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	return &Turnstile{client: client, secret: secret, verifyURL: verifyURL}
}

// Verify posts the token to siteverify.
func (t *Turnstile) Verify(ctx context.Context, token, remoteIP string) (*Result, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	form := url.Values{}
	form.Set("secret", t.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	body, err := t.client.PostForm(ctx, t.verifyURL, form)
	if err != nil {
		return nil, fmt.Errorf("siteverify: %w", err)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("siteverify response: %w", err)
	}
	return &result, nil
}

// Bypass accepts every token. Used in dev mode.
type Bypass struct{}

func (Bypass) Verify(context.Context, string, string) (*Result, error) {
	return &Result{Success: true}, nil
}

// NewFromConfig returns Bypass when the config asks for it and a Turnstile
// verifier otherwise.
func NewFromConfig(cfg config.CaptchaConfig, client FormPoster) Verifier {
	if cfg.Bypass {
		return Bypass{}
	}
	return NewTurnstile(client, cfg.Secret, cfg.VerifyURL)
}

// Passed reports whether a Verify outcome lets the request through.
func Passed(r *Result, err error) bool {
	return err == nil && r != nil && r.Success
}
