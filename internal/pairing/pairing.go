// Package pairing implements the stateless room pairing handshake.
//
// A challenge binds a user, a ticket page URL and a random one-time code
// under HMAC-SHA256. Nothing is stored server side: the hash is the proof
// of issuance and the client replays code and hash when claiming the page.
package pairing

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/web-tech-tw/freya-go/internal/openchat"
)

const (
	// CodeLength is the number of symbols in a pairing code.
	CodeLength = 10
	// HashLength is the hex length of a pairing hash.
	HashLength = sha256.Size * 2

	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

var (
	ErrEmptySecret    = errors.New("pairing secret must not be empty")
	ErrMalformedClaim = errors.New("malformed pairing claim")
	ErrInvalidHash    = errors.New("invalid pairing hash")
	ErrCodeNotOnPage  = errors.New("invalid pairing code")
)

// Challenge is handed to the client on issuance and replayed on claim.
type Challenge struct {
	Code string `json:"code"`
	Hash string `json:"hash"`
}

// PageReader reads a ticket page. *openchat.Parser satisfies it.
type PageReader interface {
	Parse(ctx context.Context, pageURL string, forceRefresh bool) (*openchat.Page, error)
}

// Engine issues and verifies pairing challenges under a single secret.
type Engine struct {
	secret []byte
	random io.Reader
}

// New creates an engine. The secret is never exposed again.
func New(secret string) (*Engine, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Engine{secret: []byte(secret), random: rand.Reader}, nil
}

// Issue creates a fresh challenge for userID and pageURL.
func (e *Engine) Issue(userID, pageURL string) (Challenge, error) {
	code, err := e.newCode()
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{Code: code, Hash: hex.EncodeToString(e.sign(userID, pageURL, code))}, nil
}

// Verify recomputes the hash for the three inputs and compares it with the
// supplied hex hash in constant time. Malformed hashes verify false.
func (e *Engine) Verify(userID, pageURL, code, hash string) bool {
	got, err := hex.DecodeString(hash)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, e.sign(userID, pageURL, code))
}

// ValidateClaim checks the claim shape before any cryptographic work.
func ValidateClaim(code, hash string) error {
	if code == "" {
		return fmt.Errorf("%w: code is required", ErrMalformedClaim)
	}
	if len(hash) != HashLength {
		return fmt.Errorf("%w: hash must be %d characters", ErrMalformedClaim, HashLength)
	}
	return nil
}

// VerifyClaim checks the signature and then proves control of the page by
// re-reading it live and looking for the code in its description. The live
// page is returned on success.
func (e *Engine) VerifyClaim(ctx context.Context, pages PageReader, userID, pageURL, code, hash string) (*openchat.Page, error) {
	if err := ValidateClaim(code, hash); err != nil {
		return nil, err
	}
	if !e.Verify(userID, pageURL, code, hash) {
		return nil, ErrInvalidHash
	}
	page, err := pages.Parse(ctx, pageURL, true)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(page.Description, code) {
		return nil, ErrCodeNotOnPage
	}
	return page, nil
}

func (e *Engine) sign(userID, pageURL, code string) []byte {
	mac := hmac.New(sha256.New, e.secret)
	io.WriteString(mac, userID+"&"+pageURL+"&"+code)
	return mac.Sum(nil)
}

// newCode draws CodeLength symbols uniformly from codeAlphabet.
func (e *Engine) newCode() (string, error) {
	// 248 is the largest multiple of 62 below 256; higher bytes are rejected
	const limit = 256 - 256%len(codeAlphabet)

	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := io.ReadFull(e.random, buf); err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}
