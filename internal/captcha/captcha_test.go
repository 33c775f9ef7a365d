package captcha_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/web-tech-tw/freya-go/internal/captcha"
	"github.com/web-tech-tw/freya-go/internal/config"
	"github.com/web-tech-tw/freya-go/internal/httpclient"
)

func newClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.SSRFMode = "off"
	return httpclient.New(&cfg, "freya-test")
}

func siteverify(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("secret") != "s3cret" {
			t.Errorf("secret = %q", r.PostForm.Get("secret"))
		}
		if r.PostForm.Get("response") == "" {
			t.Error("missing response field")
		}
		if r.PostForm.Get("remoteip") != "203.0.113.7" {
			t.Errorf("remoteip = %q", r.PostForm.Get("remoteip"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTurnstile_Success(t *testing.T) {
	srv := siteverify(t, `{"success":true,"hostname":"freya.example.org","error-codes":[]}`)
	v := captcha.NewTurnstile(newClient(), "s3cret", srv.URL)

	res, err := v.Verify(context.Background(), "token", "203.0.113.7")
	if !captcha.Passed(res, err) {
		t.Fatalf("Verify = %+v, %v", res, err)
	}
	if res.Hostname != "freya.example.org" {
		t.Errorf("Hostname = %q", res.Hostname)
	}
}

func TestTurnstile_Rejected(t *testing.T) {
	srv := siteverify(t, `{"success":false,"error-codes":["invalid-input-response"]}`)
	v := captcha.NewTurnstile(newClient(), "s3cret", srv.URL)

	res, err := v.Verify(context.Background(), "token", "203.0.113.7")
	if captcha.Passed(res, err) {
		t.Fatal("rejected token passed")
	}
	if len(res.ErrorCodes) != 1 || res.ErrorCodes[0] != "invalid-input-response" {
		t.Errorf("ErrorCodes = %v", res.ErrorCodes)
	}
}

func TestTurnstile_FailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	v := captcha.NewTurnstile(newClient(), "s3cret", srv.URL)

	res, err := v.Verify(context.Background(), "token", "")
	if err == nil {
		t.Fatal("expected an error for a 502 siteverify response")
	}
	if captcha.Passed(res, err) {
		t.Error("unreachable siteverify must not pass")
	}

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	}))
	defer garbage.Close()
	v = captcha.NewTurnstile(newClient(), "s3cret", garbage.URL)
	if res, err := v.Verify(context.Background(), "token", ""); captcha.Passed(res, err) {
		t.Error("undecodable response must not pass")
	}
}

func TestTurnstile_MissingToken(t *testing.T) {
	v := captcha.NewTurnstile(newClient(), "s3cret", "http://127.0.0.1:1")
	if _, err := v.Verify(context.Background(), "", ""); !errors.Is(err, captcha.ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	v := captcha.NewFromConfig(config.CaptchaConfig{Bypass: true}, nil)
	if _, ok := v.(captcha.Bypass); !ok {
		t.Fatalf("expected Bypass, got %T", v)
	}
	if res, err := v.Verify(context.Background(), "", ""); !captcha.Passed(res, err) {
		t.Error("bypass verifier rejected a request")
	}

	v = captcha.NewFromConfig(config.CaptchaConfig{Secret: "s3cret"}, newClient())
	if _, ok := v.(*captcha.Turnstile); !ok {
		t.Errorf("expected *Turnstile, got %T", v)
	}
}
