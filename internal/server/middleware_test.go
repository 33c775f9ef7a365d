package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/web-tech-tw/freya-go/internal/appctx"
	"github.com/web-tech-tw/freya-go/internal/metrics"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("bad log line %q: %v", raw, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestRealIPMiddleware_RewritesRemoteAddr(t *testing.T) {
	var seen string
	h := RealIPMiddleware(NewTrustedProxies([]string{"127.0.0.0/8"}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if seen != "198.51.100.7:5000" {
		t.Errorf("RemoteAddr = %q", seen)
	}
}

func TestRequestAndAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	m := metrics.New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RealIPMiddleware(NewTrustedProxies(nil)))
	r.Use(RequestLoggerMiddleware(logger))
	r.Use(AccessLogMiddleware(m))
	r.Use(chimw.Recoverer)
	r.Get("/rooms/{code}", func(w http.ResponseWriter, r *http.Request) {
		appctx.GetLogger(r.Context()).Info("handler")
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := httptest.NewRequest("GET", "/rooms/abc?secret=1", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := logLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected handler and access lines, got %d", len(lines))
	}
	for _, l := range lines {
		if l["request_id"] == "" || l["request_id"] == nil {
			t.Error("missing request_id")
		}
		if l["client_ip"] != "203.0.113.5" {
			t.Errorf("client_ip = %v", l["client_ip"])
		}
		if l["path"] != "/rooms/abc" {
			t.Errorf("path = %v", l["path"])
		}
	}
	if lines[1]["msg"] != "request" || lines[1]["status"] != float64(http.StatusTeapot) {
		t.Errorf("access line = %v", lines[1])
	}
	if got := testutil.CollectAndCount(m.HTTPDuration); got != 1 {
		t.Errorf("expected one latency series, got %d", got)
	}

	buf.Reset()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("panic status = %d", rec.Code)
	}
	var sawAccess bool
	for _, l := range logLines(t, &buf) {
		if l["msg"] == "request" && l["status"] == float64(http.StatusInternalServerError) {
			sawAccess = true
		}
	}
	if !sawAccess {
		t.Error("panicking request not logged as 500")
	}
}
