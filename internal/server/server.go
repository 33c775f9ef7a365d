// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/web-tech-tw/freya-go/internal/api"
	"github.com/web-tech-tw/freya-go/internal/config"
	"github.com/web-tech-tw/freya-go/internal/identity"
	"github.com/web-tech-tw/freya-go/internal/logutil"
	"github.com/web-tech-tw/freya-go/internal/metrics"
	"github.com/web-tech-tw/freya-go/internal/ratelimit"
	"github.com/web-tech-tw/freya-go/internal/rooms"
	"github.com/web-tech-tw/freya-go/internal/submissions"
	tlspkg "github.com/web-tech-tw/freya-go/internal/tls"
)

var ErrMissingDep = errors.New("missing required dependency")

// Deps holds the handlers and repositories the router mounts.
type Deps struct {
	Auth        *api.AuthHandler
	Rooms       *rooms.Handler
	Submissions *submissions.Handler

	SessionRepo identity.SessionRepo
	PartyRepo   identity.PartyRepo

	// Limiter guards pairing completion.
	Limiter *ratelimit.Limiter

	// Optional; nil disables /metrics and latency recording.
	Metrics *metrics.Metrics
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg            *config.Config
	httpServer     *http.Server
	logger         *slog.Logger
	deps           *Deps
	trustedProxies *TrustedProxies
	handler        http.Handler

	// challengeServer answers ACME HTTP-01 and redirects to HTTPS. Nil
	// except in acme mode.
	challengeServer *http.Server
}

// New validates deps and builds the router.
func New(cfg *config.Config, logger *slog.Logger, deps *Deps) (*Server, error) {
	if err := validateDeps(deps); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:            cfg,
		logger:         logutil.NoopIfNil(logger),
		deps:           deps,
		trustedProxies: NewTrustedProxies(cfg.Server.TrustedProxies),
	}
	s.handler = s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the application router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"public_origin", s.cfg.PublicOrigin,
		"tls_mode", s.cfg.TLS.Mode,
	)

	switch s.cfg.TLS.Mode {
	case "off":
		return s.httpServer.ListenAndServe()

	case "acme":
		return s.startACME()

	case "static", "selfsigned":
		tlsConfig, err := tlspkg.NewManager(&s.cfg.TLS, s.logger).Config(hostname(s.cfg.PublicOrigin))
		if err != nil {
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		s.httpServer.TLSConfig = tlsConfig
		return s.httpServer.ListenAndServeTLS("", "")

	default:
		return fmt.Errorf("%w: %s", tlspkg.ErrInvalidTLSMode, s.cfg.TLS.Mode)
	}
}

// startACME runs an HTTP listener for challenges and redirects next to the
// HTTPS listener serving the application.
func (s *Server) startACME() error {
	host, _, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil {
		host = s.cfg.ListenAddr
	}
	if s.cfg.TLS.HTTPPort == 0 || s.cfg.TLS.HTTPSPort == 0 {
		return errors.New("tls.http_port and tls.https_port must be set for acme mode")
	}

	acme := tlspkg.NewACMEManager(&s.cfg.TLS.ACME, s.logger)

	mux := http.NewServeMux()
	mux.Handle("/.well-known/acme-challenge/", acme.ChallengeHandler())
	mux.Handle("/", httpsRedirect(s.cfg.TLS.HTTPSPort))

	httpAddr := net.JoinHostPort(host, strconv.Itoa(s.cfg.TLS.HTTPPort))
	s.challengeServer = &http.Server{
		Addr:         httpAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	challengeLn, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("challenge listener bind failed on %s: %w", httpAddr, err)
	}
	challengeErr := make(chan error, 1)
	go func() { challengeErr <- s.challengeServer.Serve(challengeLn) }()

	if err := acme.Init(context.Background()); err != nil {
		_ = s.challengeServer.Close()
		return fmt.Errorf("ACME initialization failed: %w", err)
	}

	s.httpServer.Addr = net.JoinHostPort(host, strconv.Itoa(s.cfg.TLS.HTTPSPort))
	s.httpServer.TLSConfig = acme.TLSConfig()
	httpsErr := make(chan error, 1)
	go func() { httpsErr <- s.httpServer.ListenAndServeTLS("", "") }()

	s.logger.Info("serving with ACME certificate",
		"http_addr", httpAddr,
		"https_addr", s.httpServer.Addr,
		"domain", s.cfg.TLS.ACME.Domain,
	)

	select {
	case err := <-httpsErr:
		_ = s.challengeServer.Close()
		return err
	case err := <-challengeErr:
		if errors.Is(err, http.ErrServerClosed) {
			return <-httpsErr
		}
		_ = s.httpServer.Close()
		return fmt.Errorf("challenge server exited: %w", err)
	}
}

// httpsRedirect answers 308 with the HTTPS form of the request URL.
func httpsRedirect(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			host = "[" + host + "]"
		}
		if httpsPort != 443 {
			host = host + ":" + strconv.Itoa(httpsPort)
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusPermanentRedirect)
	})
}

// Shutdown stops both listeners, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	var challengeErr error
	if s.challengeServer != nil {
		challengeErr = s.challengeServer.Shutdown(ctx)
	}
	return errors.Join(challengeErr, s.httpServer.Shutdown(ctx))
}

func hostname(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return "localhost"
	}
	return u.Hostname()
}

func validateDeps(deps *Deps) error {
	if deps == nil {
		return errors.New("deps is nil")
	}
	required := []struct {
		name    string
		missing bool
	}{
		{"Auth", deps.Auth == nil},
		{"Rooms", deps.Rooms == nil},
		{"Submissions", deps.Submissions == nil},
		{"SessionRepo", deps.SessionRepo == nil},
		{"PartyRepo", deps.PartyRepo == nil},
		{"Limiter", deps.Limiter == nil},
	}
	for _, r := range required {
		if r.missing {
			return fmt.Errorf("%w: %s", ErrMissingDep, r.name)
		}
	}
	return nil
}
