// Package main is the entrypoint for the freya server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/web-tech-tw/freya-go/internal/api"
	"github.com/web-tech-tw/freya-go/internal/cache"
	"github.com/web-tech-tw/freya-go/internal/captcha"
	"github.com/web-tech-tw/freya-go/internal/config"
	"github.com/web-tech-tw/freya-go/internal/httpclient"
	"github.com/web-tech-tw/freya-go/internal/identity"
	"github.com/web-tech-tw/freya-go/internal/invitations"
	"github.com/web-tech-tw/freya-go/internal/logutil"
	"github.com/web-tech-tw/freya-go/internal/mail"
	"github.com/web-tech-tw/freya-go/internal/metrics"
	"github.com/web-tech-tw/freya-go/internal/openchat"
	"github.com/web-tech-tw/freya-go/internal/pairing"
	"github.com/web-tech-tw/freya-go/internal/ratelimit"
	"github.com/web-tech-tw/freya-go/internal/rooms"
	"github.com/web-tech-tw/freya-go/internal/server"
	"github.com/web-tech-tw/freya-go/internal/store"
	"github.com/web-tech-tw/freya-go/internal/submissions"

	// Register cache drivers
	_ "github.com/web-tech-tw/freya-go/internal/cache/loader"
	// Register store drivers
	_ "github.com/web-tech-tw/freya-go/internal/store/json"
	_ "github.com/web-tech-tw/freya-go/internal/store/sqlite"
)

// bcryptCost is the password hashing work factor.
const bcryptCost = 12

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	modeFlag := flag.String("mode", "", "Operating mode: strict or dev (overrides config)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	publicOrigin := flag.String("public-origin", "", "Public origin (overrides config)")
	tlsMode := flag.String("tls-mode", "", "TLS mode: off, static, selfsigned, or acme (overrides config)")
	cacheDriver := flag.String("cache-driver", "", "Cache driver: memory or redis (overrides config)")
	storeDriver := flag.String("store-driver", "", "Store driver: sqlite or json (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory for the store (overrides config)")
	mailDriver := flag.String("mail-driver", "", "Mail driver: log or smtp (overrides config)")
	adminUsername := flag.String("admin-username", "", "Bootstrap admin username (overrides config)")
	adminPassword := flag.String("admin-password", "", "Bootstrap admin password (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	flag.Parse()

	// Bootstrap logger for config loading errors
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:    listenAddr,
			PublicOrigin:  publicOrigin,
			TLSMode:       tlsMode,
			CacheDriver:   cacheDriver,
			StoreDriver:   storeDriver,
			DataDir:       dataDir,
			MailDriver:    mailDriver,
			LoggingLevel:  loggingLevel,
			AdminUsername: adminUsername,
			AdminPassword: adminPassword,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logutil.ParseLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)
	logger.Info("effective configuration", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := cache.NewFromConfig(cfg.Cache.Driver, cfg.Cache.Drivers, logger)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer c.Close()

	st, err := store.New(&store.DriverConfig{Driver: cfg.Store.Driver, DataDir: cfg.Store.DataDir})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Identity
	users := identity.NewStoreRepo(st)
	sessions := identity.NewCacheSessionRepo(c)
	userAuth := identity.NewUserAuth(bcryptCost)
	bootstrap := identity.NewBootstrap(users, userAuth, logger)
	admin := cfg.Server.BootstrapAdmin
	if _, err := bootstrap.EnsureAdmin(ctx, identity.Registration{
		Username: admin.Username,
		Password: admin.Password,
		Email:    admin.Email,
		Role:     identity.RoleAdmin,
	}); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	// Ticket pages and pairing
	client := httpclient.New(&cfg.OutboundHTTP, cfg.OpenChat.UserAgent)
	fetcher := openchat.NewFetcher(client, c, time.Duration(cfg.OpenChat.PageTTLSeconds)*time.Second, m)
	engine, err := pairing.New(cfg.Pairing.Secret)
	if err != nil {
		return fmt.Errorf("create pairing engine: %w", err)
	}

	sender, err := mail.NewSenderFromConfig(cfg.Mail, logger)
	if err != nil {
		return fmt.Errorf("create mail sender: %w", err)
	}
	mailer := mail.NewMailer(sender, logger)
	verifier := identity.NewEmailVerifier(c, users, time.Duration(cfg.Server.Registration.VerificationTTLHours)*time.Hour)

	roomSvc := rooms.NewService(rooms.Deps{
		Rooms:         st,
		Submissions:   st,
		Users:         users,
		Pages:         openchat.NewParser(fetcher),
		Pairing:       engine,
		Invitations:   invitations.NewStore(c, invitations.WithTTL(time.Duration(cfg.Invitations.TTLHours)*time.Hour)),
		Mailer:        mailer,
		InvitationURL: cfg.InvitationURL,
		Metrics:       m,
		Logger:        logger,
	})
	submissionSvc := submissions.NewService(st, st, captcha.NewFromConfig(cfg.Captcha, client), m, logger)

	limiter := ratelimit.New(c, &ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.PairingRequests,
		Window:            time.Duration(cfg.RateLimit.PairingWindowSeconds) * time.Second,
		KeyPrefix:         "ratelimit:pairing:",
	}, logger)

	authHandler := api.NewAuthHandler(users, sessions, userAuth, bootstrap,
		time.Duration(cfg.Server.SessionTTLHours)*time.Hour,
		api.WithRegistration(cfg.Server.Registration.Enabled),
		api.WithEmailVerification(verifier, mailer, cfg.VerificationURL),
	)

	srv, err := server.New(cfg, logger, &server.Deps{
		Auth:        authHandler,
		Rooms:       rooms.NewHandler(roomSvc),
		Submissions: submissions.NewHandler(submissionSvc),
		SessionRepo: sessions,
		PartyRepo:   users,
		Limiter:     limiter,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("server started, press Ctrl+C to stop")
	return g.Wait()
}
