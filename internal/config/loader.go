package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Mode represents the server operating mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeDev    Mode = "dev"
)

// Environment variables that override secrets from the config file.
const (
	EnvPairingSecret     = "FREYA_PAIRING_SECRET"
	EnvTurnstileSecret   = "FREYA_TURNSTILE_SECRET"
	EnvSMTPPassword      = "FREYA_SMTP_PASSWORD"
	EnvOpenChatUserAgent = "FREYA_OPENCHAT_USER_AGENT"
)

// minPairingSecretLen applies in strict mode only.
const minPairingSecretLen = 32

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return ModeStrict, nil
	case "dev":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of strict, dev", s)
	}
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but missing or invalid, loading fails.
	ConfigPath string

	// ModeFlag is the --mode flag value (overrides config file mode).
	ModeFlag string

	FlagOverrides FlagOverrides

	// Getenv reads environment overrides. Defaults to os.Getenv.
	Getenv func(string) string

	// Logger is used for warnings (undecoded keys, generated secrets).
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
// Nil or empty pointers leave the value untouched.
type FlagOverrides struct {
	ListenAddr    *string
	PublicOrigin  *string
	TLSMode       *string
	CacheDriver   *string
	StoreDriver   *string
	DataDir       *string
	MailDriver    *string
	LoggingLevel  *string
	AdminUsername *string
	AdminPassword *string
}

// Load loads configuration with the following precedence:
//  1. Determine effective mode: --mode flag > mode in config file > strict
//  2. Start from mode preset defaults
//  3. Overlay TOML config file values
//  4. Overlay environment secrets
//  5. Overlay CLI flags
//  6. Validate
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	var data string
	if opts.ConfigPath != "" {
		raw, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		data = string(raw)
	}

	// The mode must be known before the preset is chosen.
	var head struct {
		Mode string `toml:"mode"`
	}
	if _, err := toml.Decode(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
	}
	modeStr := head.Mode
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetForMode(mode)

	// Decoding into the preset only overwrites keys present in the file.
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
	}
	cfg.Mode = string(mode)

	overlayEnv(cfg, getenv)
	overlayFlags(cfg, opts.FlagOverrides)

	if mode == ModeDev {
		cfg.Captcha.Bypass = true
		if cfg.Pairing.Secret == "" {
			secret, err := randomSecret()
			if err != nil {
				return nil, err
			}
			cfg.Pairing.Secret = secret
			logger.Warn("pairing secret not configured, generated an ephemeral one (dev mode)")
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func presetForMode(mode Mode) *Config {
	if mode == ModeDev {
		return DevConfig()
	}
	return StrictConfig()
}

// StrictConfig returns production-safe defaults.
func StrictConfig() *Config {
	return &Config{
		Mode:         string(ModeStrict),
		PublicOrigin: "https://localhost:8443",
		ListenAddr:   ":8443",
		Server: ServerConfig{
			TrustedProxies:  []string{"127.0.0.0/8", "::1/128"},
			SessionTTLHours: 24 * 7,
			Registration: RegistrationConfig{
				Enabled:              true,
				VerificationTTLHours: 24,
			},
			BootstrapAdmin: BootstrapAdminConfig{
				Username: "admin",
			},
		},
		TLS: TLSConfig{
			Mode:          "selfsigned",
			HTTPPort:      8080,
			HTTPSPort:     8443,
			SelfSignedDir: ".freya/certs",
			ACME: ACMEConfig{
				Directory:  "https://acme-v02.api.letsencrypt.org/directory",
				StorageDir: ".freya/acme",
			},
		},
		OutboundHTTP: OutboundHTTPConfig{
			SSRFMode:         "strict",
			TimeoutMS:        10000,
			ConnectTimeoutMS: 2000,
			MaxRedirects:     1,
			MaxResponseBytes: 2 << 20,
		},
		Cache: CacheConfig{Driver: "memory"},
		Store: StoreConfig{Driver: "sqlite", DataDir: ".freya/data"},
		OpenChat: OpenChatConfig{
			UserAgent:      "FreyaBot/1.0 (+https://web-tech.tw)",
			PageTTLSeconds: 24 * 60 * 60,
		},
		Invitations: InvitationsConfig{TTLHours: 24},
		Captcha: CaptchaConfig{
			VerifyURL: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
		},
		Mail: MailConfig{
			Driver: "smtp",
			From:   "freya@localhost",
			SMTP: SMTPConfig{
				Port:      587,
				TLSPolicy: "mandatory",
			},
		},
		RateLimit: RateLimitConfig{
			PairingRequests:      10,
			PairingWindowSeconds: 60,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DevConfig returns development mode defaults.
func DevConfig() *Config {
	cfg := StrictConfig()
	cfg.Mode = string(ModeDev)
	cfg.PublicOrigin = "http://localhost:8080"
	cfg.ListenAddr = ":8080"
	cfg.TLS.Mode = "off"
	cfg.TLS.ACME.Directory = "https://acme-staging-v02.api.letsencrypt.org/directory"
	cfg.TLS.ACME.UseStaging = true
	cfg.OutboundHTTP.SSRFMode = "off"
	cfg.OutboundHTTP.MaxRedirects = 3
	cfg.Captcha.Bypass = true
	cfg.Mail.Driver = "log"
	cfg.Mail.SMTP.TLSPolicy = "opportunistic"
	cfg.Logging.Level = "debug"
	return cfg
}

func overlayEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvPairingSecret); v != "" {
		cfg.Pairing.Secret = v
	}
	if v := getenv(EnvTurnstileSecret); v != "" {
		cfg.Captcha.Secret = v
	}
	if v := getenv(EnvSMTPPassword); v != "" {
		cfg.Mail.SMTP.Password = v
	}
	if v := getenv(EnvOpenChatUserAgent); v != "" {
		cfg.OpenChat.UserAgent = v
	}
}

func overlayFlags(cfg *Config, f FlagOverrides) {
	set := func(dst *string, src *string) {
		if src != nil && *src != "" {
			*dst = *src
		}
	}
	set(&cfg.ListenAddr, f.ListenAddr)
	set(&cfg.PublicOrigin, f.PublicOrigin)
	set(&cfg.TLS.Mode, f.TLSMode)
	set(&cfg.Cache.Driver, f.CacheDriver)
	set(&cfg.Store.Driver, f.StoreDriver)
	set(&cfg.Store.DataDir, f.DataDir)
	set(&cfg.Mail.Driver, f.MailDriver)
	set(&cfg.Logging.Level, f.LoggingLevel)
	set(&cfg.Server.BootstrapAdmin.Username, f.AdminUsername)
	set(&cfg.Server.BootstrapAdmin.Password, f.AdminPassword)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate pairing secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: must be one of %s", field, value, strings.Join(allowed, ", "))
}

func validate(cfg *Config) error {
	checks := []error{
		oneOf("tls.mode", cfg.TLS.Mode, "off", "static", "selfsigned", "acme"),
		oneOf("outbound_http.ssrf_mode", cfg.OutboundHTTP.SSRFMode, "strict", "off"),
		oneOf("cache.driver", cfg.Cache.Driver, "memory", "redis"),
		oneOf("store.driver", cfg.Store.Driver, "sqlite", "json"),
		oneOf("mail.driver", cfg.Mail.Driver, "log", "smtp"),
		oneOf("mail.smtp.tls_policy", cfg.Mail.SMTP.TLSPolicy, "mandatory", "opportunistic", "none"),
		oneOf("logging.level", cfg.Logging.Level, "trace", "debug", "info", "warn", "error"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	if cfg.Pairing.Secret == "" {
		return fmt.Errorf("pairing.secret is required (or set %s)", EnvPairingSecret)
	}
	if cfg.Mode == string(ModeStrict) && len(cfg.Pairing.Secret) < minPairingSecretLen {
		return fmt.Errorf("pairing.secret must be at least %d characters in strict mode", minPairingSecretLen)
	}
	if strings.TrimSpace(cfg.OpenChat.UserAgent) == "" {
		return fmt.Errorf("openchat.user_agent must not be empty")
	}
	if cfg.Invitations.TTLHours <= 0 {
		return fmt.Errorf("invitations.ttl_hours must be positive")
	}
	if cfg.Server.Registration.VerificationTTLHours <= 0 {
		return fmt.Errorf("server.registration.verification_ttl_hours must be positive")
	}
	if cfg.RateLimit.PairingRequests <= 0 || cfg.RateLimit.PairingWindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.pairing_requests and ratelimit.pairing_window_seconds must be positive")
	}
	if !cfg.Captcha.Bypass && cfg.Captcha.Secret == "" {
		return fmt.Errorf("captcha.secret is required unless captcha.bypass is set (or set %s)", EnvTurnstileSecret)
	}
	if cfg.Mail.Driver == "smtp" && cfg.Mail.SMTP.Host == "" {
		return fmt.Errorf("mail.smtp.host is required when mail.driver is smtp")
	}
	if cfg.TLS.Mode == "static" && (cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required when tls.mode is static")
	}
	return validatePublicOrigin(cfg.PublicOrigin)
}

// validatePublicOrigin requires an absolute http(s) URL without userinfo,
// query, fragment or path.
func validatePublicOrigin(origin string) error {
	if origin == "" {
		return fmt.Errorf("public_origin must not be empty")
	}
	if origin != strings.TrimSpace(origin) {
		return fmt.Errorf("invalid public_origin %q: must not contain leading or trailing whitespace", origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid public_origin %q: %w", origin, err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("invalid public_origin %q: scheme must be http or https", origin)
	case u.Host == "":
		return fmt.Errorf("invalid public_origin %q: must include a host", origin)
	case u.User != nil:
		return fmt.Errorf("invalid public_origin %q: must not include userinfo", origin)
	case u.RawQuery != "" || u.Fragment != "":
		return fmt.Errorf("invalid public_origin %q: must not include a query or fragment", origin)
	case u.Path != "" && u.Path != "/":
		return fmt.Errorf("invalid public_origin %q: must not include a path", origin)
	}
	return nil
}
