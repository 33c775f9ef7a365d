// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/web-tech-tw/freya-go/internal/logutil"
)

// Config holds the server configuration.
type Config struct {
	// Mode is the operating mode: strict or dev.
	Mode string `toml:"mode"`

	// PublicOrigin is the public origin (scheme + host + port) of this instance.
	// Example: "https://freya.example.org"
	PublicOrigin string `toml:"public_origin"`

	// ListenAddr is the address to listen on. Example: ":8080"
	ListenAddr string `toml:"listen_addr"`

	Server       ServerConfig       `toml:"server"`
	TLS          TLSConfig          `toml:"tls"`
	OutboundHTTP OutboundHTTPConfig `toml:"outbound_http"`
	Cache        CacheConfig        `toml:"cache"`
	Store        StoreConfig        `toml:"store"`
	OpenChat     OpenChatConfig     `toml:"openchat"`
	Pairing      PairingConfig      `toml:"pairing"`
	Invitations  InvitationsConfig  `toml:"invitations"`
	Captcha      CaptchaConfig      `toml:"captcha"`
	Mail         MailConfig         `toml:"mail"`
	RateLimit    RateLimitConfig    `toml:"ratelimit"`
	Logging      LoggingConfig      `toml:"logging"`
}

// ServerConfig holds server-level settings.
type ServerConfig struct {
	// TrustedProxies is a list of CIDR ranges for trusted reverse proxies.
	// X-Forwarded-For is only honored from these addresses.
	TrustedProxies []string `toml:"trusted_proxies"`

	// SessionTTLHours is the lifetime of a login session.
	SessionTTLHours int `toml:"session_ttl_hours"`

	BootstrapAdmin BootstrapAdminConfig `toml:"bootstrap_admin"`

	Registration RegistrationConfig `toml:"registration"`
}

// RegistrationConfig controls self-service accounts.
type RegistrationConfig struct {
	// Enabled opens POST /auth/register.
	Enabled bool `toml:"enabled"`

	// VerificationTTLHours is the lifetime of an email verification link.
	VerificationTTLHours int `toml:"verification_ttl_hours"`

	// VerificationURLBase is prefixed to the token in the mailed link.
	// Defaults to <public_origin>/verify-email?token=.
	VerificationURLBase string `toml:"verification_url_base"`
}

// BootstrapAdminConfig holds the credentials of the user created on first boot.
type BootstrapAdminConfig struct {
	Username string `toml:"username"`
	Email    string `toml:"email"`
	// Password for the admin. If empty on first boot, a random password is generated and logged once.
	Password string `toml:"password"`
}

// TLSConfig holds TLS-related settings.
type TLSConfig struct {
	// Mode is one of: off, static, selfsigned, acme
	Mode string `toml:"mode"`

	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	// HTTPPort serves ACME HTTP-01 challenges and redirects in acme mode.
	HTTPPort  int `toml:"http_port"`
	HTTPSPort int `toml:"https_port"`

	SelfSignedDir string `toml:"self_signed_dir"`

	ACME ACMEConfig `toml:"acme"`
}

// ACMEConfig holds ACME/Let's Encrypt settings.
type ACMEConfig struct {
	Email      string `toml:"email"`
	Domain     string `toml:"domain"`
	Directory  string `toml:"directory"`
	StorageDir string `toml:"storage_dir"`
	UseStaging bool   `toml:"use_staging"`
}

// OutboundHTTPConfig holds settings for outbound HTTP requests
// (ticket page fetches and captcha verification).
type OutboundHTTPConfig struct {
	// SSRFMode is one of: strict, off
	SSRFMode string `toml:"ssrf_mode"`

	TimeoutMS        int   `toml:"timeout_ms"`
	ConnectTimeoutMS int   `toml:"connect_timeout_ms"`
	MaxRedirects     int   `toml:"max_redirects"`
	MaxResponseBytes int64 `toml:"max_response_bytes"`

	// InsecureSkipVerify disables TLS verification (dev-only)
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Driver is the cache driver name: memory or redis.
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration, decoded by the driver itself.
	// Example: [cache.drivers.redis] addr = "localhost:6379"
	Drivers map[string]map[string]any `toml:"drivers"`
}

// StoreConfig selects the room/submission persistence driver.
type StoreConfig struct {
	// Driver is one of: sqlite, json
	Driver  string `toml:"driver"`
	DataDir string `toml:"data_dir"`
}

// OpenChatConfig holds ticket page fetch settings.
type OpenChatConfig struct {
	// UserAgent is sent with every ticket page fetch.
	UserAgent string `toml:"user_agent"`

	// PageTTLSeconds bounds how long a fetched page stays in the cache.
	// Callers force a refresh whenever they need live content.
	PageTTLSeconds int `toml:"page_ttl_seconds"`
}

// PairingConfig holds the room pairing handshake settings.
type PairingConfig struct {
	// Secret is the HMAC key for pairing hashes. Never logged.
	Secret string `toml:"secret"`
}

// InvitationsConfig holds administrator invitation settings.
type InvitationsConfig struct {
	TTLHours int `toml:"ttl_hours"`

	// URLBase is prefixed to the invitation id to build the link sent by mail.
	// Defaults to <public_origin>/invitations/.
	URLBase string `toml:"url_base"`
}

// CaptchaConfig holds Cloudflare Turnstile settings.
type CaptchaConfig struct {
	Secret    string `toml:"secret"`
	VerifyURL string `toml:"verify_url"`

	// Bypass accepts every token. Forced on in dev mode.
	Bypass bool `toml:"bypass"`
}

// MailConfig holds outbound mail settings.
type MailConfig struct {
	// Driver is one of: log, smtp
	Driver string `toml:"driver"`
	From   string `toml:"from"`

	SMTP SMTPConfig `toml:"smtp"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// TLSPolicy is one of: mandatory, opportunistic, none
	TLSPolicy string `toml:"tls_policy"`
}

// RateLimitConfig bounds pairing completion attempts per user.
type RateLimitConfig struct {
	PairingRequests      int64 `toml:"pairing_requests"`
	PairingWindowSeconds int   `toml:"pairing_window_seconds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `toml:"level"`
}

// IsDev reports whether the config runs in dev mode.
func (c *Config) IsDev() bool {
	return c.Mode == string(ModeDev)
}

// InvitationURL returns the public link for an invitation id.
func (c *Config) InvitationURL(id string) string {
	base := c.Invitations.URLBase
	if base == "" {
		base = strings.TrimSuffix(c.PublicOrigin, "/") + "/invitations/"
	}
	return base + id
}

// VerificationURL returns the public link that confirms an email.
func (c *Config) VerificationURL(token string) string {
	base := c.Server.Registration.VerificationURLBase
	if base == "" {
		base = strings.TrimSuffix(c.PublicOrigin, "/") + "/verify-email?token="
	}
	return base + url.QueryEscape(token)
}

// Redacted returns a copy of the config with every secret replaced, safe for logging.
func (c *Config) Redacted() Config {
	r := *c
	r.Server.BootstrapAdmin.Password = logutil.Redact(c.Server.BootstrapAdmin.Password)
	r.Pairing.Secret = logutil.Redact(c.Pairing.Secret)
	r.Captcha.Secret = logutil.Redact(c.Captcha.Secret)
	r.Mail.SMTP.Password = logutil.Redact(c.Mail.SMTP.Password)

	// driver maps may carry passwords too
	if c.Cache.Drivers != nil {
		r.Cache.Drivers = make(map[string]map[string]any, len(c.Cache.Drivers))
		for name, m := range c.Cache.Drivers {
			cp := make(map[string]any, len(m))
			for k, v := range m {
				if strings.Contains(strings.ToLower(k), "password") {
					v = logutil.Redact(fmt.Sprint(v))
				}
				cp[k] = v
			}
			r.Cache.Drivers[name] = cp
		}
	}
	return r
}
