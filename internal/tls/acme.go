package tls

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/web-tech-tw/freya-go/internal/config"
	"github.com/web-tech-tw/freya-go/internal/logutil"
)

const (
	legoStagingURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	legoProductionURL = "https://acme-v02.api.letsencrypt.org/directory"

	challengePrefix = "/.well-known/acme-challenge/"
)

// ACMEUser implements lego's registration.User.
type ACMEUser struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (u *ACMEUser) GetEmail() string                        { return u.Email }
func (u *ACMEUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *ACMEUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// HTTP01Provider keeps pending HTTP-01 tokens in memory. The server owns the
// challenge listener; lego never binds a port of its own.
type HTTP01Provider struct {
	tokens sync.Map
}

func (p *HTTP01Provider) Present(_, token, keyAuth string) error {
	p.tokens.Store(token, keyAuth)
	return nil
}

func (p *HTTP01Provider) CleanUp(_, token, _ string) error {
	p.tokens.Delete(token)
	return nil
}

// ACMEManager obtains and serves a Let's Encrypt certificate via lego.
type ACMEManager struct {
	cfg      *config.ACMEConfig
	logger   *slog.Logger
	provider *HTTP01Provider

	mu   sync.RWMutex
	cert *cryptotls.Certificate
}

func NewACMEManager(cfg *config.ACMEConfig, logger *slog.Logger) *ACMEManager {
	return &ACMEManager{
		cfg:      cfg,
		logger:   logutil.NoopIfNil(logger),
		provider: &HTTP01Provider{},
	}
}

// Init loads a stored certificate, or registers an account and obtains one.
// The challenge handler must already be reachable when Init contacts the CA.
func (m *ACMEManager) Init(ctx context.Context) error {
	if m.cfg.Domain == "" {
		return errors.New("ACME domain is required")
	}
	if m.cfg.Email == "" {
		return errors.New("ACME email is required")
	}
	if err := os.MkdirAll(m.cfg.StorageDir, 0700); err != nil {
		return fmt.Errorf("failed to create ACME storage dir: %w", err)
	}

	if cert, err := m.loadCertificate(); err == nil {
		m.setCertificate(cert)
		m.logger.Info("loaded existing ACME certificate", "domain", m.cfg.Domain)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.logger.Info("no existing certificate, contacting ACME server", "domain", m.cfg.Domain)
	user, err := m.loadOrCreateUser()
	if err != nil {
		return fmt.Errorf("failed to load ACME user: %w", err)
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = m.directory()
	legoCfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return fmt.Errorf("failed to create ACME client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(m.provider); err != nil {
		return fmt.Errorf("failed to set HTTP-01 provider: %w", err)
	}

	if user.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return fmt.Errorf("failed to register ACME account: %w", err)
		}
		user.Registration = reg
		if err := m.saveUser(user); err != nil {
			m.logger.Warn("failed to save ACME user", "error", err)
		}
	}

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{m.cfg.Domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}
	return m.storeCertificate(res.Certificate, res.PrivateKey)
}

func (m *ACMEManager) directory() string {
	switch {
	case m.cfg.Directory != "":
		return m.cfg.Directory
	case m.cfg.UseStaging:
		return legoStagingURL
	default:
		return legoProductionURL
	}
}

// GetCertificate is the tls.Config hook serving the current certificate.
func (m *ACMEManager) GetCertificate(*cryptotls.ClientHelloInfo) (*cryptotls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return nil, errors.New("no certificate available")
	}
	return m.cert, nil
}

func (m *ACMEManager) TLSConfig() *cryptotls.Config {
	return &cryptotls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     cryptotls.VersionTLS12,
	}
}

// ChallengeHandler answers /.well-known/acme-challenge/{token}.
func (m *ACMEManager) ChallengeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, challengePrefix)
		if token == "" || token == r.URL.Path {
			http.NotFound(w, r)
			return
		}
		keyAuth, ok := m.provider.tokens.Load(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, keyAuth.(string))
	})
}

func (m *ACMEManager) setCertificate(cert *cryptotls.Certificate) {
	m.mu.Lock()
	m.cert = cert
	m.mu.Unlock()
}

func (m *ACMEManager) path(name string) string {
	return filepath.Join(m.cfg.StorageDir, name)
}

func (m *ACMEManager) loadOrCreateUser() (*ACMEUser, error) {
	if data, err := os.ReadFile(m.path("account.json")); err == nil {
		if keyPEM, err := os.ReadFile(m.path("account.key")); err == nil {
			user := &ACMEUser{}
			if json.Unmarshal(data, user) == nil {
				if key, err := certcrypto.ParsePEMPrivateKey(keyPEM); err == nil {
					user.key = key
					return user, nil
				}
			}
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	return &ACMEUser{Email: m.cfg.Email, key: key}, nil
}

func (m *ACMEManager) saveUser(user *ACMEUser) error {
	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path("account.json"), data, 0600); err != nil {
		return err
	}
	return os.WriteFile(m.path("account.key"), certcrypto.PEMEncode(user.key), 0600)
}

func (m *ACMEManager) loadCertificate() (*cryptotls.Certificate, error) {
	cert, err := cryptotls.LoadX509KeyPair(m.path("cert.pem"), m.path("key.pem"))
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (m *ACMEManager) storeCertificate(certPEM, keyPEM []byte) error {
	cert, err := cryptotls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	if err := os.WriteFile(m.path("cert.pem"), certPEM, 0644); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	if err := os.WriteFile(m.path("key.pem"), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	m.setCertificate(&cert)
	m.logger.Info("obtained and saved ACME certificate", "domain", m.cfg.Domain)
	return nil
}
