package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/robfig/cron/v3"

	"github.com/slipway-dev/slipway/internal/clock"
	"github.com/slipway-dev/slipway/internal/logging"
	"github.com/slipway-dev/slipway/internal/metrics"
	"github.com/slipway-dev/slipway/internal/store"
)

// renewalThreshold is how far before expiry a certificate is renewed.
const renewalThreshold = 30 * 24 * time.Hour

// acmeUser satisfies lego's registration.User.
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// HTTP01Provider stores pending HTTP-01 challenges for the user listener
// to serve at /.well-known/acme-challenge/.
type HTTP01Provider struct {
	mu         sync.RWMutex
	challenges map[string]map[string]string // domain -> token -> keyAuth
}

func NewHTTP01Provider() *HTTP01Provider {
	return &HTTP01Provider{challenges: make(map[string]map[string]string)}
}

func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.challenges[domain] == nil {
		p.challenges[domain] = make(map[string]string)
	}
	p.challenges[domain][token] = keyAuth
	return nil
}

func (p *HTTP01Provider) CleanUp(domain, token, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tokens, ok := p.challenges[domain]; ok {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(p.challenges, domain)
		}
	}
	return nil
}

// KeyAuth returns the key authorization for a pending challenge.
func (p *HTTP01Provider) KeyAuth(domain, token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keyAuth, ok := p.challenges[domain][token]
	return keyAuth, ok
}

// Manager issues and renews certificates for custom domains and keeps the
// SNI cache in sync with the store.
type Manager struct {
	email     string
	directory string
	store     *store.Store
	cache     *Cache
	provider  *HTTP01Provider
	clock     clock.Clock
	log       *logging.Logger

	mu     sync.Mutex
	client *lego.Client
}

func NewManager(email, directory string, st *store.Store, cache *Cache, clk clock.Clock, log *logging.Logger) *Manager {
	return &Manager{
		email:     email,
		directory: directory,
		store:     st,
		cache:     cache,
		provider:  NewHTTP01Provider(),
		clock:     clk,
		log:       log.Named("certs"),
	}
}

// Provider exposes the challenge provider so the user listener can serve
// pending challenges.
func (m *Manager) Provider() *HTTP01Provider { return m.provider }

// WarmCache loads stored certificates into the SNI cache at startup.
func (m *Manager) WarmCache(ctx context.Context) error {
	domains, err := m.store.ListCustomDomains(ctx)
	if err != nil {
		return err
	}
	loaded := 0
	for _, d := range domains {
		if d.CertChain == "" {
			continue
		}
		cert, _, err := ParsePEM(d.CertChain, d.CertKey)
		if err != nil {
			m.log.Warn("skipping stored certificate", "fqdn", d.FQDN, "error", err)
			continue
		}
		m.cache.Put(d.FQDN, cert)
		loaded++
	}
	m.log.Info("certificate cache warmed", "loaded", loaded, "domains", len(domains))
	return nil
}

// ensureClient lazily registers the ACME account. Registration needs the
// directory reachable, so it is deferred until the first issuance.
func (m *Manager) ensureClient() (*lego.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	user := &acmeUser{email: m.email, key: key}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = m.directory
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(m.provider); err != nil {
		return nil, fmt.Errorf("set challenge provider: %w", err)
	}
	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register acme account: %w", err)
	}
	user.registration = reg
	m.log.Info("acme account registered", "email", m.email, "directory", m.directory)

	m.client = client
	return client, nil
}

// Issue obtains a certificate for fqdn, persists it, and loads it into the
// cache. The domain must already resolve to this gateway for the HTTP-01
// challenge to pass.
func (m *Manager) Issue(ctx context.Context, fqdn string) error {
	if _, err := m.store.GetCustomDomain(ctx, fqdn); err != nil {
		return err
	}
	client, err := m.ensureClient()
	if err != nil {
		metrics.CertIssuance.WithLabelValues("error").Inc()
		return err
	}

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{fqdn},
		Bundle:  true,
	})
	if err != nil {
		metrics.CertIssuance.WithLabelValues("error").Inc()
		return fmt.Errorf("obtain certificate for %s: %w", fqdn, err)
	}

	cert, notAfter, err := ParsePEM(string(res.Certificate), string(res.PrivateKey))
	if err != nil {
		metrics.CertIssuance.WithLabelValues("error").Inc()
		return fmt.Errorf("parse obtained certificate: %w", err)
	}
	err = m.store.UpdateCustomDomainCert(ctx, fqdn, string(res.Certificate), string(res.PrivateKey), notAfter)
	if err != nil {
		metrics.CertIssuance.WithLabelValues("error").Inc()
		return err
	}
	m.cache.Put(fqdn, cert)
	metrics.CertIssuance.WithLabelValues("ok").Inc()
	m.log.Info("certificate issued", "fqdn", fqdn, "not_after", notAfter)
	return nil
}

// RenewExpiring issues fresh certificates for every domain expiring within
// the renewal threshold, including domains never issued.
func (m *Manager) RenewExpiring(ctx context.Context) {
	deadline := m.clock.Now().Add(renewalThreshold)
	expiring, err := m.store.ListExpiringDomains(ctx, deadline)
	if err != nil {
		m.log.Error("renewal sweep: list domains", "error", err)
		return
	}
	for _, d := range expiring {
		if err := m.Issue(ctx, d.FQDN); err != nil {
			m.log.Error("renewal failed", "fqdn", d.FQDN, "error", err)
		}
	}
}

// StartRenewalJob checks daily for expiring certificates. The returned
// cron must be stopped by the caller at shutdown.
func (m *Manager) StartRenewalJob() *cron.Cron {
	c := cron.New()
	c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		m.RenewExpiring(ctx)
	})
	c.Start()
	return c
}
