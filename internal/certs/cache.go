// Package certs terminates TLS for the user plane: an in-memory SNI
// certificate cache backed by the custom-domain store, ACME issuance via
// Let's Encrypt, and a self-signed fallback for the apex wildcard until a
// real certificate exists.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Cache resolves SNI server names to certificates. Lookup order: exact
// host, then the wildcard covering the host's parent domain, then the
// fallback.
type Cache struct {
	mu       sync.RWMutex
	certs    map[string]*tls.Certificate
	fallback *tls.Certificate
}

// NewCache creates a cache. fallback may be nil, in which case unmatched
// names fail the handshake.
func NewCache(fallback *tls.Certificate) *Cache {
	return &Cache{
		certs:    make(map[string]*tls.Certificate),
		fallback: fallback,
	}
}

// Put stores a certificate under a host name. Wildcard entries use the
// literal "*.example.com" form.
func (c *Cache) Put(host string, cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certs[strings.ToLower(host)] = cert
}

// Remove drops a cached certificate.
func (c *Cache) Remove(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.certs, strings.ToLower(host))
}

// GetCertificate implements tls.Config.GetCertificate.
func (c *Cache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))

	c.mu.RLock()
	defer c.mu.RUnlock()
	if cert, ok := c.certs[name]; ok {
		return cert, nil
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		if cert, ok := c.certs["*"+name[i:]]; ok {
			return cert, nil
		}
	}
	if c.fallback != nil {
		return c.fallback, nil
	}
	return nil, fmt.Errorf("no certificate for %q", name)
}

// ParsePEM builds a tls.Certificate from PEM chain and key, returning the
// leaf's expiry.
func ParsePEM(chain, key string) (*tls.Certificate, time.Time, error) {
	cert, err := tls.X509KeyPair([]byte(chain), []byte(key))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse keypair: %w", err)
	}
	block, _ := pem.Decode([]byte(chain))
	if block == nil {
		return nil, time.Time{}, errors.New("no PEM block in certificate chain")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse leaf: %w", err)
	}
	cert.Leaf = leaf
	return &cert, leaf.NotAfter, nil
}
