// Package acmetest provides certificates and a fake ACME client for tests.
package acmetest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/caasmo/restinpieces-letsencrypt"
)

// Issue creates a leaf certificate for domains signed by a throwaway CA. The
// chain holds the CA certificate. Keys are ECDSA P-256.
func Issue(domains []string, notBefore, notAfter time.Time) (*acme.IssuedCertificate, error) {
	if len(domains) == 0 {
		return nil, errors.New("acmetest: no domains")
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmetest CA"},
		NotBefore:             notBefore.Add(-time.Hour),
		NotAfter:              notAfter.Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     slices.Clone(domains),
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	return &acme.IssuedCertificate{
		CertPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		ChainPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		KeyPEM:    pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		IssuedAt:  notBefore.UTC().Truncate(time.Second),
		ExpiresAt: notAfter.UTC().Truncate(time.Second),
		KeySize:   256,
		Domains:   slices.Clone(domains),
	}, nil
}

// Record builds an active record for name whose certificate expires after
// validity.
func Record(name string, domains []string, validity time.Duration) (*acme.Record, error) {
	now := time.Now().UTC().Truncate(time.Second)
	issued, err := Issue(domains, now.Add(-time.Hour), now.Add(validity))
	if err != nil {
		return nil, err
	}
	return &acme.Record{
		Name:      name,
		State:     acme.StateActive,
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
		Domains:   issued.Domains,
		KeySize:   issued.KeySize,
		Email:     "admin@example.com",
		CertPEM:   issued.CertPEM,
		ChainPEM:  issued.ChainPEM,
		KeyPEM:    issued.KeyPEM,
	}, nil
}

// Client is a fake acme.Client. By default Obtain issues a 90 day certificate
// and Revoke succeeds. It records every call and the highest number of
// concurrent Obtain calls seen per name.
type Client struct {
	ObtainFunc func(ctx context.Context, req acme.ObtainRequest) (*acme.IssuedCertificate, error)
	RevokeFunc func(ctx context.Context, name string, certPEM []byte) error

	mu          sync.Mutex
	obtains     []acme.ObtainRequest
	revokes     []string
	inflight    map[string]int
	maxInflight map[string]int
}

func (c *Client) Obtain(ctx context.Context, req acme.ObtainRequest) (*acme.IssuedCertificate, error) {
	c.mu.Lock()
	if c.inflight == nil {
		c.inflight = make(map[string]int)
		c.maxInflight = make(map[string]int)
	}
	c.obtains = append(c.obtains, req)
	c.inflight[req.Name]++
	if c.inflight[req.Name] > c.maxInflight[req.Name] {
		c.maxInflight[req.Name] = c.inflight[req.Name]
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight[req.Name]--
		c.mu.Unlock()
	}()

	if c.ObtainFunc != nil {
		return c.ObtainFunc(ctx, req)
	}
	now := time.Now()
	return Issue(req.Domains, now.Add(-time.Minute), now.Add(90*24*time.Hour))
}

func (c *Client) Revoke(ctx context.Context, name string, certPEM []byte) error {
	c.mu.Lock()
	c.revokes = append(c.revokes, name)
	c.mu.Unlock()

	if c.RevokeFunc != nil {
		return c.RevokeFunc(ctx, name, certPEM)
	}
	return nil
}

// Obtains returns the Obtain requests seen so far.
func (c *Client) Obtains() []acme.ObtainRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.obtains)
}

// Revokes returns the names passed to Revoke so far.
func (c *Client) Revokes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.revokes)
}

// MaxConcurrent returns the highest number of simultaneous Obtain calls
// observed for name.
func (c *Client) MaxConcurrent(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight[name]
}
