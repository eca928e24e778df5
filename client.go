package acme

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"
)

// DefaultTimeout bounds a single ACME client invocation.
const DefaultTimeout = 300 * time.Second

// ObtainRequest asks the ACME client for a certificate covering Domains.
// Renewal is set when a certificate already exists under Name.
type ObtainRequest struct {
	Name    string
	Domains []string
	Email   string
	Renewal bool
}

// IssuedCertificate is the material returned by a successful Obtain.
type IssuedCertificate struct {
	CertPEM   []byte
	ChainPEM  []byte
	KeyPEM    []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeySize   int
	Domains   []string
}

// Client is the capability the Manager needs from an ACME client. The
// challenge mechanics (HTTP-01, DNS-01) are entirely the client's business.
type Client interface {
	Obtain(ctx context.Context, req ObtainRequest) (*IssuedCertificate, error)
	Revoke(ctx context.Context, name string, certPEM []byte) error
}

// CertificateInfo is what can be read from a leaf certificate.
type CertificateInfo struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
	KeySize   int
	Domains   []string
}

// ParseCertificateInfo reads validity, key size and DNS names from the first
// certificate in certPEM.
func ParseCertificateInfo(certPEM []byte) (CertificateInfo, error) {
	leaf, _, err := splitCertificateBundle(certPEM)
	if err != nil {
		return CertificateInfo{}, err
	}
	domains := slices.Clone(leaf.DNSNames)
	if len(domains) == 0 && leaf.Subject.CommonName != "" {
		domains = []string{leaf.Subject.CommonName}
	}
	return CertificateInfo{
		IssuedAt:  leaf.NotBefore.UTC(),
		ExpiresAt: leaf.NotAfter.UTC(),
		KeySize:   publicKeySize(leaf.PublicKey),
		Domains:   domains,
	}, nil
}

func publicKeySize(pub any) int {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	}
	return 0
}

// splitCertificateBundle parses every CERTIFICATE block of a PEM bundle and
// returns the leaf and the intermediates.
func splitCertificateBundle(pemBytes []byte) (*x509.Certificate, []*x509.Certificate, error) {
	var certificates []*x509.Certificate
	remaining := pemBytes
	for {
		block, rest := pem.Decode(remaining)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certificates = append(certificates, cert)
		}
		remaining = rest
	}
	if len(certificates) == 0 {
		return nil, nil, errors.New("no certificates found in bundle")
	}
	return certificates[0], certificates[1:], nil
}

// SplitBundle separates a full-chain PEM into the leaf certificate and the
// remaining chain, both PEM encoded.
func SplitBundle(bundle []byte) (leaf, chain []byte, err error) {
	leafCert, intermediates, err := splitCertificateBundle(bundle)
	if err != nil {
		return nil, nil, err
	}
	leaf = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafCert.Raw})
	var buf bytes.Buffer
	for _, c := range intermediates {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return leaf, buf.Bytes(), nil
}

// issuedFromPEM completes an IssuedCertificate from its PEM parts.
func issuedFromPEM(certPEM, chainPEM, keyPEM []byte) (*IssuedCertificate, error) {
	info, err := ParseCertificateInfo(certPEM)
	if err != nil {
		return nil, err
	}
	return &IssuedCertificate{
		CertPEM:   certPEM,
		ChainPEM:  chainPEM,
		KeyPEM:    keyPEM,
		IssuedAt:  info.IssuedAt,
		ExpiresAt: info.ExpiresAt,
		KeySize:   info.KeySize,
		Domains:   info.Domains,
	}, nil
}

var privateKeyBlockRe = regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----.*?(-----END [A-Z0-9 ]*PRIVATE KEY-----|$)`)

// RedactPrivateKeys replaces every PEM private key block in s.
func RedactPrivateKeys(s string) string {
	return privateKeyBlockRe.ReplaceAllString(s, "[REDACTED PRIVATE KEY]")
}
