// Package acme manages the lifecycle of ACME (Let's Encrypt) certificates:
// issuance through an external ACME client, atomic storage, scheduled renewal
// and revocation, one operation per certificate name at a time.
package acme

import (
	"log/slog"
	"slices"
	"time"
)

// State is the lifecycle state of a certificate.
type State string

const (
	StateProvisioning   State = "provisioning"
	StateActive         State = "active"
	StateRenewalPending State = "renewal_pending"
	StateFailed         State = "failed"
	StateRevoked        State = "revoked"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateProvisioning, StateActive, StateRenewalPending, StateFailed, StateRevoked:
		return true
	}
	return false
}

// CertificateRequest is what a caller submits to add a certificate.
type CertificateRequest struct {
	Name              string
	PrimaryDomain     string
	AdditionalDomains []string
	Email             string
}

// Domains returns the primary domain followed by the additional ones.
func (r CertificateRequest) Domains() []string {
	domains := make([]string, 0, 1+len(r.AdditionalDomains))
	domains = append(domains, r.PrimaryDomain)
	return append(domains, r.AdditionalDomains...)
}

// Record is a stored certificate. KeyPEM is sensitive and never logged.
type Record struct {
	Name      string
	State     State
	IssuedAt  time.Time // UTC
	ExpiresAt time.Time // UTC
	Domains   []string
	KeySize   int // bits
	Email     string
	CertPEM   []byte
	ChainPEM  []byte
	KeyPEM    []byte
}

// Redacted returns a copy of the record without key material.
func (r *Record) Redacted() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Domains = slices.Clone(r.Domains)
	c.CertPEM = slices.Clone(r.CertPEM)
	c.ChainPEM = slices.Clone(r.ChainPEM)
	c.KeyPEM = nil
	return &c
}

// Summary returns the record metadata.
func (r *Record) Summary() Summary {
	return Summary{
		Name:      r.Name,
		State:     r.State,
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
		Domains:   slices.Clone(r.Domains),
		KeySize:   r.KeySize,
		Email:     r.Email,
	}
}

// RemainingValidity is the time left until expiry, negative once expired.
func (r *Record) RemainingValidity(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// LogValue keeps PEM payloads, and the private key in particular, out of logs.
func (r *Record) LogValue() slog.Value {
	if r == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("name", r.Name),
		slog.String("state", string(r.State)),
		slog.Any("domains", r.Domains),
		slog.String("expires_at", TimeFormat(r.ExpiresAt)),
	)
}

// Summary is the list view of a record: metadata only, no PEM payloads.
type Summary struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Domains   []string  `json:"domains"`
	KeySize   int       `json:"key_size"`
	Email     string    `json:"email,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Download is a certificate packaged as a file attachment.
type Download struct {
	Filename    string
	ContentType string
	Body        []byte
}

// TimeFormat formats t the way timestamps are persisted: RFC3339 in UTC.
// The zero time formats as the empty string.
func TimeFormat(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
