package acme

import (
	"fmt"
	"iter"
)

// Store persists certificate records keyed by name. It is the only component
// that mutates certificate material; Put replaces a record atomically.
type Store interface {
	// Put writes rec, keeping the version it replaces as the backup.
	Put(rec *Record) error
	// Get returns the current record or a StoreError of kind StoreNotFound.
	Get(name string) (*Record, error)
	// List yields the metadata of every record, without key material.
	List() iter.Seq2[Summary, error]
	// Delete removes every file of name, backup included.
	Delete(name string) error
	// Backup copies the current version of name to the backup location.
	Backup(name string) error
	// Restore makes the backup of name current again.
	Restore(name string) error
}

// CheckInvariants verifies a record before it is persisted.
func (r *Record) CheckInvariants() error {
	var errs ValidationErrors
	if err := ValidateName(r.Name); err != nil {
		errs = append(errs, err.(*ValidationError))
	}
	if !r.State.Valid() {
		errs = append(errs, &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", r.State)})
	}
	if len(r.Domains) == 0 {
		errs = append(errs, &ValidationError{Field: "domains", Reason: "must not be empty"})
	}
	if !r.ExpiresAt.After(r.IssuedAt) {
		errs = append(errs, &ValidationError{Field: "expires_at", Reason: "must be after issued_at"})
	}
	if r.State == StateActive {
		if len(r.CertPEM) == 0 {
			errs = append(errs, &ValidationError{Field: "cert_pem", Reason: "required for an active certificate"})
		}
		if len(r.ChainPEM) == 0 {
			errs = append(errs, &ValidationError{Field: "chain_pem", Reason: "required for an active certificate"})
		}
	}
	return errs.orNil()
}
