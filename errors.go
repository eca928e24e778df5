package acme

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no certificate exists under a name.
	ErrNotFound = errors.New("certificate not found")

	// ErrExists is returned when adding a name that is already stored.
	ErrExists = errors.New("certificate already exists")

	// ErrLocked is returned when another operation holds the name.
	ErrLocked = errors.New("operation already in progress")

	// ErrInvalid matches every ValidationError.
	ErrInvalid = errors.New("invalid input")

	ErrRateLimited     = errors.New("acme: rate limited")
	ErrChallengeFailed = errors.New("acme: challenge failed")
	ErrTimeout         = errors.New("acme: timeout")
	ErrProcess         = errors.New("acme: client process failed")
)

// ValidationError reports a bad input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// ValidationErrors aggregates every failing field of an input.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool { return target == ErrInvalid && len(e) > 0 }

// Unwrap exposes the individual field errors to errors.As.
func (e ValidationErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, v := range e {
		errs[i] = v
	}
	return errs
}

// orNil returns nil for an empty list so callers can return it directly.
func (e ValidationErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// AcmeErrorKind classifies external ACME client failures.
type AcmeErrorKind int

const (
	AcmeRateLimited AcmeErrorKind = iota + 1
	AcmeChallengeFailed
	AcmeTimeout
	AcmeProcessError
)

func (k AcmeErrorKind) String() string {
	switch k {
	case AcmeRateLimited:
		return "rate_limited"
	case AcmeChallengeFailed:
		return "challenge_failed"
	case AcmeTimeout:
		return "timeout"
	case AcmeProcessError:
		return "process_error"
	}
	return "unknown"
}

// AcmeError is a failure reported by the ACME client. Stderr is scrubbed of
// private key material before an AcmeError is built.
type AcmeError struct {
	Kind     AcmeErrorKind
	Domain   string // set for AcmeChallengeFailed when known
	ExitCode int    // set for AcmeProcessError from a subprocess
	Stderr   string
	Err      error
}

func (e *AcmeError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case AcmeRateLimited:
		b.WriteString(ErrRateLimited.Error())
	case AcmeChallengeFailed:
		b.WriteString(ErrChallengeFailed.Error())
		if e.Domain != "" {
			b.WriteString(" for " + e.Domain)
		}
	case AcmeTimeout:
		b.WriteString(ErrTimeout.Error())
	default:
		b.WriteString(ErrProcess.Error())
		if e.ExitCode != 0 {
			fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
		}
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	} else if e.Stderr != "" {
		b.WriteString(": " + firstLine(e.Stderr))
	}
	return b.String()
}

func (e *AcmeError) Unwrap() error { return e.Err }

func (e *AcmeError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == AcmeRateLimited
	case ErrChallengeFailed:
		return e.Kind == AcmeChallengeFailed
	case ErrTimeout:
		return e.Kind == AcmeTimeout
	case ErrProcess:
		return e.Kind == AcmeProcessError
	}
	return false
}

// StoreErrorKind classifies certificate store failures.
type StoreErrorKind int

const (
	StoreNotFound StoreErrorKind = iota + 1
	StoreExists
	StoreIO
)

// StoreError is a failure of the certificate store.
type StoreError struct {
	Op   string
	Name string
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	switch e.Kind {
	case StoreNotFound:
		return fmt.Sprintf("store: %s %q: %v", e.Op, e.Name, ErrNotFound)
	case StoreExists:
		return fmt.Sprintf("store: %s %q: %v", e.Op, e.Name, ErrExists)
	}
	if e.Err == nil {
		return fmt.Sprintf("store: %s %q failed", e.Op, e.Name)
	}
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == StoreNotFound
	case ErrExists:
		return e.Kind == StoreExists
	}
	return false
}

// NotFoundError builds the StoreError for a missing name.
func NotFoundError(op, name string) error {
	return &StoreError{Op: op, Name: name, Kind: StoreNotFound}
}

// LockError is returned when a name is busy with another operation.
type LockError struct {
	Name   string
	Op     string // operation attempted
	Holder string // operation holding the lock
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%s %q: %v (held by %s)", e.Op, e.Name, ErrLocked, e.Holder)
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
