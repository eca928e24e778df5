package acme

import (
	"context"
	"time"
)

// EventKind is what happened to a certificate.
type EventKind string

const (
	EventIssued   EventKind = "issued"
	EventRenewed  EventKind = "renewed"
	EventRevoked  EventKind = "revoked"
	EventDeleted  EventKind = "deleted"
	EventRestored EventKind = "restored"
	EventFailed   EventKind = "failed"
)

// Event is one entry of the certificate history. It never carries key
// material.
type Event struct {
	ID        string
	Name      string
	Kind      EventKind
	Op        string
	Domains   []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Error     string
	CreatedAt time.Time
}

// Writer stores certificate history events.
type Writer interface {
	AddEvent(ctx context.Context, ev Event) error
}

// Reader returns the history of a certificate, newest first. A limit of
// zero or less returns every event.
type Reader interface {
	Events(ctx context.Context, name string, limit int) ([]Event, error)
}
