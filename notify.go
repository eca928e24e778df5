package acme

import (
	"context"
	"errors"
)

// Notifier tells certificate consumers (a TLS server, a config store) that
// the stored certificate for rec.Name has changed. rec includes key material;
// implementations must not log it.
type Notifier interface {
	Notify(ctx context.Context, rec *Record) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec *Record) error

func (f NotifierFunc) Notify(ctx context.Context, rec *Record) error { return f(ctx, rec) }

// Notifiers fans a notification out to every element and joins the errors.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, rec *Record) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
