package acme

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerClient wraps a Client with a circuit breaker that trips after
// consecutive rate-limit failures. While it is open Obtain fails fast with
// AcmeRateLimited instead of hitting the CA again. Other failures do not
// count against the breaker.
type BreakerClient struct {
	next   Client
	cb     *gobreaker.CircuitBreaker[*IssuedCertificate]
	logger *slog.Logger
}

// NewBreakerClient trips after threshold consecutive rate-limit failures and
// stays open for openTimeout.
func NewBreakerClient(next Client, threshold uint32, openTimeout time.Duration, logger *slog.Logger) *BreakerClient {
	if next == nil || logger == nil {
		panic("NewBreakerClient: received nil client or logger")
	}
	if threshold == 0 {
		threshold = 1
	}
	b := &BreakerClient{next: next, logger: logger.With("acme_client", "breaker")}
	b.cb = gobreaker.NewCircuitBreaker[*IssuedCertificate](gobreaker.Settings{
		Name:        "acme",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrRateLimited)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

func (b *BreakerClient) Obtain(ctx context.Context, req ObtainRequest) (*IssuedCertificate, error) {
	issued, err := b.cb.Execute(func() (*IssuedCertificate, error) {
		return b.next.Obtain(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &AcmeError{Kind: AcmeRateLimited, Err: err}
	}
	return issued, err
}

// Revoke is passed through; revocations are not rate limited the same way.
func (b *BreakerClient) Revoke(ctx context.Context, name string, certPEM []byte) error {
	return b.next.Revoke(ctx, name, certPEM)
}

// State reports the breaker state: "closed", "half-open" or "open".
func (b *BreakerClient) State() string {
	return b.cb.State().String()
}
