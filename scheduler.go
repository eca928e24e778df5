package acme

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultRenewalThreshold   = 30 * 24 * time.Hour
	DefaultRenewalInterval    = 24 * time.Hour
	DefaultRenewalConcurrency = 4
)

// Renewer renews one certificate by name. *Manager implements it.
type Renewer interface {
	Renew(ctx context.Context, name string) (*Record, error)
}

// SweepReport counts what one renewal sweep did.
type SweepReport struct {
	Checked int // active records looked at
	Due     int // records inside the renewal threshold
	Renewed int
	Failed  int
	Skipped int // busy with another operation
}

// Scheduler periodically renews active certificates that are close to
// expiry.
type Scheduler struct {
	store       Store
	renewer     Renewer
	threshold   time.Duration
	interval    time.Duration
	concurrency int
	metrics     *Metrics
	now         func() time.Time
	logger      *slog.Logger
}

// NewScheduler returns a scheduler using cfg. Zero values in cfg fall back
// to the defaults.
func NewScheduler(store Store, renewer Renewer, cfg RenewalConfig, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if store == nil || renewer == nil || logger == nil {
		panic("NewScheduler: received nil store, renewer, or logger")
	}
	s := &Scheduler{
		store:       store,
		renewer:     renewer,
		threshold:   cfg.Threshold.Duration(),
		interval:    cfg.Interval.Duration(),
		concurrency: cfg.Concurrency,
		metrics:     metrics,
		now:         time.Now,
		logger:      logger.With("component", "renewal_scheduler"),
	}
	if s.threshold <= 0 {
		s.threshold = DefaultRenewalThreshold
	}
	if s.interval <= 0 {
		s.interval = DefaultRenewalInterval
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultRenewalConcurrency
	}
	return s
}

// Run sweeps immediately and then once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Renewal scheduler started", "interval", s.interval, "threshold", s.threshold, "concurrency", s.concurrency)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Renewal sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Renewal scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep renews every active certificate expiring within the threshold.
// A failed or busy certificate never stops the others.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		mu     sync.Mutex
		g      errgroup.Group
	)
	g.SetLimit(s.concurrency)
	now := s.now()

	for sum, err := range s.store.List() {
		if err != nil {
			s.logger.Warn("Skipping unreadable certificate", "error", err)
			continue
		}
		if sum.State != StateActive {
			continue
		}
		report.Checked++
		if sum.ExpiresAt.Sub(now) >= s.threshold {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		report.Due++

		name := sum.Name
		expiresAt := sum.ExpiresAt
		g.Go(func() error {
			logger := s.logger.With("name", name, "expires_at", TimeFormat(expiresAt))
			_, err := s.renewer.Renew(ctx, name)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Renewed++
			case errors.Is(err, ErrLocked):
				report.Skipped++
				logger.Info("Renewal skipped, certificate busy", "error", err)
			default:
				report.Failed++
				logger.Warn("Renewal failed, retrying next sweep", "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.sweep(report)
	s.logger.Info("Renewal sweep finished",
		"checked", report.Checked,
		"due", report.Due,
		"renewed", report.Renewed,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, ctx.Err()
}
