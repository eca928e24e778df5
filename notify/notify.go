package notify

import (
	"io"
	"log/slog"

	"github.com/caasmo/restinpieces-letsencrypt"
)

// FromConfig builds every notifier cfg enables. dir maps a certificate name
// to its directory for the command notifier. The returned closer releases
// the secure config database, if one was opened.
func FromConfig(cfg acme.NotifyConfig, dir func(name string) string, logger *slog.Logger) (acme.Notifiers, io.Closer, error) {
	var ns acme.Notifiers
	if len(cfg.Command) > 0 {
		ns = append(ns, NewCommand(cfg.Command, dir, logger))
	}
	if cfg.SignalPidfile != "" {
		s, err := NewSignal(cfg.SignalPidfile, cfg.Signal, logger)
		if err != nil {
			return nil, nil, err
		}
		ns = append(ns, s)
	}
	if cfg.WebhookURL != "" {
		ns = append(ns, NewWebhook(cfg.WebhookURL, logger))
	}
	var closer io.Closer = nopCloser{}
	if cfg.SecureConfigDB != "" {
		store, err := OpenSecureStore(cfg.SecureConfigDB, cfg.SecureConfigAgeKey, logger)
		if err != nil {
			return nil, nil, err
		}
		ns = append(ns, NewSecureConfig(store, cfg.SecureConfigScope, logger))
		closer = store
	}
	return ns, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
