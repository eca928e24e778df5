package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"

	"github.com/caasmo/restinpieces-letsencrypt"
)

var signals = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"TERM": syscall.SIGTERM,
}

// Signal sends a signal to the process whose pid is in a pidfile, the way
// servers like nginx are told to reload.
type Signal struct {
	pidfile string
	sig     syscall.Signal
	logger  *slog.Logger
}

// NewSignal sends the signal named name ("HUP", "INT" or "TERM").
func NewSignal(pidfile, name string, logger *slog.Logger) (*Signal, error) {
	if logger == nil {
		panic("notify.NewSignal: received nil logger")
	}
	sig, ok := signals[name]
	if !ok {
		return nil, fmt.Errorf("notify: unknown signal %q", name)
	}
	return &Signal{pidfile: pidfile, sig: sig, logger: logger.With("notifier", "signal")}, nil
}

func (s *Signal) Notify(_ context.Context, rec *acme.Record) error {
	b, err := os.ReadFile(s.pidfile)
	if err != nil {
		return fmt.Errorf("notify: read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(b)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("notify: pidfile %s does not hold a pid", s.pidfile)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("notify: find process %d: %w", pid, err)
	}
	if err := proc.Signal(s.sig); err != nil {
		return fmt.Errorf("notify: signal %d: %w", pid, err)
	}
	s.logger.Info("Signalled certificate consumer", "name", rec.Name, "pid", pid, "signal", s.sig.String())
	return nil
}
