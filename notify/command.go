// Package notify tells certificate consumers that a new certificate has
// been stored: by running a command, signalling a process, calling a
// webhook or publishing to a restinpieces secure config store.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/caasmo/restinpieces-letsencrypt"
)

const commandTimeout = time.Minute

// Command runs a reload command after every stored certificate. The command
// gets CERT_NAME, CERT_DIR, CERT_DOMAINS and CERT_EXPIRES_AT in its
// environment.
type Command struct {
	argv   []string
	dir    func(name string) string
	logger *slog.Logger
}

// NewCommand runs argv. dir maps a certificate name to the directory holding
// its current files.
func NewCommand(argv []string, dir func(name string) string, logger *slog.Logger) *Command {
	if len(argv) == 0 || dir == nil || logger == nil {
		panic("notify.NewCommand: received empty command, nil dir, or nil logger")
	}
	return &Command{argv: argv, dir: dir, logger: logger.With("notifier", "command")}
}

func (c *Command) Notify(ctx context.Context, rec *acme.Record) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Env = append(os.Environ(),
		"CERT_NAME="+rec.Name,
		"CERT_DIR="+c.dir(rec.Name),
		"CERT_DOMAINS="+strings.Join(rec.Domains, " "),
		"CERT_EXPIRES_AT="+acme.TimeFormat(rec.ExpiresAt),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Error("Reload command failed", "name", rec.Name, "command", c.argv[0], "output", acme.RedactPrivateKeys(string(out)), "error", err)
		return fmt.Errorf("notify: command %s: %w", c.argv[0], err)
	}
	c.logger.Info("Reload command finished", "name", rec.Name, "command", c.argv[0])
	return nil
}
