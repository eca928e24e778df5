// Command certctl manages ACME certificates: it adds, renews, revokes and
// deletes them, and serves the renewal scheduler and the HTTP API.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/caasmo/restinpieces-letsencrypt"
	"github.com/caasmo/restinpieces-letsencrypt/filestore"
	"github.com/caasmo/restinpieces-letsencrypt/notify"
	"github.com/caasmo/restinpieces-letsencrypt/zombiezen"
)

var (
	cfgFile    string
	envFile    string
	jsonOutput bool

	// Version is set via ldflags during build.
	Version = "dev"
)

// app holds what every subcommand needs. It is built before a subcommand
// runs and closed after it returns.
type app struct {
	cfg      *acme.Config
	logger   *slog.Logger
	store    *filestore.Store
	history  *zombiezen.Db
	registry *prometheus.Registry
	metrics  *acme.Metrics
	manager  *acme.Manager
	closers  []io.Closer
}

var current *app

var rootCmd = &cobra.Command{
	Use:   "certctl",
	Short: "Manage ACME (Let's Encrypt) certificates",
	Long: `certctl issues certificates through an ACME client, stores them with atomic
replacement and a backup of the previous version, renews them before they
expire and tells consumers when a new certificate is in place.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if current == nil {
			return nil
		}
		return current.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("CERTS_CONFIG"), "configuration file (TOML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newApp() (*app, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	logger := newLogger()

	cfg, err := acme.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = acme.NewMetrics(a.registry)

	a.store, err = filestore.New(cfg.Store.Root, logger)
	if err != nil {
		return nil, err
	}

	client, err := newClient(cfg.Acme, logger)
	if err != nil {
		return nil, err
	}

	opts := []acme.ManagerOption{
		acme.WithMetrics(a.metrics),
		acme.WithDefaultEmail(cfg.Acme.Email),
	}
	if cfg.History.DBPath != "" {
		a.history, err = zombiezen.Open(cfg.History.DBPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.history)
		opts = append(opts, acme.WithHistory(a.history))
	}

	notifiers, closer, err := notify.FromConfig(cfg.Notify, a.store.Dir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closer)
	if len(notifiers) > 0 {
		opts = append(opts, acme.WithNotifier(notifiers))
	}

	a.manager = acme.NewManager(a.store, client, logger, opts...)
	return a, nil
}

// newClient builds the configured ACME client, behind the rate-limit
// breaker unless it is disabled.
func newClient(cfg acme.AcmeConfig, logger *slog.Logger) (acme.Client, error) {
	var client acme.Client
	switch cfg.Client {
	case acme.ClientLego:
		lc, err := acme.NewLegoClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		client = lc
	default:
		client = acme.NewProcessClient(cfg.Process, cfg.Timeout.Duration(), logger)
	}
	if cfg.Breaker.FailureThreshold > 0 {
		client = acme.NewBreakerClient(client, cfg.Breaker.FailureThreshold, cfg.Breaker.OpenTimeout.Duration(), logger)
	}
	return client, nil
}

func (a *app) Close() error {
	var errs []error
	if a.manager != nil {
		ctx, cancel := shutdownContext()
		errs = append(errs, a.manager.Close(ctx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}
