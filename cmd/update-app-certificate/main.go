// Command update-app-certificate copies the newest published certificate
// into the TLS settings of a restinpieces application configuration.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/caasmo/restinpieces/config"
	"github.com/pelletier/go-toml/v2"

	"github.com/caasmo/restinpieces-letsencrypt"
	"github.com/caasmo/restinpieces-letsencrypt/notify"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	dbPathFlag := flag.String("dbpath", "", "Path to the SQLite database file (required)")
	ageIdentityPathFlag := flag.String("age-key", "", "Path to the age identity file (private key 'AGE-SECRET-KEY-1...') (required)")
	scopeFlag := flag.String("scope", acme.CertificateScope, "Secure config scope the certificate was published to")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -dbpath <db-file> -age-key <identity-file> [-scope <scope>]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Updates the application configuration with the newest published certificate.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dbPathFlag == "" || *ageIdentityPathFlag == "" {
		flag.Usage()
		os.Exit(1)
	}

	store, err := notify.OpenSecureStore(*dbPathFlag, *ageIdentityPathFlag, logger)
	if err != nil {
		logger.Error("Failed to open secure config store", "db_path", *dbPathFlag, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing database pool", "error", err)
		}
	}()

	cert, err := notify.LatestCertificate(store, *scopeFlag)
	if err != nil {
		logger.Error("Failed to load certificate", "scope", *scopeFlag, "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded certificate", "scope", *scopeFlag, "name", cert.Name, "domains", cert.Domains, "expires_at", acme.TimeFormat(cert.ExpiresAt))

	appTomlData, _, err := store.Get(config.ScopeApplication, 0)
	if err != nil {
		logger.Error("Failed to load application config", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}
	if len(appTomlData) == 0 {
		logger.Error("No application configuration found", "scope", config.ScopeApplication)
		os.Exit(1)
	}

	var appCfg config.Config
	if err := toml.Unmarshal(appTomlData, &appCfg); err != nil {
		logger.Error("Failed to unmarshal application config", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}

	appCfg.Server.CertData = cert.CertificateChain
	appCfg.Server.KeyData = cert.PrivateKey

	updated, err := toml.Marshal(appCfg)
	if err != nil {
		logger.Error("Failed to marshal updated application config", "error", err)
		os.Exit(1)
	}

	description := fmt.Sprintf("Updated TLS cert/key data from certificate %s (expires %s)", cert.Name, acme.TimeFormat(cert.ExpiresAt))
	if err := store.Save(config.ScopeApplication, updated, "toml", description); err != nil {
		logger.Error("Failed to save application config", "scope", config.ScopeApplication, "error", err)
		os.Exit(1)
	}
	logger.Info("Application configuration updated", "scope", config.ScopeApplication, "name", cert.Name)
}
