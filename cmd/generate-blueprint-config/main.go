package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/caasmo/restinpieces-letsencrypt"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	outputFileFlag := flag.String("output", "certificates.blueprint.toml", "Output file path for the blueprint TOML configuration")
	flag.StringVar(outputFileFlag, "o", "certificates.blueprint.toml", "Output file path (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates a blueprint certificate manager TOML configuration with example values.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := acme.Blueprint()
	if err := cfg.Validate(); err != nil {
		logger.Error("Blueprint configuration is invalid", "error", err)
		os.Exit(1)
	}

	tomlBytes, err := toml.Marshal(cfg)
	if err != nil {
		logger.Error("Failed to marshal blueprint config to TOML", "error", err)
		os.Exit(1)
	}

	logger.Info("Writing blueprint configuration", "path", *outputFileFlag)
	if err := os.WriteFile(*outputFileFlag, tomlBytes, 0o600); err != nil {
		logger.Error("Failed to write blueprint config file", "path", *outputFileFlag, "error", err)
		os.Exit(1)
	}

	logger.Info("Blueprint configuration generated", "path", *outputFileFlag)
	logger.Warn("Review the generated file, replace placeholders, and load secrets (API tokens, private keys) from the environment, e.g. CLOUDFLARE_API_TOKEN.")
}
