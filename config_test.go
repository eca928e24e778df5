package acme

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*24*time.Hour, time.Duration(cfg.Renewal.Threshold))
	assert.Equal(t, 24*time.Hour, time.Duration(cfg.Renewal.Interval))
	assert.Equal(t, 300*time.Second, time.Duration(cfg.Acme.Timeout))
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certs.toml")
	content := `
[store]
root = "/srv/certs"

[acme]
client = "lego"
email = "ops@example.com"
timeout = "2m"

[acme.lego]
challenge = "dns-01"
dns_provider = "cloudflare"
cloudflare_api_token = "from-file"

[renewal]
threshold = "480h"
concurrency = 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CLOUDFLARE_API_TOKEN", "from-env")
	t.Setenv("CERTS_RENEWAL_INTERVAL", "6h")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/certs", cfg.Store.Root)
	assert.Equal(t, ClientLego, cfg.Acme.Client)
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Acme.Timeout))
	assert.Equal(t, "from-env", cfg.Acme.Lego.CloudflareAPIToken)
	assert.Equal(t, 20*24*time.Hour, time.Duration(cfg.Renewal.Threshold))
	assert.Equal(t, 6*time.Hour, time.Duration(cfg.Renewal.Interval))
	assert.Equal(t, 2, cfg.Renewal.Concurrency)
	// Untouched sections keep their defaults.
	assert.Equal(t, "certbot", cfg.Acme.Process.Command)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "config: failed to read")

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[renewal]\nthreshold = \"soon\"\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "config: failed to parse")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty root", func(c *Config) { c.Store.Root = "" }, "store.root"},
		{"bad email", func(c *Config) { c.Acme.Email = "nope" }, "acme.email"},
		{"zero timeout", func(c *Config) { c.Acme.Timeout = 0 }, "acme.timeout"},
		{"unknown client", func(c *Config) { c.Acme.Client = "curl" }, "acme.client"},
		{"process key type", func(c *Config) { c.Acme.Process.KeyType = "dsa" }, "acme.process.key_type"},
		{"small rsa", func(c *Config) { c.Acme.Process.RSAKeySize = 1024 }, "rsa_key_size"},
		{"lego key type", func(c *Config) { c.Acme.Client = ClientLego; c.Acme.KeyType = "rsa1024" }, "acme.key_type"},
		{"lego challenge", func(c *Config) { c.Acme.Client = ClientLego; c.Acme.Lego.Challenge = "tls-alpn-01" }, "acme.lego.challenge"},
		{"dns token", func(c *Config) {
			c.Acme.Client = ClientLego
			c.Acme.Lego.Challenge = ChallengeDNS01
			c.Acme.Lego.DNSProvider = DNSProviderCloudflare
		}, "api_token"},
		{"breaker timeout", func(c *Config) { c.Acme.Breaker.OpenTimeout = 0 }, "open_timeout"},
		{"threshold", func(c *Config) { c.Renewal.Threshold = 0 }, "renewal.threshold"},
		{"concurrency", func(c *Config) { c.Renewal.Concurrency = 0 }, "renewal.concurrency"},
		{"signal", func(c *Config) { c.Notify.SignalPidfile = "/run/nginx.pid"; c.Notify.Signal = "KILL" }, "notify.signal"},
		{"secure config key", func(c *Config) { c.Notify.SecureConfigDB = "app.db" }, "secure_config_age_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config: ")
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestBlueprintRoundTripsThroughTOML(t *testing.T) {
	data, err := toml.Marshal(Blueprint())
	require.NoError(t, err)
	assert.Contains(t, string(data), "720h0m0s")

	var cfg Config
	require.NoError(t, toml.Unmarshal(data, &cfg))
	require.NoError(t, cfg.Validate())
	want := Blueprint()
	assert.Equal(t, want.Renewal, cfg.Renewal)
	assert.Equal(t, want.Acme.AccountPrivateKey, cfg.Acme.AccountPrivateKey)
	assert.Equal(t, want.Notify.Command, cfg.Notify.Command)
}
