package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caasmo/restinpieces"
	"github.com/caasmo/restinpieces/config"
	dbz "github.com/caasmo/restinpieces/db/zombiezen"
	"github.com/pelletier/go-toml/v2"

	"github.com/caasmo/restinpieces-letsencrypt"
)

// CertificateOutput is the TOML document published to the secure config
// store. Applications embed CertificateChain and PrivateKey as their TLS
// material.
type CertificateOutput struct {
	Name             string    `toml:"name"`
	Domains          []string  `toml:"domains"`
	ExpiresAt        time.Time `toml:"expires_at"`
	CertificateChain string    `toml:"certificate_chain"`
	PrivateKey       string    `toml:"private_key"`
}

// SecureStore is the restinpieces secure config store contract. Get with
// generation 0 returns the newest version of a scope and its format.
type SecureStore interface {
	Save(scope string, plaintextData []byte, format string, description string) error
	Get(scope string, generation int) ([]byte, string, error)
}

var _ SecureStore = (config.SecureStore)(nil)

// SecureConfig publishes every stored certificate, key included, into a
// secure config scope. The store encrypts it at rest.
type SecureConfig struct {
	store  SecureStore
	scope  string
	logger *slog.Logger
}

func NewSecureConfig(store SecureStore, scope string, logger *slog.Logger) *SecureConfig {
	if store == nil || logger == nil {
		panic("notify.NewSecureConfig: received nil store or logger")
	}
	if scope == "" {
		scope = acme.CertificateScope
	}
	return &SecureConfig{store: store, scope: scope, logger: logger.With("notifier", "secure_config")}
}

func (s *SecureConfig) Notify(_ context.Context, rec *acme.Record) error {
	chain := string(rec.CertPEM)
	if !strings.HasSuffix(chain, "\n") && len(rec.ChainPEM) > 0 {
		chain += "\n"
	}
	chain += string(rec.ChainPEM)

	out := CertificateOutput{
		Name:             rec.Name,
		Domains:          rec.Domains,
		ExpiresAt:        rec.ExpiresAt.UTC(),
		CertificateChain: chain,
		PrivateKey:       string(rec.KeyPEM),
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("notify: marshal certificate output: %w", err)
	}

	description := fmt.Sprintf("Obtained certificate %s for domains: %s (expires %s)",
		rec.Name, strings.Join(rec.Domains, ", "), acme.TimeFormat(rec.ExpiresAt))
	s.logger.Info("Saving certificate configuration", "name", rec.Name, "scope", s.scope, "format", "toml")
	if err := s.store.Save(s.scope, data, "toml", description); err != nil {
		return fmt.Errorf("notify: save scope %s: %w", s.scope, err)
	}
	return nil
}

// LatestCertificate decodes the newest certificate published to scope.
func LatestCertificate(store SecureStore, scope string) (*CertificateOutput, error) {
	data, format, err := store.Get(scope, 0)
	if err != nil {
		return nil, fmt.Errorf("notify: load scope %s: %w", scope, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("notify: no certificate in scope %s", scope)
	}
	if format != "" && format != "toml" {
		return nil, fmt.Errorf("notify: scope %s holds %s, want toml", scope, format)
	}
	var out CertificateOutput
	if err := toml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("notify: decode scope %s: %w", scope, err)
	}
	return &out, nil
}

// SecureStoreCloser is a secure config store that owns its database pool.
type SecureStoreCloser struct {
	SecureStore
	close func() error
}

func (s *SecureStoreCloser) Close() error { return s.close() }

// OpenSecureStore opens the restinpieces database at dbPath and the age
// identity at ageKeyPath.
func OpenSecureStore(dbPath, ageKeyPath string, logger *slog.Logger) (*SecureStoreCloser, error) {
	pool, err := restinpieces.NewZombiezenPool(dbPath)
	if err != nil {
		return nil, fmt.Errorf("notify: open secure config db %s: %w", dbPath, err)
	}
	dbImpl, err := dbz.New(pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("notify: secure config db: %w", err)
	}
	secureStore, err := config.NewSecureStoreAge(dbImpl, ageKeyPath)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("notify: secure config age identity: %w", err)
	}
	logger.Debug("Opened secure config store", "db_path", dbPath)
	return &SecureStoreCloser{SecureStore: secureStore, close: pool.Close}, nil
}
