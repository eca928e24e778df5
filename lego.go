package acme

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"strings"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"
)

var legoKeyTypeMap = map[string]certcrypto.KeyType{
	"ec256":   certcrypto.EC256,
	"ec384":   certcrypto.EC384,
	"rsa2048": certcrypto.RSA2048,
	"rsa3072": certcrypto.RSA3072,
	"rsa4096": certcrypto.RSA4096,
	"rsa8192": certcrypto.RSA8192,
}

// legoDomainRe matches the per-domain entries of a lego obtain error.
var legoDomainRe = regexp.MustCompile(`\[([^\]]+)\] acme: error`)

// AcmeUser implements lego's registration.User interface.
type AcmeUser struct {
	Email        string
	Registration *registration.Resource
	PrivateKey   crypto.PrivateKey
}

func (u *AcmeUser) GetEmail() string                        { return u.Email }
func (u *AcmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *AcmeUser) GetPrivateKey() crypto.PrivateKey        { return u.PrivateKey }

// legoSession is the part of *lego.Client the LegoClient uses.
type legoSession interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
	Revoke(cert []byte) error
}

type legoSessionFactory func(cfg *lego.Config) (legoSession, error)

func newLegoSession(cfg *lego.Config) (legoSession, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (a *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return a.client.Registration.Register(options)
}

func (a *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return a.client.Challenge.SetHTTP01Provider(provider)
}

func (a *legoClientAdapter) SetDNS01Provider(provider challenge.Provider, opts ...dns01.ChallengeOption) error {
	return a.client.Challenge.SetDNS01Provider(provider, opts...)
}

func (a *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return a.client.Certificate.Obtain(request)
}

func (a *legoClientAdapter) Revoke(cert []byte) error {
	return a.client.Certificate.Revoke(cert)
}

// LegoClient speaks ACME in process through lego. Each call opens a session:
// account registration (or lookup, the key being the account), challenge
// provider setup, then the order itself.
type LegoClient struct {
	cfg        AcmeConfig
	accountKey crypto.PrivateKey
	keyType    certcrypto.KeyType
	newSession legoSessionFactory
	logger     *slog.Logger
}

// NewLegoClient builds a client from the acme configuration. Without a
// configured account key a P-256 key is generated for the life of the client.
func NewLegoClient(cfg AcmeConfig, logger *slog.Logger) (*LegoClient, error) {
	if logger == nil {
		panic("NewLegoClient: received nil logger")
	}
	keyType, ok := legoKeyTypeMap[cfg.KeyType]
	if !ok {
		return nil, fmt.Errorf("acme: unsupported key type %q", cfg.KeyType)
	}

	var accountKey crypto.PrivateKey
	var err error
	if cfg.AccountPrivateKey != "" {
		accountKey, err = certcrypto.ParsePEMPrivateKey([]byte(cfg.AccountPrivateKey))
		if err != nil {
			// The parse error may quote the input.
			return nil, errors.New("acme: failed to parse ACME account private key")
		}
	} else {
		accountKey, err = certcrypto.GeneratePrivateKey(certcrypto.EC256)
		if err != nil {
			return nil, fmt.Errorf("acme: failed to generate ACME account key: %w", err)
		}
		logger.Warn("No ACME account key configured, using a generated one", "acme_client", "lego")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = Duration(DefaultTimeout)
	}
	if cfg.CADirectoryURL == "" {
		cfg.CADirectoryURL = lego.LEDirectoryProduction
	}

	return &LegoClient{
		cfg:        cfg,
		accountKey: accountKey,
		keyType:    keyType,
		newSession: newLegoSession,
		logger:     logger.With("acme_client", "lego"),
	}, nil
}

func (l *LegoClient) session(email string) (legoSession, error) {
	if email == "" {
		email = l.cfg.Email
	}
	user := &AcmeUser{Email: email, PrivateKey: l.accountKey}
	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = l.cfg.CADirectoryURL
	legoConfig.Certificate.KeyType = l.keyType

	client, err := l.newSession(legoConfig)
	if err != nil {
		return nil, fmt.Errorf("acme: failed to create ACME client: %w", err)
	}

	switch l.cfg.Lego.Challenge {
	case ChallengeDNS01:
		provider, err := l.dnsProvider()
		if err != nil {
			return nil, err
		}
		if err := client.SetDNS01Provider(provider, dns01.AddDNSTimeout(10*time.Minute)); err != nil {
			return nil, fmt.Errorf("acme: failed to set DNS01 provider: %w", err)
		}
	default:
		host, port, err := splitHTTP01Address(l.cfg.Lego.HTTP01Address)
		if err != nil {
			return nil, err
		}
		if err := client.SetHTTP01Provider(http01.NewProviderServer(host, port)); err != nil {
			return nil, fmt.Errorf("acme: failed to set HTTP01 provider: %w", err)
		}
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, classifyLegoError(fmt.Errorf("registration failed for %s: %w", email, err))
	}
	user.Registration = reg
	l.logger.Debug("ACME account registered/retrieved", "email", email)
	return client, nil
}

func (l *LegoClient) dnsProvider() (challenge.Provider, error) {
	switch l.cfg.Lego.DNSProvider {
	case DNSProviderCloudflare:
		cfConfig := cloudflare.NewDefaultConfig()
		cfConfig.AuthToken = l.cfg.Lego.CloudflareAPIToken
		provider, err := cloudflare.NewDNSProviderConfig(cfConfig)
		if err != nil {
			return nil, fmt.Errorf("acme: failed to create Cloudflare provider: %w", err)
		}
		return provider, nil
	}
	return nil, fmt.Errorf("acme: unsupported DNS provider %q", l.cfg.Lego.DNSProvider)
}

type obtainResult struct {
	resource *certificate.Resource
	err      error
}

// Obtain runs the order on its own goroutine; lego has no cancellation, so on
// timeout the order is abandoned and AcmeTimeout returned.
func (l *LegoClient) Obtain(ctx context.Context, req ObtainRequest) (*IssuedCertificate, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.Timeout))
	defer cancel()

	l.logger.Info("Requesting certificate", "name", req.Name, "domains", req.Domains, "renewal", req.Renewal)
	done := make(chan obtainResult, 1)
	go func() {
		client, err := l.session(req.Email)
		if err != nil {
			done <- obtainResult{err: err}
			return
		}
		resource, err := client.Obtain(certificate.ObtainRequest{
			Domains: req.Domains,
			Bundle:  true,
		})
		done <- obtainResult{resource: resource, err: err}
	}()

	var res obtainResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			l.logger.Error("Certificate order timed out", "name", req.Name, "timeout", l.cfg.Timeout)
			return nil, &AcmeError{Kind: AcmeTimeout, Err: fmt.Errorf("order for %s not finished within %s", req.Name, l.cfg.Timeout)}
		}
		return nil, fmt.Errorf("acme: order for %s interrupted: %w", req.Name, ctx.Err())
	}
	if res.err != nil {
		acmeErr := classifyLegoError(res.err)
		l.logger.Error("Failed to obtain certificate", "name", req.Name, "domains", req.Domains, "kind", acmeErr.Kind, "domain", acmeErr.Domain)
		return nil, acmeErr
	}

	leaf, chain, err := SplitBundle(res.resource.Certificate)
	if err != nil {
		return nil, &AcmeError{Kind: AcmeProcessError, Err: fmt.Errorf("unreadable certificate for %s: %w", req.Name, err)}
	}
	if len(chain) == 0 {
		chain = res.resource.IssuerCertificate
	}
	issued, err := issuedFromPEM(leaf, chain, res.resource.PrivateKey)
	if err != nil {
		return nil, &AcmeError{Kind: AcmeProcessError, Err: fmt.Errorf("unreadable certificate for %s: %w", req.Name, err)}
	}
	issued.Domains = slices.Clone(req.Domains)
	l.logger.Info("Successfully obtained certificate", "name", req.Name, "certificate_url", res.resource.CertURL, "expires_at", TimeFormat(issued.ExpiresAt))
	return issued, nil
}

func (l *LegoClient) Revoke(ctx context.Context, name string, certPEM []byte) error {
	if len(certPEM) == 0 {
		return &AcmeError{Kind: AcmeProcessError, Err: fmt.Errorf("no certificate to revoke for %q", name)}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.Timeout))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		client, err := l.session("")
		if err != nil {
			done <- err
			return
		}
		done <- client.Revoke(certPEM)
	}()

	select {
	case err := <-done:
		if err != nil {
			return classifyLegoError(err)
		}
		l.logger.Info("Certificate revoked", "name", name)
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &AcmeError{Kind: AcmeTimeout, Err: fmt.Errorf("revocation of %s not finished within %s", name, l.cfg.Timeout)}
		}
		return fmt.Errorf("acme: revocation of %s interrupted: %w", name, ctx.Err())
	}
}

// classifyLegoError maps a lego failure onto the AcmeError kinds, from the
// ACME problem document when there is one and from the message otherwise.
func classifyLegoError(err error) *AcmeError {
	var acmeErr *AcmeError
	if errors.As(err, &acmeErr) {
		return acmeErr
	}
	msg := RedactPrivateKeys(err.Error())
	e := &AcmeError{Kind: AcmeProcessError, Err: err}

	var problem *legoacme.ProblemDetails
	if errors.As(err, &problem) {
		if strings.HasSuffix(problem.Type, ":rateLimited") {
			e.Kind = AcmeRateLimited
			return e
		}
		for _, sub := range problem.SubProblems {
			if sub.Identifier.Value != "" {
				e.Kind = AcmeChallengeFailed
				e.Domain = sub.Identifier.Value
				return e
			}
		}
	}

	if rateLimitRe.MatchString(msg) {
		e.Kind = AcmeRateLimited
		return e
	}
	if m := legoDomainRe.FindStringSubmatch(msg); m != nil {
		e.Kind = AcmeChallengeFailed
		e.Domain = m[1]
		return e
	}
	if challengeRe.MatchString(msg) {
		e.Kind = AcmeChallengeFailed
	}
	return e
}

func splitHTTP01Address(addr string) (host, port string, err error) {
	if strings.TrimSpace(addr) == "" {
		return "", "", nil
	}
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("acme: invalid http-01 address %q: %w", addr, err)
	}
	return host, port, nil
}
