package acme

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"
)

const maxStderr = 4096

var rateLimitRe = regexp.MustCompile(`(?i)(urn:ietf:params:acme:error:rateLimited|too many (certificates|failed authorizations|new orders|registrations)|rate ?limit)`)

var challengeRe = regexp.MustCompile(`(?i)(some challenges have failed|urn:ietf:params:acme:error:(unauthorized|connection|dns|incorrectResponse|caa))`)

// challengeDomainRes extract the failing domain from certbot and lego output.
var challengeDomainRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)challenge failed for domain (\S+)`),
	regexp.MustCompile(`(?m)^\s*Domain:\s*(\S+)`),
}

// ProcessClient drives a certbot compatible command line ACME client. The
// tool owns the ACME account, the challenge and its own copy of the files;
// certificates are read back from <config_dir>/live/<name>/.
type ProcessClient struct {
	cfg     ProcessConfig
	timeout time.Duration
	logger  *slog.Logger
}

// NewProcessClient returns a client running cfg.Command. A timeout of zero
// uses DefaultTimeout.
func NewProcessClient(cfg ProcessConfig, timeout time.Duration, logger *slog.Logger) *ProcessClient {
	if logger == nil {
		panic("NewProcessClient: received nil logger")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ProcessClient{
		cfg:     cfg,
		timeout: timeout,
		logger:  logger.With("acme_client", "process"),
	}
}

func (p *ProcessClient) Obtain(ctx context.Context, req ObtainRequest) (*IssuedCertificate, error) {
	args := []string{"certonly", "--non-interactive", "--agree-tos"}
	if req.Email != "" {
		args = append(args, "--email", req.Email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	args = append(args, "--cert-name", req.Name)
	args = append(args, p.dirArgs()...)
	if p.cfg.KeyType != "" {
		args = append(args, "--key-type", p.cfg.KeyType)
	}
	if p.cfg.KeyType == "rsa" && p.cfg.RSAKeySize > 0 {
		args = append(args, "--rsa-key-size", strconv.Itoa(p.cfg.RSAKeySize))
	}
	for _, d := range req.Domains {
		args = append(args, "-d", d)
	}
	if req.Renewal {
		args = append(args, "--force-renewal")
	}
	args = append(args, p.cfg.ExtraArgs...)

	p.logger.Info("Requesting certificate", "name", req.Name, "domains", req.Domains, "renewal", req.Renewal)
	if err := p.run(ctx, args); err != nil {
		return nil, err
	}

	live := p.livePath(req.Name)
	certPEM, err := os.ReadFile(filepath.Join(live, "cert.pem"))
	if err != nil {
		return nil, p.missingOutput(err)
	}
	chainPEM, err := os.ReadFile(filepath.Join(live, "chain.pem"))
	if err != nil {
		return nil, p.missingOutput(err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(live, "privkey.pem"))
	if err != nil {
		return nil, p.missingOutput(err)
	}

	issued, err := issuedFromPEM(certPEM, chainPEM, keyPEM)
	if err != nil {
		return nil, &AcmeError{Kind: AcmeProcessError, Err: fmt.Errorf("unreadable certificate in %s: %w", live, err)}
	}
	issued.Domains = slices.Clone(req.Domains)
	p.logger.Info("Certificate obtained", "name", req.Name, "expires_at", TimeFormat(issued.ExpiresAt))
	return issued, nil
}

// Revoke revokes by lineage name when the tool still knows it, otherwise by
// the stored certificate.
func (p *ProcessClient) Revoke(ctx context.Context, name string, certPEM []byte) error {
	args := []string{"revoke", "--non-interactive"}
	args = append(args, p.dirArgs()...)

	if _, err := os.Stat(filepath.Join(p.livePath(name), "cert.pem")); err == nil {
		args = append(args, "--cert-name", name, "--delete-after-revoke")
	} else {
		if len(certPEM) == 0 {
			return &AcmeError{Kind: AcmeProcessError, Err: fmt.Errorf("no certificate to revoke for %q", name)}
		}
		f, err := os.CreateTemp("", "revoke-*.pem")
		if err != nil {
			return fmt.Errorf("acme: failed to stage certificate for revocation: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(certPEM); err != nil {
			f.Close()
			return fmt.Errorf("acme: failed to stage certificate for revocation: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("acme: failed to stage certificate for revocation: %w", err)
		}
		args = append(args, "--cert-path", f.Name())
	}

	p.logger.Info("Revoking certificate", "name", name)
	return p.run(ctx, args)
}

func (p *ProcessClient) dirArgs() []string {
	var args []string
	if p.cfg.ConfigDir != "" {
		args = append(args, "--config-dir", p.cfg.ConfigDir)
	}
	if p.cfg.WorkDir != "" {
		args = append(args, "--work-dir", p.cfg.WorkDir)
	}
	if p.cfg.LogsDir != "" {
		args = append(args, "--logs-dir", p.cfg.LogsDir)
	}
	return args
}

func (p *ProcessClient) livePath(name string) string {
	return filepath.Join(p.cfg.ConfigDir, "live", name)
}

func (p *ProcessClient) missingOutput(err error) error {
	return &AcmeError{Kind: AcmeProcessError, Err: fmt.Errorf("client reported success but produced no certificate: %w", err)}
}

// run executes the tool, killing it once the timeout elapses.
func (p *ProcessClient) run(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	p.logger.Debug("Running ACME client", "command", p.cfg.Command, "args", args)
	start := time.Now()
	err := cmd.Run()
	p.logger.Debug("ACME client finished", "duration", time.Since(start), "error", err)
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.logger.Error("ACME client timed out and was killed", "timeout", p.timeout)
		return &AcmeError{Kind: AcmeTimeout, Err: fmt.Errorf("%s did not finish within %s", p.cfg.Command, p.timeout)}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("acme: %s interrupted: %w", p.cfg.Command, ctx.Err())
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &AcmeError{Kind: AcmeProcessError, ExitCode: -1, Err: err}
	}
	acmeErr := classifyOutput(exitErr.ExitCode(), stderr.String())
	p.logger.Error("ACME client failed", "kind", acmeErr.Kind, "exit_code", acmeErr.ExitCode, "domain", acmeErr.Domain)
	return acmeErr
}

// classifyOutput turns a failed run into an AcmeError. Private keys are
// scrubbed from the captured output.
func classifyOutput(exitCode int, stderr string) *AcmeError {
	stderr = RedactPrivateKeys(stderr)
	if len(stderr) > maxStderr {
		stderr = stderr[:maxStderr]
	}
	e := &AcmeError{Kind: AcmeProcessError, ExitCode: exitCode, Stderr: stderr}

	if rateLimitRe.MatchString(stderr) {
		e.Kind = AcmeRateLimited
		return e
	}
	for _, re := range challengeDomainRes {
		if m := re.FindStringSubmatch(stderr); m != nil {
			e.Kind = AcmeChallengeFailed
			e.Domain = m[1]
			return e
		}
	}
	if challengeRe.MatchString(stderr) {
		e.Kind = AcmeChallengeFailed
	}
	return e
}
