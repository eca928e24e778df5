package acme

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/caasmo/restinpieces-letsencrypt"

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("manager: closed")

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNotifier sets who is told about every newly stored certificate.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithHistory records an event for every lifecycle change.
func WithHistory(w Writer) ManagerOption {
	return func(m *Manager) { m.history = w }
}

func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithDefaultEmail is the account email used when a request has none.
func WithDefaultEmail(email string) ManagerOption {
	return func(m *Manager) { m.defaultEmail = email }
}

func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// pending is an operation in flight, shown through Get and List.
type pending struct {
	state State
	req   CertificateRequest
}

// failure is an add that did not produce a certificate. Nothing was stored;
// the entry lives until a later add succeeds or the name is deleted.
type failure struct {
	req CertificateRequest
	err string
	at  time.Time
}

// Manager runs the certificate lifecycle: add, renew, revoke and delete, at
// most one operation per name at a time. Provisioning, RenewalPending and
// Failed are in-memory states; the store only ever holds Active and Revoked
// records.
type Manager struct {
	store        Store
	client       Client
	notifier     Notifier
	history      Writer
	metrics      *Metrics
	tracer       trace.Tracer
	defaultEmail string
	logger       *slog.Logger

	locks *LockTable

	mu       sync.Mutex
	pending  map[string]pending
	failures map[string]failure
	closed   bool

	wg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func NewManager(store Store, client Client, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if store == nil || client == nil || logger == nil {
		panic("NewManager: received nil store, client, or logger")
	}
	m := &Manager{
		store:    store,
		client:   client,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With("component", "certificate_manager"),
		locks:    NewLockTable(),
		pending:  make(map[string]pending),
		failures: make(map[string]failure),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())
	return m
}

// begin opens a span for op and returns the function that ends it and
// records the outcome.
func (m *Manager) begin(ctx context.Context, op, name string) (context.Context, func(*error)) {
	ctx, span := m.tracer.Start(ctx, "certificates."+op, trace.WithAttributes(
		attribute.String("certificate.name", name),
	))
	start := time.Now()
	return ctx, func(errp *error) {
		if err := *errp; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.metrics.observe(op, start, *errp)
	}
}

// acquire takes the lock for name unless the manager is closed. Background
// operations join the wait group under the same mutex as the closed check,
// so Close either waits for them or they are refused.
func (m *Manager) acquire(name, op string, background bool) (ReleaseFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	release, err := m.locks.TryLock(name, op)
	if err != nil {
		return nil, err
	}
	if background {
		m.wg.Add(1)
	}
	return release, nil
}

// prepare validates req, takes the lock for its name and marks it
// Provisioning. add clears the mark on every path.
func (m *Manager) prepare(req CertificateRequest, background bool) (CertificateRequest, ReleaseFunc, error) {
	if req.Email == "" {
		req.Email = m.defaultEmail
	}
	norm, err := req.Validate()
	if err != nil {
		return CertificateRequest{}, nil, err
	}
	release, err := m.acquire(norm.Name, OpAdd, background)
	if err != nil {
		return CertificateRequest{}, nil, err
	}
	m.setPending(norm.Name, StateProvisioning, norm)
	return norm, release, nil
}

// Add validates req, obtains a certificate and stores it. Validation errors
// are returned before the ACME client or the store are touched.
func (m *Manager) Add(ctx context.Context, req CertificateRequest) (rec *Record, err error) {
	ctx, finish := m.begin(ctx, OpAdd, req.Name)
	defer finish(&err)

	norm, release, err := m.prepare(req, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.add(ctx, norm)
}

// AddAsync validates req and takes the lock like Add, then obtains the
// certificate in the background. Progress is visible through Get and List;
// the outcome is either an Active record or a Failed entry.
func (m *Manager) AddAsync(req CertificateRequest) error {
	norm, release, err := m.prepare(req, true)
	if err != nil {
		return err
	}

	go func() {
		defer m.wg.Done()
		defer release()
		ctx, finish := m.begin(m.bgCtx, OpAdd, norm.Name)
		_, err := m.add(ctx, norm)
		finish(&err)
	}()
	return nil
}

func (m *Manager) add(ctx context.Context, req CertificateRequest) (*Record, error) {
	defer m.clearPending(req.Name)
	logger := m.logger.With("name", req.Name, "op", OpAdd)

	if _, err := m.store.Get(req.Name); err == nil {
		return nil, &StoreError{Op: OpAdd, Name: req.Name, Kind: StoreExists}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	logger.Info("Provisioning certificate", "domains", req.Domains())
	issued, err := m.client.Obtain(ctx, ObtainRequest{
		Name:    req.Name,
		Domains: req.Domains(),
		Email:   req.Email,
	})
	if err != nil {
		logger.Error("Certificate provisioning failed", "error", err)
		m.setFailure(req, err)
		m.addEvent(ctx, Event{Name: req.Name, Kind: EventFailed, Op: OpAdd, Domains: req.Domains(), Error: err.Error()})
		return nil, err
	}

	rec := newRecord(req.Name, req.Email, req.Domains(), issued)
	if err := checkIssued(rec); err != nil {
		logger.Error("ACME client returned an unusable certificate", "error", err)
		m.setFailure(req, err)
		m.addEvent(ctx, Event{Name: req.Name, Kind: EventFailed, Op: OpAdd, Domains: req.Domains(), Error: err.Error()})
		return nil, err
	}
	if err := m.store.Put(rec); err != nil {
		logger.Error("Failed to store certificate", "error", err)
		m.setFailure(req, err)
		return nil, err
	}
	m.clearFailure(req.Name)
	logger.Info("Certificate active", "expires_at", TimeFormat(rec.ExpiresAt))
	m.stored(ctx, rec, EventIssued, OpAdd)
	return rec.Redacted(), nil
}

// Renew reissues an active certificate for its current domain set. On
// failure the stored record is left exactly as it was.
func (m *Manager) Renew(ctx context.Context, name string) (rec *Record, err error) {
	ctx, finish := m.begin(ctx, OpRenew, name)
	defer finish(&err)

	release, err := m.acquire(name, OpRenew, false)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := m.store.Get(name)
	if err != nil {
		return nil, err
	}
	if current.State != StateActive {
		return nil, &ValidationError{Field: "state", Reason: fmt.Sprintf("certificate %q is %s, only active certificates are renewed", name, current.State)}
	}

	logger := m.logger.With("name", name, "op", OpRenew)
	email := current.Email
	if email == "" {
		email = m.defaultEmail
	}
	m.setPending(name, StateRenewalPending, CertificateRequest{Name: name, Email: email})
	defer m.clearPending(name)

	logger.Info("Renewing certificate", "domains", current.Domains, "expires_at", TimeFormat(current.ExpiresAt))
	issued, err := m.client.Obtain(ctx, ObtainRequest{
		Name:    name,
		Domains: slices.Clone(current.Domains),
		Email:   email,
		Renewal: true,
	})
	if err != nil {
		logger.Warn("Renewal failed, keeping current certificate", "error", err)
		m.addEvent(ctx, Event{Name: name, Kind: EventFailed, Op: OpRenew, Domains: current.Domains, Error: err.Error()})
		return nil, err
	}

	renewed := newRecord(name, email, current.Domains, issued)
	if err := checkIssued(renewed); err != nil {
		logger.Warn("Renewal returned an unusable certificate, keeping current certificate", "error", err)
		m.addEvent(ctx, Event{Name: name, Kind: EventFailed, Op: OpRenew, Domains: current.Domains, Error: err.Error()})
		return nil, err
	}
	if err := m.store.Put(renewed); err != nil {
		logger.Error("Failed to store renewed certificate", "error", err)
		return nil, err
	}
	logger.Info("Certificate renewed", "expires_at", TimeFormat(renewed.ExpiresAt))
	m.stored(ctx, renewed, EventRenewed, OpRenew)
	return renewed.Redacted(), nil
}

// Delete removes a certificate and its backup. A name known only from a
// failed add is forgotten.
func (m *Manager) Delete(ctx context.Context, name string) (err error) {
	ctx, finish := m.begin(ctx, OpDelete, name)
	defer finish(&err)

	release, err := m.acquire(name, OpDelete, false)
	if err != nil {
		return err
	}
	defer release()

	if err := m.store.Delete(name); err != nil {
		if errors.Is(err, ErrNotFound) && m.clearFailure(name) {
			m.logger.Info("Forgot failed certificate request", "name", name)
			return nil
		}
		return err
	}
	m.clearFailure(name)
	m.metrics.deleteExpiry(name)
	m.logger.Info("Certificate deleted", "name", name)
	m.addEvent(ctx, Event{Name: name, Kind: EventDeleted, Op: OpDelete})
	return nil
}

// Revoke asks the CA to revoke the certificate and keeps the record, marked
// Revoked, so it is no longer renewed.
func (m *Manager) Revoke(ctx context.Context, name string) (rec *Record, err error) {
	ctx, finish := m.begin(ctx, OpRevoke, name)
	defer finish(&err)

	release, err := m.acquire(name, OpRevoke, false)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := m.store.Get(name)
	if err != nil {
		return nil, err
	}
	if current.State == StateRevoked {
		return nil, &ValidationError{Field: "state", Reason: fmt.Sprintf("certificate %q is already revoked", name)}
	}

	if err := m.client.Revoke(ctx, name, current.CertPEM); err != nil {
		m.logger.Error("Revocation failed", "name", name, "error", err)
		return nil, err
	}
	current.State = StateRevoked
	if err := m.store.Put(current); err != nil {
		m.logger.Error("Failed to store revoked certificate", "name", name, "error", err)
		return nil, err
	}
	m.metrics.deleteExpiry(name)
	m.logger.Info("Certificate revoked", "name", name)
	m.addEvent(ctx, Event{Name: name, Kind: EventRevoked, Op: OpRevoke, Domains: current.Domains, IssuedAt: current.IssuedAt, ExpiresAt: current.ExpiresAt})
	return current.Redacted(), nil
}

// Restore makes the backed up version current again and notifies consumers.
func (m *Manager) Restore(ctx context.Context, name string) (rec *Record, err error) {
	ctx, finish := m.begin(ctx, OpRestore, name)
	defer finish(&err)

	release, err := m.acquire(name, OpRestore, false)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.store.Restore(name); err != nil {
		return nil, err
	}
	restored, err := m.store.Get(name)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Certificate restored from backup", "name", name, "expires_at", TimeFormat(restored.ExpiresAt))
	m.stored(ctx, restored, EventRestored, OpRestore)
	return restored.Redacted(), nil
}

// Get returns the record for name without key material. In-flight and
// failed operations are reflected in State.
func (m *Manager) Get(ctx context.Context, name string) (*Record, error) {
	p, inFlight, f, failed := m.memoryState(name)

	rec, err := m.store.Get(name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		switch {
		case inFlight && p.state == StateProvisioning:
			return &Record{Name: name, State: StateProvisioning, Domains: p.req.Domains(), Email: p.req.Email}, nil
		case failed:
			return &Record{Name: name, State: StateFailed, Domains: f.req.Domains(), Email: f.req.Email}, nil
		}
		return nil, err
	}
	if inFlight && p.state == StateRenewalPending {
		rec.State = StateRenewalPending
	}
	return rec.Redacted(), nil
}

// List returns the summaries of every known certificate sorted by name,
// including the ones being provisioned or whose add failed.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	seen := make(map[string]bool)
	for s, err := range m.store.List() {
		if err != nil {
			return nil, err
		}
		seen[s.Name] = true
		out = append(out, s)
	}

	m.mu.Lock()
	for i := range out {
		if p, ok := m.pending[out[i].Name]; ok && p.state == StateRenewalPending {
			out[i].State = StateRenewalPending
		}
	}
	for name, p := range m.pending {
		if !seen[name] && p.state == StateProvisioning {
			seen[name] = true
			out = append(out, Summary{Name: name, State: StateProvisioning, Domains: p.req.Domains(), Email: p.req.Email})
		}
	}
	for name, f := range m.failures {
		if !seen[name] {
			out = append(out, Summary{Name: name, State: StateFailed, Domains: f.req.Domains(), Email: f.req.Email, Error: f.err})
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Summary) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Download packages the certificate and its chain as a PEM attachment.
func (m *Manager) Download(ctx context.Context, name string) (*Download, error) {
	rec, err := m.store.Get(name)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	body.Write(rec.CertPEM)
	if len(rec.CertPEM) > 0 && !bytes.HasSuffix(rec.CertPEM, []byte("\n")) {
		body.WriteByte('\n')
	}
	body.Write(rec.ChainPEM)
	return &Download{
		Filename:    name + ".pem",
		ContentType: "application/octet-stream",
		Body:        body.Bytes(),
	}, nil
}

// Events returns the history of name when the history writer can read it
// back.
func (m *Manager) Events(ctx context.Context, name string, limit int) ([]Event, error) {
	r, ok := m.history.(Reader)
	if !ok {
		return nil, nil
	}
	return r.Events(ctx, name, limit)
}

// Locks returns the operation holding each locked name.
func (m *Manager) Locks() map[string]string {
	return m.locks.Held()
}

// Close stops accepting operations and waits for background adds. If ctx
// ends first they are cancelled. The lock table is cleared afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Cancelling background operations")
		err = ctx.Err()
		m.bgCancel()
		<-done
	}
	m.bgCancel()
	m.locks.Clear()
	return err
}

// stored runs the side effects of a successful Put. None of them can undo
// the stored certificate.
func (m *Manager) stored(ctx context.Context, rec *Record, kind EventKind, op string) {
	m.metrics.setExpiry(rec.Name, rec.ExpiresAt)
	m.addEvent(ctx, Event{
		Name:      rec.Name,
		Kind:      kind,
		Op:        op,
		Domains:   rec.Domains,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
	})
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, rec); err != nil {
		m.logger.Error("Consumer notification failed", "name", rec.Name, "error", err)
	}
}

func (m *Manager) addEvent(ctx context.Context, ev Event) {
	if m.history == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now().UTC()
	if err := m.history.AddEvent(ctx, ev); err != nil {
		m.logger.Error("Failed to record history event", "name", ev.Name, "event", ev.Kind, "error", err)
	}
}

func (m *Manager) setPending(name string, state State, req CertificateRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[name] = pending{state: state, req: req}
}

func (m *Manager) clearPending(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, name)
}

func (m *Manager) setFailure(req CertificateRequest, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[req.Name] = failure{req: req, err: err.Error(), at: time.Now().UTC()}
}

// clearFailure reports whether there was a failure to clear.
func (m *Manager) clearFailure(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failures[name]
	delete(m.failures, name)
	return ok
}

func (m *Manager) memoryState(name string) (pending, bool, failure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, inFlight := m.pending[name]
	f, failed := m.failures[name]
	return p, inFlight, f, failed
}

// checkIssued rejects material from the ACME client that cannot make an
// Active record. The fault is the client's, so it is reported as one.
func checkIssued(rec *Record) error {
	if err := rec.CheckInvariants(); err != nil {
		return &AcmeError{Kind: AcmeProcessError, Err: fmt.Errorf("unusable certificate for %s: %v", rec.Name, err)}
	}
	return nil
}

func newRecord(name, email string, domains []string, issued *IssuedCertificate) *Record {
	return &Record{
		Name:      name,
		State:     StateActive,
		IssuedAt:  issued.IssuedAt.UTC(),
		ExpiresAt: issued.ExpiresAt.UTC(),
		Domains:   slices.Clone(domains),
		KeySize:   issued.KeySize,
		Email:     email,
		CertPEM:   issued.CertPEM,
		ChainPEM:  issued.ChainPEM,
		KeyPEM:    issued.KeyPEM,
	}
}
