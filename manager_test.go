package acme_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caasmo/restinpieces-letsencrypt"
	"github.com/caasmo/restinpieces-letsencrypt/acmetest"
	"github.com/caasmo/restinpieces-letsencrypt/filestore"
)

type memHistory struct {
	mu     sync.Mutex
	events []acme.Event
}

func (h *memHistory) AddEvent(_ context.Context, ev acme.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *memHistory) Events(_ context.Context, name string, limit int) ([]acme.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []acme.Event
	for _, ev := range slices.Backward(h.events) {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *memHistory) kinds(name string) []acme.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var kinds []acme.EventKind
	for _, ev := range h.events {
		if ev.Name == name {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

func newManager(t *testing.T, client acme.Client, opts ...acme.ManagerOption) (*acme.Manager, *filestore.Store) {
	t.Helper()
	store, err := filestore.New(t.TempDir(), discardLogger())
	require.NoError(t, err)
	m := acme.NewManager(store, client, discardLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m, store
}

// issueAfter returns an Obtain that issues a certificate once release is
// closed and gives up when ctx ends.
func issueAfter(release <-chan struct{}) func(context.Context, acme.ObtainRequest) (*acme.IssuedCertificate, error) {
	return func(ctx context.Context, req acme.ObtainRequest) (*acme.IssuedCertificate, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		now := time.Now()
		return acmetest.Issue(req.Domains, now.Add(-time.Minute), now.Add(90*24*time.Hour))
	}
}

func exampleRequest() acme.CertificateRequest {
	return acme.CertificateRequest{Name: "example", PrimaryDomain: "example.com", Email: "admin@example.com"}
}

func TestManagerAdd(t *testing.T) {
	client := &acmetest.Client{}
	history := &memHistory{}
	var notified []string
	notifier := acme.NotifierFunc(func(_ context.Context, rec *acme.Record) error {
		assert.NotEmpty(t, rec.KeyPEM, "consumers receive the key")
		notified = append(notified, rec.Name)
		return nil
	})
	m, _ := newManager(t, client, acme.WithHistory(history), acme.WithNotifier(notifier))

	rec, err := m.Add(context.Background(), exampleRequest())
	require.NoError(t, err)
	assert.Equal(t, acme.StateActive, rec.State)
	assert.Nil(t, rec.KeyPEM)

	got, err := m.Get(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateActive, got.State)
	assert.Equal(t, []string{"example.com"}, got.Domains)
	assert.Equal(t, "admin@example.com", got.Email)
	assert.Nil(t, got.KeyPEM)

	require.Len(t, client.Obtains(), 1)
	assert.False(t, client.Obtains()[0].Renewal)
	assert.Equal(t, []string{"example"}, notified)
	assert.Equal(t, []acme.EventKind{acme.EventIssued}, history.kinds("example"))
}

func TestManagerAddValidationNeverReachesClient(t *testing.T) {
	client := &acmetest.Client{}
	m, _ := newManager(t, client)

	_, err := m.Add(context.Background(), acme.CertificateRequest{Name: "example", PrimaryDomain: "bad_domain!", Email: "x@x.com"})
	assert.ErrorIs(t, err, acme.ErrInvalid)

	var verrs acme.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Empty(t, client.Obtains())

	list, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManagerAddUsesDefaultEmail(t *testing.T) {
	client := &acmetest.Client{}
	m, _ := newManager(t, client, acme.WithDefaultEmail("ops@example.com"))

	req := exampleRequest()
	req.Email = ""
	rec, err := m.Add(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", rec.Email)
	assert.Equal(t, "ops@example.com", client.Obtains()[0].Email)
}

func TestManagerAddExisting(t *testing.T) {
	client := &acmetest.Client{}
	m, _ := newManager(t, client)

	_, err := m.Add(context.Background(), exampleRequest())
	require.NoError(t, err)
	_, err = m.Add(context.Background(), exampleRequest())
	assert.ErrorIs(t, err, acme.ErrExists)
	assert.Len(t, client.Obtains(), 1)
}

func TestManagerDeleteMissing(t *testing.T) {
	m, _ := newManager(t, &acmetest.Client{})

	err := m.Delete(context.Background(), "missing")
	var storeErr *acme.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, acme.StoreNotFound, storeErr.Kind)
}

func TestManagerFailedAdd(t *testing.T) {
	client := &acmetest.Client{ObtainFunc: func(context.Context, acme.ObtainRequest) (*acme.IssuedCertificate, error) {
		return nil, &acme.AcmeError{Kind: acme.AcmeChallengeFailed, Domain: "example.com"}
	}}
	history := &memHistory{}
	m, store := newManager(t, client, acme.WithHistory(history))

	_, err := m.Add(context.Background(), exampleRequest())
	assert.ErrorIs(t, err, acme.ErrChallengeFailed)

	_, err = store.Get("example")
	assert.ErrorIs(t, err, acme.ErrNotFound, "failed add must not touch the store")

	got, err := m.Get(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateFailed, got.State)

	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, acme.StateFailed, list[0].State)
	assert.Contains(t, list[0].Error, "example.com")
	assert.Equal(t, []acme.EventKind{acme.EventFailed}, history.kinds("example"))

	require.NoError(t, m.Delete(context.Background(), "example"))
	_, err = m.Get(context.Background(), "example")
	assert.ErrorIs(t, err, acme.ErrNotFound)
}

func TestManagerConcurrentAddSingleHolder(t *testing.T) {
	release := make(chan struct{})
	client := &acmetest.Client{}
	client.ObtainFunc = issueAfter(release)
	m, _ := newManager(t, client)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Add(context.Background(), exampleRequest())
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return len(client.Obtains()) == 1 }, 5*time.Second, 5*time.Millisecond)
	got, err := m.Get(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateProvisioning, got.State)
	assert.Equal(t, map[string]string{"example": acme.OpAdd}, m.Locks())

	close(release)
	wg.Wait()
	close(errs)

	var ok, locked int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, acme.ErrLocked), errors.Is(err, acme.ErrExists):
			locked++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, locked)
	assert.Equal(t, 1, client.MaxConcurrent("example"))
	assert.Len(t, client.Obtains(), 1)
}

func TestManagerRenew(t *testing.T) {
	client := &acmetest.Client{}
	history := &memHistory{}
	m, store := newManager(t, client, acme.WithHistory(history))

	old, err := acmetest.Record("example", []string{"example.com", "www.example.com"}, 10*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Put(old))

	renewed, err := m.Renew(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateActive, renewed.State)
	assert.True(t, renewed.ExpiresAt.After(old.ExpiresAt))
	assert.NotEqual(t, old.CertPEM, renewed.CertPEM)

	obtains := client.Obtains()
	require.Len(t, obtains, 1)
	assert.True(t, obtains[0].Renewal)
	assert.Equal(t, old.Domains, obtains[0].Domains)
	assert.Equal(t, old.Email, obtains[0].Email)
	assert.Equal(t, []acme.EventKind{acme.EventRenewed}, history.kinds("example"))

	restored, err := m.Restore(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, old.CertPEM, restored.CertPEM)
}

func TestManagerFailedRenewalKeepsRecord(t *testing.T) {
	client := &acmetest.Client{ObtainFunc: func(context.Context, acme.ObtainRequest) (*acme.IssuedCertificate, error) {
		return nil, &acme.AcmeError{Kind: acme.AcmeTimeout}
	}}
	m, store := newManager(t, client)

	old, err := acmetest.Record("example", []string{"example.com"}, 10*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Put(old))

	_, err = m.Renew(context.Background(), "example")
	assert.ErrorIs(t, err, acme.ErrTimeout)

	got, err := store.Get("example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateActive, got.State)
	assert.Equal(t, old.CertPEM, got.CertPEM)
	assert.Equal(t, old.KeyPEM, got.KeyPEM)
	assert.True(t, old.ExpiresAt.Equal(got.ExpiresAt))
}

func TestManagerRevoke(t *testing.T) {
	client := &acmetest.Client{}
	m, store := newManager(t, client)

	_, err := m.Add(context.Background(), exampleRequest())
	require.NoError(t, err)

	rec, err := m.Revoke(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateRevoked, rec.State)
	assert.Equal(t, []string{"example"}, client.Revokes())

	stored, err := store.Get("example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateRevoked, stored.State)

	_, err = m.Renew(context.Background(), "example")
	assert.ErrorIs(t, err, acme.ErrInvalid)
	_, err = m.Revoke(context.Background(), "example")
	assert.ErrorIs(t, err, acme.ErrInvalid)
}

func TestManagerDownload(t *testing.T) {
	m, store := newManager(t, &acmetest.Client{})
	_, err := m.Add(context.Background(), exampleRequest())
	require.NoError(t, err)
	stored, err := store.Get("example")
	require.NoError(t, err)

	dl, err := m.Download(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, "example.pem", dl.Filename)
	assert.Equal(t, "application/octet-stream", dl.ContentType)
	assert.Equal(t, append(append([]byte{}, stored.CertPEM...), stored.ChainPEM...), dl.Body)
	assert.NotContains(t, string(dl.Body), "PRIVATE KEY")

	_, err = m.Download(context.Background(), "missing")
	assert.ErrorIs(t, err, acme.ErrNotFound)
}

func TestManagerNotifierFailureKeepsCertificate(t *testing.T) {
	notifier := acme.NotifierFunc(func(context.Context, *acme.Record) error {
		return errors.New("reload failed")
	})
	m, store := newManager(t, &acmetest.Client{}, acme.WithNotifier(notifier))

	_, err := m.Add(context.Background(), exampleRequest())
	require.NoError(t, err)
	_, err = store.Get("example")
	assert.NoError(t, err)
}

func TestManagerAddAsync(t *testing.T) {
	release := make(chan struct{})
	client := &acmetest.Client{}
	client.ObtainFunc = issueAfter(release)
	m, _ := newManager(t, client)

	require.NoError(t, m.AddAsync(exampleRequest()))
	assert.ErrorIs(t, m.AddAsync(exampleRequest()), acme.ErrLocked)

	got, err := m.Get(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateProvisioning, got.State)
	assert.Equal(t, []string{"example.com"}, got.Domains)

	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, acme.StateProvisioning, list[0].State)

	close(release)
	require.Eventually(t, func() bool {
		got, err := m.Get(context.Background(), "example")
		return err == nil && got.State == acme.StateActive
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManagerCloseCancelsBackgroundAdds(t *testing.T) {
	client := &acmetest.Client{ObtainFunc: func(ctx context.Context, _ acme.ObtainRequest) (*acme.IssuedCertificate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	store, err := filestore.New(t.TempDir(), discardLogger())
	require.NoError(t, err)
	m := acme.NewManager(store, client, discardLogger())

	require.NoError(t, m.AddAsync(exampleRequest()))
	require.Eventually(t, func() bool { return len(client.Obtains()) == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)
	assert.Empty(t, m.Locks())

	_, err = m.Add(context.Background(), exampleRequest())
	assert.ErrorIs(t, err, acme.ErrClosed)
}

func TestManagerAddAsyncVisibleBeforeObtain(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m, _ := newManager(t, &acmetest.Client{ObtainFunc: issueAfter(release)})

	for i := range 50 {
		req := exampleRequest()
		req.Name = fmt.Sprintf("example-%d", i)
		require.NoError(t, m.AddAsync(req))

		got, err := m.Get(context.Background(), req.Name)
		require.NoError(t, err, "accepted add must be visible at once")
		assert.Equal(t, acme.StateProvisioning, got.State)
	}
}

func TestManagerAddAsyncRacingClose(t *testing.T) {
	for range 50 {
		store, err := filestore.New(t.TempDir(), discardLogger())
		require.NoError(t, err)
		m := acme.NewManager(store, &acmetest.Client{}, discardLogger())

		accepted := make(chan error, 1)
		go func() { accepted <- m.AddAsync(exampleRequest()) }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		closeErr := m.Close(ctx)
		cancel()
		require.NoError(t, closeErr)

		err = <-accepted
		if errors.Is(err, acme.ErrClosed) {
			continue
		}
		require.NoError(t, err)
		// Close returned, so an accepted add has finished.
		_, err = store.Get("example")
		assert.NoError(t, err)
		assert.Empty(t, m.Locks())
	}
}

func TestManagerClosedRefusesOperations(t *testing.T) {
	m, store := newManager(t, &acmetest.Client{})
	rec, err := acmetest.Record("example", []string{"example.com"}, 90*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Put(rec))

	require.NoError(t, m.Close(context.Background()))

	_, err = m.Renew(context.Background(), "example")
	assert.ErrorIs(t, err, acme.ErrClosed)
	assert.ErrorIs(t, m.Delete(context.Background(), "example"), acme.ErrClosed)
	_, err = m.Revoke(context.Background(), "example")
	assert.ErrorIs(t, err, acme.ErrClosed)
	_, err = m.Restore(context.Background(), "example")
	assert.ErrorIs(t, err, acme.ErrClosed)
	assert.ErrorIs(t, m.AddAsync(exampleRequest()), acme.ErrClosed)

	_, err = store.Get("example")
	assert.NoError(t, err)
}

func TestManagerDeleteWhileRenewing(t *testing.T) {
	release := make(chan struct{})
	client := &acmetest.Client{ObtainFunc: issueAfter(release)}
	m, store := newManager(t, client)

	old, err := acmetest.Record("example", []string{"example.com"}, 10*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Put(old))

	renewErr := make(chan error, 1)
	go func() {
		_, err := m.Renew(context.Background(), "example")
		renewErr <- err
	}()
	require.Eventually(t, func() bool { return len(client.Obtains()) == 1 }, 5*time.Second, 5*time.Millisecond)

	err = m.Delete(context.Background(), "example")
	require.ErrorIs(t, err, acme.ErrLocked)
	var lockErr *acme.LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, acme.OpDelete, lockErr.Op)
	assert.Equal(t, acme.OpRenew, lockErr.Holder)

	got, err := store.Get("example")
	require.NoError(t, err)
	assert.Equal(t, old.CertPEM, got.CertPEM)

	close(release)
	require.NoError(t, <-renewErr)
	_, err = store.Get("example")
	assert.NoError(t, err)
}

func TestManagerRevokeWhileAdding(t *testing.T) {
	release := make(chan struct{})
	client := &acmetest.Client{ObtainFunc: issueAfter(release)}
	m, _ := newManager(t, client)

	require.NoError(t, m.AddAsync(exampleRequest()))

	_, err := m.Revoke(context.Background(), "example")
	require.ErrorIs(t, err, acme.ErrLocked)
	var lockErr *acme.LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, acme.OpAdd, lockErr.Holder)
	assert.Empty(t, client.Revokes())

	close(release)
	require.Eventually(t, func() bool {
		got, err := m.Get(context.Background(), "example")
		return err == nil && got.State == acme.StateActive
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManagerUnusableCertificateIsClientFault(t *testing.T) {
	client := &acmetest.Client{}
	client.ObtainFunc = func(_ context.Context, req acme.ObtainRequest) (*acme.IssuedCertificate, error) {
		now := time.Now()
		issued, err := acmetest.Issue(req.Domains, now.Add(-time.Minute), now.Add(90*24*time.Hour))
		if err != nil {
			return nil, err
		}
		issued.ChainPEM = nil
		return issued, nil
	}
	m, store := newManager(t, client)

	_, err := m.Add(context.Background(), exampleRequest())
	assert.ErrorIs(t, err, acme.ErrProcess)
	assert.NotErrorIs(t, err, acme.ErrInvalid)

	_, err = store.Get("example")
	assert.ErrorIs(t, err, acme.ErrNotFound)
	got, err := m.Get(context.Background(), "example")
	require.NoError(t, err)
	assert.Equal(t, acme.StateFailed, got.State)
}
