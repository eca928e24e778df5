package zombiezen

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caasmo/restinpieces-letsencrypt"
)

func openTestDb(t *testing.T) *Db {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestAddAndReadEvents(t *testing.T) {
	d := openTestDb(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []acme.Event{
		{ID: "1", Name: "shop", Kind: acme.EventIssued, Op: acme.OpAdd, Domains: []string{"shop.example.com", "www.shop.example.com"}, IssuedAt: base, ExpiresAt: base.Add(90 * 24 * time.Hour), CreatedAt: base},
		{ID: "2", Name: "blog", Kind: acme.EventIssued, Op: acme.OpAdd, Domains: []string{"blog.example.com"}, CreatedAt: base.Add(time.Minute)},
		{ID: "3", Name: "shop", Kind: acme.EventFailed, Op: acme.OpRenew, Error: "acme: rate limited", CreatedAt: base.Add(time.Hour)},
		{ID: "4", Name: "shop", Kind: acme.EventRenewed, Op: acme.OpRenew, Domains: []string{"shop.example.com"}, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, ev := range events {
		require.NoError(t, d.AddEvent(ctx, ev))
	}

	got, err := d.Events(ctx, "shop", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"4", "3", "1"}, []string{got[0].ID, got[1].ID, got[2].ID})

	first := got[2]
	assert.Equal(t, acme.EventIssued, first.Kind)
	assert.Equal(t, acme.OpAdd, first.Op)
	assert.Equal(t, []string{"shop.example.com", "www.shop.example.com"}, first.Domains)
	assert.True(t, base.Equal(first.IssuedAt))
	assert.True(t, base.Add(90*24*time.Hour).Equal(first.ExpiresAt))

	failed := got[1]
	assert.Equal(t, "acme: rate limited", failed.Error)
	assert.Nil(t, failed.Domains)
	assert.True(t, failed.IssuedAt.IsZero())

	limited, err := d.Events(ctx, "shop", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "4", limited[0].ID)

	none, err := d.Events(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDuplicateEventID(t *testing.T) {
	d := openTestDb(t)
	ev := acme.Event{ID: "dup", Name: "shop", Kind: acme.EventDeleted, Op: acme.OpDelete, CreatedAt: time.Now()}
	require.NoError(t, d.AddEvent(context.Background(), ev))
	assert.Error(t, d.AddEvent(context.Background(), ev))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.AddEvent(context.Background(), acme.Event{ID: "1", Name: "shop", Kind: acme.EventIssued, Op: acme.OpAdd, CreatedAt: time.Now()}))
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()
	got, err := d.Events(context.Background(), "shop", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
