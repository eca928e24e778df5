// Package zombiezen stores the certificate history in sqlite using
// zombiezen.com/go/sqlite.
package zombiezen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/restinpieces-letsencrypt"
)

const schema = `
CREATE TABLE IF NOT EXISTS certificate_events (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	op         TEXT NOT NULL,
	domains    TEXT NOT NULL DEFAULT '',
	issued_at  TEXT NOT NULL DEFAULT '',
	expires_at TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS certificate_events_name ON certificate_events (name, created_at);
`

// Db implements acme.Writer and acme.Reader.
type Db struct {
	pool  *sqlitex.Pool
	owned bool
}

// New uses a pool created and closed by the caller, creating the history
// table if needed.
func New(pool *sqlitex.Pool) (*Db, error) {
	if pool == nil {
		panic("zombiezen.New: received nil pool")
	}
	d := &Db{pool: pool}
	if err := d.migrate(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

// Open creates a pool for the database file at path. Close releases it.
func Open(path string) (*Db, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{PoolSize: 4})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	d, err := New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	d.owned = true
	return d, nil
}

// Close closes the pool if Open created it.
func (d *Db) Close() error {
	if !d.owned {
		return nil
	}
	return d.pool.Close()
}

func (d *Db) migrate(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("db: failed to create schema: %w", err)
	}
	return nil
}

// AddEvent appends ev to the history.
func (d *Db) AddEvent(ctx context.Context, ev acme.Event) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO certificate_events (
			id, name, kind, op, domains, issued_at, expires_at, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				ev.ID,
				ev.Name,
				string(ev.Kind),
				ev.Op,
				strings.Join(ev.Domains, ","),
				acme.TimeFormat(ev.IssuedAt),
				acme.TimeFormat(ev.ExpiresAt),
				ev.Error,
				acme.TimeFormat(ev.CreatedAt),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert %s event for %q: %w", ev.Kind, ev.Name, err)
	}
	return nil
}

// Events returns the history of name, newest first.
func (d *Db) Events(ctx context.Context, name string, limit int) ([]acme.Event, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}
	var events []acme.Event
	err = sqlitex.Execute(conn,
		`SELECT id, name, kind, op, domains, issued_at, expires_at, error, created_at
		FROM certificate_events
		WHERE name = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;`,
		&sqlitex.ExecOptions{
			Args: []any{name, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ev, err := scanEvent(stmt)
				if err != nil {
					return err
				}
				events = append(events, ev)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to read events for %q: %w", name, err)
	}
	return events, nil
}

func scanEvent(stmt *sqlite.Stmt) (acme.Event, error) {
	ev := acme.Event{
		ID:    stmt.GetText("id"),
		Name:  stmt.GetText("name"),
		Kind:  acme.EventKind(stmt.GetText("kind")),
		Op:    stmt.GetText("op"),
		Error: stmt.GetText("error"),
	}
	if domains := stmt.GetText("domains"); domains != "" {
		ev.Domains = strings.Split(domains, ",")
	}
	var err error
	if ev.IssuedAt, err = parseTime(stmt.GetText("issued_at")); err != nil {
		return ev, err
	}
	if ev.ExpiresAt, err = parseTime(stmt.GetText("expires_at")); err != nil {
		return ev, err
	}
	if ev.CreatedAt, err = parseTime(stmt.GetText("created_at")); err != nil {
		return ev, err
	}
	return ev, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("db: bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
