// Package filestore keeps certificate records on the local filesystem.
//
// Every record is a version directory under .versions/<name>/ and the
// current one is selected by the symlink <root>/<name>. Writes stage a new
// version and swap the symlink with a rename, so readers see either the old
// or the new record and never a partial one.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/caasmo/restinpieces-letsencrypt"
)

const (
	versionsDir = ".versions"
	backupDir   = "backup"

	certFile  = "cert.pem"
	chainFile = "chain.pem"
	keyFile   = "key.pem"
	metaFile  = "meta.toml"
)

var recordFiles = []string{certFile, chainFile, keyFile, metaFile}

// meta is the metadata file of a version.
type meta struct {
	Name      string     `toml:"name"`
	State     acme.State `toml:"state"`
	IssuedAt  time.Time  `toml:"issued_at"`
	ExpiresAt time.Time  `toml:"expires_at"`
	Domains   []string   `toml:"domains"`
	KeySize   int        `toml:"key_size"`
	Email     string     `toml:"email"`
}

func (m meta) summary() acme.Summary {
	return acme.Summary{
		Name:      m.Name,
		State:     m.State,
		IssuedAt:  m.IssuedAt.UTC(),
		ExpiresAt: m.ExpiresAt.UTC(),
		Domains:   m.Domains,
		KeySize:   m.KeySize,
		Email:     m.Email,
	}
}

// Store implements acme.Store. Mutations are serialized; Get and List do not
// take the lock.
type Store struct {
	root   string
	mu     sync.Mutex
	logger *slog.Logger
}

// New opens the store at root, creating the directory layout if needed.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		panic("filestore.New: received nil logger")
	}
	for _, dir := range []string{root, filepath.Join(root, versionsDir), filepath.Join(root, backupDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	return &Store{root: root, logger: logger.With("component", "filestore")}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory holding the current files of name.
func (s *Store) Dir(name string) string { return filepath.Join(s.root, name) }

func (s *Store) Put(rec *acme.Record) error {
	if err := rec.CheckInvariants(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	version := uuid.NewString()
	parent := filepath.Join(s.root, versionsDir, rec.Name)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return ioError("put", rec.Name, err)
	}
	dir := filepath.Join(parent, version)
	if err := writeVersion(dir, rec); err != nil {
		os.RemoveAll(dir)
		return ioError("put", rec.Name, err)
	}

	previous, err := s.current(rec.Name)
	switch {
	case err == nil:
		if err := s.backup(rec.Name); err != nil {
			os.RemoveAll(dir)
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		os.RemoveAll(dir)
		return ioError("put", rec.Name, err)
	}

	if err := s.swap(rec.Name, version); err != nil {
		os.RemoveAll(dir)
		return ioError("put", rec.Name, err)
	}
	s.prune(rec.Name, version, previous)
	s.logger.Debug("Stored certificate", "name", rec.Name, "version", version, "state", rec.State)
	return nil
}

func (s *Store) Get(name string) (*acme.Record, error) {
	if err := acme.ValidateName(name); err != nil {
		return nil, acme.NotFoundError("get", name)
	}
	version, err := s.current(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, acme.NotFoundError("get", name)
	}
	if err != nil {
		return nil, ioError("get", name, err)
	}
	rec, err := readVersion(filepath.Join(s.root, versionsDir, name, version), true)
	if err != nil {
		return nil, ioError("get", name, err)
	}
	return rec, nil
}

// List yields the summaries of all records in name order. Each iteration
// reads the directory again.
func (s *Store) List() iter.Seq2[acme.Summary, error] {
	return func(yield func(acme.Summary, error) bool) {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			yield(acme.Summary{}, ioError("list", "", err))
			return
		}
		for _, e := range entries {
			if e.Type()&fs.ModeSymlink == 0 || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			m, err := readMeta(filepath.Join(s.root, e.Name()))
			if errors.Is(err, fs.ErrNotExist) {
				// deleted while listing
				continue
			}
			if err != nil {
				if !yield(acme.Summary{Name: e.Name()}, ioError("list", e.Name(), err)) {
					return
				}
				continue
			}
			if !yield(m.summary(), nil) {
				return
			}
		}
	}
}

func (s *Store) Delete(name string) error {
	if err := acme.ValidateName(name); err != nil {
		return acme.NotFoundError("delete", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	link := filepath.Join(s.root, name)
	if _, err := os.Lstat(link); errors.Is(err, fs.ErrNotExist) {
		return acme.NotFoundError("delete", name)
	} else if err != nil {
		return ioError("delete", name, err)
	}
	if err := os.Remove(link); err != nil {
		return ioError("delete", name, err)
	}
	var errs []error
	for _, dir := range []string{
		filepath.Join(s.root, versionsDir, name),
		filepath.Join(s.root, backupDir, name),
	} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return ioError("delete", name, err)
	}
	s.logger.Debug("Deleted certificate", "name", name)
	return nil
}

func (s *Store) Backup(name string) error {
	if err := acme.ValidateName(name); err != nil {
		return acme.NotFoundError("backup", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backup(name)
}

// Restore makes the backup of name current. The version it replaces becomes
// the new backup, so a second Restore undoes the first.
func (s *Store) Restore(name string) error {
	if err := acme.ValidateName(name); err != nil {
		return acme.NotFoundError("restore", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src := filepath.Join(s.root, backupDir, name)
	rec, err := readVersion(src, true)
	if errors.Is(err, fs.ErrNotExist) {
		return acme.NotFoundError("restore", name)
	}
	if err != nil {
		return ioError("restore", name, err)
	}
	if rec.Name != name {
		return ioError("restore", name, fmt.Errorf("backup belongs to %q", rec.Name))
	}

	version := uuid.NewString()
	parent := filepath.Join(s.root, versionsDir, name)
	if err := os.MkdirAll(parent, 0o700); err != nil {
		return ioError("restore", name, err)
	}
	dir := filepath.Join(parent, version)
	if err := writeVersion(dir, rec); err != nil {
		os.RemoveAll(dir)
		return ioError("restore", name, err)
	}

	previous, err := s.current(name)
	if err == nil {
		if err := s.backup(name); err != nil {
			os.RemoveAll(dir)
			return err
		}
	}
	if err := s.swap(name, version); err != nil {
		os.RemoveAll(dir)
		return ioError("restore", name, err)
	}
	s.prune(name, version, previous)
	s.logger.Info("Restored certificate from backup", "name", name, "version", version)
	return nil
}

// current returns the version the symlink of name points to.
func (s *Store) current(name string) (string, error) {
	target, err := os.Readlink(filepath.Join(s.root, name))
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

// backup copies the current version of name to backup/<name>. The copy is
// staged next to the destination and renamed into place.
func (s *Store) backup(name string) error {
	version, err := s.current(name)
	if errors.Is(err, fs.ErrNotExist) {
		return acme.NotFoundError("backup", name)
	}
	if err != nil {
		return ioError("backup", name, err)
	}

	src := filepath.Join(s.root, versionsDir, name, version)
	dst := filepath.Join(s.root, backupDir, name)
	staging := filepath.Join(s.root, backupDir, "."+name+".tmp-"+uuid.NewString())
	if err := copyVersion(src, staging); err != nil {
		os.RemoveAll(staging)
		return ioError("backup", name, err)
	}

	old := ""
	if _, err := os.Stat(dst); err == nil {
		old = filepath.Join(s.root, backupDir, "."+name+".old-"+uuid.NewString())
		if err := os.Rename(dst, old); err != nil {
			os.RemoveAll(staging)
			return ioError("backup", name, err)
		}
	}
	if err := os.Rename(staging, dst); err != nil {
		os.RemoveAll(staging)
		if old != "" {
			os.Rename(old, dst)
		}
		return ioError("backup", name, err)
	}
	if old != "" {
		os.RemoveAll(old)
	}
	return syncDir(filepath.Join(s.root, backupDir))
}

// swap points the symlink of name at version by renaming a fresh symlink
// over it.
func (s *Store) swap(name, version string) error {
	target := filepath.Join(versionsDir, name, version)
	tmp := filepath.Join(s.root, "."+name+".link-"+uuid.NewString())
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(s.root, name)); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDir(s.root)
}

// prune removes every version of name except keep and previous. previous
// stays so a reader that resolved the old link can still finish reading.
func (s *Store) prune(name, keep, previous string) {
	parent := filepath.Join(s.root, versionsDir, name)
	entries, err := os.ReadDir(parent)
	if err != nil {
		s.logger.Warn("Failed to list versions", "name", name, "error", err)
		return
	}
	for _, e := range entries {
		if e.Name() == keep || e.Name() == previous {
			continue
		}
		if err := os.RemoveAll(filepath.Join(parent, e.Name())); err != nil {
			s.logger.Warn("Failed to prune version", "name", name, "version", e.Name(), "error", err)
		}
	}
}

func writeVersion(dir string, rec *acme.Record) error {
	if err := os.Mkdir(dir, 0o700); err != nil {
		return err
	}
	m := meta{
		Name:      rec.Name,
		State:     rec.State,
		IssuedAt:  rec.IssuedAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
		Domains:   rec.Domains,
		KeySize:   rec.KeySize,
		Email:     rec.Email,
	}
	metaBytes, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{certFile, rec.CertPEM, 0o644},
		{chainFile, rec.ChainPEM, 0o644},
		{keyFile, rec.KeyPEM, 0o600},
		{metaFile, metaBytes, 0o644},
	}
	for _, f := range files {
		if f.name == keyFile && len(f.data) == 0 {
			continue
		}
		if err := writeFileSync(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return err
		}
	}
	return syncDir(dir)
}

func readMeta(dir string) (meta, error) {
	var m meta
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return m, err
	}
	if err := toml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func readVersion(dir string, withKey bool) (*acme.Record, error) {
	m, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	rec := &acme.Record{
		Name:      m.Name,
		State:     m.State,
		IssuedAt:  m.IssuedAt.UTC(),
		ExpiresAt: m.ExpiresAt.UTC(),
		Domains:   m.Domains,
		KeySize:   m.KeySize,
		Email:     m.Email,
	}
	if rec.CertPEM, err = os.ReadFile(filepath.Join(dir, certFile)); err != nil {
		return nil, err
	}
	if rec.ChainPEM, err = os.ReadFile(filepath.Join(dir, chainFile)); err != nil {
		return nil, err
	}
	if withKey {
		rec.KeyPEM, err = os.ReadFile(filepath.Join(dir, keyFile))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return rec, nil
}

func copyVersion(src, dst string) error {
	if err := os.Mkdir(dst, 0o700); err != nil {
		return err
	}
	for _, name := range recordFiles {
		if err := copyFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			if errors.Is(err, fs.ErrNotExist) && name == keyFile {
				continue
			}
			return err
		}
	}
	return syncDir(dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeFileSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func ioError(op, name string, err error) error {
	return &acme.StoreError{Op: op, Name: name, Kind: acme.StoreIO, Err: err}
}
