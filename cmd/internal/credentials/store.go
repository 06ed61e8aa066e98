// Package credentials keeps transport authentication material on disk, one directory per
// session key, optionally sealed with XChaCha20-Poly1305.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	storeDirMode = 0o700
	credFileMode = 0o600

	dirPrefix = "session_"
	credFile  = "creds.json"
)

// ErrInvalidKey is returned for session keys that cannot name a directory.
var ErrInvalidKey = errors.New("invalid credentials key")

// Store is the on-disk credential store.
type Store struct {
	root   string
	sealer *Sealer

	mu sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithSealer encrypts blobs at rest.
func WithSealer(s *Sealer) Option {
	return func(st *Store) {
		st.sealer = s
	}
}

// NewStore returns a store rooted at root. The directory is created on first Save.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{root: filepath.Clean(root)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Load returns the stored blob for key, or nil when none exists.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credentials %q: %w", key, err)
	}

	if s.sealer != nil {
		plain, err := s.sealer.Open(key, data)
		if err != nil {
			return nil, fmt.Errorf("open credentials %q: %w", key, err)
		}
		return plain, nil
	}
	if IsSealed(data) {
		return nil, fmt.Errorf("credentials %q are encrypted but no key is configured", key)
	}
	return data, nil
}

// Save atomically replaces the blob for key.
func (s *Store) Save(ctx context.Context, key string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}

	data := blob
	if s.sealer != nil {
		if data, err = s.sealer.Seal(key, blob); err != nil {
			return fmt.Errorf("seal credentials %q: %w", key, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, storeDirMode); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, credFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(credFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod credentials %q: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync credentials %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials %q: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace credentials %q: %w", key, err)
	}
	return nil
}

// Purge removes the session directory. Missing directories are not an error.
func (s *Store) Purge(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		return fmt.Errorf("purge credentials %q: %w", key, err)
	}
	return nil
}

// List returns the keys of every session directory holding a credentials file, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		key := strings.TrimPrefix(e.Name(), dirPrefix)
		if validKey(key) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), credFile)); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if key != strings.TrimSpace(key) || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func (s *Store) pathForKey(key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, dirPrefix+key, credFile), nil
}
