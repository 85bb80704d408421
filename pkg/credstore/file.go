// Package credstore provides CredentialStore implementations for the
// authentication manager.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"

	"github.com/vikashloomba/mcp-gateway-go/pkg/auth"
)

// lockTimeout is the maximum time to wait for the credentials file lock.
const lockTimeout = 2 * time.Second

const defaultRelPath = "mcp-gateway/credentials.json"

// DefaultPath returns the credentials file location under the XDG config
// directory, creating parent directories as needed.
func DefaultPath() (string, error) {
	p, err := xdg.ConfigFile(defaultRelPath)
	if err != nil {
		return "", fmt.Errorf("credstore: resolve default path: %w", err)
	}
	return p, nil
}

// FileStore keeps credentials in a single JSON document keyed by upstream
// server ID. Every operation holds a lock on a sibling ".lock" file so
// several gateway processes can share one file.
type FileStore struct {
	path string
}

var _ auth.CredentialStore = (*FileStore)(nil)

// NewFileStore returns a store backed by path. An empty path selects
// DefaultPath.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

// Path is the file the store reads and writes.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context, key string) (*auth.Credential, error) {
	var out *auth.Credential
	err := s.withLock(ctx, func() error {
		creds, err := s.read()
		if err != nil {
			return err
		}
		cred, ok := creds[key]
		if !ok {
			return auth.ErrCredentialNotFound
		}
		out = cred
		return nil
	})
	return out, err
}

func (s *FileStore) Save(ctx context.Context, key string, cred *auth.Credential) error {
	if cred == nil {
		return errors.New("credstore: nil credential")
	}
	return s.withLock(ctx, func() error {
		creds, err := s.read()
		if err != nil {
			return err
		}
		creds[key] = cred
		return s.write(creds)
	})
}

// Delete removes the credential for key. Deleting an absent key is not an
// error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.withLock(ctx, func() error {
		creds, err := s.read()
		if err != nil {
			return err
		}
		if _, ok := creds[key]; !ok {
			return nil
		}
		delete(creds, key)
		return s.write(creds)
	})
}

// Keys lists the server IDs that have stored credentials, sorted.
func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.withLock(ctx, func() error {
		creds, err := s.read()
		if err != nil {
			return err
		}
		for k := range creds {
			keys = append(keys, k)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("credstore: create directory: %w", err)
	}
	fileLock := flock.New(s.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("credstore: acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("credstore: acquire lock: timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()
	return fn()
}

func (s *FileStore) read() (map[string]*auth.Credential, error) {
	// #nosec G304: path is chosen by the operator.
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]*auth.Credential), nil
		}
		return nil, fmt.Errorf("credstore: read %s: %w", s.path, err)
	}
	creds := make(map[string]*auth.Credential)
	if len(raw) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("credstore: parse %s: %w", s.path, err)
	}
	return creds, nil
}

// write replaces the file atomically with owner-only permissions.
func (s *FileStore) write(creds map[string]*auth.Credential) error {
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("credstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("credstore: replace %s: %w", s.path, err)
	}
	return nil
}
