package credstore

import (
	"context"
	"sync"

	"github.com/vikashloomba/mcp-gateway-go/pkg/auth"
)

// MemoryStore is a process-local CredentialStore. Values are copied on the
// way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]auth.Credential
}

var _ auth.CredentialStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]auth.Credential)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (*auth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[key]
	if !ok {
		return nil, auth.ErrCredentialNotFound
	}
	return &cred, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, cred *auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = *cred
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, key)
	return nil
}
