package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps tenants and keys in process memory. Keys are indexed by
// hash so lookups stay O(1) like the unique index in Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]*APIKey // by id
	byHash  map[string]string  // key hash -> key id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		keys:    make(map[string]*APIKey),
		byHash:  make(map[string]string),
	}
}

func (s *MemoryStore) GetKeyByHash(_ context.Context, keyHash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	k := *s.keys[id]
	return &k, nil
}

func (s *MemoryStore) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) CreateTenant(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTenant(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tenants[t.ID]
	if !ok {
		return ErrNotFound
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.KeyHash == "" {
		return ErrInvalidInput
	}
	if _, ok := s.tenants[key.TenantID]; !ok {
		return ErrNotFound
	}
	if _, dup := s.byHash[key.KeyHash]; dup {
		return ErrInvalidInput
	}
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now().UTC()
	cp := *key
	s.keys[key.ID] = &cp
	s.byHash[key.KeyHash] = key.ID
	return nil
}

func (s *MemoryStore) RevokeKey(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	k.Revoked = true
	cp := *k
	return &cp, nil
}
