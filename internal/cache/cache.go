package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/shotqueue/internal/model"
)

// Store holds credentials keyed by bot slug.
type Store interface {
	Load(ctx context.Context, botSlug string) (model.Credential, bool, error)
	Save(ctx context.Context, botSlug string, cred model.Credential, ttl time.Duration) error
	Delete(ctx context.Context, botSlug string) error
}

// CredentialResolver is the source of truth behind the cache.
type CredentialResolver interface {
	CredentialFor(ctx context.Context, botSlug string) (model.Credential, error)
}

// CredentialCache resolves bot credentials through a TTL cache. A store
// failure falls through to the resolver rather than failing the send.
type CredentialCache struct {
	Resolver CredentialResolver
	Store    Store
	TTL      time.Duration
}

func NewCredentialCache(resolver CredentialResolver, store Store, ttl time.Duration) *CredentialCache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &CredentialCache{Resolver: resolver, Store: store, TTL: ttl}
}

func (c *CredentialCache) Get(ctx context.Context, botSlug string) (model.Credential, error) {
	if cred, ok, err := c.Store.Load(ctx, botSlug); err == nil && ok {
		return cred, nil
	}

	cred, err := c.Resolver.CredentialFor(ctx, botSlug)
	if err != nil {
		return model.Credential{}, err
	}
	if c.TTL > 0 {
		_ = c.Store.Save(ctx, botSlug, cred, c.TTL)
	}
	return cred, nil
}

// Invalidate drops the cached credential so the next Get hits the resolver.
func (c *CredentialCache) Invalidate(ctx context.Context, botSlug string) error {
	if err := c.Store.Delete(ctx, botSlug); err != nil {
		return fmt.Errorf("invalidate credential %s: %w", botSlug, err)
	}
	return nil
}

type memoryEntry struct {
	cred      model.Credential
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context, botSlug string) (model.Credential, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[botSlug]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expiresAt) {
		return model.Credential{}, false, nil
	}
	return e.cred, true, nil
}

func (m *MemoryStore) Save(_ context.Context, botSlug string, cred model.Credential, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	m.mu.Lock()
	m.entries[botSlug] = memoryEntry{cred: cred, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, botSlug string) error {
	m.mu.Lock()
	delete(m.entries, botSlug)
	m.mu.Unlock()
	return nil
}
