package apikey

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store abstracts API-key persistence. IncrementUsage must be atomic with
// respect to concurrent validations of the same key.
type Store interface {
	GetByHash(ctx context.Context, keyHash string) (Key, error)
	GetByID(ctx context.Context, id string) (Key, error)
	Save(ctx context.Context, key Key) error
	Update(ctx context.Context, key Key) error
	IncrementUsage(ctx context.Context, id string, at time.Time, ip string) error
	ListForAccount(ctx context.Context, accountID string) ([]Key, error)
	ListExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]Key, error)
}

// MemoryStore is an in-memory Store for tests and embedding.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Key
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Key),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) GetByHash(_ context.Context, keyHash string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[keyHash]
	if !ok {
		return Key{}, ErrNotFound
	}
	return cloneKey(*s.byID[id]), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	return cloneKey(*key), nil
}

func (s *MemoryStore) Save(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneKey(key)
	s.byID[key.ID] = &stored
	s.byHash[key.KeyHash] = key.ID
	return nil
}

func (s *MemoryStore) Update(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[key.ID]
	if !ok {
		return ErrNotFound
	}
	usage := existing.UsageCount
	stored := cloneKey(key)
	if stored.UsageCount < usage {
		stored.UsageCount = usage
	}
	s.byID[key.ID] = &stored
	return nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, id string, at time.Time, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	key.UsageCount++
	lastUsed := at.UTC()
	key.LastUsedAt = &lastUsed
	if ip != "" {
		key.LastUsedIP = ip
	}
	return nil
}

func (s *MemoryStore) ListForAccount(_ context.Context, accountID string) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0)
	for _, key := range s.byID {
		if key.AccountID == accountID {
			keys = append(keys, cloneKey(*key))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) ListExpiringBefore(_ context.Context, cutoff time.Time, limit int) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0)
	for _, key := range s.byID {
		if key.Revoked || key.ExpiresAt == nil {
			continue
		}
		if key.ExpiresAt.Before(cutoff) {
			keys = append(keys, cloneKey(*key))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ExpiresAt.Before(*keys[j].ExpiresAt) })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func cloneKey(key Key) Key {
	out := key
	out.Scopes = append([]string(nil), key.Scopes...)
	if key.ExpiresAt != nil {
		value := *key.ExpiresAt
		out.ExpiresAt = &value
	}
	if key.LastUsedAt != nil {
		value := *key.LastUsedAt
		out.LastUsedAt = &value
	}
	return out
}
