package session

import (
	"context"
	"sync"
	"time"
)

// Store abstracts refresh-token persistence. MarkRevoked is the
// serialization point for rotation: it must set the revocation fields only
// when the token is not yet revoked, and report whether this call won.
type Store interface {
	GetByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	Save(ctx context.Context, tok RefreshToken) error
	MarkRevoked(ctx context.Context, id string, reason RevocationReason, successorHash string, at time.Time) (bool, error)
	// MarkReused rewrites the stored reason on an already-revoked token
	// when its replay is detected.
	MarkReused(ctx context.Context, id string, at time.Time) error
	// ClearSuccessor removes the successor link from a token, leaving the
	// revocation itself in place.
	ClearSuccessor(ctx context.Context, id string) error
	ListActiveForAccount(ctx context.Context, accountID string, now time.Time) ([]RefreshToken, error)
	DeleteExpiredOrRevoked(ctx context.Context, now time.Time, limit int) (int64, error)
}

// MemoryStore is an in-memory Store for tests and embedding.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*RefreshToken
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*RefreshToken),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) GetByHash(_ context.Context, tokenHash string) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[tokenHash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) Save(_ context.Context, tok RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := tok
	s.byID[tok.ID] = &stored
	s.byHash[tok.TokenHash] = tok.ID
	return nil
}

func (s *MemoryStore) MarkRevoked(_ context.Context, id string, reason RevocationReason, successorHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.byID[id]
	if !ok || tok.RevokedAt != nil {
		return false, nil
	}

	revokedAt := at.UTC()
	tok.RevokedAt = &revokedAt
	tok.RevokedReason = reason
	tok.SuccessorHash = successorHash
	return true, nil
}

func (s *MemoryStore) MarkReused(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if tok.RevokedAt == nil {
		revokedAt := at.UTC()
		tok.RevokedAt = &revokedAt
	}
	tok.RevokedReason = ReasonReused
	return nil
}

func (s *MemoryStore) ClearSuccessor(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	tok.SuccessorHash = ""
	return nil
}

func (s *MemoryStore) ListActiveForAccount(_ context.Context, accountID string, now time.Time) ([]RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]RefreshToken, 0)
	for _, tok := range s.byID {
		if tok.AccountID == accountID && tok.Active(now) {
			active = append(active, *tok)
		}
	}
	return active, nil
}

func (s *MemoryStore) DeleteExpiredOrRevoked(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, tok := range s.byID {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if tok.RevokedAt != nil || !now.Before(tok.ExpiresAt) {
			delete(s.byHash, tok.TokenHash)
			delete(s.byID, id)
			deleted++
		}
	}
	return deleted, nil
}
