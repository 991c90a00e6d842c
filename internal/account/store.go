package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store abstracts account persistence. Save is an upsert keyed by ID and
// must report ErrEmailTaken when another account in the same tenant already
// owns the email.
type Store interface {
	GetByID(ctx context.Context, id string) (Account, error)
	GetByEmail(ctx context.Context, tenantID, email string) (Account, error)
	Save(ctx context.Context, acct Account) error
	// RecordFailedAttempt counts one login failure in a single atomic
	// update so concurrent failures cannot overwrite each other. When the
	// counter reaches maxAttempts it resets to zero and the lockout is set
	// to lockUntil. It returns the counter and lockout as stored after
	// this call.
	RecordFailedAttempt(ctx context.Context, id string, maxAttempts int, lockUntil, at time.Time) (attempts int, lockedUntil *time.Time, err error)
	// RecordLogin atomically clears the failure counter and lockout and
	// stamps the last login time.
	RecordLogin(ctx context.Context, id string, at time.Time) error
	// ListDormantSince returns active accounts whose last login (or
	// creation, when they never logged in) predates cutoff.
	ListDormantSince(ctx context.Context, cutoff time.Time, limit int) ([]Account, error)
}

// MemoryStore is an in-memory Store for tests and embedding.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return cloneAccount(acct), nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, tenantID, email string) (Account, error) {
	email = NormalizeEmail(email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, acct := range s.accounts {
		if acct.TenantID == tenantID && acct.Email == email {
			return cloneAccount(acct), nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *MemoryStore) Save(_ context.Context, acct Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.accounts {
		if id != acct.ID && existing.TenantID == acct.TenantID && existing.Email == acct.Email {
			return ErrEmailTaken
		}
	}
	s.accounts[acct.ID] = cloneAccount(acct)
	return nil
}

func (s *MemoryStore) RecordFailedAttempt(_ context.Context, id string, maxAttempts int, lockUntil, at time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return 0, nil, ErrNotFound
	}

	acct.FailedAttempts++
	if acct.FailedAttempts >= maxAttempts {
		acct.FailedAttempts = 0
		until := lockUntil.UTC()
		acct.LockoutUntil = &until
	}
	acct.UpdatedAt = at.UTC()
	s.accounts[id] = cloneAccount(acct)

	var lockedUntil *time.Time
	if acct.LockoutUntil != nil {
		value := *acct.LockoutUntil
		lockedUntil = &value
	}
	return acct.FailedAttempts, lockedUntil, nil
}

func (s *MemoryStore) RecordLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}

	lastLogin := at.UTC()
	acct.FailedAttempts = 0
	acct.LockoutUntil = nil
	acct.LastLoginAt = &lastLogin
	acct.UpdatedAt = lastLogin
	s.accounts[id] = cloneAccount(acct)
	return nil
}

func (s *MemoryStore) ListDormantSince(_ context.Context, cutoff time.Time, limit int) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dormant := make([]Account, 0)
	for _, acct := range s.accounts {
		if !acct.Active {
			continue
		}
		reference := acct.CreatedAt
		if acct.LastLoginAt != nil {
			reference = *acct.LastLoginAt
		}
		if reference.Before(cutoff) {
			dormant = append(dormant, cloneAccount(acct))
		}
	}
	sort.Slice(dormant, func(i, j int) bool { return dormant[i].ID < dormant[j].ID })
	if limit > 0 && len(dormant) > limit {
		dormant = dormant[:limit]
	}
	return dormant, nil
}

func cloneAccount(acct Account) Account {
	out := acct
	out.Roles = append([]string(nil), acct.Roles...)
	out.BackupCodeHashes = append([]string(nil), acct.BackupCodeHashes...)
	if acct.LockoutUntil != nil {
		value := *acct.LockoutUntil
		out.LockoutUntil = &value
	}
	if acct.LastLoginAt != nil {
		value := *acct.LastLoginAt
		out.LastLoginAt = &value
	}
	return out
}
