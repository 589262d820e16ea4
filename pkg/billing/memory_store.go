package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/symptomkit/symptomkit/pkg/quota"
)

// MemoryStore is an in-memory implementation of Store, EventStore and the
// quota store, for tests and local development without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	events  map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*Record),
		events:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetBySubscriptionID(_ context.Context, provider PaymentProvider, providerSubscriptionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Provider == provider && rec.ProviderSubscriptionID == providerSubscriptionID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.UserID]
	if !ok {
		return ErrRecordNotFound
	}
	// Quota columns stay store-owned, mirroring the SQL implementation.
	cp := *rec
	cp.QuotaCount = stored.QuotaCount
	cp.QuotaResetAt = stored.QuotaResetAt
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.records[rec.UserID] = &cp
	return nil
}

func (s *MemoryStore) Create(_ context.Context, userID uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[userID]; ok {
		cp := *rec
		return &cp, nil
	}
	now := time.Now().UTC()
	rec := &Record{
		UserID:    userID,
		Provider:  ProviderNone,
		Status:    StatusInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[userID] = rec
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ClaimEvent(_ context.Context, provider PaymentProvider, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(provider) + ":" + eventID
	if _, ok := s.events[key]; ok {
		return false, nil
	}
	s.events[key] = struct{}{}
	return true, nil
}

func (s *MemoryStore) ReleaseEvent(_ context.Context, provider PaymentProvider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, string(provider)+":"+eventID)
	return nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, userID uuid.UUID, now time.Time, window time.Duration) (quota.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return quota.Usage{}, quota.ErrUserNotFound
	}
	if rec.QuotaResetAt.IsZero() || !rec.QuotaResetAt.After(now.Add(-window)) {
		rec.QuotaCount = 1
		rec.QuotaResetAt = now.UTC()
	} else {
		rec.QuotaCount++
	}
	rec.UpdatedAt = now.UTC()
	return quota.Usage{Count: rec.QuotaCount, ResetAt: rec.QuotaResetAt}, nil
}

func (s *MemoryStore) Usage(_ context.Context, userID uuid.UUID) (quota.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return quota.Usage{}, quota.ErrUserNotFound
	}
	return quota.Usage{Count: rec.QuotaCount, ResetAt: rec.QuotaResetAt}, nil
}
