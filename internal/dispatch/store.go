package dispatch

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/percy/internal/domain"
)

// ExecutionStore persists execution records. Records are never deleted.
// Implementations must be safe for concurrent use.
type ExecutionStore interface {
	// Insert stores rec and returns the assigned id. rec.ID is set on success.
	Insert(ctx context.Context, rec *domain.ExecutionRecord) (string, error)
	// Update applies upd to record id. When upd.ExpectStatus is set and the stored
	// status differs, it returns domain.ErrStaleTransition and changes nothing.
	Update(ctx context.Context, id string, upd domain.ExecutionUpdate) error
	// FindByExecutionID returns domain.ErrExecutionNotFound when no record matches.
	FindByExecutionID(ctx context.Context, id string) (*domain.ExecutionRecord, error)
	// ListByCaller returns the caller's records, newest first.
	ListByCaller(ctx context.Context, callerID string, limit int) ([]domain.ExecutionRecord, error)
}

// InMemoryStore implements ExecutionStore using an in-memory map.
// Used in tests and when no database is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.ExecutionRecord
	now     func() time.Time
}

// NewInMemoryStore creates an empty in-memory execution store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*domain.ExecutionRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Insert(_ context.Context, rec *domain.ExecutionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := s.now()
	cp := cloneRecord(rec)
	cp.ID = id
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	s.records[id] = cp

	rec.ID = id
	rec.CreatedAt = cp.CreatedAt
	rec.UpdatedAt = cp.UpdatedAt
	return id, nil
}

func (s *InMemoryStore) Update(_ context.Context, id string, upd domain.ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	if upd.ExpectStatus != "" && rec.Status != upd.ExpectStatus {
		return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStaleTransition, id, rec.Status, upd.ExpectStatus)
	}
	upd.Apply(rec, s.now())
	return nil
}

func (s *InMemoryStore) FindByExecutionID(_ context.Context, id string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (s *InMemoryStore) ListByCaller(_ context.Context, callerID string, limit int) ([]domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ExecutionRecord
	for _, rec := range s.records {
		if rec.CallerID == callerID {
			out = append(out, *cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b domain.ExecutionRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRecord(rec *domain.ExecutionRecord) *domain.ExecutionRecord {
	cp := *rec
	cp.Payload = slices.Clone(rec.Payload)
	cp.Result = slices.Clone(rec.Result)
	return &cp
}

var _ ExecutionStore = (*InMemoryStore)(nil)
