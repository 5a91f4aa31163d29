package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments []*Assessment
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.assessments = append(s.assessments, &cp)
	return nil
}

func (s *MemoryStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error) {
	return s.list(limit, func(a *Assessment) bool { return a.ActorID == actorID }), nil
}

func (s *MemoryStore) ListAnomalous(ctx context.Context, limit int) ([]*Assessment, error) {
	return s.list(limit, func(a *Assessment) bool { return a.Verdict == VerdictAnomalous }), nil
}

// list returns matching assessments, most recent first, up to limit.
func (s *MemoryStore) list(limit int, match func(*Assessment) bool) []*Assessment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Assessment
	for i := len(s.assessments) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if match(s.assessments[i]) {
			cp := *s.assessments[i]
			result = append(result, &cp)
		}
	}
	return result
}
