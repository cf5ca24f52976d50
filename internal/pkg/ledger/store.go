package ledger

import (
	"context"
	"sync"

	"github.com/dhstx/productpage-sub002/app/models"
)

// Store persists ledgers keyed by account. Implementations must make
// CompareAndSwap atomic: the write succeeds only when the stored version
// equals expectedVersion (0 meaning "absent"), and it stores
// expectedVersion+1 on next.
type Store interface {
	Get(ctx context.Context, accountID string) (*models.UsageLedger, error)
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.UsageLedger) (bool, error)
}

// MemoryStore is a process-local Store used in tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	ledgers map[string]*models.UsageLedger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]*models.UsageLedger)}
}

func (s *MemoryStore) Get(ctx context.Context, accountID string) (*models.UsageLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return l.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.UsageLedger) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var version int64
	if cur, ok := s.ledgers[next.AccountID]; ok {
		version = cur.Version
	}
	if version != expectedVersion {
		return false, nil
	}
	next.Version = expectedVersion + 1
	s.ledgers[next.AccountID] = next.Clone()
	return true, nil
}
