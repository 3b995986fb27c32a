package store

import (
	"context"
	"sync"

	"github.com/ashureev/cantor/internal/domain"
)

// MemoryStore is a process-local ConversationStore. Data is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]domain.ConversationLog
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{logs: make(map[string]domain.ConversationLog)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (domain.ConversationLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[key]
	if !ok {
		return nil, false, nil
	}
	return log.Clone(), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, log domain.ConversationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[key] = log.Clone()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

var _ ConversationStore = (*MemoryStore)(nil)
