package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/soltybet/wager-engine/internal/model"
)

// MemoryStore implements Store with in-memory structures. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	state  *model.ContractState
	outbox []*outboxEntry
	byID   map[string]*outboxEntry
}

type outboxEntry struct {
	intent   model.TransferIntent
	status   string
	attempts int
	reason   string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*outboxEntry),
	}
}

func (s *MemoryStore) LoadState(_ context.Context) (*model.ContractState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	return s.state.Clone(), nil
}

func (s *MemoryStore) SaveState(_ context.Context, state *model.ContractState, intents []model.TransferIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored uint64
	if s.state != nil {
		stored = s.state.Version
	}
	if state.Version != stored+1 {
		return fmt.Errorf("save version %d over %d: %w", state.Version, stored, ErrVersionConflict)
	}
	for _, in := range intents {
		if _, dup := s.byID[in.ID]; dup {
			return fmt.Errorf("intent %s already in outbox", in.ID)
		}
	}

	// Store a copy to avoid external mutation.
	s.state = state.Clone()
	for _, in := range intents {
		e := &outboxEntry{intent: in, status: StatusPending}
		s.outbox = append(s.outbox, e)
		s.byID[in.ID] = e
	}
	return nil
}

func (s *MemoryStore) PendingTransfers(_ context.Context) ([]model.PendingTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.PendingTransfer{}
	for _, e := range s.outbox {
		if e.status != StatusPending {
			continue
		}
		result = append(result, model.PendingTransfer{
			Intent:   e.intent,
			Reason:   e.reason,
			Attempts: e.attempts,
		})
	}
	return result, nil
}

func (s *MemoryStore) MarkTransferred(_ context.Context, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[intentID]
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	e.status = StatusCompleted
	e.attempts++
	e.reason = ""
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, intentID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[intentID]
	if !ok {
		return 0, fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	e.attempts++
	e.reason = reason
	return e.attempts, nil
}
