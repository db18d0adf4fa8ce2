// Package store defines the persistence interface for the wager engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/soltybet/wager-engine/internal/model"
)

var (
	// ErrNotFound is returned when no state or intent exists.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned when a save was built from a stale copy.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Outbox statuses.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
)

// Store is the persistence interface. The contract state is one document
// guarded by its Version; transfer intents live in an outbox next to it.
type Store interface {
	// --- Contract state ---

	// LoadState returns the persisted state, or ErrNotFound.
	LoadState(ctx context.Context) (*model.ContractState, error)

	// SaveState persists state together with new outbox intents in one
	// atomic write. state.Version must be exactly one above the stored
	// version (zero when nothing is stored), else ErrVersionConflict.
	SaveState(ctx context.Context, state *model.ContractState, intents []model.TransferIntent) error

	// --- Transfer outbox ---

	// PendingTransfers returns undelivered intents in commit order.
	PendingTransfers(ctx context.Context) ([]model.PendingTransfer, error)

	// MarkTransferred records delivery of an intent.
	MarkTransferred(ctx context.Context, intentID string) error

	// MarkFailed records a failed attempt and returns the attempt count.
	MarkFailed(ctx context.Context, intentID, reason string) (int, error)
}
