package phase

import (
	"context"

	"github.com/soltybet/wager-engine/internal/ledger"
	"github.com/soltybet/wager-engine/internal/model"
)

// Read-only queries. Each returns a copy; callers cannot reach the live
// state.

// Snapshot returns a deep copy of the whole contract state.
func (c *Controller) Snapshot() *model.ContractState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *Controller) Phase() model.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

func (c *Controller) RoundID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Round.ID
}

func (c *Controller) PoolTotals() map[model.Outcome]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ledger.Totals(&c.state.Round)
}

func (c *Controller) StakesByBettor(bettor model.Identity) []model.Stake {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ledger.StakesBy(&c.state.Clone().Round, bettor)
}

// Weights is empty until the round is locked.
func (c *Controller) Weights() []model.Weight {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Weight{}, c.state.Round.Weights...)
}

// DeclaredOutcome is nil until a result is accepted.
func (c *Controller) DeclaredOutcome() *model.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Round.DeclaredOutcome == nil {
		return nil
	}
	o := *c.state.Round.DeclaredOutcome
	return &o
}

// RecentRounds lists the last closed rounds, newest first.
func (c *Controller) RecentRounds() []model.RoundSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.RoundSummary, 0, len(c.state.Recent))
	for _, r := range c.state.Recent {
		out = append(out, r.Clone())
	}
	return out
}

func (c *Controller) PendingTransfers(ctx context.Context) ([]model.PendingTransfer, error) {
	return c.store.PendingTransfers(ctx)
}
