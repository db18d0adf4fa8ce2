// Package settlement turns a round's ledger into weights at lock time and
// into transfer intents at settlement or refund time. Functions here never
// touch pool totals or the fee ledger.
package settlement

import (
	"fmt"

	"github.com/soltybet/wager-engine/internal/model"
)

// ComputeWeights replaces round.Weights with each stake's share of its own
// side's net pool and records OutcomeRate = A / B. Shares on one side sum
// to 1 within floating-point rounding.
func ComputeWeights(round *model.Round) error {
	totalA := round.TotalByOutcome[model.OutcomeA]
	totalB := round.TotalByOutcome[model.OutcomeB]
	if totalA == 0 || totalB == 0 {
		return fmt.Errorf("weights with pools A=%d B=%d: %w", totalA, totalB, model.ErrEmptyPool)
	}

	weights := make([]model.Weight, 0, len(round.Stakes))
	for _, s := range round.Stakes {
		weights = append(weights, model.Weight{
			StakeID: s.ID,
			Bettor:  s.Bettor,
			Outcome: s.Outcome,
			Share:   float64(s.NetAmount) / float64(round.TotalByOutcome[s.Outcome]),
		})
	}

	round.Weights = weights
	round.OutcomeRate = float64(totalA) / float64(totalB)
	return nil
}
