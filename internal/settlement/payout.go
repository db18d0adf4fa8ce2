package settlement

import (
	"fmt"
	"math/bits"

	"github.com/google/uuid"

	"github.com/soltybet/wager-engine/internal/model"
)

// ComputePayouts returns one payout intent per winning stake, in stake
// insertion order:
//
//	payout = floor(net * totalPool / winnerPool)
//
// Rounding policy: integer division truncates and the remainder stays with
// the house, so the sum of payouts never exceeds the total pool. This is
// intended; see HouseRemainder.
func ComputePayouts(round *model.Round) ([]model.TransferIntent, error) {
	if round.DeclaredOutcome == nil {
		return nil, model.ErrNoWinnerSet
	}
	winner := *round.DeclaredOutcome
	total := round.TotalPool()
	winnerPool := round.TotalByOutcome[winner]
	if winnerPool == 0 {
		return nil, fmt.Errorf("winning side %s: %w", winner, model.ErrEmptyPool)
	}

	intents := []model.TransferIntent{}
	for _, s := range round.Stakes {
		if s.Outcome != winner {
			continue
		}
		// net <= winnerPool, so the 128-bit quotient fits in 64 bits.
		hi, lo := bits.Mul64(s.NetAmount, total)
		if hi >= winnerPool {
			return nil, fmt.Errorf("payout for stake %s: %w", s.ID, model.ErrArithmeticOverflow)
		}
		amount, _ := bits.Div64(hi, lo, winnerPool)
		intents = append(intents, model.TransferIntent{
			ID:        uuid.New().String(),
			RoundID:   round.ID,
			Kind:      model.TransferPayout,
			StakeID:   s.ID,
			Recipient: s.Bettor,
			Amount:    amount,
		})
	}
	return intents, nil
}

// HouseRemainder is what truncation leaves in the pool after payouts.
func HouseRemainder(round *model.Round, payouts []model.TransferIntent) uint64 {
	var paid uint64
	for _, p := range payouts {
		paid += p.Amount
	}
	return round.TotalPool() - paid
}
