// Package ledger records stakes and maintains the round's pool totals and
// fee ledger. It is the only code that mutates those fields.
package ledger

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/google/uuid"

	"github.com/soltybet/wager-engine/internal/fee"
	"github.com/soltybet/wager-engine/internal/model"
)

// PlaceStake validates req against state, computes fees and appends an
// immutable stake. It is all-or-nothing: every new total is computed and
// overflow-checked before any field of state is written.
func PlaceStake(state *model.ContractState, req model.StakeRequest, now time.Time) (model.StakeReceipt, error) {
	if !state.Initialized {
		return model.StakeReceipt{}, model.ErrNotInitialized
	}
	if state.Phase != model.PhaseBetting {
		return model.StakeReceipt{}, fmt.Errorf("place stake in %s: %w", state.Phase, model.ErrPhaseViolation)
	}
	if !req.Outcome.Valid() {
		return model.StakeReceipt{}, fmt.Errorf("outcome %q: %w", req.Outcome, model.ErrInvalidOutcome)
	}
	if req.Bettor == "" {
		return model.StakeReceipt{}, fmt.Errorf("empty bettor: %w", model.ErrInvalidIdentity)
	}
	if req.Referrer != nil && (*req.Referrer == "" || *req.Referrer == req.Bettor) {
		return model.StakeReceipt{}, fmt.Errorf("referrer %q: %w", *req.Referrer, model.ErrInvalidIdentity)
	}
	if req.Amount == 0 {
		return model.StakeReceipt{}, model.ErrInvalidAmount
	}

	split, err := fee.Compute(req.Amount, req.Referrer != nil)
	if err != nil {
		return model.StakeReceipt{}, err
	}

	round := &state.Round
	side, err := add(round.TotalByOutcome[req.Outcome], split.Net)
	if err != nil {
		return model.StakeReceipt{}, fmt.Errorf("pool %s: %w", req.Outcome, err)
	}
	// The two sides together must also stay representable, since payouts
	// are computed against the combined pool.
	other := model.OutcomeB
	if req.Outcome == model.OutcomeB {
		other = model.OutcomeA
	}
	if _, err := add(side, round.TotalByOutcome[other]); err != nil {
		return model.StakeReceipt{}, fmt.Errorf("total pool: %w", err)
	}
	house, err := add(round.Fees.HouseFeeTotal, split.HouseFee)
	if err != nil {
		return model.StakeReceipt{}, fmt.Errorf("house fee total: %w", err)
	}
	var referral uint64
	if req.Referrer != nil {
		referral, err = add(round.Fees.ReferralFeeByReferrer[*req.Referrer], split.ReferralFee)
		if err != nil {
			return model.StakeReceipt{}, fmt.Errorf("referral fee total: %w", err)
		}
	}

	stake := model.Stake{
		ID:          uuid.New().String(),
		Bettor:      req.Bettor,
		Outcome:     req.Outcome,
		GrossAmount: req.Amount,
		HouseFee:    split.HouseFee,
		ReferralFee: split.ReferralFee,
		NetAmount:   split.Net,
		PlacedAt:    now.UTC(),
	}
	if req.Referrer != nil {
		ref := *req.Referrer
		stake.Referrer = &ref
	}

	// Commit point: nothing above this line touched state.
	round.TotalByOutcome[req.Outcome] = side
	round.Fees.HouseFeeTotal = house
	if req.Referrer != nil {
		round.Fees.ReferralFeeByReferrer[*req.Referrer] = referral
	}
	round.Stakes = append(round.Stakes, stake)

	return model.StakeReceipt{
		RoundID:        round.ID,
		Stake:          stake,
		TotalByOutcome: Totals(round),
	}, nil
}

// Reset starts the next round: stakes, weights, fee ledger and declared
// outcome are cleared and the round ID advances. The trusted oracle and
// initialization flag are preserved.
func Reset(state *model.ContractState) {
	state.Round = model.NewRound(state.Round.ID + 1)
	state.Phase = model.PhaseBetting
}

// Close records a summary of the current round in the recent history and
// then resets. transferred is the total of the round's payout or refund
// intents.
func Close(state *model.ContractState, closure model.Closure, transferred uint64, now time.Time) model.RoundSummary {
	round := &state.Round
	summary := model.RoundSummary{
		ID:             round.ID,
		Closure:        closure,
		TotalByOutcome: Totals(round),
		TotalPool:      round.TotalPool(),
		StakeCount:     len(round.Stakes),
		Transferred:    transferred,
		Fees:           round.Fees.Clone(),
		ClosedAt:       now,
	}
	if closure == model.ClosureSettled && round.DeclaredOutcome != nil {
		w := *round.DeclaredOutcome
		summary.Winner = &w
	}

	recent := append([]model.RoundSummary{summary.Clone()}, state.Recent...)
	if len(recent) > model.RecentRoundsKept {
		recent = recent[:model.RecentRoundsKept]
	}
	state.Recent = recent

	Reset(state)
	return summary
}

// Totals returns a copy of the pool totals.
func Totals(round *model.Round) map[model.Outcome]uint64 {
	return map[model.Outcome]uint64{
		model.OutcomeA: round.TotalByOutcome[model.OutcomeA],
		model.OutcomeB: round.TotalByOutcome[model.OutcomeB],
	}
}

// StakesBy returns the bettor's stakes in insertion order.
func StakesBy(round *model.Round, bettor model.Identity) []model.Stake {
	out := []model.Stake{}
	for _, s := range round.Stakes {
		if s.Bettor == bettor {
			out = append(out, s)
		}
	}
	return out
}

func add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, model.ErrArithmeticOverflow
	}
	return sum, nil
}
