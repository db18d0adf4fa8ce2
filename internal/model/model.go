// Package model defines the core domain types shared across the wager engine.
// All stake, fee and payout amounts are unsigned integer base units; the
// only floating-point values are the informational weights and outcome rate.
package model

import (
	"time"
)

// Phase is the contract phase. It governs which operations are legal.
type Phase string

const (
	PhaseBetting Phase = "BETTING"
	PhaseMatch   Phase = "MATCH"
	PhaseResult  Phase = "RESULT"
)

// Valid reports whether p is one of the three known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseBetting, PhaseMatch, PhaseResult:
		return true
	}
	return false
}

// Outcome is one of the two sides of a contest ("red" and "blue").
type Outcome string

const (
	OutcomeA Outcome = "A"
	OutcomeB Outcome = "B"
)

// Outcomes lists both sides in canonical order.
var Outcomes = [2]Outcome{OutcomeA, OutcomeB}

// Valid reports whether o is A or B.
func (o Outcome) Valid() bool {
	return o == OutcomeA || o == OutcomeB
}

// Identity is an opaque account identity. Oracle identities are either a
// hex-encoded ed25519 public key or a 0x-prefixed Ethereum address.
type Identity string

// Stake is an immutable record of one wager. Once appended to a round it
// is never modified.
type Stake struct {
	ID          string    `json:"id"`
	Bettor      Identity  `json:"bettor"`
	Outcome     Outcome   `json:"outcome"`
	GrossAmount uint64    `json:"gross_amount"`
	HouseFee    uint64    `json:"house_fee"`
	ReferralFee uint64    `json:"referral_fee"`
	NetAmount   uint64    `json:"net_amount"` // gross - house fee
	Referrer    *Identity `json:"referrer,omitempty"`
	PlacedAt    time.Time `json:"placed_at"`
}

// Weight is a stake's proportional claim on its own side's net pool.
type Weight struct {
	StakeID string   `json:"stake_id"`
	Bettor  Identity `json:"bettor"`
	Outcome Outcome  `json:"outcome"`
	Share   float64  `json:"share"`
}

// FeeLedger accumulates fees for the current round.
type FeeLedger struct {
	HouseFeeTotal         uint64              `json:"house_fee_total"`
	ReferralFeeByReferrer map[Identity]uint64 `json:"referral_fee_by_referrer"`
}

// Clone returns a deep copy of the fee ledger.
func (f FeeLedger) Clone() FeeLedger {
	c := FeeLedger{
		HouseFeeTotal:         f.HouseFeeTotal,
		ReferralFeeByReferrer: make(map[Identity]uint64, len(f.ReferralFeeByReferrer)),
	}
	for k, v := range f.ReferralFeeByReferrer {
		c.ReferralFeeByReferrer[k] = v
	}
	return c
}

// Round is the single active betting cycle.
type Round struct {
	ID              uint64             `json:"id"`
	Stakes          []Stake            `json:"stakes"`
	Weights         []Weight           `json:"weights"`
	TotalByOutcome  map[Outcome]uint64 `json:"total_by_outcome"`
	DeclaredOutcome *Outcome           `json:"declared_outcome,omitempty"`
	OutcomeRate     float64            `json:"outcome_rate"` // A pool / B pool, informational
	Fees            FeeLedger          `json:"fees"`
}

// NewRound returns an empty round with both pool sides present at zero.
func NewRound(id uint64) Round {
	return Round{
		ID:      id,
		Stakes:  []Stake{},
		Weights: []Weight{},
		TotalByOutcome: map[Outcome]uint64{
			OutcomeA: 0,
			OutcomeB: 0,
		},
		Fees: FeeLedger{
			ReferralFeeByReferrer: map[Identity]uint64{},
		},
	}
}

// TotalPool is the sum of both sides' net pools.
func (r *Round) TotalPool() uint64 {
	return r.TotalByOutcome[OutcomeA] + r.TotalByOutcome[OutcomeB]
}

// ContractState is the singleton owned by one deployment.
type ContractState struct {
	Phase         Phase    `json:"phase"`
	TrustedOracle Identity `json:"trusted_oracle"`
	Initialized   bool     `json:"initialized"`
	// Version counts commits; the store rejects writes from a stale copy.
	Version uint64 `json:"version"`
	Round   Round  `json:"round"`
	// Recent holds the last closed rounds, newest first.
	Recent []RoundSummary `json:"recent_rounds,omitempty"`
}

// RecentRoundsKept bounds ContractState.Recent.
const RecentRoundsKept = 3

// Closure is how a round ended.
type Closure string

const (
	ClosureSettled   Closure = "SETTLED"
	ClosureRefunded  Closure = "REFUNDED"
	ClosureCancelled Closure = "CANCELLED"
)

// RoundSummary is what remains of a round after it is reset.
type RoundSummary struct {
	ID             uint64             `json:"id"`
	Closure        Closure            `json:"closure"`
	Winner         *Outcome           `json:"winner,omitempty"`
	TotalByOutcome map[Outcome]uint64 `json:"total_by_outcome"`
	TotalPool      uint64             `json:"total_pool"`
	StakeCount     int                `json:"stake_count"`
	// Transferred is the sum of payout or refund intents, whether or not
	// they have been delivered yet.
	Transferred uint64    `json:"transferred"`
	Fees        FeeLedger `json:"fees"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Clone returns a deep copy.
func (r RoundSummary) Clone() RoundSummary {
	c := r
	if r.Winner != nil {
		w := *r.Winner
		c.Winner = &w
	}
	c.TotalByOutcome = make(map[Outcome]uint64, len(r.TotalByOutcome))
	for k, v := range r.TotalByOutcome {
		c.TotalByOutcome[k] = v
	}
	c.Fees = r.Fees.Clone()
	return c
}

// NewContractState returns the pre-initialization state.
func NewContractState() *ContractState {
	return &ContractState{
		Phase: PhaseBetting,
		Round: NewRound(0),
	}
}

// Clone returns a deep copy. Operations mutate the copy and only swap it in
// after a successful commit.
func (s *ContractState) Clone() *ContractState {
	c := *s
	c.Round = s.Round.clone()
	c.Recent = nil
	for _, r := range s.Recent {
		c.Recent = append(c.Recent, r.Clone())
	}
	return &c
}

func (r Round) clone() Round {
	c := r
	c.Stakes = make([]Stake, len(r.Stakes))
	for i, st := range r.Stakes {
		if st.Referrer != nil {
			ref := *st.Referrer
			st.Referrer = &ref
		}
		c.Stakes[i] = st
	}
	c.Weights = append(make([]Weight, 0, len(r.Weights)), r.Weights...)
	c.TotalByOutcome = make(map[Outcome]uint64, len(r.TotalByOutcome))
	for k, v := range r.TotalByOutcome {
		c.TotalByOutcome[k] = v
	}
	if r.DeclaredOutcome != nil {
		o := *r.DeclaredOutcome
		c.DeclaredOutcome = &o
	}
	c.Fees = r.Fees.Clone()
	return c
}

// StakeRequest is the input to placing a stake.
type StakeRequest struct {
	Bettor   Identity
	Outcome  Outcome
	Amount   uint64
	Referrer *Identity
}

// StakeReceipt is returned to the caller after a stake is recorded.
type StakeReceipt struct {
	RoundID        uint64             `json:"round_id"`
	Stake          Stake              `json:"stake"`
	TotalByOutcome map[Outcome]uint64 `json:"total_by_outcome"`
}
