package phase

import (
	"github.com/soltybet/wager-engine/internal/model"
)

// ResultSubmission is an oracle's claim about the winning outcome.
// Payload is the signed attestation message for the current round.
type ResultSubmission struct {
	Identity  model.Identity
	Outcome   model.Outcome
	Payload   []byte
	Signature []byte
}

// LockResult reports a Lock. When Refunded is set the round was cancelled
// for an empty side and Refunds holds the per-stake delivery report.
type LockResult struct {
	RoundID        uint64                   `json:"round_id"`
	Phase          model.Phase              `json:"phase"`
	TotalByOutcome map[model.Outcome]uint64 `json:"total_by_outcome"`
	Weights        []model.Weight           `json:"weights,omitempty"`
	OutcomeRate    float64                  `json:"outcome_rate,omitempty"`
	Refunded       bool                     `json:"refunded"`
	NextRoundID    uint64                   `json:"next_round_id,omitempty"`
	Refunds        *model.TransferReport    `json:"refunds,omitempty"`
}

// SettlementResult reports a Settle.
type SettlementResult struct {
	RoundID        uint64                 `json:"round_id"`
	NextRoundID    uint64                 `json:"next_round_id"`
	Winner         model.Outcome          `json:"winner"`
	TotalPool      uint64                 `json:"total_pool"`
	WinnerPool     uint64                 `json:"winner_pool"`
	Payouts        []model.TransferIntent `json:"payouts"`
	HouseRemainder uint64                 `json:"house_remainder"` // truncation dust kept by the house
	Fees           model.FeeLedger        `json:"fees"`
	Transfers      model.TransferReport   `json:"transfers"`
}

// CancelResult reports a Cancel.
type CancelResult struct {
	RoundID     uint64               `json:"round_id"`
	NextRoundID uint64               `json:"next_round_id"`
	Refunds     model.TransferReport `json:"refunds"`
}

// TransitionResult reports a RequestTransition. Exactly one of Lock and
// Settlement is set.
type TransitionResult struct {
	Phase      model.Phase       `json:"phase"`
	Lock       *LockResult       `json:"lock,omitempty"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
}
