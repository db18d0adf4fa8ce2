package model

import (
	"fmt"
)

// TransferKind distinguishes why value leaves the pool.
type TransferKind string

const (
	TransferPayout TransferKind = "PAYOUT"
	TransferRefund TransferKind = "REFUND"
)

// TransferIntent is a (recipient, amount) instruction for the external
// value-transfer collaborator. Intents are computed once and re-emitted
// as-is on retry.
type TransferIntent struct {
	ID        string       `json:"id"`
	RoundID   uint64       `json:"round_id"`
	Kind      TransferKind `json:"kind"`
	StakeID   string       `json:"stake_id"`
	Recipient Identity     `json:"recipient"`
	Amount    uint64       `json:"amount"`
}

// PendingTransfer is an intent whose transfer did not go through.
type PendingTransfer struct {
	Intent   TransferIntent `json:"intent"`
	Reason   string         `json:"reason"`
	Attempts int            `json:"attempts"`
}

// TransferReport collects per-intent results. A pending entry never
// aborts the remaining intents.
type TransferReport struct {
	Completed []TransferIntent  `json:"completed"`
	Pending   []PendingTransfer `json:"pending"`
}

// Total is the number of intents covered by the report.
func (r *TransferReport) Total() int {
	return len(r.Completed) + len(r.Pending)
}

// Summary renders e.g. "refund completed for 8 of 9 stakes; 1 pending".
func (r *TransferReport) Summary(kind TransferKind) string {
	label := "payout"
	if kind == TransferRefund {
		label = "refund"
	}
	s := fmt.Sprintf("%s completed for %d of %d stakes", label, len(r.Completed), r.Total())
	if len(r.Pending) > 0 {
		s += fmt.Sprintf("; %d pending", len(r.Pending))
	}
	return s
}
