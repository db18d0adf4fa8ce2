package settlement

import (
	"github.com/google/uuid"

	"github.com/soltybet/wager-engine/internal/model"
)

// ComputeRefunds returns one intent per stake for its full gross amount;
// fees are waived on a cancelled round. Each intent is delivered
// independently, so one unavailable recipient does not block the others.
func ComputeRefunds(round *model.Round) []model.TransferIntent {
	intents := make([]model.TransferIntent, 0, len(round.Stakes))
	for _, s := range round.Stakes {
		intents = append(intents, model.TransferIntent{
			ID:        uuid.New().String(),
			RoundID:   round.ID,
			Kind:      model.TransferRefund,
			StakeID:   s.ID,
			Recipient: s.Bettor,
			Amount:    s.GrossAmount,
		})
	}
	return intents
}
