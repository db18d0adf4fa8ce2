// Package attestation defines the canonical result message an oracle signs
// and validates it against the round it is submitted for.
package attestation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/soltybet/wager-engine/internal/model"
)

// payloadRegex matches: WAGER-RESULT-{roundID}-{A|B}
// Example: WAGER-RESULT-42-A
var payloadRegex = regexp.MustCompile(`^WAGER-RESULT-(0|[1-9][0-9]*)-([AB])$`)

var (
	ErrInvalidPayload  = errors.New("attestation: invalid payload format")
	ErrRoundMismatch   = errors.New("attestation: payload is for a different round")
	ErrOutcomeMismatch = errors.New("attestation: payload outcome differs from claimed outcome")
)

// Result is a parsed oracle result payload.
type Result struct {
	RoundID uint64
	Outcome model.Outcome
}

// Format renders the canonical payload for a round result.
func Format(roundID uint64, outcome model.Outcome) []byte {
	return []byte(fmt.Sprintf("WAGER-RESULT-%d-%s", roundID, outcome))
}

// Parse parses and validates a result payload.
// Format: WAGER-RESULT-{roundID}-{A|B}
func Parse(payload []byte) (*Result, error) {
	matches := payloadRegex.FindSubmatch(payload)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected WAGER-RESULT-{round}-{A|B})",
			ErrInvalidPayload, payload)
	}

	roundID, err := strconv.ParseUint(string(matches[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: round id %s", ErrInvalidPayload, matches[1])
	}

	return &Result{
		RoundID: roundID,
		Outcome: model.Outcome(matches[2]),
	}, nil
}

// Check parses payload and requires it to name roundID and outcome.
func Check(payload []byte, roundID uint64, outcome model.Outcome) error {
	res, err := Parse(payload)
	if err != nil {
		return err
	}
	if res.RoundID != roundID {
		return fmt.Errorf("%w: got %d, current %d", ErrRoundMismatch, res.RoundID, roundID)
	}
	if res.Outcome != outcome {
		return fmt.Errorf("%w: payload %s, claimed %s", ErrOutcomeMismatch, res.Outcome, outcome)
	}
	return nil
}
