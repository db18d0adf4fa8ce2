// Package api provides the HTTP handlers that adapt requests to the phase
// controller. Handlers hold no wagering rules of their own.
//
// The caller's identity is taken from the X-Caller-Identity header, which
// the authenticating proxy in front of this service is trusted to set.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/soltybet/wager-engine/internal/fee"
	"github.com/soltybet/wager-engine/internal/model"
	"github.com/soltybet/wager-engine/internal/phase"
	"github.com/soltybet/wager-engine/internal/store"
)

// CallerHeader carries the authenticated caller identity.
const CallerHeader = "X-Caller-Identity"

// Service exposes the controller over HTTP.
type Service struct {
	ctl   *phase.Controller
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(ctl *phase.Controller, hub *WSHub) *Service {
	return &Service{ctl: ctl, wsHub: hub}
}

// Routes registers the API on r.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/oracle", s.InitializeOracle)
	r.Post("/stakes", s.PlaceStake)

	r.Get("/round", s.GetRound)
	r.Get("/round/odds", s.GetOdds)
	r.Get("/round/weights", s.GetWeights)
	r.Post("/round/lock", s.Lock)
	r.Post("/round/result", s.SubmitResult)
	r.Post("/round/settle", s.Settle)
	r.Post("/round/cancel", s.Cancel)
	r.Post("/round/transition", s.RequestTransition)
	r.Get("/rounds/recent", s.GetRecentRounds)

	r.Get("/bettors/{identity}/stakes", s.GetBettorStakes)

	r.Get("/transfers/pending", s.GetPendingTransfers)
	r.Post("/transfers/retry", s.RetryTransfers)
}

// --- Request/Response types ---

// InitializeOracleRequest is the JSON body for POST /oracle.
type InitializeOracleRequest struct {
	Oracle string `json:"oracle"` // hex ed25519 key or 0x address
}

// StakeRequest is the JSON body for POST /stakes. The bettor is the caller.
type StakeRequest struct {
	Outcome  model.Outcome `json:"outcome"`
	Amount   uint64        `json:"amount"`
	Referrer string        `json:"referrer,omitempty"`
}

// ResultRequest is the JSON body for POST /round/result. The submitting
// identity is the caller.
type ResultRequest struct {
	Outcome   model.Outcome `json:"outcome"`
	Payload   string        `json:"payload"`   // WAGER-RESULT-{round}-{A|B}
	Signature string        `json:"signature"` // hex, optional 0x prefix
}

// TransitionRequest is the JSON body for POST /round/transition.
type TransitionRequest struct {
	To model.Phase `json:"to"`
}

// RoundView is the JSON body returned from GET /round.
type RoundView struct {
	RoundID         uint64                   `json:"round_id"`
	Phase           model.Phase              `json:"phase"`
	Initialized     bool                     `json:"initialized"`
	TrustedOracle   model.Identity           `json:"trusted_oracle,omitempty"`
	TotalByOutcome  map[model.Outcome]uint64 `json:"total_by_outcome"`
	TotalPool       uint64                   `json:"total_pool"`
	StakeCount      int                      `json:"stake_count"`
	Fees            model.FeeLedger          `json:"fees"`
	DeclaredOutcome *model.Outcome           `json:"declared_outcome,omitempty"`
	OutcomeRate     float64                  `json:"outcome_rate,omitempty"`
}

// OddsView is the JSON body returned from GET /round/odds. A multiplier is
// what one unit of net stake on that side would return if the round
// settled now; it is absent while the side is empty.
type OddsView struct {
	RoundID     uint64                            `json:"round_id"`
	TotalPool   uint64                            `json:"total_pool"`
	Multipliers map[model.Outcome]decimal.Decimal `json:"multipliers"`
	FeeRates    map[string]decimal.Decimal        `json:"fee_rates"`
}

// --- HTTP Handlers ---

// InitializeOracle handles POST /api/v1/oracle
func (s *Service) InitializeOracle(w http.ResponseWriter, r *http.Request) {
	var req InitializeOracleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.ctl.InitializeOracle(r.Context(), caller(r), model.Identity(req.Oracle)); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"oracle": req.Oracle})
}

// PlaceStake handles POST /api/v1/stakes
func (s *Service) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bettor := caller(r)
	if bettor == "" {
		writeError(w, CallerHeader+" is required", http.StatusUnauthorized)
		return
	}

	sr := model.StakeRequest{Bettor: bettor, Outcome: req.Outcome, Amount: req.Amount}
	if req.Referrer != "" {
		ref := model.Identity(req.Referrer)
		sr.Referrer = &ref
	}

	receipt, err := s.ctl.PlaceStake(r.Context(), sr)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	s.broadcast(WSMessage{
		Type:           "stake_placed",
		RoundID:        receipt.RoundID,
		Phase:          model.PhaseBetting,
		TotalByOutcome: receipt.TotalByOutcome,
		Outcome:        receipt.Stake.Outcome,
	})
	writeJSON(w, http.StatusCreated, receipt)
}

// GetRound handles GET /api/v1/round
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, RoundView{
		RoundID:         st.Round.ID,
		Phase:           st.Phase,
		Initialized:     st.Initialized,
		TrustedOracle:   st.TrustedOracle,
		TotalByOutcome:  st.Round.TotalByOutcome,
		TotalPool:       st.Round.TotalPool(),
		StakeCount:      len(st.Round.Stakes),
		Fees:            st.Round.Fees,
		DeclaredOutcome: st.Round.DeclaredOutcome,
		OutcomeRate:     st.Round.OutcomeRate,
	})
}

// GetRecentRounds handles GET /api/v1/rounds/recent
func (s *Service) GetRecentRounds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.RecentRounds())
}

// GetOdds handles GET /api/v1/round/odds
// Multipliers are exact decimals: total pool / side pool, rounded to 4 dp.
func (s *Service) GetOdds(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Snapshot()
	total := st.Round.TotalPool()

	multipliers := make(map[model.Outcome]decimal.Decimal, 2)
	for _, o := range model.Outcomes {
		side := st.Round.TotalByOutcome[o]
		if side == 0 {
			continue
		}
		multipliers[o] = fromUint64(total).DivRound(fromUint64(side), 4)
	}

	writeJSON(w, http.StatusOK, OddsView{
		RoundID:     st.Round.ID,
		TotalPool:   total,
		Multipliers: multipliers,
		FeeRates: map[string]decimal.Decimal{
			"house":               fee.HouseRate(false),
			"house_with_referral": fee.HouseRate(true),
			"referral":            fee.ReferralRate(),
		},
	})
}

// GetWeights handles GET /api/v1/round/weights
func (s *Service) GetWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Weights())
}

// GetBettorStakes handles GET /api/v1/bettors/{identity}/stakes
func (s *Service) GetBettorStakes(w http.ResponseWriter, r *http.Request) {
	bettor := model.Identity(chi.URLParam(r, "identity"))
	writeJSON(w, http.StatusOK, s.ctl.StakesByBettor(bettor))
}

// Lock handles POST /api/v1/round/lock
// An empty side answers 409 with the refund report alongside the error.
func (s *Service) Lock(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctl.Lock(r.Context())
	s.writeLock(w, res, err)
}

func (s *Service) writeLock(w http.ResponseWriter, res *phase.LockResult, err error) {
	if err != nil && res == nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if res.Refunded {
		s.broadcast(WSMessage{
			Type:    "round_refunded",
			RoundID: res.NextRoundID,
			Phase:   res.Phase,
			Summary: res.Refunds.Summary(model.TransferRefund),
		})
	} else {
		s.broadcast(WSMessage{
			Type:           "phase_changed",
			RoundID:        res.RoundID,
			Phase:          res.Phase,
			TotalByOutcome: res.TotalByOutcome,
		})
	}

	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "lock": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubmitResult handles POST /api/v1/round/result
func (s *Service) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		writeError(w, "signature must be hex", http.StatusBadRequest)
		return
	}

	sub := phase.ResultSubmission{
		Identity:  caller(r),
		Outcome:   req.Outcome,
		Payload:   []byte(req.Payload),
		Signature: sig,
	}
	if err := s.ctl.SubmitResult(r.Context(), sub); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	roundID := s.ctl.RoundID()
	s.broadcast(WSMessage{
		Type:    "phase_changed",
		RoundID: roundID,
		Phase:   model.PhaseResult,
		Outcome: req.Outcome,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id": roundID,
		"phase":    model.PhaseResult,
		"outcome":  req.Outcome,
	})
}

// Settle handles POST /api/v1/round/settle
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctl.Settle(r.Context())
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.broadcastSettled(res)
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) broadcastSettled(res *phase.SettlementResult) {
	s.broadcast(WSMessage{
		Type:    "round_settled",
		RoundID: res.NextRoundID,
		Phase:   model.PhaseBetting,
		Outcome: res.Winner,
		Summary: res.Transfers.Summary(model.TransferPayout),
	})
}

// Cancel handles POST /api/v1/round/cancel
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctl.Cancel(r.Context(), caller(r))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.broadcast(WSMessage{
		Type:    "round_refunded",
		RoundID: res.NextRoundID,
		Phase:   model.PhaseBetting,
		Summary: res.Refunds.Summary(model.TransferRefund),
	})
	writeJSON(w, http.StatusOK, res)
}

// RequestTransition handles POST /api/v1/round/transition
func (s *Service) RequestTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.ctl.RequestTransition(r.Context(), req.To)
	switch {
	case res != nil && res.Lock != nil:
		s.writeLock(w, res.Lock, err)
	case err != nil:
		writeError(w, err.Error(), statusFor(err))
	default:
		s.broadcastSettled(res.Settlement)
		writeJSON(w, http.StatusOK, res)
	}
}

// GetPendingTransfers handles GET /api/v1/transfers/pending
func (s *Service) GetPendingTransfers(w http.ResponseWriter, r *http.Request) {
	pending, err := s.ctl.PendingTransfers(r.Context())
	if err != nil {
		writeError(w, "failed to load pending transfers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// RetryTransfers handles POST /api/v1/transfers/retry
func (s *Service) RetryTransfers(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctl.RetryTransfers(r.Context())
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func caller(r *http.Request) model.Identity {
	return model.Identity(strings.TrimSpace(r.Header.Get(CallerHeader)))
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrOracleVerificationFailed):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidOutcome),
		errors.Is(err, model.ErrInvalidIdentity),
		errors.Is(err, model.ErrArithmeticOverflow):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAlreadyInitialized),
		errors.Is(err, model.ErrNotInitialized),
		errors.Is(err, model.ErrPhaseViolation),
		errors.Is(err, model.ErrInvalidPhaseTransition),
		errors.Is(err, model.ErrEmptyPool),
		errors.Is(err, model.ErrNoWinnerSet),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	default:
		slog.Error("unclassified error", "err", err)
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
