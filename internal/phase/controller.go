// Package phase implements the round state machine:
//
//	Betting --Lock--> Match --SubmitResult--> Result --Settle--> Betting
//
// A Lock with one empty side refunds every stake and starts the next round
// in Betting.
//
// Every mutating operation follows the same staged-write discipline under
// one mutex: clone the state, apply the operation to the clone, persist
// the clone together with its transfer intents, and only then swap it in.
// A failure at any step leaves the visible state untouched. Transfers are
// dispatched after the commit and never under the state mutex.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/soltybet/wager-engine/internal/attestation"
	"github.com/soltybet/wager-engine/internal/ledger"
	"github.com/soltybet/wager-engine/internal/metrics"
	"github.com/soltybet/wager-engine/internal/model"
	"github.com/soltybet/wager-engine/internal/oracle"
	"github.com/soltybet/wager-engine/internal/settlement"
	"github.com/soltybet/wager-engine/internal/store"
	"github.com/soltybet/wager-engine/internal/transfer"
)

// Controller owns the contract state of one deployment.
type Controller struct {
	mu       sync.Mutex // guards state and verifier
	state    *model.ContractState
	verifier *oracle.Verifier

	// dispatchMu serializes transfer dispatch so a retry never races the
	// first delivery of the same intent.
	dispatchMu sync.Mutex

	store      store.Store
	dispatcher *transfer.Dispatcher
	authority  model.Identity
	now        func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithAuthority restricts InitializeOracle and Cancel to caller id.
func WithAuthority(id model.Identity) Option {
	return func(c *Controller) { c.authority = id }
}

// WithClock overrides the time source used for stake timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller holding a fresh, uninitialized state. Call Open
// to load persisted state.
func New(st store.Store, d *transfer.Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		state:      model.NewContractState(),
		store:      st,
		dispatcher: d,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open loads the persisted state. A store with no state leaves the fresh
// state in place; it is written by the first mutating operation.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reload(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	slog.Info("state loaded",
		"round", c.state.Round.ID,
		"phase", c.state.Phase,
		"version", c.state.Version,
		"stakes", len(c.state.Round.Stakes),
	)
	return nil
}

// reload replaces the in-memory state with the stored one. Caller holds mu.
func (c *Controller) reload(ctx context.Context) error {
	st, err := c.store.LoadState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no persisted state, starting fresh")
		c.state = model.NewContractState()
		c.verifier = nil
		c.observe()
		return nil
	}
	if err != nil {
		return err
	}

	var v *oracle.Verifier
	if st.Initialized {
		if v, err = oracle.NewVerifier(st.TrustedOracle); err != nil {
			return fmt.Errorf("stored oracle: %w", err)
		}
	}
	c.state = st
	c.verifier = v
	c.observe()
	return nil
}

// commit persists next with its intents and swaps it in. Caller holds mu.
func (c *Controller) commit(ctx context.Context, next *model.ContractState, intents []model.TransferIntent) error {
	next.Version = c.state.Version + 1
	if err := c.store.SaveState(ctx, next, intents); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Another writer got there first. Pick up its state so the
			// caller's retry applies on top of it.
			if rerr := c.reload(ctx); rerr != nil {
				slog.Error("reload after version conflict failed", "err", rerr)
			} else {
				slog.Warn("version conflict, state reloaded",
					"attempted", next.Version, "stored", c.state.Version)
			}
		}
		return fmt.Errorf("commit round %d: %w", next.Round.ID, err)
	}
	c.state = next
	c.observe()
	return nil
}

// observe publishes the current phase and pool gauges. Caller holds mu.
func (c *Controller) observe() {
	metrics.SetPhase(string(c.state.Phase),
		string(model.PhaseBetting), string(model.PhaseMatch), string(model.PhaseResult))
	for _, o := range model.Outcomes {
		metrics.PoolSize.WithLabelValues(string(o)).Set(float64(c.state.Round.TotalByOutcome[o]))
	}
}

// dispatch delivers committed intents. Must not be called under mu.
func (c *Controller) dispatch(ctx context.Context, intents []model.TransferIntent) model.TransferReport {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	report := c.dispatcher.Dispatch(ctx, intents)
	c.refreshPending(ctx)
	return report
}

func (c *Controller) refreshPending(ctx context.Context) {
	pending, err := c.store.PendingTransfers(ctx)
	if err != nil {
		slog.Error("count pending transfers", "err", err)
		return
	}
	metrics.PendingTransfers.Set(float64(len(pending)))
}

// sumAmounts saturates at MaxUint64; the total is informational.
func sumAmounts(intents []model.TransferIntent) uint64 {
	var total uint64
	for _, in := range intents {
		sum, carry := bits.Add64(total, in.Amount, 0)
		if carry != 0 {
			return math.MaxUint64
		}
		total = sum
	}
	return total
}

func observeLatency(op string, start time.Time) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// InitializeOracle stores the trusted oracle identity. It succeeds once.
func (c *Controller) InitializeOracle(ctx context.Context, caller, trusted model.Identity) error {
	defer observeLatency("initialize_oracle", time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authority != "" && caller != c.authority {
		return fmt.Errorf("initialize oracle by %q: %w", caller, model.ErrUnauthorized)
	}
	if c.state.Initialized {
		return model.ErrAlreadyInitialized
	}
	v, err := oracle.NewVerifier(trusted)
	if err != nil {
		return err
	}

	next := c.state.Clone()
	next.TrustedOracle = v.Trusted()
	next.Initialized = true
	if err := c.commit(ctx, next, nil); err != nil {
		return err
	}
	c.verifier = v

	slog.Info("oracle initialized", "oracle", next.TrustedOracle, "round", next.Round.ID)
	return nil
}

// PlaceStake records a stake in the current round.
func (c *Controller) PlaceStake(ctx context.Context, req model.StakeRequest) (model.StakeReceipt, error) {
	defer observeLatency("place_stake", time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state.Clone()
	receipt, err := ledger.PlaceStake(next, req, c.now())
	if err != nil {
		metrics.StakeRejections.WithLabelValues(model.Kind(err)).Inc()
		return model.StakeReceipt{}, err
	}
	if err := c.commit(ctx, next, nil); err != nil {
		return model.StakeReceipt{}, err
	}

	s := receipt.Stake
	metrics.StakesTotal.WithLabelValues(string(s.Outcome)).Inc()
	metrics.StakeVolume.WithLabelValues(string(s.Outcome)).Add(float64(s.GrossAmount))
	metrics.FeesCollected.WithLabelValues("house").Add(float64(s.HouseFee))
	if s.ReferralFee > 0 {
		metrics.FeesCollected.WithLabelValues("referral").Add(float64(s.ReferralFee))
	}

	slog.Info("stake placed",
		"round", receipt.RoundID,
		"stake", s.ID,
		"bettor", s.Bettor,
		"outcome", s.Outcome,
		"amount", s.GrossAmount,
		"net", s.NetAmount,
		"pool_a", receipt.TotalByOutcome[model.OutcomeA],
		"pool_b", receipt.TotalByOutcome[model.OutcomeB],
	)
	return receipt, nil
}

// Lock closes betting. With both sides staked it computes weights and
// moves to Match. With an empty side it refunds every stake, starts the
// next round, and returns the refund report together with ErrEmptyPool.
func (c *Controller) Lock(ctx context.Context) (*LockResult, error) {
	defer observeLatency("lock", time.Now())

	res, intents, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	if !res.Refunded {
		return res, nil
	}

	report := c.dispatch(ctx, intents)
	res.Refunds = &report
	metrics.RoundsTotal.WithLabelValues("refunded").Inc()
	slog.Warn("round refunded: empty side",
		"round", res.RoundID,
		"next_round", res.NextRoundID,
		"summary", report.Summary(model.TransferRefund),
	)
	return res, fmt.Errorf("lock round %d: %w", res.RoundID, model.ErrEmptyPool)
}

func (c *Controller) lock(ctx context.Context) (*LockResult, []model.TransferIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Initialized {
		return nil, nil, model.ErrNotInitialized
	}
	if c.state.Phase != model.PhaseBetting {
		return nil, nil, fmt.Errorf("lock from %s: %w", c.state.Phase, model.ErrInvalidPhaseTransition)
	}

	next := c.state.Clone()
	round := &next.Round
	res := &LockResult{
		RoundID:        round.ID,
		TotalByOutcome: ledger.Totals(round),
	}

	if round.TotalByOutcome[model.OutcomeA] == 0 || round.TotalByOutcome[model.OutcomeB] == 0 {
		intents := settlement.ComputeRefunds(round)
		ledger.Close(next, model.ClosureRefunded, sumAmounts(intents), c.now())
		if err := c.commit(ctx, next, intents); err != nil {
			return nil, nil, err
		}
		res.Refunded = true
		res.Phase = next.Phase
		res.NextRoundID = next.Round.ID
		return res, intents, nil
	}

	if err := settlement.ComputeWeights(round); err != nil {
		return nil, nil, err
	}
	next.Phase = model.PhaseMatch
	if err := c.commit(ctx, next, nil); err != nil {
		return nil, nil, err
	}

	res.Phase = next.Phase
	res.Weights = append([]model.Weight{}, round.Weights...)
	res.OutcomeRate = round.OutcomeRate

	slog.Info("round locked",
		"round", round.ID,
		"stakes", len(round.Stakes),
		"pool_a", round.TotalByOutcome[model.OutcomeA],
		"pool_b", round.TotalByOutcome[model.OutcomeB],
		"outcome_rate", round.OutcomeRate,
	)
	return res, nil, nil
}

// SubmitResult declares the winning outcome. The submission must come
// from the trusted oracle, carry a valid signature over its payload, and
// the payload must name the current round and the claimed outcome.
func (c *Controller) SubmitResult(ctx context.Context, sub ResultSubmission) error {
	defer observeLatency("submit_result", time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Initialized || c.verifier == nil {
		return model.ErrNotInitialized
	}
	if c.state.Phase != model.PhaseMatch {
		return fmt.Errorf("submit result in %s: %w", c.state.Phase, model.ErrInvalidPhaseTransition)
	}
	if !sub.Outcome.Valid() {
		return fmt.Errorf("outcome %q: %w", sub.Outcome, model.ErrInvalidOutcome)
	}
	if id, err := oracle.Canonical(sub.Identity); err != nil || id != c.verifier.Trusted() {
		metrics.OracleRejections.Inc()
		return fmt.Errorf("result from %q: %w", sub.Identity, model.ErrUnauthorized)
	}
	if !c.verifier.Verify(sub.Identity, sub.Payload, sub.Signature) {
		metrics.OracleRejections.Inc()
		return fmt.Errorf("signature: %w", model.ErrOracleVerificationFailed)
	}
	if err := attestation.Check(sub.Payload, c.state.Round.ID, sub.Outcome); err != nil {
		metrics.OracleRejections.Inc()
		return fmt.Errorf("%w: %v", model.ErrOracleVerificationFailed, err)
	}

	next := c.state.Clone()
	outcome := sub.Outcome
	next.Round.DeclaredOutcome = &outcome
	next.Phase = model.PhaseResult
	if err := c.commit(ctx, next, nil); err != nil {
		return err
	}

	slog.Info("result declared", "round", next.Round.ID, "outcome", outcome)
	return nil
}

// Settle pays the declared winners and starts the next round. Payout
// intents are committed before any transfer is attempted; a failed
// transfer stays pending for RetryTransfers.
func (c *Controller) Settle(ctx context.Context) (*SettlementResult, error) {
	defer observeLatency("settle", time.Now())

	res, err := c.settle(ctx)
	if err != nil {
		return nil, err
	}

	res.Transfers = c.dispatch(ctx, res.Payouts)
	metrics.RoundsTotal.WithLabelValues("settled").Inc()
	slog.Info("round settled",
		"round", res.RoundID,
		"winner", res.Winner,
		"total_pool", res.TotalPool,
		"house_remainder", res.HouseRemainder,
		"summary", res.Transfers.Summary(model.TransferPayout),
	)
	return res, nil
}

func (c *Controller) settle(ctx context.Context) (*SettlementResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != model.PhaseResult {
		return nil, fmt.Errorf("settle in %s: %w", c.state.Phase, model.ErrInvalidPhaseTransition)
	}
	if c.state.Round.DeclaredOutcome == nil {
		return nil, model.ErrNoWinnerSet
	}

	next := c.state.Clone()
	round := next.Round // value copy; Close replaces next.Round below
	payouts, err := settlement.ComputePayouts(&round)
	if err != nil {
		return nil, err
	}

	res := &SettlementResult{
		RoundID:        round.ID,
		Winner:         *round.DeclaredOutcome,
		TotalPool:      round.TotalPool(),
		WinnerPool:     round.TotalByOutcome[*round.DeclaredOutcome],
		Payouts:        payouts,
		HouseRemainder: settlement.HouseRemainder(&round, payouts),
		Fees:           round.Fees,
	}

	ledger.Close(next, model.ClosureSettled, sumAmounts(payouts), c.now())
	if err := c.commit(ctx, next, payouts); err != nil {
		return nil, err
	}
	res.NextRoundID = next.Round.ID
	return res, nil
}

// Cancel abandons the current round before a result is declared: every
// stake is refunded in full and the next round starts. Only the configured
// authority may cancel; without one, Cancel is disabled.
func (c *Controller) Cancel(ctx context.Context, caller model.Identity) (*CancelResult, error) {
	defer observeLatency("cancel", time.Now())

	res, intents, err := c.cancel(ctx, caller)
	if err != nil {
		return nil, err
	}

	res.Refunds = c.dispatch(ctx, intents)
	metrics.RoundsTotal.WithLabelValues("cancelled").Inc()
	slog.Warn("round cancelled",
		"round", res.RoundID,
		"by", caller,
		"summary", res.Refunds.Summary(model.TransferRefund),
	)
	return res, nil
}

func (c *Controller) cancel(ctx context.Context, caller model.Identity) (*CancelResult, []model.TransferIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authority == "" || caller != c.authority {
		return nil, nil, fmt.Errorf("cancel by %q: %w", caller, model.ErrUnauthorized)
	}
	if c.state.Phase == model.PhaseResult {
		return nil, nil, fmt.Errorf("cancel in %s: %w", c.state.Phase, model.ErrInvalidPhaseTransition)
	}

	next := c.state.Clone()
	roundID := next.Round.ID
	intents := settlement.ComputeRefunds(&next.Round)
	ledger.Close(next, model.ClosureCancelled, sumAmounts(intents), c.now())
	if err := c.commit(ctx, next, intents); err != nil {
		return nil, nil, err
	}
	return &CancelResult{RoundID: roundID, NextRoundID: next.Round.ID}, intents, nil
}

// RequestTransition is the generic transition entry point. Match runs
// Lock and Betting runs Settle. Result cannot be requested directly since
// it needs an attestation; use SubmitResult.
func (c *Controller) RequestTransition(ctx context.Context, to model.Phase) (*TransitionResult, error) {
	switch to {
	case model.PhaseMatch:
		res, err := c.Lock(ctx)
		if res == nil {
			return nil, err
		}
		return &TransitionResult{Phase: res.Phase, Lock: res}, err
	case model.PhaseBetting:
		res, err := c.Settle(ctx)
		if err != nil {
			return nil, err
		}
		return &TransitionResult{Phase: model.PhaseBetting, Settlement: res}, nil
	default:
		return nil, fmt.Errorf("request %q from %s: %w", to, c.Phase(), model.ErrInvalidPhaseTransition)
	}
}

// RetryTransfers re-sends every pending intent as committed. Nothing is
// recomputed.
func (c *Controller) RetryTransfers(ctx context.Context) (model.TransferReport, error) {
	defer observeLatency("retry_transfers", time.Now())

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	pending, err := c.store.PendingTransfers(ctx)
	if err != nil {
		return model.TransferReport{}, fmt.Errorf("load pending transfers: %w", err)
	}
	intents := make([]model.TransferIntent, len(pending))
	for i, p := range pending {
		intents[i] = p.Intent
	}

	report := c.dispatcher.Dispatch(ctx, intents)
	c.refreshPending(ctx)

	slog.Info("transfers retried",
		"attempted", len(intents),
		"completed", len(report.Completed),
		"pending", len(report.Pending),
	)
	return report, nil
}
