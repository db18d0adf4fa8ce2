// Package transfer hands computed transfer intents to the external
// value-transfer collaborator. Every intent succeeds or fails on its own:
// a failed intent is reported as pending and left in the outbox for retry,
// and never aborts the rest of the batch.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/soltybet/wager-engine/internal/metrics"
	"github.com/soltybet/wager-engine/internal/model"
)

// Executor moves value for one intent. Implementations should return an
// error wrapping model.ErrTransferUnavailable when the recipient's
// destination does not exist or cannot receive.
//
// An intent keeps its ID across retries. Implementations that call out to
// another system should pass it as an idempotency key: the Dispatcher
// never sends an intent the outbox no longer holds as pending, but a crash
// between a transfer and its outbox update can still repeat one.
type Executor interface {
	Transfer(ctx context.Context, intent model.TransferIntent) error
}

// Outbox records the delivery state of committed intents.
type Outbox interface {
	PendingTransfers(ctx context.Context) ([]model.PendingTransfer, error)
	MarkTransferred(ctx context.Context, intentID string) error
	// MarkFailed records a failed attempt and returns the attempt count.
	MarkFailed(ctx context.Context, intentID, reason string) (int, error)
}

// Dispatcher runs intents through an Executor with bounded parallelism.
type Dispatcher struct {
	exec    Executor
	outbox  Outbox
	workers int
}

// NewDispatcher creates a dispatcher. workers < 1 means sequential.
func NewDispatcher(exec Executor, outbox Outbox, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{exec: exec, outbox: outbox, workers: workers}
}

// Dispatch executes every intent that is still pending in the outbox and
// returns a report whose Completed and Pending lists preserve the input
// order. An intent already delivered, for example by a concurrent retry,
// is reported as completed without being sent again. Callers that may
// overlap must serialize Dispatch themselves.
func (d *Dispatcher) Dispatch(ctx context.Context, intents []model.TransferIntent) model.TransferReport {
	if len(intents) == 0 {
		return model.TransferReport{
			Completed: []model.TransferIntent{},
			Pending:   []model.PendingTransfer{},
		}
	}

	pending, err := d.outbox.PendingTransfers(ctx)
	if err != nil {
		return d.unsent(intents, err)
	}
	open := make(map[string]bool, len(pending))
	for _, p := range pending {
		open[p.Intent.ID] = true
	}

	results := make([]error, len(intents))
	delivered := make([]bool, len(intents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, in := range intents {
		if !open[in.ID] {
			delivered[i] = true
			continue
		}
		g.Go(func() error {
			results[i] = d.exec.Transfer(gctx, in)
			return nil // per-intent failures must not cancel siblings
		})
	}
	_ = g.Wait()

	report := model.TransferReport{
		Completed: []model.TransferIntent{},
		Pending:   []model.PendingTransfer{},
	}
	for i, in := range intents {
		if delivered[i] {
			slog.Info("transfer already delivered, skipped", "intent", in.ID, "kind", in.Kind)
			report.Completed = append(report.Completed, in)
			continue
		}
		err := results[i]
		if err == nil {
			if merr := d.outbox.MarkTransferred(ctx, in.ID); merr != nil {
				// The transfer went through; a retry re-sends under the same
				// idempotency key.
				slog.Error("outbox mark transferred failed", "intent", in.ID, "err", merr)
			}
			metrics.TransfersTotal.WithLabelValues(string(in.Kind), "completed").Inc()
			metrics.TransferVolume.WithLabelValues(string(in.Kind)).Add(float64(in.Amount))
			report.Completed = append(report.Completed, in)
			continue
		}

		if !errors.Is(err, model.ErrTransferUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrTransferUnavailable, err)
		}
		attempts, merr := d.outbox.MarkFailed(ctx, in.ID, err.Error())
		if merr != nil {
			slog.Error("outbox mark failed failed", "intent", in.ID, "err", merr)
		}
		metrics.TransfersTotal.WithLabelValues(string(in.Kind), "pending").Inc()
		slog.Warn("transfer pending",
			"intent", in.ID,
			"kind", in.Kind,
			"recipient", in.Recipient,
			"amount", in.Amount,
			"attempts", attempts,
			"err", err,
		)
		report.Pending = append(report.Pending, model.PendingTransfer{
			Intent:   in,
			Reason:   err.Error(),
			Attempts: attempts,
		})
	}
	return report
}

// unsent reports every intent as pending without attempting it. Used when
// the outbox cannot say which intents are still owed.
func (d *Dispatcher) unsent(intents []model.TransferIntent, cause error) model.TransferReport {
	reason := fmt.Errorf("%w: outbox unavailable: %v", model.ErrTransferUnavailable, cause).Error()
	slog.Error("transfers not attempted", "count", len(intents), "err", cause)

	report := model.TransferReport{
		Completed: []model.TransferIntent{},
		Pending:   make([]model.PendingTransfer, 0, len(intents)),
	}
	for _, in := range intents {
		report.Pending = append(report.Pending, model.PendingTransfer{Intent: in, Reason: reason})
	}
	return report
}
