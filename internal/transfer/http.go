package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/soltybet/wager-engine/internal/model"
)

// HTTPConfig configures the HTTP value-transfer client.
type HTTPConfig struct {
	Endpoint   string        // base URL of the transfer service
	Timeout    time.Duration // per request
	RPS        float64       // sustained request rate
	Burst      int
	RetryCount int
	RetryWait  time.Duration
}

// HTTPExecutor posts each intent to {Endpoint}/transfers. The intent ID is
// sent as Idempotency-Key so a re-sent intent moves value at most once.
type HTTPExecutor struct {
	client  *resty.Client
	limiter *rate.Limiter
}

type transferBody struct {
	ID        string `json:"id"`
	RoundID   uint64 `json:"round_id"`
	Kind      string `json:"kind"`
	StakeID   string `json:"stake_id"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// NewHTTPExecutor creates an executor from cfg, filling zero fields with
// defaults.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(10 * cfg.RetryWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})

	return &HTTPExecutor{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

// Transfer implements Executor.
func (e *HTTPExecutor) Transfer(ctx context.Context, in model.TransferIntent) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("transfer %s: rate limit: %w", in.ID, err)
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", in.ID).
		SetBody(transferBody{
			ID:        in.ID,
			RoundID:   in.RoundID,
			Kind:      string(in.Kind),
			StakeID:   in.StakeID,
			Recipient: string(in.Recipient),
			Amount:    in.Amount,
		}).
		Post("/transfers")
	if err != nil {
		return fmt.Errorf("transfer %s: %w", in.ID, err)
	}

	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusGone:
		return fmt.Errorf("transfer %s to %s: %w", in.ID, in.Recipient, model.ErrTransferUnavailable)
	default:
		return fmt.Errorf("transfer %s: status %d: %s", in.ID, resp.StatusCode(), resp.String())
	}
}

// LogExecutor only logs intents. It stands in for the value-transfer
// service in development.
type LogExecutor struct{}

// Transfer implements Executor.
func (LogExecutor) Transfer(_ context.Context, in model.TransferIntent) error {
	slog.Info("transfer (log only)",
		"intent", in.ID,
		"kind", in.Kind,
		"round", in.RoundID,
		"recipient", in.Recipient,
		"amount", in.Amount,
	)
	return nil
}
