package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/engine"
)

// ResultPublisher publishes execution outcomes to NATS for downstream
// consumers (settlement, risk dashboards, keepers confirming their
// triggers landed). Results are published after the execution log write.
type ResultPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableResult
}

// PublishableResult is an execution outcome ready for outbound publishing.
// Rejections carry a reason and a zero result body.
type PublishableResult struct {
	RequestKey string      `json:"request_key"`
	Kind       string      `json:"kind"`
	Instrument string      `json:"instrument"`
	Outcome    string      `json:"outcome"` // "executed" or the rejection reason
	Detail     string      `json:"detail,omitempty"`
	Result     *WireResult `json:"result,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// WireResult is the JSON form of an engine.ExecutionResult, with every
// scaled quantity as a raw decimal integer string.
type WireResult struct {
	User               string `json:"user_id"`
	Side               string `json:"side"`
	ExecutedAt         int64  `json:"executed_at"`
	FillPrice          string `json:"fill_price"`
	SizeDeltaUsd       string `json:"size_delta_usd"`
	PositionFeeUsd     string `json:"position_fee_usd"`
	FundingFeeUsd      string `json:"funding_fee_usd"`
	BorrowFeeUsd       string `json:"borrow_fee_usd"`
	PriceImpactUsd     string `json:"price_impact_usd"`
	RealizedPnlUsd     string `json:"realized_pnl_usd"`
	LiquidationFeeUsd  string `json:"liquidation_fee_usd"`
	CollateralReturned string `json:"collateral_returned"`
	PositionClosed     bool   `json:"position_closed"`
}

// WireResultOf converts an execution result to its wire form.
func WireResultOf(res *engine.ExecutionResult) *WireResult {
	side := "short"
	if res.IsLong {
		side = "long"
	}
	return &WireResult{
		User:               res.User.String(),
		Side:               side,
		ExecutedAt:         res.ExecutedAt,
		FillPrice:          res.FillPrice.Raw().String(),
		SizeDeltaUsd:       res.SizeDeltaUsd.Raw().String(),
		PositionFeeUsd:     res.PositionFeeUsd.Raw().String(),
		FundingFeeUsd:      res.FundingFeeUsd.Raw().String(),
		BorrowFeeUsd:       res.BorrowFeeUsd.Raw().String(),
		PriceImpactUsd:     res.PriceImpactUsd.Raw().String(),
		RealizedPnlUsd:     res.RealizedPnlUsd.Raw().String(),
		LiquidationFeeUsd:  res.LiquidationFeeUsd.Raw().String(),
		CollateralReturned: res.CollateralReturned.Raw().String(),
		PositionClosed:     res.PositionClosed,
	}
}

func NewResultPublisher(js jetstream.JetStream, inputChan <-chan PublishableResult) *ResultPublisher {
	return &ResultPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (rp *ResultPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res, ok := <-rp.inputChan:
			if !ok {
				return nil
			}

			if err := rp.publish(ctx, res); err != nil {
				log.Printf("WARN: result publish failed key=%s: %v", res.RequestKey, err)
				// Non-fatal: consumers can read the execution log directly.
			}
		}
	}
}

func (rp *ResultPublisher) publish(ctx context.Context, res PublishableResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	subject := fmt.Sprintf("perp.engine.results.%s.%s", res.Outcome, res.Instrument)
	_, err = rp.js.Publish(ctx, subject, data)
	return err
}

// EnsureResultStream creates the outbound results stream.
func EnsureResultStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_ENGINE_RESULTS",
		Subjects:  []string{"perp.engine.results.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create result stream: %w", err)
	}
	log.Println("INFO: ensured result stream PERP_ENGINE_RESULTS")
	return nil
}
