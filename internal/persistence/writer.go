package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/engine"
)

// ExecutionLogWriter batch-writes execution outcomes to Postgres using
// multi-row INSERT. Every request produces exactly one row, whether it
// executed or was rejected; the request key is the primary key, so
// replayed writes are no-ops.
type ExecutionLogWriter struct {
	db *sql.DB
}

// ExecutionRow is a row in perp.executions. Scaled quantities are raw
// decimal integer strings; rejected requests carry zeros.
type ExecutionRow struct {
	RequestKey uuid.UUID
	Kind       string
	Instrument string
	User       uuid.UUID
	IsLong     bool

	Outcome string // "executed" or the rejection reason
	Detail  string

	ExecutedAt         int64
	FillPrice          string
	SizeDeltaUsd       string
	PositionFeeUsd     string
	FundingFeeUsd      string
	BorrowFeeUsd       string
	PriceImpactUsd     string
	RealizedPnlUsd     string
	LiquidationFeeUsd  string
	CollateralReturned string
	PositionClosed     bool
}

// ExecutedRow builds a row from a successful execution.
func ExecutedRow(res *engine.ExecutionResult) ExecutionRow {
	return ExecutionRow{
		RequestKey:         res.RequestKey,
		Kind:               res.Kind.String(),
		Instrument:         res.Instrument,
		User:               res.User,
		IsLong:             res.IsLong,
		Outcome:            "executed",
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

// RejectedRow builds a row for a rejected request. The zero uuid.UUID
// user and empty kind are allowed when the request key was unknown.
func RejectedRow(key uuid.UUID, kind, instrument string, user uuid.UUID, isLong bool, reason, detail string, at int64) ExecutionRow {
	return ExecutionRow{
		RequestKey: key,
		Kind:       kind,
		Instrument: instrument,
		User:       user,
		IsLong:     isLong,
		Outcome:    reason,
		Detail:     detail,
		ExecutedAt: at,
	}
}

func NewExecutionLogWriter(db *sql.DB) *ExecutionLogWriter {
	return &ExecutionLogWriter{db: db}
}

// WriteBatch inserts a batch of rows inside the given transaction.
func (w *ExecutionLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []ExecutionRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 18
	query := `INSERT INTO perp.executions
		(request_key, kind, instrument, user_id, is_long, outcome, detail,
		 executed_at, fill_price, size_delta_usd, position_fee_usd,
		 funding_fee_usd, borrow_fee_usd, price_impact_usd, realized_pnl_usd,
		 liquidation_fee_usd, collateral_returned, position_closed)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)

	for i, r := range rows {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			r.RequestKey, r.Kind, r.Instrument, r.User, r.IsLong,
			r.Outcome, r.Detail, r.ExecutedAt, nullIfEmpty(r.FillPrice),
			nullIfEmpty(r.SizeDeltaUsd), nullIfEmpty(r.PositionFeeUsd),
			nullIfEmpty(r.FundingFeeUsd), nullIfEmpty(r.BorrowFeeUsd),
			nullIfEmpty(r.PriceImpactUsd), nullIfEmpty(r.RealizedPnlUsd),
			nullIfEmpty(r.LiquidationFeeUsd), nullIfEmpty(r.CollateralReturned),
			r.PositionClosed,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (request_key) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// LatestExecutedAt returns the newest executed_at in the log, or zero
// when the log is empty. Recovery replays acknowledged messages newer
// than this.
func (w *ExecutionLogWriter) LatestExecutedAt(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(executed_at) FROM perp.executions`).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// ConnectPostgres opens and pings a Postgres connection.
func ConnectPostgres(dsn string, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
