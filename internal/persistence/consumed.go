package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ConsumedChecker answers whether a request key already has an
// execution log row. During recovery replay, messages whose key is
// already logged are acknowledged and skipped, which keeps request
// consumption at-most-once across restarts.
type ConsumedChecker struct {
	db *sql.DB
}

func NewConsumedChecker(db *sql.DB) *ConsumedChecker {
	return &ConsumedChecker{db: db}
}

// IsConsumed reports whether the key is present in perp.executions.
func (c *ConsumedChecker) IsConsumed(key uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM perp.executions WHERE request_key = $1 LIMIT 1`, key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
