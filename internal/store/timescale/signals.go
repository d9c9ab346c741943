package timescale

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow-systemv1/internal/model"
)

const insertSignal = `
	INSERT INTO depth_signals (
		time, security_id, current_price, key_levels, absorptions,
		pressure_30s, pressure_60s, pressure_120s, market_state
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (time, security_id) DO NOTHING`

// SignalWriter persists one row per 10-second evaluation. The nested
// key-level and absorption lists are stored as JSON documents.
type SignalWriter struct {
	pool *pgxpool.Pool
}

// NewSignalWriter creates a writer over the shared pool.
func NewSignalWriter(pool *pgxpool.Pool) *SignalWriter {
	return &SignalWriter{pool: pool}
}

// Insert writes one evaluation row.
func (w *SignalWriter) Insert(ctx context.Context, row *model.SignalRow) error {
	keyLevels, err := json.Marshal(row.KeyLevels)
	if err != nil {
		return fmt.Errorf("timescale: marshal key_levels: %w", err)
	}
	absorptions, err := json.Marshal(row.Absorptions)
	if err != nil {
		return fmt.Errorf("timescale: marshal absorptions: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, BatchTimeout)
	defer cancel()

	_, err = w.pool.Exec(execCtx, insertSignal,
		row.Time, row.SecurityID, row.CurrentPrice, keyLevels, absorptions,
		row.Pressure.P30s, row.Pressure.P60s, row.Pressure.P120s, row.MarketState)
	if err != nil {
		return fmt.Errorf("timescale: insert signal: %w", err)
	}
	return nil
}
