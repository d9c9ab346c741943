package timescale

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow-systemv1/internal/model"
)

const insertDepthLevel = `
	INSERT INTO depth_levels_200 (time, security_id, side, level_num, price, quantity, orders)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (time, security_id, side, level_num) DO NOTHING`

// DepthWriter persists every level of completed 200-depth snapshots.
type DepthWriter struct {
	pool *pgxpool.Pool
}

// NewDepthWriter creates a writer over the shared pool.
func NewDepthWriter(pool *pgxpool.Pool) *DepthWriter {
	return &DepthWriter{pool: pool}
}

// InsertSnapshot writes all levels of one snapshot (up to 400 rows) in a
// single batched statement. The DO NOTHING conflict action makes duplicate
// timestamps idempotent.
func (w *DepthWriter) InsertSnapshot(ctx context.Context, snap *model.DepthSnapshot) error {
	batch := &pgx.Batch{}
	queueSide(batch, snap, model.SideBid, snap.Bids)
	queueSide(batch, snap, model.SideAsk, snap.Asks)
	if batch.Len() == 0 {
		return nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, BatchTimeout)
	defer cancel()

	br := w.pool.SendBatch(batchCtx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("timescale: depth batch: %w", err)
		}
	}
	return nil
}

func queueSide(batch *pgx.Batch, snap *model.DepthSnapshot, side string, levels []model.DepthLevel) {
	for i, l := range levels {
		batch.Queue(insertDepthLevel, snap.Time, snap.SecurityID, side, i+1, l.Price, l.Quantity, l.Orders)
	}
}
