package timescale

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow-systemv1/internal/model"
)

const upsertTick = `
	INSERT INTO ticks (
		time, last_trade_time, instrument_token, security_id, trading_symbol,
		exchange, instrument_type, last_price, last_traded_quantity,
		average_traded_price, volume_traded, oi, oi_day_high, oi_day_low,
		day_open, day_high, day_low, day_close, change, change_percent,
		total_buy_quantity, total_sell_quantity,
		bid_prices, bid_quantities, bid_orders,
		ask_prices, ask_quantities, ask_orders,
		mode, bid_ask_spread, mid_price, order_imbalance
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
		$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32
	)
	ON CONFLICT (time, instrument_token) DO UPDATE SET
		last_price = EXCLUDED.last_price,
		volume_traded = EXCLUDED.volume_traded,
		oi = EXCLUDED.oi,
		total_buy_quantity = EXCLUDED.total_buy_quantity,
		total_sell_quantity = EXCLUDED.total_sell_quantity,
		bid_prices = EXCLUDED.bid_prices,
		bid_quantities = EXCLUDED.bid_quantities,
		bid_orders = EXCLUDED.bid_orders,
		ask_prices = EXCLUDED.ask_prices,
		ask_quantities = EXCLUDED.ask_quantities,
		ask_orders = EXCLUDED.ask_orders,
		bid_ask_spread = EXCLUDED.bid_ask_spread,
		mid_price = EXCLUDED.mid_price,
		order_imbalance = EXCLUDED.order_imbalance`

// TickWriter performs the workers' batched UPSERTs into the ticks
// hypertable. Rewrites on the (time, instrument_token) key are idempotent,
// which is what makes redelivered bus messages safe.
type TickWriter struct {
	pool *pgxpool.Pool
}

// NewTickWriter creates a writer over the shared pool.
func NewTickWriter(pool *pgxpool.Pool) *TickWriter {
	return &TickWriter{pool: pool}
}

// InsertBatch upserts a batch of ticks in one round trip.
func (w *TickWriter) InsertBatch(ctx context.Context, ticks []model.NormalizedTick) error {
	if len(ticks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range ticks {
		t := &ticks[i]
		bidPrices, bidQtys, bidOrders := splitDepth(t.Bids)
		askPrices, askQtys, askOrders := splitDepth(t.Asks)
		batch.Queue(upsertTick,
			t.Time, nullTime(t.LastTradeTime), t.InstrumentToken, t.SecurityID,
			t.TradingSymbol, t.Exchange, t.InstrumentType, t.LastPrice,
			t.LastTradedQty, t.AvgTradedPrice, t.VolumeTraded, t.OI,
			t.OIDayHigh, t.OIDayLow, t.DayOpen, t.DayHigh, t.DayLow,
			t.DayClose, t.Change, t.ChangePercent, t.TotalBuyQty,
			t.TotalSellQty, bidPrices, bidQtys, bidOrders, askPrices, askQtys,
			askOrders, t.Mode, t.Spread, t.MidPrice, t.OrderImbalance)
	}

	batchCtx, cancel := context.WithTimeout(ctx, BatchTimeout)
	defer cancel()

	br := w.pool.SendBatch(batchCtx, batch)
	defer br.Close()
	for range ticks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("timescale: tick batch: %w", err)
		}
	}
	return nil
}

// splitDepth flattens the fixed 5-level book into the column arrays the
// schema stores.
func splitDepth(levels [5]model.DepthEntry) ([]float64, []int64, []int32) {
	prices := make([]float64, 5)
	qtys := make([]int64, 5)
	orders := make([]int32, 5)
	for i, l := range levels {
		prices[i] = l.Price
		qtys[i] = l.Quantity
		orders[i] = l.Orders
	}
	return prices, qtys, orders
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
