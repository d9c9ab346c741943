package timescale

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema DDL. Hypertable, compression and retention policies match the
// operational lifecycle: ticks compress after 7 days and drop after 90,
// depth levels compress after 7 and drop after 60, signals compress after
// 1 and drop after 60.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		instrument_token INTEGER PRIMARY KEY,
		security_id      TEXT UNIQUE,
		trading_symbol   TEXT NOT NULL,
		exchange         TEXT NOT NULL,
		segment          TEXT,
		instrument_type  TEXT,
		expiry           DATE,
		strike           DOUBLE PRECISION,
		tick_size        DOUBLE PRECISION,
		lot_size         INTEGER,
		source           TEXT,
		is_active        BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS ticks (
		time                  TIMESTAMPTZ NOT NULL,
		last_trade_time       TIMESTAMPTZ,
		instrument_token      INTEGER NOT NULL,
		security_id           TEXT,
		trading_symbol        TEXT,
		exchange              TEXT,
		instrument_type       TEXT,
		last_price            DOUBLE PRECISION,
		last_traded_quantity  INTEGER,
		average_traded_price  DOUBLE PRECISION,
		volume_traded         BIGINT,
		oi                    BIGINT,
		oi_day_high           BIGINT,
		oi_day_low            BIGINT,
		day_open              DOUBLE PRECISION,
		day_high              DOUBLE PRECISION,
		day_low               DOUBLE PRECISION,
		day_close             DOUBLE PRECISION,
		change                DOUBLE PRECISION,
		change_percent        DOUBLE PRECISION,
		total_buy_quantity    BIGINT,
		total_sell_quantity   BIGINT,
		bid_prices            DOUBLE PRECISION[],
		bid_quantities        BIGINT[],
		bid_orders            INTEGER[],
		ask_prices            DOUBLE PRECISION[],
		ask_quantities        BIGINT[],
		ask_orders            INTEGER[],
		mode                  TEXT,
		bid_ask_spread        DOUBLE PRECISION,
		mid_price             DOUBLE PRECISION,
		order_imbalance       BIGINT,
		PRIMARY KEY (time, instrument_token)
	)`,
	`SELECT create_hypertable('ticks', 'time', if_not_exists => TRUE)`,
	`ALTER TABLE ticks SET (timescaledb.compress,
		timescaledb.compress_segmentby = 'instrument_token')`,
	`SELECT add_compression_policy('ticks', INTERVAL '7 days', if_not_exists => TRUE)`,
	`SELECT add_retention_policy('ticks', INTERVAL '90 days', if_not_exists => TRUE)`,

	`CREATE TABLE IF NOT EXISTS depth_levels_200 (
		time        TIMESTAMPTZ NOT NULL,
		security_id TEXT NOT NULL,
		side        TEXT NOT NULL,
		level_num   SMALLINT NOT NULL,
		price       DOUBLE PRECISION NOT NULL,
		quantity    BIGINT NOT NULL,
		orders      BIGINT NOT NULL,
		PRIMARY KEY (time, security_id, side, level_num)
	)`,
	`SELECT create_hypertable('depth_levels_200', 'time', if_not_exists => TRUE)`,
	`ALTER TABLE depth_levels_200 SET (timescaledb.compress,
		timescaledb.compress_segmentby = 'security_id,side')`,
	`SELECT add_compression_policy('depth_levels_200', INTERVAL '7 days', if_not_exists => TRUE)`,
	`SELECT add_retention_policy('depth_levels_200', INTERVAL '60 days', if_not_exists => TRUE)`,

	`CREATE TABLE IF NOT EXISTS depth_signals (
		time          TIMESTAMPTZ NOT NULL,
		security_id   TEXT NOT NULL,
		current_price DOUBLE PRECISION,
		key_levels    JSONB,
		absorptions   JSONB,
		pressure_30s  DOUBLE PRECISION,
		pressure_60s  DOUBLE PRECISION,
		pressure_120s DOUBLE PRECISION,
		market_state  TEXT,
		PRIMARY KEY (time, security_id)
	)`,
	`SELECT create_hypertable('depth_signals', 'time', if_not_exists => TRUE)`,
	`ALTER TABLE depth_signals SET (timescaledb.compress,
		timescaledb.compress_segmentby = 'security_id')`,
	`SELECT add_compression_policy('depth_signals', INTERVAL '1 day', if_not_exists => TRUE)`,
	`SELECT add_retention_policy('depth_signals', INTERVAL '60 days', if_not_exists => TRUE)`,
}

// EnsureSchema applies the DDL. Every statement is idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("timescale: schema: %w", err)
		}
	}
	return nil
}
