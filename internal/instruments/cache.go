// Package instruments holds the in-memory instrument master: security_id →
// canonical token + metadata. Loaded once at startup from TimescaleDB, with
// a Redis hash fallback when the SQL read fails; read-only afterwards.
package instruments

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow-systemv1/internal/model"
)

const loadQuery = `
	SELECT instrument_token, security_id, trading_symbol, exchange, segment,
	       instrument_type, expiry, strike, tick_size, lot_size, source
	FROM instruments
	WHERE is_active = TRUE`

// Cache is an immutable-after-load snapshot of active instruments.
// Reload swaps the whole snapshot atomically or leaves the prior one intact.
type Cache struct {
	mu           sync.RWMutex
	byToken      map[int32]model.Instrument
	bySecurityID map[string]int32
}

// Load reads all active instruments from the database. If the SQL read
// fails and rdb is non-nil, the Redis instrument hashes are used as a
// fallback. Both failing is a startup abort for the caller.
func Load(ctx context.Context, pool *pgxpool.Pool, rdb *goredis.Client) (*Cache, error) {
	rows, sqlErr := loadFromSQL(ctx, pool)
	if sqlErr == nil {
		log.Printf("[instruments] loaded %d active instruments from database", len(rows))
		return NewFromInstruments(rows), nil
	}

	if rdb == nil {
		return nil, fmt.Errorf("instruments: load: %w", sqlErr)
	}

	log.Printf("[instruments] database load failed (%v), falling back to cache", sqlErr)
	rows, cacheErr := loadFromRedis(ctx, rdb)
	if cacheErr != nil {
		return nil, fmt.Errorf("instruments: load: sql: %v; cache fallback: %w", sqlErr, cacheErr)
	}
	log.Printf("[instruments] loaded %d instruments from cache fallback", len(rows))
	return NewFromInstruments(rows), nil
}

// NewFromInstruments builds a cache from an already-materialized row set.
func NewFromInstruments(rows []model.Instrument) *Cache {
	c := &Cache{}
	c.install(rows)
	return c
}

func (c *Cache) install(rows []model.Instrument) {
	byToken := make(map[int32]model.Instrument, len(rows))
	bySID := make(map[string]int32, len(rows))
	for _, inst := range rows {
		byToken[inst.InstrumentToken] = inst
		if inst.SecurityID != "" {
			bySID[inst.SecurityID] = inst.InstrumentToken
		}
	}
	c.mu.Lock()
	c.byToken = byToken
	c.bySecurityID = bySID
	c.mu.Unlock()
}

// Reload re-reads the database. On any error the prior snapshot stays in
// place; there are no partial swaps.
func (c *Cache) Reload(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := loadFromSQL(ctx, pool)
	if err != nil {
		return fmt.Errorf("instruments: reload: %w", err)
	}
	c.install(rows)
	log.Printf("[instruments] reloaded %d active instruments", len(rows))
	return nil
}

// ResolveSecurityID maps a feed security id to its instrument. The second
// return is false on a miss; the caller drops the tick and counts it.
func (c *Cache) ResolveSecurityID(sid string) (model.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.bySecurityID[sid]
	if !ok {
		return model.Instrument{}, false
	}
	inst, ok := c.byToken[token]
	return inst, ok
}

// ByToken looks up an instrument by its canonical token.
func (c *Cache) ByToken(token int32) (model.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.byToken[token]
	return inst, ok
}

// Active returns all cached instruments, for building subscription lists.
func (c *Cache) Active() []model.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Instrument, 0, len(c.byToken))
	for _, inst := range c.byToken {
		out = append(out, inst)
	}
	return out
}

// Len returns the number of cached instruments.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byToken)
}

func loadFromSQL(ctx context.Context, pool *pgxpool.Pool) ([]model.Instrument, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := pool.Query(queryCtx, loadQuery)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var (
			inst     model.Instrument
			sid      *string
			segment  *string
			instType *string
			expiry   *time.Time
			strike   *float64
			tickSize *float64
			lotSize  *int
			source   *string
		)
		err := rows.Scan(&inst.InstrumentToken, &sid, &inst.TradingSymbol, &inst.Exchange,
			&segment, &instType, &expiry, &strike, &tickSize, &lotSize, &source)
		if err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		if sid != nil {
			inst.SecurityID = *sid
		}
		if segment != nil {
			inst.Segment = *segment
		}
		if instType != nil {
			inst.InstrumentType = *instType
		}
		inst.Expiry = expiry
		inst.Strike = strike
		if tickSize != nil {
			inst.TickSize = *tickSize
		}
		if lotSize != nil {
			inst.LotSize = *lotSize
		}
		if source != nil {
			inst.Source = *source
		}
		inst.IsActive = true
		out = append(out, inst)
	}
	return out, rows.Err()
}

// loadFromRedis scans instrument:* hashes written alongside the master sync.
func loadFromRedis(ctx context.Context, rdb *goredis.Client) ([]model.Instrument, error) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out []model.Instrument
	iter := rdb.Scan(opCtx, 0, "instrument:*", 500).Iterator()
	for iter.Next(opCtx) {
		key := iter.Val()
		data, err := rdb.HGetAll(opCtx, key).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		token, err := strconv.ParseInt(data["instrument_token"], 10, 32)
		if err != nil {
			continue
		}
		inst := model.Instrument{
			InstrumentToken: int32(token),
			SecurityID:      data["security_id"],
			TradingSymbol:   data["trading_symbol"],
			Exchange:        data["exchange"],
			Segment:         data["segment"],
			InstrumentType:  data["instrument_type"],
			Source:          data["source"],
			IsActive:        true,
		}
		if v, err := strconv.ParseFloat(data["tick_size"], 64); err == nil {
			inst.TickSize = v
		}
		if v, err := strconv.Atoi(data["lot_size"]); err == nil {
			inst.LotSize = v
		}
		out = append(out, inst)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan instrument keys: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instrument keys in cache")
	}
	return out, nil
}
