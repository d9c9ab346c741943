// Package signal is the rolling-window analyzer over depth snapshots: it
// tracks key price levels through their lifecycle, detects order
// absorption, computes directional pressure, and emits the filtered alerts.
package signal

import (
	"math"
	"time"

	"orderflow-systemv1/internal/model"
)

// Lifecycle thresholds.
const (
	// a forming level becomes active after persisting this long
	activationAge = 5 * time.Second
	// orders dropping this much from peak flips a level to breaking
	breakingDropRatio = 0.60
	// price within this distance counts as a test
	testDistance = 5.0
	// broken levels are garbage-collected after this long
	brokenRetention = 60 * time.Second
	// levels farther than this from price are abandoned
	maxTrackDistance = 150.0
	// levels unseen in the book for this long are abandoned
	maxUnseenAge = 120 * time.Second
)

// TrackedLevel is one key price whose lifecycle the analyzer maintains.
type TrackedLevel struct {
	Price         float64
	Side          string // support | resistance
	FirstSeen     time.Time
	LastSeen      time.Time
	PeakOrders    int64
	CurrentOrders int64
	Status        string // forming → active → breaking → broken
	Tests         int

	brokenAt time.Time
	// true while price sits inside testDistance so one approach counts once
	testing bool
}

// AgeSeconds is the level's age at now.
func (l *TrackedLevel) AgeSeconds(now time.Time) int {
	return int(now.Sub(l.FirstSeen).Seconds())
}

// Tracker maintains the tracked levels for one symbol. Evaluations are
// serialized per symbol, so there is a single writer and no locking.
type Tracker struct {
	tickSize float64
	levels   map[int64]*TrackedLevel // key: price bucketed to tick size
}

// NewTracker creates a tracker; tickSize defines price-equality buckets
// (≤0 falls back to 0.05, the NSE F&O tick).
func NewTracker(tickSize float64) *Tracker {
	if tickSize <= 0 {
		tickSize = 0.05
	}
	return &Tracker{
		tickSize: tickSize,
		levels:   make(map[int64]*TrackedLevel),
	}
}

func (t *Tracker) bucket(price float64) int64 {
	return int64(math.Round(price / t.tickSize))
}

// Observe upserts a candidate level detected in the current snapshot.
// New candidates start forming; existing ones update their order counts.
func (t *Tracker) Observe(now time.Time, price float64, side string, orders int64) *TrackedLevel {
	key := t.bucket(price)
	if lvl, ok := t.levels[key]; ok {
		lvl.CurrentOrders = orders
		if orders > lvl.PeakOrders {
			lvl.PeakOrders = orders
		}
		lvl.LastSeen = now
		return lvl
	}
	lvl := &TrackedLevel{
		Price:         price,
		Side:          side,
		FirstSeen:     now,
		LastSeen:      now,
		PeakOrders:    orders,
		CurrentOrders: orders,
		Status:        model.LevelForming,
	}
	t.levels[key] = lvl
	return lvl
}

// Advance runs the lifecycle transitions against the current price and
// garbage-collects dead levels. Called once per evaluation.
func (t *Tracker) Advance(now time.Time, currentPrice float64) {
	for key, lvl := range t.levels {
		if lvl.Status != model.LevelBroken {
			t.transition(now, currentPrice, lvl)
		}

		// GC: broken past retention, or abandoned
		switch {
		case lvl.Status == model.LevelBroken && now.Sub(lvl.brokenAt) >= brokenRetention:
			delete(t.levels, key)
		case math.Abs(lvl.Price-currentPrice) > maxTrackDistance:
			delete(t.levels, key)
		case lvl.Status != model.LevelBroken && now.Sub(lvl.LastSeen) > maxUnseenAge:
			delete(t.levels, key)
		}
	}
}

func (t *Tracker) transition(now time.Time, currentPrice float64, lvl *TrackedLevel) {
	// broken: price crossed through the level
	crossed := (lvl.Side == model.LevelResistance && currentPrice > lvl.Price) ||
		(lvl.Side == model.LevelSupport && currentPrice < lvl.Price)
	if crossed {
		lvl.Status = model.LevelBroken
		lvl.brokenAt = now
		return
	}

	// tests: price approached within range without crossing; one count per
	// approach
	if math.Abs(currentPrice-lvl.Price) <= testDistance {
		if !lvl.testing {
			lvl.Tests++
			lvl.testing = true
		}
	} else {
		lvl.testing = false
	}

	// breaking: order count collapsed from peak
	if lvl.PeakOrders > 0 {
		drop := float64(lvl.PeakOrders-lvl.CurrentOrders) / float64(lvl.PeakOrders)
		if drop >= breakingDropRatio {
			lvl.Status = model.LevelBreaking
			return
		}
	}

	// active: persisted long enough
	if lvl.Status == model.LevelForming && now.Sub(lvl.FirstSeen) >= activationAge {
		lvl.Status = model.LevelActive
	}
}

// Lookup returns the tracked level at a price, nil on a miss.
func (t *Tracker) Lookup(price float64) *TrackedLevel {
	return t.levels[t.bucket(price)]
}

// Live returns every level in forming|active|breaking, which is the
// key-level output set.
func (t *Tracker) Live() []*TrackedLevel {
	out := make([]*TrackedLevel, 0, len(t.levels))
	for _, lvl := range t.levels {
		if lvl.Status != model.LevelBroken {
			out = append(out, lvl)
		}
	}
	return out
}

// Absorbable returns the levels eligible for absorption checks
// (active|breaking).
func (t *Tracker) Absorbable() []*TrackedLevel {
	out := make([]*TrackedLevel, 0, len(t.levels))
	for _, lvl := range t.levels {
		if lvl.Status == model.LevelActive || lvl.Status == model.LevelBreaking {
			out = append(out, lvl)
		}
	}
	return out
}

// Len returns the number of tracked levels.
func (t *Tracker) Len() int { return len(t.levels) }
