package signal

import (
	"math"
	"sort"
	"time"

	"orderflow-systemv1/internal/depth"
	"orderflow-systemv1/internal/model"
)

// Detection thresholds.
const (
	// only levels within this distance of mid participate
	detectionWindow = 100.0
	// a level is a candidate at this multiple of the mean order count
	candidateRatio = 2.5

	// pressure is computed over the top N levels per side
	pressureTopN = 20
	// market state flips outside this band
	pressureBand = 0.3

	// absorption compares against the count observed this long ago
	absorbLookbackMin = 30 * time.Second
	absorbLookbackMax = 60 * time.Second
	// reduction qualifying as absorption
	absorbReduction = 0.60
)

// MeanOrders computes the mean order count across all levels of both sides
// within ±detectionWindow of mid. Levels with zero orders are excluded.
func MeanOrders(snap *model.DepthSnapshot, mid float64) float64 {
	var sum int64
	var n int
	for _, side := range [][]model.DepthLevel{snap.Bids, snap.Asks} {
		for _, l := range side {
			if l.Orders <= 0 || math.Abs(l.Price-mid) > detectionWindow {
				continue
			}
			sum += l.Orders
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

type candidate struct {
	price  float64
	side   string
	orders int64
}

// candidates returns the levels whose order count clears the detection
// threshold, within ±detectionWindow of mid.
func candidates(snap *model.DepthSnapshot, mid, mean float64) []candidate {
	if mean <= 0 {
		return nil
	}
	threshold := mean * candidateRatio
	var out []candidate
	for _, l := range snap.Bids {
		if float64(l.Orders) >= threshold && math.Abs(l.Price-mid) <= detectionWindow {
			out = append(out, candidate{price: l.Price, side: model.LevelSupport, orders: l.Orders})
		}
	}
	for _, l := range snap.Asks {
		if float64(l.Orders) >= threshold && math.Abs(l.Price-mid) <= detectionWindow {
			out = append(out, candidate{price: l.Price, side: model.LevelResistance, orders: l.Orders})
		}
	}
	return out
}

// ComputePressure evaluates the windowed order imbalance: for each window
// the arithmetic mean over snapshots of
// (Σ bid_orders − Σ ask_orders) / (Σ bid_orders + Σ ask_orders) restricted
// to the top 20 levels per side, clamped to [−1, 1]. The 60 s window is
// primary and sets the market state at the ±0.3 band.
func ComputePressure(buf *depth.Buffer, now time.Time) model.Pressure {
	p := model.Pressure{
		P30s:  windowImbalance(buf, now, 30*time.Second),
		P60s:  windowImbalance(buf, now, 60*time.Second),
		P120s: windowImbalance(buf, now, 120*time.Second),
	}
	switch {
	case p.P60s > pressureBand:
		p.State = model.StateBullish
	case p.P60s < -pressureBand:
		p.State = model.StateBearish
	default:
		p.State = model.StateNeutral
	}
	return p
}

func windowImbalance(buf *depth.Buffer, now time.Time, window time.Duration) float64 {
	snaps := buf.Since(now.Add(-window))
	if len(snaps) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, s := range snaps {
		bid := topOrders(s.Bids)
		ask := topOrders(s.Asks)
		if bid+ask == 0 {
			continue
		}
		sum += float64(bid-ask) / float64(bid+ask)
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp(sum/float64(n), -1, 1)
}

func topOrders(levels []model.DepthLevel) int64 {
	var sum int64
	n := pressureTopN
	if len(levels) < n {
		n = len(levels)
	}
	for _, l := range levels[:n] {
		sum += l.Orders
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DetectAbsorptions compares each active|breaking level's current order
// count with the count observed 30–60 s ago in the buffer. A reduction of
// 60% or more qualifies; it is a breakthrough when price has crossed the
// level in the same window, a cancellation (orders pulled) otherwise.
func DetectAbsorptions(tracker *Tracker, buf *depth.Buffer, now time.Time, currentPrice, tickSize float64) []model.Absorption {
	window := buf.Between(now.Add(-absorbLookbackMax), now.Add(-absorbLookbackMin))
	if len(window) == 0 {
		return nil
	}

	var out []model.Absorption
	for _, lvl := range tracker.Absorbable() {
		before, ok := ordersAtPrice(window, lvl, tickSize)
		if !ok || before <= 0 {
			continue
		}
		reduction := float64(before-lvl.CurrentOrders) / float64(before)
		if reduction < absorbReduction {
			continue
		}

		crossed := (lvl.Side == model.LevelResistance && currentPrice > lvl.Price) ||
			(lvl.Side == model.LevelSupport && currentPrice < lvl.Price)

		out = append(out, model.Absorption{
			Price:        lvl.Price,
			Side:         lvl.Side,
			OrdersBefore: before,
			OrdersNow:    lvl.CurrentOrders,
			ReductionPct: math.Round(reduction * 100),
			Breakthrough: crossed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReductionPct > out[j].ReductionPct })
	return out
}

// ordersAtPrice finds the order count at the level's price (to one tick) in
// the oldest snapshot of the lookback window that carries it.
func ordersAtPrice(snaps []*model.DepthSnapshot, lvl *TrackedLevel, tickSize float64) (int64, bool) {
	if tickSize <= 0 {
		tickSize = 0.05
	}
	for _, s := range snaps {
		side := s.Asks
		if lvl.Side == model.LevelSupport {
			side = s.Bids
		}
		for _, l := range side {
			if math.Abs(l.Price-lvl.Price) <= tickSize/2 {
				return l.Orders, true
			}
		}
	}
	return 0, false
}
