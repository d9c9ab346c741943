package ingest

import (
	"math"

	"orderflow-systemv1/internal/instruments"
	"orderflow-systemv1/internal/model"
)

// Enricher resolves ticks against the instrument cache and fills the
// derived fields. Ticks that fail resolution are dropped by the caller.
type Enricher struct {
	cache *instruments.Cache
}

// NewEnricher creates an enricher over the given instrument cache.
func NewEnricher(cache *instruments.Cache) *Enricher {
	return &Enricher{cache: cache}
}

// Enrich annotates the tick in place. It returns false when the security
// cannot be resolved, in which case the tick must not be published.
func (e *Enricher) Enrich(t *model.NormalizedTick) bool {
	var (
		inst model.Instrument
		ok   bool
	)
	if t.SecurityID != "" {
		inst, ok = e.cache.ResolveSecurityID(t.SecurityID)
	} else if t.InstrumentToken != 0 {
		// Kite path: the feed already carries the canonical token.
		inst, ok = e.cache.ByToken(t.InstrumentToken)
	}
	if !ok {
		return false
	}

	t.InstrumentToken = inst.InstrumentToken
	t.TradingSymbol = inst.TradingSymbol
	t.Exchange = inst.Exchange
	if t.Segment == "" {
		t.Segment = inst.Segment
	}
	t.InstrumentType = inst.InstrumentType
	if t.SecurityID == "" {
		t.SecurityID = inst.SecurityID
	}

	// change / change_pct against the previous close
	if t.PrevClose > 0 && t.LastPrice > 0 {
		t.Change = round2(t.LastPrice - t.PrevClose)
		t.ChangePercent = round4(t.Change / t.PrevClose * 100)
	}

	// top-of-book derivations
	bb, ba := t.BestBid(), t.BestAsk()
	if bb > 0 && ba > 0 {
		t.Spread = round2(ba - bb)
		t.MidPrice = round2((bb + ba) / 2)
	}

	t.OrderImbalance = t.TotalBuyQty - t.TotalSellQty
	return true
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
