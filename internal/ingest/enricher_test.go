package ingest

import (
	"math"
	"testing"
	"time"

	"orderflow-systemv1/internal/feed/dhan"
	"orderflow-systemv1/internal/instruments"
	"orderflow-systemv1/internal/model"
)

func testCache() *instruments.Cache {
	return instruments.NewFromInstruments([]model.Instrument{
		{
			InstrumentToken: 12601602,
			SecurityID:      "49229",
			TradingSymbol:   "NIFTY25AUGFUT",
			Exchange:        "NFO",
			Segment:         "NSE_FNO",
			InstrumentType:  "FUT",
			TickSize:        0.05,
			LotSize:         75,
			Source:          "dhan",
		},
	})
}

// Full-frame tick through merger and enricher: the spread/mid/change chain
// with the literal values from the feed contract.
func TestEnrichFullTick(t *testing.T) {
	m := NewMerger(0)
	m.Now = func() time.Time { return time.Date(2026, 8, 5, 10, 30, 0, 0, dhan.IST) }

	m.Apply(&dhan.PrevClosePacket{Header: header(6, 49229), PrevClose: 24450.00})

	full := &dhan.FullPacket{
		Header:       header(8, 49229),
		LastPrice:    24500.00,
		Volume:       500000,
		TotalBuyQty:  310000,
		TotalSellQty: 260000,
		OI:           15000000,
	}
	full.Depth[0] = dhan.DepthLevel{
		BidQty: 100000, AskQty: 120000,
		BidOrders: 50, AskOrders: 60,
		BidPrice: 24498.00, AskPrice: 24502.00,
	}
	tick, ok := m.Apply(full)
	if !ok {
		t.Fatal("full must emit")
	}

	e := NewEnricher(testCache())
	if !e.Enrich(&tick) {
		t.Fatal("expected resolution for 49229")
	}

	if tick.InstrumentToken != 12601602 {
		t.Errorf("token = %d, want 12601602", tick.InstrumentToken)
	}
	if tick.TradingSymbol != "NIFTY25AUGFUT" || tick.Exchange != "NFO" || tick.InstrumentType != "FUT" {
		t.Errorf("metadata = %q/%q/%q", tick.TradingSymbol, tick.Exchange, tick.InstrumentType)
	}
	if tick.Spread != 4.00 {
		t.Errorf("spread = %v, want 4.00", tick.Spread)
	}
	if tick.MidPrice != 24500.00 {
		t.Errorf("mid = %v, want 24500.00", tick.MidPrice)
	}
	if tick.Change != 50.00 {
		t.Errorf("change = %v, want 50.00", tick.Change)
	}
	if math.Abs(tick.ChangePercent-0.2045) > 0.0001 {
		t.Errorf("change_pct = %v, want ≈0.2045", tick.ChangePercent)
	}
	if tick.OrderImbalance != 50000 {
		t.Errorf("order_imbalance = %v, want 50000", tick.OrderImbalance)
	}
}

// Unknown security id: tick is dropped, pipeline continues.
func TestEnrichUnknownSecurityID(t *testing.T) {
	e := NewEnricher(testCache())

	tick := model.NormalizedTick{SecurityID: "99999", LastPrice: 100}
	if e.Enrich(&tick) {
		t.Error("expected resolution failure for unknown security id")
	}
}

func TestEnrichKitePathByToken(t *testing.T) {
	e := NewEnricher(testCache())

	tick := model.NormalizedTick{InstrumentToken: 12601602, LastPrice: 24500, PrevClose: 24450}
	if !e.Enrich(&tick) {
		t.Fatal("expected resolution by token")
	}
	if tick.SecurityID != "49229" {
		t.Errorf("security_id backfilled = %q, want 49229", tick.SecurityID)
	}
	if tick.Change != 50.00 {
		t.Errorf("change = %v, want 50.00", tick.Change)
	}
}

func TestEnrichNoDepthNoSpread(t *testing.T) {
	e := NewEnricher(testCache())

	tick := model.NormalizedTick{SecurityID: "49229", LastPrice: 24500}
	if !e.Enrich(&tick) {
		t.Fatal("expected resolution")
	}
	if tick.Spread != 0 || tick.MidPrice != 0 {
		t.Errorf("spread/mid = %v/%v, want 0/0 for empty book", tick.Spread, tick.MidPrice)
	}
}
