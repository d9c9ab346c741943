package ingest

import (
	"fmt"
	"testing"
	"time"

	"orderflow-systemv1/internal/feed/dhan"
)

func fixedNow() time.Time {
	return time.Date(2026, 8, 5, 10, 30, 0, 0, dhan.IST)
}

func header(code uint8, sid int32) dhan.Header {
	return dhan.Header{ResponseCode: code, SegmentCode: dhan.SegNSEFNO, SecurityID: sid}
}

func TestMergerCombinesPartialFrames(t *testing.T) {
	m := NewMerger(0)
	m.Now = fixedNow

	// prev-close arrives first, then OI, then a quote closes the snapshot
	if _, ok := m.Apply(&dhan.PrevClosePacket{Header: header(6, 49229), PrevClose: 24450.00, PrevOI: 14500000}); ok {
		t.Error("prev-close must not emit a tick")
	}
	if _, ok := m.Apply(&dhan.OIPacket{Header: header(5, 49229), OI: 15000000}); ok {
		t.Error("oi must not emit a tick")
	}

	tick, ok := m.Apply(&dhan.QuotePacket{
		Header:    header(4, 49229),
		LastPrice: 24500.00,
		Volume:    500000,
	})
	if !ok {
		t.Fatal("quote must emit a tick")
	}
	if tick.PrevClose != 24450.00 {
		t.Errorf("prev_close = %v, want 24450.00 (carried from code 6)", tick.PrevClose)
	}
	if tick.OI != 15000000 {
		t.Errorf("oi = %v, want 15000000 (carried from code 5)", tick.OI)
	}
	if tick.SecurityID != "49229" {
		t.Errorf("security_id = %q", tick.SecurityID)
	}
	if tick.Mode != "quote" {
		t.Errorf("mode = %q, want quote", tick.Mode)
	}
}

func TestMergerFullPacketEmitsDepth(t *testing.T) {
	m := NewMerger(0)
	m.Now = fixedNow

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
		t.Fatal("full must emit a tick")
	}
	if tick.Mode != "full" {
		t.Errorf("mode = %q, want full", tick.Mode)
	}
	if tick.Bids[0].Price != 24498.00 || tick.Bids[0].Orders != 50 {
		t.Errorf("bids[0] = %+v", tick.Bids[0])
	}
	if tick.Asks[0].Price != 24502.00 || tick.Asks[0].Quantity != 120000 {
		t.Errorf("asks[0] = %+v", tick.Asks[0])
	}
	if tick.PrevClose != 24450.00 {
		t.Errorf("prev_close = %v, want 24450.00", tick.PrevClose)
	}
	if !tick.Time.Equal(fixedNow()) {
		t.Errorf("time = %v, want %v", tick.Time, fixedNow())
	}
}

func TestMergerTickerOnlyUpdatesState(t *testing.T) {
	m := NewMerger(0)
	m.Now = fixedNow

	if _, ok := m.Apply(&dhan.TickerPacket{Header: header(2, 49229), LastPrice: 24510.00}); ok {
		t.Error("ticker must not emit a tick")
	}
	if m.Len() != 1 {
		t.Errorf("state len = %d, want 1", m.Len())
	}
}

func TestMergerLRUEviction(t *testing.T) {
	m := NewMerger(3)
	m.Now = fixedNow

	for sid := int32(1); sid <= 4; sid++ {
		m.Apply(&dhan.PrevClosePacket{Header: header(6, sid), PrevClose: 100})
	}
	if m.Len() != 3 {
		t.Fatalf("state len = %d, want 3 after eviction", m.Len())
	}

	// sid=1 was evicted, so its prev_close is gone
	tick, ok := m.Apply(&dhan.QuotePacket{Header: header(4, 1), LastPrice: 101})
	if !ok {
		t.Fatal("quote must emit")
	}
	if tick.PrevClose != 0 {
		t.Errorf("prev_close = %v, want 0 for evicted state", tick.PrevClose)
	}

	// sid=4 survived
	tick, _ = m.Apply(&dhan.QuotePacket{Header: header(4, 4), LastPrice: 101})
	if tick.PrevClose != 100 {
		t.Errorf("prev_close = %v, want 100 for retained state", tick.PrevClose)
	}
}

func TestMergerManySecurities(t *testing.T) {
	m := NewMerger(0)
	m.Now = fixedNow
	for i := 0; i < 500; i++ {
		m.Apply(&dhan.TickerPacket{Header: header(2, int32(i)), LastPrice: float64(i)})
	}
	if m.Len() != 500 {
		t.Errorf("state len = %d, want 500", m.Len())
	}
	// sanity: distinct sids map to distinct states
	tick, _ := m.Apply(&dhan.QuotePacket{Header: header(4, 42), LastPrice: 42})
	if tick.SecurityID != fmt.Sprintf("%d", 42) {
		t.Errorf("security_id = %q", tick.SecurityID)
	}
}
