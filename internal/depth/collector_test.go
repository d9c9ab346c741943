package depth

import (
	"testing"
	"time"

	"orderflow-systemv1/internal/feed/dhan"
)

func bidFrame(sid uint32, best float64, rows int) *dhan.DepthFrame {
	f := &dhan.DepthFrame{
		DepthHeader: dhan.DepthHeader{ResponseCode: dhan.DepthRespBid, SecurityID: sid, NumRows: uint32(rows)},
		Bid:         true,
	}
	for i := 0; i < rows; i++ {
		f.Levels = append(f.Levels, dhan.DepthRow{Price: best - float64(i)*0.5, Quantity: 1000, Orders: 20})
	}
	return f
}

func askFrame(sid uint32, best float64, rows int) *dhan.DepthFrame {
	f := &dhan.DepthFrame{
		DepthHeader: dhan.DepthHeader{ResponseCode: dhan.DepthRespAsk, SecurityID: sid, NumRows: uint32(rows)},
	}
	for i := 0; i < rows; i++ {
		f.Levels = append(f.Levels, dhan.DepthRow{Price: best + float64(i)*0.5, Quantity: 1200, Orders: 25})
	}
	return f
}

func TestCollectorPairsBidThenAsk(t *testing.T) {
	now := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	c := NewCollector("NIFTY")
	c.Now = func() time.Time { return now }

	if _, ok := c.Apply(bidFrame(49543, 24498, 200)); ok {
		t.Fatal("bid alone must not complete a snapshot")
	}

	now = now.Add(100 * time.Millisecond)
	snap, ok := c.Apply(askFrame(49543, 24502, 200))
	if !ok {
		t.Fatal("ask after bid must complete a snapshot")
	}
	if snap.SecurityID != "49543" || snap.Symbol != "NIFTY" {
		t.Errorf("identity = %q/%q", snap.SecurityID, snap.Symbol)
	}
	if len(snap.Bids) != 200 || len(snap.Asks) != 200 {
		t.Errorf("levels = %d/%d, want 200/200", len(snap.Bids), len(snap.Asks))
	}
	if snap.BestBid() != 24498 || snap.BestAsk() != 24502 {
		t.Errorf("tob = %v/%v", snap.BestBid(), snap.BestAsk())
	}
	// timestamp is the first half's arrival
	if !snap.Time.Equal(now.Add(-100 * time.Millisecond)) {
		t.Errorf("time = %v", snap.Time)
	}
}

func TestCollectorAskFirst(t *testing.T) {
	now := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	c := NewCollector("NIFTY")
	c.Now = func() time.Time { return now }

	c.Apply(askFrame(49543, 24502, 10))
	if _, ok := c.Apply(bidFrame(49543, 24498, 10)); !ok {
		t.Fatal("bid after ask must complete a snapshot")
	}
}

func TestCollectorDiscardsStaleHalf(t *testing.T) {
	now := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	c := NewCollector("NIFTY")
	c.Now = func() time.Time { return now }
	drops := 0
	c.OnStaleDrop = func() { drops++ }

	c.Apply(bidFrame(49543, 24498, 10))

	// Ask arrives past the 2 s pairing window: the stale bid is discarded
	// and no snapshot forms.
	now = now.Add(3 * time.Second)
	if _, ok := c.Apply(askFrame(49543, 24502, 10)); ok {
		t.Error("stale bid must not pair")
	}
	if drops != 1 {
		t.Errorf("stale drops = %d, want 1", drops)
	}

	// A fresh bid now completes against the waiting ask.
	now = now.Add(200 * time.Millisecond)
	if _, ok := c.Apply(bidFrame(49543, 24499, 10)); !ok {
		t.Error("fresh pair must complete")
	}
}

func TestCollectorMismatchedSecurityIDs(t *testing.T) {
	now := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	c := NewCollector("NIFTY")
	c.Now = func() time.Time { return now }

	c.Apply(bidFrame(49543, 24498, 5))
	if _, ok := c.Apply(askFrame(11111, 24502, 5)); ok {
		t.Error("different securities must not pair")
	}
}

func TestSnapshotStats(t *testing.T) {
	now := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	c := NewCollector("NIFTY")
	c.Now = func() time.Time { return now }

	c.Apply(bidFrame(49543, 24498, 4))
	snap, _ := c.Apply(askFrame(49543, 24502, 4))

	st := snap.Stats()
	if st.TotalBidQty != 4000 || st.TotalAskQty != 4800 {
		t.Errorf("qty totals = %d/%d", st.TotalBidQty, st.TotalAskQty)
	}
	if st.TotalBidOrders != 80 || st.TotalAskOrders != 100 {
		t.Errorf("order totals = %d/%d", st.TotalBidOrders, st.TotalAskOrders)
	}
	if st.AvgBidOrderSize != 50 {
		t.Errorf("avg bid order size = %v, want 50", st.AvgBidOrderSize)
	}
	if st.Bid50PctLevel != 2 {
		t.Errorf("bid 50pct level = %d, want 2", st.Bid50PctLevel)
	}
}

func TestTopOfBookView(t *testing.T) {
	now := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	c := NewCollector("NIFTY")
	c.Now = func() time.Time { return now }

	c.Apply(bidFrame(49543, 24498, 200))
	snap, _ := c.Apply(askFrame(49543, 24502, 200))

	top := snap.TopOfBook(20)
	if len(top.TopBids) != 20 || len(top.TopAsks) != 20 {
		t.Errorf("top levels = %d/%d, want 20/20", len(top.TopBids), len(top.TopAsks))
	}
	if top.Spread != 4.0 {
		t.Errorf("spread = %v, want 4.0", top.Spread)
	}
	if top.CurrentPrice != 24500 {
		t.Errorf("current price = %v, want 24500", top.CurrentPrice)
	}
}
