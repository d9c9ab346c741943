package model

import (
	"encoding/json"
	"time"
)

// Side of the order book.
const (
	SideBid = "BID"
	SideAsk = "ASK"
)

// DepthLevel is one price point of the 200-level book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// DepthSnapshot is a merged bid+ask view of the 200-level feed at a single
// timestamp. Levels are ordered best to worst; either side may be shorter
// than 200 when the book is thin.
type DepthSnapshot struct {
	Time       time.Time    `json:"time"`
	SecurityID string       `json:"security_id"`
	Symbol     string       `json:"symbol,omitempty"`
	Bids       []DepthLevel `json:"bids"`
	Asks       []DepthLevel `json:"asks"`
}

// BestBid returns the top bid price, 0 when the side is empty.
func (s *DepthSnapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk returns the top ask price, 0 when the side is empty.
func (s *DepthSnapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

// MidPrice returns (best bid + best ask) / 2, falling back to whichever side
// is present.
func (s *DepthSnapshot) MidPrice() float64 {
	bb, ba := s.BestBid(), s.BestAsk()
	switch {
	case bb > 0 && ba > 0:
		return (bb + ba) / 2
	case bb > 0:
		return bb
	default:
		return ba
	}
}

// SnapshotStats are the aggregate book metrics computed per snapshot and
// included in the published top-of-book payload.
type SnapshotStats struct {
	TotalBidQty     int64   `json:"total_bid_qty"`
	TotalAskQty     int64   `json:"total_ask_qty"`
	TotalBidOrders  int64   `json:"total_bid_orders"`
	TotalAskOrders  int64   `json:"total_ask_orders"`
	ImbalanceRatio  float64 `json:"imbalance_ratio"`
	AvgBidOrderSize float64 `json:"avg_bid_order_size"`
	AvgAskOrderSize float64 `json:"avg_ask_order_size"`
	BidVWAP         float64 `json:"bid_vwap"`
	AskVWAP         float64 `json:"ask_vwap"`
	Bid50PctLevel   int     `json:"bid_50pct_level"`
	Ask50PctLevel   int     `json:"ask_50pct_level"`
}

// Stats computes the aggregate view of the snapshot.
func (s *DepthSnapshot) Stats() SnapshotStats {
	var st SnapshotStats
	for _, l := range s.Bids {
		st.TotalBidQty += l.Quantity
		st.TotalBidOrders += l.Orders
		st.BidVWAP += l.Price * float64(l.Quantity)
	}
	for _, l := range s.Asks {
		st.TotalAskQty += l.Quantity
		st.TotalAskOrders += l.Orders
		st.AskVWAP += l.Price * float64(l.Quantity)
	}
	if st.TotalAskQty > 0 {
		st.ImbalanceRatio = float64(st.TotalBidQty) / float64(st.TotalAskQty)
	}
	if st.TotalBidOrders > 0 {
		st.AvgBidOrderSize = float64(st.TotalBidQty) / float64(st.TotalBidOrders)
	}
	if st.TotalAskOrders > 0 {
		st.AvgAskOrderSize = float64(st.TotalAskQty) / float64(st.TotalAskOrders)
	}
	if st.TotalBidQty > 0 {
		st.BidVWAP /= float64(st.TotalBidQty)
	} else {
		st.BidVWAP = 0
	}
	if st.TotalAskQty > 0 {
		st.AskVWAP /= float64(st.TotalAskQty)
	} else {
		st.AskVWAP = 0
	}
	st.Bid50PctLevel = halfVolumeLevel(s.Bids, st.TotalBidQty)
	st.Ask50PctLevel = halfVolumeLevel(s.Asks, st.TotalAskQty)
	return st
}

// halfVolumeLevel finds the 1-based level at which cumulative quantity
// crosses 50% of the side total.
func halfVolumeLevel(levels []DepthLevel, total int64) int {
	if total <= 0 {
		return 0
	}
	half := total / 2
	var cum int64
	for i, l := range levels {
		cum += l.Quantity
		if cum >= half {
			return i + 1
		}
	}
	return len(levels)
}

// TopOfBook is the compact representation published on the
// depth_snapshots:<symbol> channel: top 20 levels per side plus aggregates.
type TopOfBook struct {
	Time         time.Time     `json:"time"`
	SecurityID   string        `json:"security_id"`
	CurrentPrice float64       `json:"current_price"`
	BestBid      float64       `json:"best_bid"`
	BestAsk      float64       `json:"best_ask"`
	Spread       float64       `json:"spread"`
	TopBids      []DepthLevel  `json:"top_bids"`
	TopAsks      []DepthLevel  `json:"top_asks"`
	Stats        SnapshotStats `json:"stats"`
}

// TopOfBook derives the published view from a snapshot.
func (s *DepthSnapshot) TopOfBook(levels int) TopOfBook {
	top := TopOfBook{
		Time:         s.Time,
		SecurityID:   s.SecurityID,
		CurrentPrice: s.MidPrice(),
		BestBid:      s.BestBid(),
		BestAsk:      s.BestAsk(),
		Stats:        s.Stats(),
	}
	if top.BestBid > 0 && top.BestAsk > 0 {
		top.Spread = top.BestAsk - top.BestBid
	}
	top.TopBids = topN(s.Bids, levels)
	top.TopAsks = topN(s.Asks, levels)
	return top
}

func topN(levels []DepthLevel, n int) []DepthLevel {
	if len(levels) <= n {
		out := make([]DepthLevel, len(levels))
		copy(out, levels)
		return out
	}
	out := make([]DepthLevel, n)
	copy(out, levels[:n])
	return out
}

// JSON returns the published payload for the pub/sub channel.
func (t *TopOfBook) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
