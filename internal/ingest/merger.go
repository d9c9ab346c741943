// Package ingest is the tick pipeline: WebSocket transport → frame decoder
// → merger → enricher → bus publisher, with bounded channels between stages.
package ingest

import (
	"container/list"
	"time"

	"orderflow-systemv1/internal/feed/dhan"
	"orderflow-systemv1/internal/model"
)

// DefaultMergerCapacity bounds the per-security partial state map.
const DefaultMergerCapacity = 10000

// mergeState accumulates partial frames for one security until a quote or
// full frame closes the snapshot.
type mergeState struct {
	sid       string
	prevClose float64
	prevOI    int64
	oi        int64
	lastPrice float64
	lastTime  time.Time
}

// Merger combines the tick feed's partial frames (ticker, OI, prev-close)
// with quote/full frames into NormalizedTick snapshots. State is kept per
// security_id in an LRU-bounded map.
type Merger struct {
	capacity int
	states   map[string]*list.Element
	order    *list.List // front = most recently used

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewMerger creates a merger with the given state capacity (≤0 uses the
// default).
func NewMerger(capacity int) *Merger {
	if capacity <= 0 {
		capacity = DefaultMergerCapacity
	}
	return &Merger{
		capacity: capacity,
		states:   make(map[string]*list.Element),
		order:    list.New(),
		Now:      time.Now,
	}
}

// Apply folds one decoded packet into the per-security state. It returns a
// completed NormalizedTick and true when the packet closes a snapshot
// (codes 4 and 8); all other packet kinds only update state.
func (m *Merger) Apply(pkt dhan.Packet) (model.NormalizedTick, bool) {
	switch p := pkt.(type) {
	case *dhan.TickerPacket:
		st := m.touch(p.SID())
		st.lastPrice = p.LastPrice
		st.lastTime = p.LastTradeTime
		return model.NormalizedTick{}, false

	case *dhan.OIPacket:
		st := m.touch(p.SID())
		st.oi = int64(p.OI)
		return model.NormalizedTick{}, false

	case *dhan.PrevClosePacket:
		st := m.touch(p.SID())
		st.prevClose = p.PrevClose
		st.prevOI = int64(p.PrevOI)
		return model.NormalizedTick{}, false

	case *dhan.QuotePacket:
		st := m.touch(p.SID())
		st.lastPrice = p.LastPrice
		st.lastTime = p.LastTradeTime
		tick := model.NormalizedTick{
			Time:           m.Now().In(dhan.IST),
			SecurityID:     p.SID(),
			Segment:        p.Segment(),
			LastPrice:      p.LastPrice,
			LastTradedQty:  int32(p.LastTradedQty),
			LastTradeTime:  p.LastTradeTime,
			AvgTradedPrice: p.AvgPrice,
			VolumeTraded:   int64(p.Volume),
			TotalBuyQty:    int64(p.TotalBuyQty),
			TotalSellQty:   int64(p.TotalSellQty),
			DayOpen:        p.DayOpen,
			DayHigh:        p.DayHigh,
			DayLow:         p.DayLow,
			DayClose:       p.DayClose,
			PrevClose:      st.prevClose,
			OI:             st.oi,
			Mode:           "quote",
		}
		return tick, true

	case *dhan.FullPacket:
		st := m.touch(p.SID())
		st.lastPrice = p.LastPrice
		st.lastTime = p.LastTradeTime
		st.oi = int64(p.OI)
		tick := model.NormalizedTick{
			Time:           m.Now().In(dhan.IST),
			SecurityID:     p.SID(),
			Segment:        p.Segment(),
			LastPrice:      p.LastPrice,
			LastTradedQty:  int32(p.LastTradedQty),
			LastTradeTime:  p.LastTradeTime,
			AvgTradedPrice: p.AvgPrice,
			VolumeTraded:   int64(p.Volume),
			TotalBuyQty:    int64(p.TotalBuyQty),
			TotalSellQty:   int64(p.TotalSellQty),
			OI:             int64(p.OI),
			OIDayHigh:      int64(p.OIDayHigh),
			OIDayLow:       int64(p.OIDayLow),
			DayOpen:        p.DayOpen,
			DayHigh:        p.DayHigh,
			DayLow:         p.DayLow,
			DayClose:       p.DayClose,
			PrevClose:      st.prevClose,
			Mode:           "full",
		}
		for i, lvl := range p.Depth {
			tick.Bids[i] = model.DepthEntry{
				Price:    lvl.BidPrice,
				Quantity: int64(lvl.BidQty),
				Orders:   int32(lvl.BidOrders),
			}
			tick.Asks[i] = model.DepthEntry{
				Price:    lvl.AskPrice,
				Quantity: int64(lvl.AskQty),
				Orders:   int32(lvl.AskOrders),
			}
		}
		return tick, true
	}

	// Index, market-status and disconnect packets never produce ticks.
	return model.NormalizedTick{}, false
}

// Len returns the number of securities with live state.
func (m *Merger) Len() int { return len(m.states) }

// touch returns the state for sid, creating it and evicting the least
// recently used entry past capacity.
func (m *Merger) touch(sid string) *mergeState {
	if el, ok := m.states[sid]; ok {
		m.order.MoveToFront(el)
		return el.Value.(*mergeState)
	}

	st := &mergeState{sid: sid}
	m.states[sid] = m.order.PushFront(st)

	for len(m.states) > m.capacity {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.states, oldest.Value.(*mergeState).sid)
	}
	return st
}
