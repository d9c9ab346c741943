// Package depth assembles 200-level snapshots from the half-book frames of
// the depth feed, fans completed snapshots out to the persister and
// publisher, and keeps the rolling buffer the analyzer reads.
package depth

import (
	"time"

	"orderflow-systemv1/internal/feed/dhan"
	"orderflow-systemv1/internal/model"
)

// PairWindow is how long a half-snapshot may wait for its other side
// before it is discarded.
const PairWindow = 2 * time.Second

type pendingSide struct {
	frame      *dhan.DepthFrame
	receivedAt time.Time
}

// Collector pairs bid and ask frames into complete snapshots. The feed
// emits the two sides as separate frames (sometimes stacked in one
// message); a snapshot is ready when both sides are present within the
// pairing window.
type Collector struct {
	symbol string

	pendingBid *pendingSide
	pendingAsk *pendingSide

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	// OnStaleDrop is called when an unpaired half older than PairWindow
	// is discarded; may be nil.
	OnStaleDrop func()
}

// NewCollector creates a collector for one symbol.
func NewCollector(symbol string) *Collector {
	return &Collector{symbol: symbol, Now: time.Now}
}

// Apply folds one depth frame in. It returns a completed snapshot and true
// when the frame closes a pair.
func (c *Collector) Apply(f *dhan.DepthFrame) (*model.DepthSnapshot, bool) {
	now := c.Now()
	c.expire(now)

	side := &pendingSide{frame: f, receivedAt: now}
	if f.Bid {
		c.pendingBid = side
	} else {
		c.pendingAsk = side
	}

	if c.pendingBid == nil || c.pendingAsk == nil {
		return nil, false
	}
	if c.pendingBid.frame.SID() != c.pendingAsk.frame.SID() {
		// Different instruments cannot pair; keep the newer half.
		if f.Bid {
			c.pendingAsk = nil
		} else {
			c.pendingBid = nil
		}
		return nil, false
	}

	// Snapshot timestamp is the first half's arrival: both sides share the
	// same logical instant.
	ts := c.pendingBid.receivedAt
	if c.pendingAsk.receivedAt.Before(ts) {
		ts = c.pendingAsk.receivedAt
	}

	snap := &model.DepthSnapshot{
		Time:       ts,
		SecurityID: c.pendingBid.frame.SID(),
		Symbol:     c.symbol,
		Bids:       toLevels(c.pendingBid.frame.Levels),
		Asks:       toLevels(c.pendingAsk.frame.Levels),
	}
	c.pendingBid, c.pendingAsk = nil, nil
	return snap, true
}

// expire drops unpaired halves older than the pairing window.
func (c *Collector) expire(now time.Time) {
	if c.pendingBid != nil && now.Sub(c.pendingBid.receivedAt) > PairWindow {
		c.pendingBid = nil
		if c.OnStaleDrop != nil {
			c.OnStaleDrop()
		}
	}
	if c.pendingAsk != nil && now.Sub(c.pendingAsk.receivedAt) > PairWindow {
		c.pendingAsk = nil
		if c.OnStaleDrop != nil {
			c.OnStaleDrop()
		}
	}
}

func toLevels(rows []dhan.DepthRow) []model.DepthLevel {
	out := make([]model.DepthLevel, len(rows))
	for i, r := range rows {
		out[i] = model.DepthLevel{Price: r.Price, Quantity: r.Quantity, Orders: r.Orders}
	}
	return out
}
