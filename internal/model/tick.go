package model

import (
	"encoding/json"
	"time"
)

// DepthEntry is one price point of the 5-level depth carried in full ticks.
type DepthEntry struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int32   `json:"orders"`
}

// NormalizedTick is the canonical tick record flowing through the pipeline:
// decoder output, merged across partial frames, enriched against the
// instrument master, published to the bus and persisted by the workers.
type NormalizedTick struct {
	Time          time.Time `json:"time"`
	LastTradeTime time.Time `json:"last_trade_time,omitempty"`

	// Identity (SecurityID is the feed's key; InstrumentToken is filled by
	// the enricher and is the persistence key).
	InstrumentToken int32  `json:"instrument_token"`
	SecurityID      string `json:"security_id"`
	TradingSymbol   string `json:"trading_symbol,omitempty"`
	Exchange        string `json:"exchange,omitempty"`
	Segment         string `json:"segment,omitempty"`
	InstrumentType  string `json:"instrument_type,omitempty"`

	// Prices
	LastPrice        float64 `json:"last_price"`
	AvgTradedPrice   float64 `json:"average_traded_price,omitempty"`
	DayOpen          float64 `json:"day_open,omitempty"`
	DayHigh          float64 `json:"day_high,omitempty"`
	DayLow           float64 `json:"day_low,omitempty"`
	DayClose         float64 `json:"day_close,omitempty"`
	PrevClose        float64 `json:"prev_close,omitempty"`

	// Quantities
	LastTradedQty int32 `json:"last_traded_quantity,omitempty"`
	VolumeTraded  int64 `json:"volume_traded,omitempty"`
	TotalBuyQty   int64 `json:"total_buy_quantity,omitempty"`
	TotalSellQty  int64 `json:"total_sell_quantity,omitempty"`
	OI            int64 `json:"oi,omitempty"`
	OIDayHigh     int64 `json:"oi_day_high,omitempty"`
	OIDayLow      int64 `json:"oi_day_low,omitempty"`

	// 5-level depth, best first. Zero-valued entries mean the level is empty.
	Bids [5]DepthEntry `json:"bids"`
	Asks [5]DepthEntry `json:"asks"`

	// Derived, filled by the enricher.
	Change         float64 `json:"change,omitempty"`
	ChangePercent  float64 `json:"change_percent,omitempty"`
	Spread         float64 `json:"bid_ask_spread,omitempty"`
	MidPrice       float64 `json:"mid_price,omitempty"`
	OrderImbalance int64   `json:"order_imbalance,omitempty"`

	Mode string `json:"mode,omitempty"` // ltp | quote | full
}

// JSON returns the canonical serialization of the tick.
func (t *NormalizedTick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}

// BestBid returns the top-of-book bid price, 0 when the book is empty.
func (t *NormalizedTick) BestBid() float64 { return t.Bids[0].Price }

// BestAsk returns the top-of-book ask price, 0 when the book is empty.
func (t *NormalizedTick) BestAsk() float64 { return t.Asks[0].Price }
