package model

import "time"

// Instrument is one row of the instruments master. Populated by the external
// sync process; read-only inside the pipeline.
type Instrument struct {
	InstrumentToken int32      `json:"instrument_token"`
	SecurityID      string     `json:"security_id"` // feed vendor id, opaque string
	TradingSymbol   string     `json:"trading_symbol"`
	Exchange        string     `json:"exchange"`
	Segment         string     `json:"segment"`
	InstrumentType  string     `json:"instrument_type"` // FUT, CE, PE, EQ
	Expiry          *time.Time `json:"expiry,omitempty"`
	Strike          *float64   `json:"strike,omitempty"`
	TickSize        float64    `json:"tick_size"`
	LotSize         int        `json:"lot_size"`
	Source          string     `json:"source"` // kite | dhan
	IsActive        bool       `json:"is_active"`
}
