package ingest

import (
	"time"

	"orderflow-systemv1/internal/feed/dhan"
	"orderflow-systemv1/internal/feed/kite"
	"orderflow-systemv1/internal/model"
)

// KiteTick converts a decoded Kite packet into the pipeline's normalized
// form. Kite carries the canonical instrument token directly, and its OHLC
// close is the previous session close.
func KiteTick(p *kite.Packet, now time.Time) model.NormalizedTick {
	t := model.NormalizedTick{
		Time:            now.In(dhan.IST),
		InstrumentToken: p.InstrumentToken,
		LastPrice:       p.LastPrice,
		LastTradedQty:   p.LastTradedQty,
		LastTradeTime:   p.LastTradeTime,
		AvgTradedPrice:  p.AvgPrice,
		VolumeTraded:    int64(p.Volume),
		TotalBuyQty:     int64(p.TotalBuyQty),
		TotalSellQty:    int64(p.TotalSellQty),
		OI:              int64(p.OI),
		OIDayHigh:       int64(p.OIDayHigh),
		OIDayLow:        int64(p.OIDayLow),
		DayOpen:         p.DayOpen,
		DayHigh:         p.DayHigh,
		DayLow:          p.DayLow,
		DayClose:        p.DayClose,
		PrevClose:       p.DayClose,
		Mode:            p.Mode,
	}
	if !p.ExchangeTimestamp.IsZero() {
		t.Time = p.ExchangeTimestamp
	}
	for i := 0; i < 5; i++ {
		t.Bids[i] = model.DepthEntry{
			Price:    p.Buy[i].Price,
			Quantity: int64(p.Buy[i].Quantity),
			Orders:   int32(p.Buy[i].Orders),
		}
		t.Asks[i] = model.DepthEntry{
			Price:    p.Sell[i].Price,
			Quantity: int64(p.Sell[i].Quantity),
			Orders:   int32(p.Sell[i].Orders),
		}
	}
	return t
}
