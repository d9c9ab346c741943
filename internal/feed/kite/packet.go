// Package kite decodes the Zerodha Kite ticker wire format. Unlike the Dhan
// feed it is big-endian, carries the canonical instrument_token directly,
// and stacks multiple length-prefixed packets per WebSocket message.
package kite

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Subscription modes.
const (
	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"
)

// Packet sizes by mode (tradable instruments).
const (
	ltpSize   = 8
	quoteSize = 44
	fullSize  = 184

	depthStart = 64
	depthEntry = 12 // qty i32, price i32, orders i16, pad i16
)

// priceDivisor converts paise on the wire to rupees. Currency segments use
// a different divisor; the F&O pipeline only subscribes NSE/BSE segments.
const priceDivisor = 100.0

// DecodeError is a typed decode failure for a single packet.
type DecodeError struct {
	Size   int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("kite: decode packet size=%d: %s", e.Size, e.Reason)
}

// DepthItem is one level of the 5-deep buy or sell book.
type DepthItem struct {
	Quantity int32
	Price    float64
	Orders   int16
}

// Packet is one decoded Kite packet. Fields beyond the mode's size are zero.
type Packet struct {
	InstrumentToken int32
	Mode            string

	LastPrice     float64
	LastTradedQty int32
	AvgPrice      float64
	Volume        int32
	TotalBuyQty   int32
	TotalSellQty  int32
	DayOpen       float64
	DayHigh       float64
	DayLow        float64
	DayClose      float64 // previous session close

	LastTradeTime     time.Time
	OI                int32
	OIDayHigh         int32
	OIDayLow          int32
	ExchangeTimestamp time.Time

	Buy  [5]DepthItem
	Sell [5]DepthItem
}

// SplitMessage splits a binary WebSocket message into its packets:
// a 2-byte big-endian packet count followed by 2-byte-length-prefixed
// packets.
func SplitMessage(msg []byte) ([][]byte, error) {
	if len(msg) < 2 {
		return nil, &DecodeError{Size: len(msg), Reason: "message shorter than packet count"}
	}
	count := int(binary.BigEndian.Uint16(msg[0:2]))
	packets := make([][]byte, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(msg) {
			return packets, &DecodeError{Size: len(msg), Reason: fmt.Sprintf("truncated length prefix for packet %d", i)}
		}
		plen := int(binary.BigEndian.Uint16(msg[off : off+2]))
		off += 2
		if off+plen > len(msg) {
			return packets, &DecodeError{Size: len(msg), Reason: fmt.Sprintf("truncated packet %d: need %d bytes", i, plen)}
		}
		packets = append(packets, msg[off:off+plen])
		off += plen
	}
	return packets, nil
}

// DecodePacket parses one packet. Mode is inferred from the packet size.
func DecodePacket(b []byte) (*Packet, error) {
	if len(b) < ltpSize {
		return nil, &DecodeError{Size: len(b), Reason: "packet shorter than LTP frame"}
	}

	p := &Packet{
		InstrumentToken: i32(b, 0),
		LastPrice:       price(b, 4),
	}

	switch {
	case len(b) == ltpSize:
		p.Mode = ModeLTP
		return p, nil

	case len(b) >= quoteSize:
		p.LastTradedQty = i32(b, 8)
		p.AvgPrice = price(b, 12)
		p.Volume = i32(b, 16)
		p.TotalBuyQty = i32(b, 20)
		p.TotalSellQty = i32(b, 24)
		p.DayOpen = price(b, 28)
		p.DayHigh = price(b, 32)
		p.DayLow = price(b, 36)
		p.DayClose = price(b, 40)

		if len(b) < fullSize {
			p.Mode = ModeQuote
			return p, nil
		}

		p.Mode = ModeFull
		p.LastTradeTime = epoch(b, 44)
		p.OI = i32(b, 48)
		p.OIDayHigh = i32(b, 52)
		p.OIDayLow = i32(b, 56)
		p.ExchangeTimestamp = epoch(b, 60)

		for i := 0; i < 5; i++ {
			off := depthStart + i*depthEntry
			p.Buy[i] = DepthItem{
				Quantity: i32(b, off),
				Price:    price(b, off+4),
				Orders:   int16(binary.BigEndian.Uint16(b[off+8 : off+10])),
			}
		}
		for i := 0; i < 5; i++ {
			off := depthStart + (5+i)*depthEntry
			p.Sell[i] = DepthItem{
				Quantity: i32(b, off),
				Price:    price(b, off+4),
				Orders:   int16(binary.BigEndian.Uint16(b[off+8 : off+10])),
			}
		}
		return p, nil
	}

	return nil, &DecodeError{Size: len(b), Reason: "unrecognized packet size"}
}

func i32(b []byte, off int) int32 {
	return int32(binary.BigEndian.Uint32(b[off : off+4]))
}

func price(b []byte, off int) float64 {
	return float64(i32(b, off)) / priceDivisor
}

func epoch(b []byte, off int) time.Time {
	sec := i32(b, off)
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).In(time.FixedZone("IST", 5*3600+30*60))
}

// TickerURL builds the Kite ticker WebSocket URL.
func TickerURL(apiKey, accessToken string) string {
	return fmt.Sprintf("wss://ws.kite.trade?api_key=%s&access_token=%s", apiKey, accessToken)
}
