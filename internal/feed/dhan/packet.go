// Package dhan decodes the Dhan market feed wire formats: the binary tick
// feed (little-endian frames classified by a one-byte response code) and the
// 200-level depth feed, plus the JSON subscription messages both expect.
package dhan

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// IST is the exchange timezone; wire timestamps are Unix seconds rendered
// into this zone.
var IST = time.FixedZone("IST", 5*3600+30*60)

// Feed response codes (first header byte).
const (
	RespIndex        = 1
	RespTicker       = 2
	RespQuote        = 4
	RespOI           = 5
	RespPrevClose    = 6
	RespMarketStatus = 7
	RespFull         = 8
	RespDisconnect   = 50
)

// Frame sizes, header inclusive.
const (
	HeaderSize     = 8
	indexSize      = 16
	tickerSize     = 16
	quoteSize      = 51
	oiSize         = 12
	prevCloseSize  = 16
	fullSize       = 163
	disconnectSize = 10

	depthLevelSize = 20
	fullDepthStart = 62 // depth block offset inside a full frame
)

// DecodeError is a typed decode failure: the frame is dropped and counted,
// never propagated as connection teardown.
type DecodeError struct {
	Code   uint8
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dhan: decode packet code=%d: %s", e.Code, e.Reason)
}

// Header is the 8-byte prefix common to all tick-feed frames.
type Header struct {
	ResponseCode  uint8
	MessageLength int16
	SegmentCode   uint8
	SecurityID    int32
}

// Segment returns the string enum value for the header's segment code.
func (h Header) Segment() string { return SegmentName(h.SegmentCode) }

// SID returns the security id in the string form used everywhere downstream.
func (h Header) SID() string { return fmt.Sprintf("%d", h.SecurityID) }

// Packet is a decoded tick-feed frame of any kind.
type Packet interface {
	Hdr() Header
}

// IndexPacket (code 1) carries an index value tick. Not consumed by the
// persistence path; the ingestion pipeline logs it and drops it.
type IndexPacket struct {
	Header
	Value float64
	Time  time.Time
}

// TickerPacket (code 2) is an LTP update.
type TickerPacket struct {
	Header
	LastPrice     float64
	LastTradeTime time.Time
}

// QuotePacket (code 4) is the full quote block without depth.
type QuotePacket struct {
	Header
	LastPrice     float64
	LastTradedQty int16
	LastTradeTime time.Time
	AvgPrice      float64
	Volume        int32
	TotalSellQty  int32
	TotalBuyQty   int32
	DayOpen       float64
	DayClose      float64
	DayHigh       float64
	DayLow        float64
}

// OIPacket (code 5) carries open interest.
type OIPacket struct {
	Header
	OI int32
}

// PrevClosePacket (code 6) carries the previous session close and OI.
type PrevClosePacket struct {
	Header
	PrevClose float64
	PrevOI    int32
}

// MarketStatusPacket (code 7) is acknowledged and otherwise ignored.
type MarketStatusPacket struct {
	Header
}

// DepthLevel is one 20-byte level of the 5-level depth block.
type DepthLevel struct {
	BidQty    int32
	AskQty    int32
	BidOrders int16
	AskOrders int16
	BidPrice  float64
	AskPrice  float64
}

// FullPacket (code 8) is the trade block plus five depth levels.
type FullPacket struct {
	Header
	LastPrice     float64
	LastTradedQty int16
	LastTradeTime time.Time
	AvgPrice      float64
	Volume        int32
	TotalSellQty  int32
	TotalBuyQty   int32
	OI            int32
	OIDayHigh     int32
	OIDayLow      int32
	DayOpen       float64
	DayClose      float64
	DayHigh       float64
	DayLow        float64
	Depth         [5]DepthLevel
}

// DisconnectPacket (code 50) carries the server's reason code.
type DisconnectPacket struct {
	Header
	ReasonCode int16
}

func (p *IndexPacket) Hdr() Header        { return p.Header }
func (p *TickerPacket) Hdr() Header       { return p.Header }
func (p *QuotePacket) Hdr() Header        { return p.Header }
func (p *OIPacket) Hdr() Header           { return p.Header }
func (p *PrevClosePacket) Hdr() Header    { return p.Header }
func (p *MarketStatusPacket) Hdr() Header { return p.Header }
func (p *FullPacket) Hdr() Header         { return p.Header }
func (p *DisconnectPacket) Hdr() Header   { return p.Header }

// Decode parses one binary frame into its typed packet. A frame shorter
// than its declared kind, or an unknown response code, yields a DecodeError.
// Decode is a pure function of its input bytes.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame too short: %d bytes", len(frame))}
	}

	h := decodeHeader(frame)

	switch h.ResponseCode {
	case RespIndex:
		if len(frame) < indexSize {
			return nil, short(h, indexSize, len(frame))
		}
		return &IndexPacket{
			Header: h,
			Value:  f32(frame, 8),
			Time:   epoch(frame, 12),
		}, nil

	case RespTicker:
		if len(frame) < tickerSize {
			return nil, short(h, tickerSize, len(frame))
		}
		return &TickerPacket{
			Header:        h,
			LastPrice:     f32(frame, 8),
			LastTradeTime: epoch(frame, 12),
		}, nil

	case RespQuote:
		if len(frame) < quoteSize-1 { // 50 bytes of fields, frame is 51 on the wire
			return nil, short(h, quoteSize, len(frame))
		}
		return &QuotePacket{
			Header:        h,
			LastPrice:     f32(frame, 8),
			LastTradedQty: i16(frame, 12),
			LastTradeTime: epoch(frame, 14),
			AvgPrice:      f32(frame, 18),
			Volume:        i32(frame, 22),
			TotalSellQty:  i32(frame, 26),
			TotalBuyQty:   i32(frame, 30),
			DayOpen:       f32(frame, 34),
			DayClose:      f32(frame, 38),
			DayHigh:       f32(frame, 42),
			DayLow:        f32(frame, 46),
		}, nil

	case RespOI:
		if len(frame) < oiSize {
			return nil, short(h, oiSize, len(frame))
		}
		return &OIPacket{Header: h, OI: i32(frame, 8)}, nil

	case RespPrevClose:
		if len(frame) < prevCloseSize {
			return nil, short(h, prevCloseSize, len(frame))
		}
		return &PrevClosePacket{
			Header:    h,
			PrevClose: f32(frame, 8),
			PrevOI:    i32(frame, 12),
		}, nil

	case RespMarketStatus:
		return &MarketStatusPacket{Header: h}, nil

	case RespFull:
		if len(frame) < fullSize-1 { // fields end at byte 162, frame is 163 on the wire
			return nil, short(h, fullSize, len(frame))
		}
		p := &FullPacket{
			Header:        h,
			LastPrice:     f32(frame, 8),
			LastTradedQty: i16(frame, 12),
			LastTradeTime: epoch(frame, 14),
			AvgPrice:      f32(frame, 18),
			Volume:        i32(frame, 22),
			TotalSellQty:  i32(frame, 26),
			TotalBuyQty:   i32(frame, 30),
			OI:            i32(frame, 34),
			OIDayHigh:     i32(frame, 38),
			OIDayLow:      i32(frame, 42),
			DayOpen:       f32(frame, 46),
			DayClose:      f32(frame, 50),
			DayHigh:       f32(frame, 54),
			DayLow:        f32(frame, 58),
		}
		for i := 0; i < 5; i++ {
			off := fullDepthStart + i*depthLevelSize
			p.Depth[i] = DepthLevel{
				BidQty:    i32(frame, off),
				AskQty:    i32(frame, off+4),
				BidOrders: i16(frame, off+8),
				AskOrders: i16(frame, off+10),
				BidPrice:  f32(frame, off+12),
				AskPrice:  f32(frame, off+16),
			}
		}
		return p, nil

	case RespDisconnect:
		if len(frame) < disconnectSize {
			return nil, short(h, disconnectSize, len(frame))
		}
		return &DisconnectPacket{Header: h, ReasonCode: i16(frame, 8)}, nil
	}

	return nil, &DecodeError{Code: h.ResponseCode, Reason: "unknown response code"}
}

func decodeHeader(b []byte) Header {
	return Header{
		ResponseCode:  b[0],
		MessageLength: int16(binary.LittleEndian.Uint16(b[1:3])),
		SegmentCode:   b[3],
		SecurityID:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}
}

func short(h Header, want, got int) error {
	return &DecodeError{Code: h.ResponseCode, Reason: fmt.Sprintf("need %d bytes, got %d", want, got)}
}

func f32(b []byte, off int) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+4])))
}

func i16(b []byte, off int) int16 {
	return int16(binary.LittleEndian.Uint16(b[off : off+2]))
}

func i32(b []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(b[off : off+4]))
}

// epoch converts a wire int32 Unix-seconds field to an IST instant.
// Zero stays the zero time.
func epoch(b []byte, off int) time.Time {
	sec := i32(b, off)
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).In(IST)
}
