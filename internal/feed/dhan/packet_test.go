package dhan

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

// frame builders

func putHeader(b []byte, code uint8, length int16, segment uint8, sid int32) {
	b[0] = code
	binary.LittleEndian.PutUint16(b[1:3], uint16(length))
	b[3] = segment
	binary.LittleEndian.PutUint32(b[4:8], uint32(sid))
}

func putF32(b []byte, off int, v float64) {
	binary.LittleEndian.PutUint32(b[off:off+4], math.Float32bits(float32(v)))
}

func putI32(b []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
}

func putI16(b []byte, off int, v int16) {
	binary.LittleEndian.PutUint16(b[off:off+2], uint16(v))
}

func buildFullFrame() []byte {
	b := make([]byte, 163)
	putHeader(b, RespFull, 163, SegNSEFNO, 49229)
	putF32(b, 8, 24500.00)  // last price
	putI16(b, 12, 75)       // ltq
	putI32(b, 14, 1750000000)
	putF32(b, 18, 24480.50) // atp
	putI32(b, 22, 500000)   // volume
	putI32(b, 26, 260000)   // total sell qty
	putI32(b, 30, 310000)   // total buy qty
	putI32(b, 34, 15000000) // oi
	putI32(b, 38, 15200000) // oi day high
	putI32(b, 42, 14800000) // oi day low
	putF32(b, 46, 24400.00) // open
	putF32(b, 50, 24450.00) // close
	putF32(b, 54, 24560.00) // high
	putF32(b, 58, 24380.00) // low

	// 5 depth levels
	for i := 0; i < 5; i++ {
		off := 62 + i*20
		putI32(b, off, int32(100000-i*10000))   // bid qty
		putI32(b, off+4, int32(120000-i*10000)) // ask qty
		putI16(b, off+8, int16(50-i))           // bid orders
		putI16(b, off+10, int16(60-i))          // ask orders
		putF32(b, off+12, 24498.00-float64(i))  // bid price
		putF32(b, off+16, 24502.00+float64(i))  // ask price
	}
	return b
}

func TestSegmentMapping(t *testing.T) {
	// This table is load-bearing: it must match the feed spec exactly.
	want := map[uint8]string{
		0: "IDX_I",
		1: "NSE_EQ",
		2: "NSE_FNO",
		3: "NSE_CURRENCY",
		4: "BSE_EQ",
		5: "MCX_COMM",
		7: "BSE_CURRENCY",
		8: "BSE_FNO",
	}
	for code, name := range want {
		if got := SegmentName(code); got != name {
			t.Errorf("SegmentName(%d) = %q, want %q", code, got, name)
		}
	}
	if got := SegmentName(6); got != "UNKNOWN" {
		t.Errorf("SegmentName(6) = %q, want UNKNOWN", got)
	}
}

func TestDecodeFullPacket(t *testing.T) {
	frame := buildFullFrame()
	pkt, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	full, ok := pkt.(*FullPacket)
	if !ok {
		t.Fatalf("expected *FullPacket, got %T", pkt)
	}

	if full.SecurityID != 49229 {
		t.Errorf("security_id = %d, want 49229", full.SecurityID)
	}
	if full.Segment() != "NSE_FNO" {
		t.Errorf("segment = %q, want NSE_FNO", full.Segment())
	}
	if full.LastPrice != 24500.00 {
		t.Errorf("last_price = %v, want 24500.00", full.LastPrice)
	}
	if full.Volume != 500000 {
		t.Errorf("volume = %d, want 500000", full.Volume)
	}
	if full.OI != 15000000 {
		t.Errorf("oi = %d, want 15000000", full.OI)
	}

	// Full-packet decode yields exactly 5 depth levels.
	if full.Depth[0].BidPrice != 24498.00 {
		t.Errorf("bid[0].price = %v, want 24498.00", full.Depth[0].BidPrice)
	}
	if full.Depth[0].BidQty != 100000 {
		t.Errorf("bid[0].qty = %d, want 100000", full.Depth[0].BidQty)
	}
	if full.Depth[0].BidOrders != 50 {
		t.Errorf("bid[0].orders = %d, want 50", full.Depth[0].BidOrders)
	}
	if full.Depth[0].AskPrice != 24502.00 {
		t.Errorf("ask[0].price = %v, want 24502.00", full.Depth[0].AskPrice)
	}
	if full.Depth[4].BidPrice != 24494.00 {
		t.Errorf("bid[4].price = %v, want 24494.00", full.Depth[4].BidPrice)
	}
}

func TestDecodeTickerPacket(t *testing.T) {
	b := make([]byte, 16)
	putHeader(b, RespTicker, 16, SegNSEFNO, 49229)
	putF32(b, 8, 24510.25)
	putI32(b, 12, 1750000123)

	pkt, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tick, ok := pkt.(*TickerPacket)
	if !ok {
		t.Fatalf("expected *TickerPacket, got %T", pkt)
	}
	if math.Abs(tick.LastPrice-24510.25) > 0.001 {
		t.Errorf("last_price = %v, want 24510.25", tick.LastPrice)
	}
	want := time.Unix(1750000123, 0).In(IST)
	if !tick.LastTradeTime.Equal(want) {
		t.Errorf("last_trade_time = %v, want %v", tick.LastTradeTime, want)
	}
}

func TestDecodeQuotePacket(t *testing.T) {
	b := make([]byte, 51)
	putHeader(b, RespQuote, 51, SegNSEFNO, 49229)
	putF32(b, 8, 24500.00)
	putI16(b, 12, 150)
	putI32(b, 14, 1750000000)
	putF32(b, 18, 24490.00)
	putI32(b, 22, 420000)
	putI32(b, 26, 200000)
	putI32(b, 30, 250000)
	putF32(b, 34, 24400.00)
	putF32(b, 38, 24450.00)
	putF32(b, 42, 24550.00)
	putF32(b, 46, 24380.00)

	pkt, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	q, ok := pkt.(*QuotePacket)
	if !ok {
		t.Fatalf("expected *QuotePacket, got %T", pkt)
	}
	if q.LastTradedQty != 150 {
		t.Errorf("ltq = %d, want 150", q.LastTradedQty)
	}
	if q.TotalBuyQty != 250000 || q.TotalSellQty != 200000 {
		t.Errorf("buy/sell qty = %d/%d, want 250000/200000", q.TotalBuyQty, q.TotalSellQty)
	}
	if q.DayClose != 24450.00 {
		t.Errorf("day_close = %v, want 24450.00", q.DayClose)
	}
}

func TestDecodeOIAndPrevClose(t *testing.T) {
	oi := make([]byte, 12)
	putHeader(oi, RespOI, 12, SegNSEFNO, 49229)
	putI32(oi, 8, 15000000)

	pkt, err := Decode(oi)
	if err != nil {
		t.Fatalf("decode oi: %v", err)
	}
	if p, ok := pkt.(*OIPacket); !ok || p.OI != 15000000 {
		t.Errorf("oi packet = %+v", pkt)
	}

	pc := make([]byte, 16)
	putHeader(pc, RespPrevClose, 16, SegNSEFNO, 49229)
	putF32(pc, 8, 24450.00)
	putI32(pc, 12, 14500000)

	pkt, err = Decode(pc)
	if err != nil {
		t.Fatalf("decode prev close: %v", err)
	}
	p, ok := pkt.(*PrevClosePacket)
	if !ok {
		t.Fatalf("expected *PrevClosePacket, got %T", pkt)
	}
	if p.PrevClose != 24450.00 || p.PrevOI != 14500000 {
		t.Errorf("prev close = %v/%d, want 24450.00/14500000", p.PrevClose, p.PrevOI)
	}
}

func TestDecodeDisconnect(t *testing.T) {
	b := make([]byte, 10)
	putHeader(b, RespDisconnect, 10, SegNSEFNO, 49229)
	putI16(b, 8, 805)

	pkt, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	d, ok := pkt.(*DisconnectPacket)
	if !ok {
		t.Fatalf("expected *DisconnectPacket, got %T", pkt)
	}
	if d.ReasonCode != 805 {
		t.Errorf("reason = %d, want 805", d.ReasonCode)
	}
}

func TestDecodeIndexPacket(t *testing.T) {
	b := make([]byte, 16)
	putHeader(b, RespIndex, 16, SegIDX, 13)
	putF32(b, 8, 24380.45)
	putI32(b, 12, 1750000000)

	pkt, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ix, ok := pkt.(*IndexPacket)
	if !ok {
		t.Fatalf("expected *IndexPacket, got %T", pkt)
	}
	if math.Abs(ix.Value-24380.45) > 0.01 {
		t.Errorf("value = %v, want 24380.45", ix.Value)
	}
}

func TestDecodeErrors(t *testing.T) {
	// Too short for a header.
	if _, err := Decode([]byte{8, 0, 0}); err == nil {
		t.Error("expected error for 3-byte frame")
	}

	// Known code, truncated body.
	b := make([]byte, 20)
	putHeader(b, RespFull, 163, SegNSEFNO, 49229)
	if _, err := Decode(b); err == nil {
		t.Error("expected error for truncated full frame")
	} else if _, ok := err.(*DecodeError); !ok {
		t.Errorf("expected *DecodeError, got %T", err)
	}

	// Unknown response code.
	u := make([]byte, 16)
	putHeader(u, 99, 16, SegNSEFNO, 49229)
	if _, err := Decode(u); err == nil {
		t.Error("expected error for unknown response code")
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	frame := buildFullFrame()
	a, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, err := Decode(bytes.Clone(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	fa, fb := a.(*FullPacket), b.(*FullPacket)
	if *fa != *fb {
		t.Error("identical bytes decoded to different records")
	}
}

func TestBuildSubscriptionsChunking(t *testing.T) {
	insts := make([]Instrument, 0, 250)
	for i := 0; i < 250; i++ {
		insts = append(insts, Instrument{ExchangeSegment: "NSE_FNO", SecurityID: "49229"})
	}
	reqs := BuildSubscriptions(ReqFull, insts)
	if len(reqs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(reqs))
	}
	if reqs[0].InstrumentCount != 100 || reqs[2].InstrumentCount != 50 {
		t.Errorf("chunk sizes = %d,%d,%d, want 100,100,50",
			reqs[0].InstrumentCount, reqs[1].InstrumentCount, reqs[2].InstrumentCount)
	}
	if reqs[0].RequestCode != 21 {
		t.Errorf("request code = %d, want 21", reqs[0].RequestCode)
	}
}

func TestSubscribeRequestJSONKeys(t *testing.T) {
	r := SubscribeRequest{
		RequestCode:     ReqFullDepth,
		InstrumentCount: 1,
		InstrumentList:  []Instrument{{ExchangeSegment: "NSE_FNO", SecurityID: "49543"}},
	}
	got := string(r.JSON())
	want := `{"RequestCode":23,"InstrumentCount":1,"InstrumentList":[{"ExchangeSegment":"NSE_FNO","SecurityId":"49543"}]}`
	if got != want {
		t.Errorf("subscription JSON = %s, want %s", got, want)
	}
}
