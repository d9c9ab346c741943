package bus

import (
	"testing"
	"time"

	"orderflow-systemv1/internal/model"
)

func TestEncodeDecodeTick(t *testing.T) {
	in := model.NormalizedTick{
		Time:            time.Date(2026, 8, 5, 10, 30, 0, 0, time.UTC),
		InstrumentToken: 12601602,
		SecurityID:      "49229",
		TradingSymbol:   "NIFTY25AUGFUT",
		LastPrice:       24500.00,
		VolumeTraded:    500000,
		PrevClose:       24450.00,
		Change:          50.00,
	}
	in.Bids[0] = model.DepthEntry{Price: 24498, Quantity: 100000, Orders: 50}

	payload := EncodeTick(&in)
	if payload[0] != CodecVersion {
		t.Fatalf("version byte = %d, want %d", payload[0], CodecVersion)
	}

	out, err := DecodeTick(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.InstrumentToken != in.InstrumentToken || out.LastPrice != in.LastPrice {
		t.Errorf("roundtrip mismatch: %+v", out)
	}
	if out.Bids[0] != in.Bids[0] {
		t.Errorf("bids[0] = %+v, want %+v", out.Bids[0], in.Bids[0])
	}
	if !out.Time.Equal(in.Time) {
		t.Errorf("time = %v, want %v", out.Time, in.Time)
	}
}

func TestDecodeTickRejectsBadPayloads(t *testing.T) {
	if _, err := DecodeTick(nil); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := DecodeTick([]byte{9, '{', '}'}); err == nil {
		t.Error("expected error for unknown version")
	}
	if _, err := DecodeTick([]byte{CodecVersion, 'x'}); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
