package instruments

import (
	"testing"

	"orderflow-systemv1/internal/model"
)

func testInstruments() []model.Instrument {
	return []model.Instrument{
		{
			InstrumentToken: 12601602,
			SecurityID:      "49229",
			TradingSymbol:   "NIFTY25AUGFUT",
			Exchange:        "NFO",
			Segment:         "NSE_FNO",
			InstrumentType:  "FUT",
			TickSize:        0.05,
			LotSize:         75,
			Source:          "dhan",
			IsActive:        true,
		},
		{
			InstrumentToken: 256265,
			TradingSymbol:   "NIFTY 50",
			Exchange:        "NSE",
			Segment:         "IDX_I",
			InstrumentType:  "EQ",
			Source:          "kite",
			IsActive:        true,
		},
	}
}

func TestResolveSecurityID(t *testing.T) {
	c := NewFromInstruments(testInstruments())

	inst, ok := c.ResolveSecurityID("49229")
	if !ok {
		t.Fatal("expected hit for 49229")
	}
	if inst.InstrumentToken != 12601602 {
		t.Errorf("token = %d, want 12601602", inst.InstrumentToken)
	}
	if inst.TradingSymbol != "NIFTY25AUGFUT" {
		t.Errorf("symbol = %q", inst.TradingSymbol)
	}

	if _, ok := c.ResolveSecurityID("99999"); ok {
		t.Error("expected miss for unknown security id")
	}
}

func TestByToken(t *testing.T) {
	c := NewFromInstruments(testInstruments())

	inst, ok := c.ByToken(256265)
	if !ok || inst.TradingSymbol != "NIFTY 50" {
		t.Errorf("ByToken(256265) = %+v, %v", inst, ok)
	}
	if _, ok := c.ByToken(1); ok {
		t.Error("expected miss for unknown token")
	}
}

func TestEmptySecurityIDNotIndexed(t *testing.T) {
	c := NewFromInstruments(testInstruments())
	if _, ok := c.ResolveSecurityID(""); ok {
		t.Error("empty security id must not resolve")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
}
