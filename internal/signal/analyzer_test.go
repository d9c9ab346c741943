package signal

import (
	"context"
	"testing"
	"time"

	"orderflow-systemv1/internal/depth"
	"orderflow-systemv1/internal/model"
	"orderflow-systemv1/internal/notification"
)

type memStore struct {
	rows []*model.SignalRow
}

func (m *memStore) Insert(ctx context.Context, row *model.SignalRow) error {
	m.rows = append(m.rows, row)
	return nil
}

type memCache struct {
	states map[string]*model.SignalRow
}

func (m *memCache) SetSignalState(ctx context.Context, symbol string, row *model.SignalRow) {
	if m.states == nil {
		m.states = make(map[string]*model.SignalRow)
	}
	m.states[symbol] = row
}

func newTestAnalyzer(store SignalStore, cache StateCache) *Analyzer {
	return NewAnalyzer(AnalyzerConfig{
		SecurityID: "49543",
		Symbol:     "NIFTY",
		TickSize:   0.05,
		Buffer:     depth.NewBuffer(600, 130*time.Second),
		Store:      store,
		Cache:      cache,
	})
}

func fillBuffer(a *Analyzer, from, to time.Time, step time.Duration, build func(ts time.Time) *model.DepthSnapshot) {
	for ts := from; !ts.After(to); ts = ts.Add(step) {
		a.Buffer().Push(build(ts))
	}
}

func TestEvaluateNeedsWarmup(t *testing.T) {
	a := newTestAnalyzer(&memStore{}, nil)
	a.Buffer().Push(bookSnapshot(t0, 23455, 10, 200, 200))
	if row := a.Evaluate(t0); row != nil {
		t.Error("evaluation before warm-up must return nil")
	}
}

// Key-level detection over consecutive evaluations: a strong level forms,
// then activates after persisting, with strength below the alert bar.
func TestEvaluateKeyLevelLifecycle(t *testing.T) {
	store := &memStore{}
	cache := &memCache{}
	a := newTestAnalyzer(store, cache)

	now := t0.Add(60 * time.Second)
	build := func(ts time.Time) *model.DepthSnapshot {
		s := bookSnapshot(ts, 23455, 20, 200, 200)
		s.Bids = append(s.Bids, model.DepthLevel{Price: 23450, Quantity: 50000, Orders: 520})
		return s
	}
	fillBuffer(a, t0, now, time.Second, build)

	row := a.Evaluate(now)
	if row == nil {
		t.Fatal("expected evaluation")
	}
	if len(row.KeyLevels) != 1 {
		t.Fatalf("key levels = %d, want 1", len(row.KeyLevels))
	}
	if row.KeyLevels[0].Status != model.LevelForming {
		t.Errorf("status = %q, want forming on first sight", row.KeyLevels[0].Status)
	}

	// next evaluation 8 s later: the level persisted → active
	later := now.Add(8 * time.Second)
	fillBuffer(a, now.Add(time.Second), later, time.Second, build)
	row = a.Evaluate(later)
	if len(row.KeyLevels) != 1 {
		t.Fatalf("key levels = %d, want 1", len(row.KeyLevels))
	}
	kl := row.KeyLevels[0]
	if kl.Status != model.LevelActive {
		t.Errorf("status = %q, want active after 8s", kl.Status)
	}
	if kl.AgeSeconds != 8 {
		t.Errorf("age = %d, want 8", kl.AgeSeconds)
	}
	if kl.StrengthRatio < 2.0 || kl.StrengthRatio >= 3.0 {
		t.Errorf("strength = %v, want in [2,3)", kl.StrengthRatio)
	}

	// strength < 3.0: no key-level alert
	for _, e := range AlertEvents(row, false) {
		if e.Kind == notification.KindKeyLevel {
			t.Error("sub-3.0 strength must not alert")
		}
	}
}

func TestEvaluatePersistsAndCaches(t *testing.T) {
	store := &memStore{}
	cache := &memCache{}
	a := newTestAnalyzer(store, cache)

	now := t0.Add(60 * time.Second)
	fillBuffer(a, t0, now, time.Second, func(ts time.Time) *model.DepthSnapshot {
		return bookSnapshot(ts, 23455, 20, 215, 110)
	})

	row := a.Evaluate(now)
	if row == nil {
		t.Fatal("expected evaluation")
	}
	a.publish(context.Background(), row)

	if len(store.rows) != 1 {
		t.Fatalf("persisted rows = %d, want 1", len(store.rows))
	}
	if cache.states["NIFTY"] != row {
		t.Error("cache must hold the latest row")
	}
	if row.MarketState != model.StateBullish {
		t.Errorf("market_state = %q, want bullish", row.MarketState)
	}
	if row.SecurityID != "49543" {
		t.Errorf("security_id = %q", row.SecurityID)
	}
}

// Pressure alert gating: 0.323 transitions without alerting, 0.4286 alerts.
func TestPressureAlertGating(t *testing.T) {
	row := &model.SignalRow{
		CurrentPrice: 23455,
		Pressure:     model.Pressure{P30s: 0.31, P60s: 0.323, P120s: 0.30, State: model.StateBullish},
		MarketState:  model.StateBullish,
	}
	for _, e := range AlertEvents(row, true) {
		if e.Kind == notification.KindPressure {
			t.Error("|0.323| < 0.4: transition must not alert")
		}
	}

	row.Pressure.P60s = 0.4286
	var got []notification.Event
	for _, e := range AlertEvents(row, true) {
		if e.Kind == notification.KindPressure {
			got = append(got, e)
		}
	}
	if len(got) != 1 {
		t.Fatalf("pressure alerts = %d, want 1", len(got))
	}

	// no transition → no alert even at high pressure
	for _, e := range AlertEvents(row, false) {
		if e.Kind == notification.KindPressure {
			t.Error("unchanged state must not alert")
		}
	}
}

// Absorption alert gating: 78% + breakthrough alerts; 78% without
// breakthrough and 65% with breakthrough do not.
func TestAbsorptionAlertGating(t *testing.T) {
	mk := func(pct float64, breakthrough bool) *model.SignalRow {
		return &model.SignalRow{
			CurrentPrice: 23512,
			Absorptions: []model.Absorption{{
				Price: 23500, Side: model.LevelResistance,
				OrdersBefore: 3200, OrdersNow: 704,
				ReductionPct: pct, Breakthrough: breakthrough,
			}},
			MarketState: model.StateNeutral,
		}
	}

	count := func(row *model.SignalRow) int {
		n := 0
		for _, e := range AlertEvents(row, false) {
			if e.Kind == notification.KindAbsorption {
				n++
			}
		}
		return n
	}

	if got := count(mk(78, true)); got != 1 {
		t.Errorf("78%% + breakthrough alerts = %d, want 1", got)
	}
	if got := count(mk(78, false)); got != 0 {
		t.Errorf("cancellation alerts = %d, want 0", got)
	}
	if got := count(mk(65, true)); got != 0 {
		t.Errorf("65%% alerts = %d, want 0", got)
	}
}

func TestKeyLevelAlertRequiresStrengthAndAge(t *testing.T) {
	mk := func(strength float64, age int) *model.SignalRow {
		return &model.SignalRow{
			KeyLevels: []model.KeyLevel{{
				Price: 23450, Side: model.LevelSupport, Orders: 700,
				StrengthRatio: strength, AgeSeconds: age, Status: model.LevelActive,
			}},
			MarketState: model.StateNeutral,
		}
	}
	count := func(row *model.SignalRow) int {
		n := 0
		for _, e := range AlertEvents(row, false) {
			if e.Kind == notification.KindKeyLevel {
				n++
			}
		}
		return n
	}

	if got := count(mk(3.2, 15)); got != 1 {
		t.Errorf("strong aged level alerts = %d, want 1", got)
	}
	if got := count(mk(3.2, 5)); got != 0 {
		t.Errorf("young level alerts = %d, want 0", got)
	}
	if got := count(mk(2.6, 15)); got != 0 {
		t.Errorf("weak level alerts = %d, want 0", got)
	}
}
