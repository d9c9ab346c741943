package signal

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"orderflow-systemv1/internal/depth"
	"orderflow-systemv1/internal/model"
	"orderflow-systemv1/internal/notification"
)

// Evaluation cadence and warm-up.
const (
	EvalInterval = 10 * time.Second
	// minimum buffered snapshots before evaluations start (~6 s at 5 Hz)
	minSnapshots = 30
)

// Alert filters: only strong, proven signals reach the notification sink.
const (
	alertStrengthRatio = 3.0
	alertMinAge        = 10 // seconds
	alertReductionPct  = 70.0
	alertPressureAbs   = 0.4
)

// SignalStore persists evaluation rows.
type SignalStore interface {
	Insert(ctx context.Context, row *model.SignalRow) error
}

// StateCache mirrors the latest row for real-time consumers.
type StateCache interface {
	SetSignalState(ctx context.Context, symbol string, row *model.SignalRow)
}

// AnalyzerConfig wires an analyzer for one symbol.
type AnalyzerConfig struct {
	SecurityID string
	Symbol     string
	TickSize   float64

	Buffer *depth.Buffer
	Store  SignalStore               // required
	Cache  StateCache                // optional
	Alerts *notification.Dispatcher  // optional
}

// Analyzer runs the 10-second evaluation cycle for one symbol. Evaluations
// are serialized, so TrackedLevel lifecycles have single-writer semantics.
type Analyzer struct {
	cfg     AnalyzerConfig
	buf     *depth.Buffer
	tracker *Tracker

	lastState string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	// OnEvaluation is called with each persisted row; may be nil.
	OnEvaluation func(row *model.SignalRow)
}

// NewAnalyzer creates an analyzer over the given rolling buffer.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	buf := cfg.Buffer
	if buf == nil {
		buf = depth.NewBuffer(0, 0)
	}
	return &Analyzer{
		cfg:       cfg,
		buf:       buf,
		tracker:   NewTracker(cfg.TickSize),
		lastState: model.StateNeutral,
		Now:       time.Now,
	}
}

// Buffer returns the snapshot buffer this analyzer reads.
func (a *Analyzer) Buffer() *depth.Buffer { return a.buf }

// Tracker exposes the level tracker (single-writer: only the Run loop and
// tests may drive it).
func (a *Analyzer) Tracker() *Tracker { return a.tracker }

// Run executes the drift-corrected 10 s evaluation loop until ctx ends.
// Startup and shutdown messages are emitted unconditionally.
func (a *Analyzer) Run(ctx context.Context) {
	if a.cfg.Alerts != nil {
		a.cfg.Alerts.Dispatch(ctx, notification.Event{
			Kind: notification.KindLifecycle,
			Alert: notification.Alert{
				Level:   notification.AlertInfo,
				Title:   "Signal analyzer online",
				Message: fmt.Sprintf("Monitoring %s 200-level depth", a.cfg.Symbol),
			},
		})
	}

	ticker := time.NewTicker(EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.cfg.Alerts != nil {
				// fresh context: the parent is already cancelled
				offCtx, cancel := context.WithTimeout(context.Background(), webhookDrain)
				a.cfg.Alerts.Dispatch(offCtx, notification.Event{
					Kind: notification.KindLifecycle,
					Alert: notification.Alert{
						Level:   notification.AlertInfo,
						Title:   "Signal analyzer offline",
						Message: fmt.Sprintf("Stopped monitoring %s", a.cfg.Symbol),
					},
				})
				cancel()
			}
			return
		case <-ticker.C:
			row := a.Evaluate(a.Now())
			if row == nil {
				continue
			}
			a.publish(ctx, row)
		}
	}
}

const webhookDrain = 5 * time.Second

// Evaluate runs one metric computation at now. Returns nil while the
// buffer is still warming up.
func (a *Analyzer) Evaluate(now time.Time) *model.SignalRow {
	if a.buf.Len() < minSnapshots {
		return nil
	}
	latest := a.buf.Latest()
	if latest == nil {
		return nil
	}
	price := latest.MidPrice()
	if price <= 0 {
		return nil
	}

	// key levels: detect candidates, fold into the tracker, advance
	// lifecycles
	mean := MeanOrders(latest, price)
	for _, c := range candidates(latest, price, mean) {
		a.tracker.Observe(now, c.price, c.side, c.orders)
	}
	a.tracker.Advance(now, price)

	keyLevels := make([]model.KeyLevel, 0, a.tracker.Len())
	for _, lvl := range a.tracker.Live() {
		kl := model.KeyLevel{
			Price:      lvl.Price,
			Side:       lvl.Side,
			Orders:     lvl.CurrentOrders,
			PeakOrders: lvl.PeakOrders,
			AgeSeconds: lvl.AgeSeconds(now),
			Status:     lvl.Status,
			Tests:      lvl.Tests,
		}
		if mean > 0 {
			kl.StrengthRatio = round1(float64(lvl.CurrentOrders) / mean)
		}
		keyLevels = append(keyLevels, kl)
	}

	absorptions := DetectAbsorptions(a.tracker, a.buf, now, price, a.cfg.TickSize)
	pressure := ComputePressure(a.buf, now)

	return &model.SignalRow{
		Time:         now,
		SecurityID:   a.cfg.SecurityID,
		Symbol:       a.cfg.Symbol,
		CurrentPrice: price,
		KeyLevels:    keyLevels,
		Absorptions:  absorptions,
		Pressure:     pressure,
		MarketState:  pressure.State,
	}
}

// publish persists the row, mirrors it to the cache, and dispatches the
// filtered alerts. Suppressed alerts are still persisted; dedup only
// gates the sink.
func (a *Analyzer) publish(ctx context.Context, row *model.SignalRow) {
	if err := a.cfg.Store.Insert(ctx, row); err != nil {
		log.Printf("[analyzer] signal persist failed: %v", err)
	}
	if a.cfg.Cache != nil {
		a.cfg.Cache.SetSignalState(ctx, a.cfg.Symbol, row)
	}
	if a.OnEvaluation != nil {
		a.OnEvaluation(row)
	}

	stateChanged := row.MarketState != a.lastState
	a.lastState = row.MarketState

	if a.cfg.Alerts == nil {
		return
	}
	for _, e := range AlertEvents(row, stateChanged) {
		a.cfg.Alerts.Dispatch(ctx, e)
	}
}

// AlertEvents applies the notification filters to one evaluation:
// key levels at ≥3× mean and ≥10 s of age, absorptions at ≥70% reduction
// with a breakthrough, and pressure beyond ±0.4 on a state transition.
func AlertEvents(row *model.SignalRow, stateChanged bool) []notification.Event {
	var events []notification.Event

	for _, kl := range row.KeyLevels {
		if kl.StrengthRatio < alertStrengthRatio || kl.AgeSeconds < alertMinAge {
			continue
		}
		events = append(events, notification.Event{
			Kind:  notification.KindKeyLevel,
			Side:  kl.Side,
			Price: kl.Price,
			Alert: notification.Alert{
				Level: notification.AlertInfo,
				Title: fmt.Sprintf("Strong %s detected", kl.Side),
				Message: fmt.Sprintf("₹%.2f holding %d orders (%.1fx avg), age %ds, tests %d",
					kl.Price, kl.Orders, kl.StrengthRatio, kl.AgeSeconds, kl.Tests),
				Fields: map[string]any{
					"price":          kl.Price,
					"side":           kl.Side,
					"orders":         kl.Orders,
					"strength_ratio": kl.StrengthRatio,
					"age_seconds":    kl.AgeSeconds,
				},
			},
		})
	}

	for _, ab := range row.Absorptions {
		if ab.ReductionPct < alertReductionPct || !ab.Breakthrough {
			continue
		}
		events = append(events, notification.Event{
			Kind:  notification.KindAbsorption,
			Side:  ab.Side,
			Price: ab.Price,
			Alert: notification.Alert{
				Level: notification.AlertWarning,
				Title: fmt.Sprintf("%s breaking through", ab.Side),
				Message: fmt.Sprintf("₹%.2f absorbed: %d → %d orders (%.0f%%), price through at ₹%.2f",
					ab.Price, ab.OrdersBefore, ab.OrdersNow, ab.ReductionPct, row.CurrentPrice),
				Fields: map[string]any{
					"price":         ab.Price,
					"side":          ab.Side,
					"orders_before": ab.OrdersBefore,
					"orders_now":    ab.OrdersNow,
					"reduction_pct": ab.ReductionPct,
					"breakthrough":  ab.Breakthrough,
				},
			},
		})
	}

	if stateChanged && math.Abs(row.Pressure.P60s) >= alertPressureAbs {
		events = append(events, notification.Event{
			Kind: notification.KindPressure,
			Side: row.MarketState,
			Alert: notification.Alert{
				Level: notification.AlertInfo,
				Title: fmt.Sprintf("Market pressure: %s", row.MarketState),
				Message: fmt.Sprintf("30s %+.3f | 60s %+.3f | 120s %+.3f at ₹%.2f",
					row.Pressure.P30s, row.Pressure.P60s, row.Pressure.P120s, row.CurrentPrice),
				Fields: map[string]any{
					"pressure_30s":  row.Pressure.P30s,
					"pressure_60s":  row.Pressure.P60s,
					"pressure_120s": row.Pressure.P120s,
					"market_state":  row.MarketState,
				},
			},
		})
	}

	return events
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
