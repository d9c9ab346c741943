package notification

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// CooldownWindow suppresses repeated alerts of the same key. Startup and
// shutdown messages bypass it.
const CooldownWindow = 5 * time.Minute

// Signal kinds used in dedup keys.
const (
	KindKeyLevel   = "key_level"
	KindAbsorption = "absorption"
	KindPressure   = "pressure"
	KindLifecycle  = "lifecycle" // startup/shutdown, never deduplicated
)

// Event is an alert candidate with its dedup identity.
type Event struct {
	Kind  string
	Side  string
	Price float64
	Alert Alert
}

// key buckets price to whole units: nearby re-triggers share a cooldown.
func (e Event) key() string {
	return fmt.Sprintf("%s|%d|%s", e.Kind, int64(math.Round(e.Price)), e.Side)
}

// Dispatcher wraps a Notifier with the cooldown. During a key's cooldown
// further events are suppressed (they are still persisted upstream).
type Dispatcher struct {
	notifier Notifier
	cooldown time.Duration

	mu   sync.Mutex
	last map[string]time.Time

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	// Metrics hooks; may be nil.
	OnSent       func()
	OnSuppressed func()
}

// NewDispatcher creates a dispatcher with the standard cooldown.
func NewDispatcher(n Notifier) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		cooldown: CooldownWindow,
		last:     make(map[string]time.Time),
		Now:      time.Now,
	}
}

// Dispatch sends the event unless its key is cooling down. Returns true
// when the alert was handed to the notifier. Lifecycle events always send.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) bool {
	if e.Kind != KindLifecycle && !d.admit(e.key()) {
		if d.OnSuppressed != nil {
			d.OnSuppressed()
		}
		return false
	}
	if err := d.notifier.Send(ctx, e.Alert); err != nil {
		log.Printf("[notify] send failed: %v", err)
	}
	if d.OnSent != nil {
		d.OnSent()
	}
	return true
}

// admit records and checks the cooldown for a key.
func (d *Dispatcher) admit(key string) bool {
	now := d.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.last[key]; ok && now.Sub(at) < d.cooldown {
		return false
	}
	d.last[key] = now

	// opportunistic cleanup of expired keys
	for k, at := range d.last {
		if now.Sub(at) > 2*d.cooldown {
			delete(d.last, k)
		}
	}
	return true
}
