// Package redis is the cache surface: top-of-book pub/sub, signal state
// keys, and component health heartbeats. Everything here is best-effort;
// operations run behind a circuit breaker with short timeouts and failures
// are logged, never fatal.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"orderflow-systemv1/internal/model"
)

// Cache key and channel naming. The channel and key shapes are part of the
// external contract and consumed by processes outside this repo.
const (
	depthChannelPrefix = "depth_snapshots:"
	signalKeyPrefix    = "signal_state:"
	healthKeyPrefix    = "health:"

	signalStateTTL = 60 * time.Second
	healthTTL      = 60 * time.Second

	opTimeout = 2 * time.Second
)

// DepthChannel returns the pub/sub channel for a symbol.
func DepthChannel(symbol string) string { return depthChannelPrefix + symbol }

// Publisher wraps the Redis client with the cache operations the pipeline
// needs. Writes go through the circuit breaker.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
}

// NewPublisher connects to Redis and pings it. A ping failure is returned
// so callers can decide whether to run without the cache.
func NewPublisher(redisURL string) (*Publisher, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	log.Printf("[redis] connected to %s", opts.Addr)
	return &Publisher{
		client: client,
		cb:     NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// Client exposes the underlying client for health checks and subscribers.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker exposes the circuit breaker for metrics hooks.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// PublishTopOfBook publishes the compact snapshot view on
// depth_snapshots:<symbol>. Best-effort: errors are swallowed after
// counting through the breaker.
func (p *Publisher) PublishTopOfBook(ctx context.Context, symbol string, top *model.TopOfBook) {
	payload := top.JSON()
	err := p.cb.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return p.client.Publish(opCtx, DepthChannel(symbol), payload).Err()
	})
	if err != nil && err != ErrCircuitOpen {
		log.Printf("[redis] top-of-book publish failed: %v", err)
	}
}

// SetSignalState mirrors the latest SignalRow under signal_state:<symbol>
// with a 60 s TTL for real-time consumers.
func (p *Publisher) SetSignalState(ctx context.Context, symbol string, row *model.SignalRow) {
	payload := row.JSON()
	err := p.cb.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return p.client.Set(opCtx, signalKeyPrefix+symbol, payload, signalStateTTL).Err()
	})
	if err != nil && err != ErrCircuitOpen {
		log.Printf("[redis] signal state write failed: %v", err)
	}
}

// Heartbeat writes a component health blob under health:<component> with a
// short TTL; stale keys mean the component is down.
func (p *Publisher) Heartbeat(ctx context.Context, component string, blob any) {
	payload, err := json.Marshal(blob)
	if err != nil {
		log.Printf("[redis] heartbeat marshal failed: %v", err)
		return
	}
	err = p.cb.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return p.client.Set(opCtx, healthKeyPrefix+component, payload, healthTTL).Err()
	})
	if err != nil && err != ErrCircuitOpen {
		log.Printf("[redis] heartbeat failed: %v", err)
	}
}

// SubscribeDepth opens a pub/sub subscription on the symbol's depth
// channel for the signal analyzer.
func (p *Publisher) SubscribeDepth(ctx context.Context, symbol string) *goredis.PubSub {
	return p.client.Subscribe(ctx, DepthChannel(symbol))
}

// Close closes the client.
func (p *Publisher) Close() error { return p.client.Close() }
