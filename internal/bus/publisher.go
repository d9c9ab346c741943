package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"orderflow-systemv1/internal/model"
)

// Queue topology.
const (
	TickQueue       = "ticks"
	DeadLetterQueue = "ticks.dlq"

	connectAttempts = 5
	connectDelay    = 5 * time.Second

	// queue bounds: ~1M messages / 24h, matching the broker-side policy
	maxQueueLength = 1_000_000
	messageTTLMs   = 86_400_000
)

// Publisher owns one AMQP connection/channel and publishes enriched ticks
// to the durable ticks queue with persistent delivery.
type Publisher struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	// OnPublishError is called per failed publish; may be nil.
	OnPublishError func(err error)
}

// NewPublisher dials the broker with bounded retries and declares the
// queue topology.
func NewPublisher(url string) (*Publisher, error) {
	p := &Publisher{url: url}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := amqp.Dial(p.url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				if declErr := declareTopology(ch); declErr == nil {
					p.conn, p.ch = conn, ch
					log.Printf("[bus] connected, queue=%s", TickQueue)
					return nil
				} else {
					lastErr = declErr
				}
			} else {
				lastErr = chErr
			}
			conn.Close()
		} else {
			lastErr = err
		}
		log.Printf("[bus] connect attempt %d/%d failed: %v", attempt, connectAttempts, lastErr)
		if attempt < connectAttempts {
			time.Sleep(connectDelay)
		}
	}
	return fmt.Errorf("bus: connect after %d attempts: %w", connectAttempts, lastErr)
}

// declareTopology declares the durable tick queue and its dead-letter
// queue. Declarations are idempotent.
func declareTopology(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(TickQueue, true, false, false, false, amqp.Table{
		"x-max-length":  int32(maxQueueLength),
		"x-message-ttl": int32(messageTTLMs),
	})
	if err != nil {
		return fmt.Errorf("bus: declare %s: %w", TickQueue, err)
	}
	_, err = ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus: declare %s: %w", DeadLetterQueue, err)
	}
	return nil
}

// Publish sends one encoded tick with persistent delivery. On a broken
// channel it reconnects once and retries; the error return lets the caller
// back-pressure the transport.
func (p *Publisher) Publish(ctx context.Context, tick *model.NormalizedTick) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	body := EncodeTick(tick)
	err := p.publishLocked(ctx, body)
	if err == nil {
		return nil
	}

	log.Printf("[bus] publish failed (%v), reconnecting", err)
	if rerr := p.reconnectLocked(); rerr != nil {
		if p.OnPublishError != nil {
			p.OnPublishError(rerr)
		}
		return rerr
	}
	if err = p.publishLocked(ctx, body); err != nil && p.OnPublishError != nil {
		p.OnPublishError(err)
	}
	return err
}

func (p *Publisher) publishLocked(ctx context.Context, body []byte) error {
	if p.ch == nil {
		return fmt.Errorf("bus: channel closed")
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.ch.PublishWithContext(pubCtx, "", TickQueue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/octet-stream",
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *Publisher) reconnectLocked() error {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn, p.ch = nil, nil
	return p.connect()
}

// Run drains tickCh into the broker until ctx ends. A publish failure
// blocks with backoff and retries the same tick; the bounded channel
// upstream then pauses the transport, which is the back-pressure contract.
func (p *Publisher) Run(ctx context.Context, tickCh <-chan model.NormalizedTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			backoff := time.Second
			for {
				if err := p.Publish(ctx, &tick); err == nil {
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
		}
	}
}

// Close shuts the channel and connection down.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
