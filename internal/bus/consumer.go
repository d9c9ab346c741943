package bus

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PrefetchCount bounds unacked deliveries per worker so batches stay full
// without flooding a single consumer.
const PrefetchCount = 100

// Consumer pulls tick messages for a persistence worker.
type Consumer struct {
	url  string
	tag  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer dials the broker, declares the topology and applies QoS.
// tag names this worker in broker introspection.
func NewConsumer(url, tag string) (*Consumer, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				if err := declareTopology(ch); err != nil {
					conn.Close()
					return nil, err
				}
				if err := ch.Qos(PrefetchCount, 0, false); err != nil {
					conn.Close()
					return nil, fmt.Errorf("bus: qos: %w", err)
				}
				log.Printf("[bus] consumer %s connected, prefetch=%d", tag, PrefetchCount)
				return &Consumer{url: url, tag: tag, conn: conn, ch: ch}, nil
			}
			lastErr = chErr
			conn.Close()
		} else {
			lastErr = err
		}
		log.Printf("[bus] consumer connect attempt %d/%d failed: %v", attempt, connectAttempts, lastErr)
		if attempt < connectAttempts {
			time.Sleep(connectDelay)
		}
	}
	return nil, fmt.Errorf("bus: consumer connect after %d attempts: %w", connectAttempts, lastErr)
}

// Deliveries opens the consume stream on the ticks queue with manual acks.
func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.Consume(TickQueue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: consume: %w", err)
	}
	return deliveries, nil
}

// AckUpTo acknowledges every delivery up to and including tag (multi-ack).
func (c *Consumer) AckUpTo(tag uint64) error {
	return c.ch.Ack(tag, true)
}

// NackUpTo rejects every delivery up to and including tag, requeueing them.
func (c *Consumer) NackUpTo(tag uint64) error {
	return c.ch.Nack(tag, true, true)
}

// DeadLetter republishes an undecodable message to the DLQ and acks the
// original so it stops blocking the queue.
func (c *Consumer) DeadLetter(ctx context.Context, d amqp.Delivery) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := c.ch.PublishWithContext(pubCtx, "", DeadLetterQueue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  d.ContentType,
		Timestamp:    time.Now(),
		Body:         d.Body,
		Headers:      d.Headers,
	})
	if err != nil {
		return fmt.Errorf("bus: dead-letter: %w", err)
	}
	return d.Ack(false)
}

// Close shuts the channel and connection down. In-flight unacked messages
// are requeued by the broker.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
