package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"orderflow-systemv1/config"
	"orderflow-systemv1/internal/bus"
	"orderflow-systemv1/internal/logger"
	"orderflow-systemv1/internal/metrics"
	"orderflow-systemv1/internal/model"
	redisstore "orderflow-systemv1/internal/store/redis"
	"orderflow-systemv1/internal/store/timescale"
)

// a message decode failing this many times goes to the dead-letter queue
const maxParseFailures = 3

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()
	logger.Init("worker", logger.LevelFromEnv(os.Getenv("LOG_LEVEL")))

	prom := metrics.New()
	health := metrics.NewHealthStatus("worker")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[worker] shutdown signal received")
		cancel()
	}()

	// ---- Store ----
	pool, err := timescale.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[worker] database init failed: %v", err)
	}
	defer pool.Close()
	if err := timescale.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("[worker] schema init failed: %v", err)
	}
	writer := timescale.NewTickWriter(pool)

	// ---- Cache (best-effort heartbeats) ----
	cache, err := redisstore.NewPublisher(cfg.RedisURL)
	if err != nil {
		log.Printf("[worker] WARNING: redis unavailable: %v (no heartbeats)", err)
		cache = nil
	}
	if cache != nil {
		health.StartLivenessChecker(ctx, cache.Client(), pool, 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, pool, 10*time.Second)
	}

	// ---- Bus ----
	tag := fmt.Sprintf("worker-%d", os.Getpid())
	consumer, err := bus.NewConsumer(cfg.RabbitMQURL, tag)
	if err != nil {
		log.Fatalf("[worker] bus init failed: %v", err)
	}
	defer consumer.Close()
	health.SetBusConnected(true)

	deliveries, err := consumer.Deliveries()
	if err != nil {
		log.Fatalf("[worker] consume failed: %v", err)
	}

	slog.Info("worker ready", "batch_size", cfg.BatchSize, "batch_timeout_s", cfg.BatchTimeout)

	w := &worker{
		cfg:           cfg,
		writer:        writer,
		consumer:      consumer,
		cache:         cache,
		prom:          prom,
		health:        health,
		parseFailures: make(map[uint64]int),
	}
	w.run(ctx, deliveries)

	log.Println("[worker] shutdown complete")
}

// worker batches deliveries and flushes them with one UPSERT. On database
// errors the whole batch is nacked back to the durable queue and retried
// with exponential backoff; nothing is lost.
type worker struct {
	cfg      *config.Config
	writer   *timescale.TickWriter
	consumer *bus.Consumer
	cache    *redisstore.Publisher
	prom     *metrics.Metrics
	health   *metrics.HealthStatus

	batch      []model.NormalizedTick
	tags       []uint64
	lastFlush  time.Time
	failures   int64
	backoff    time.Duration

	// per-payload decode failure counts, keyed by content hash
	parseFailures map[uint64]int
}

func (w *worker) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	flushTimeout := time.Duration(w.cfg.BatchTimeout) * time.Second
	w.lastFlush = time.Now()
	w.backoff = time.Second

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			// finish the current batch, ack it, exit
			w.flush(context.Background())
			return

		case <-ticker.C:
			if len(w.batch) > 0 && time.Since(w.lastFlush) >= flushTimeout {
				w.flush(ctx)
			}
			ticks++
			if w.cache != nil && ticks%10 == 0 {
				w.heartbeat(ctx)
			}

		case d, ok := <-deliveries:
			if !ok {
				w.flush(context.Background())
				return
			}
			w.handle(ctx, d)
			if len(w.batch) >= w.cfg.BatchSize {
				w.flush(ctx)
			}
		}
	}
}

func (w *worker) handle(ctx context.Context, d amqp.Delivery) {
	tick, err := bus.DecodeTick(d.Body)
	if err != nil {
		key := contentHash(d.Body)
		w.parseFailures[key]++
		if w.parseFailures[key] >= maxParseFailures {
			delete(w.parseFailures, key)
			if dlErr := w.consumer.DeadLetter(ctx, d); dlErr != nil {
				log.Printf("[worker] dead-letter failed: %v", dlErr)
				d.Nack(false, true)
				return
			}
			w.prom.DeadLettered.Inc()
			log.Printf("[worker] dead-lettered undecodable message: %v", err)
			return
		}
		// transient until proven otherwise: requeue for another attempt
		d.Nack(false, true)
		return
	}

	w.batch = append(w.batch, tick)
	w.tags = append(w.tags, d.DeliveryTag)
	w.health.SetLastTickTime(tick.Time)
}

// flush upserts the batch. Success acks every message; failure nacks them
// back to the queue and backs off.
func (w *worker) flush(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	start := time.Now()

	err := w.writer.InsertBatch(ctx, w.batch)
	w.prom.BatchFlushDur.Observe(time.Since(start).Seconds())

	lastTag := w.tags[len(w.tags)-1]
	if err != nil {
		w.failures++
		w.prom.BatchFailures.Inc()
		log.Printf("[worker] batch flush failed (%d ticks): %v — nack and backoff %s",
			len(w.batch), err, w.backoff)
		w.nackAll(lastTag)
		select {
		case <-ctx.Done():
		case <-time.After(w.backoff):
		}
		if w.backoff < 60*time.Second {
			w.backoff *= 2
		}
		return
	}

	if ackErr := w.consumer.AckUpTo(lastTag); ackErr != nil {
		log.Printf("[worker] ack failed: %v", ackErr)
	}
	w.prom.BatchesFlushed.Inc()
	w.prom.TicksPersisted.Add(float64(len(w.batch)))
	log.Printf("[worker] flushed %d ticks in %s", len(w.batch), time.Since(start).Round(time.Millisecond))

	w.batch = w.batch[:0]
	w.tags = w.tags[:0]
	w.lastFlush = time.Now()
	w.backoff = time.Second
}

func (w *worker) nackAll(lastTag uint64) {
	if err := w.consumer.NackUpTo(lastTag); err != nil {
		log.Printf("[worker] nack failed: %v", err)
	}
	w.batch = w.batch[:0]
	w.tags = w.tags[:0]
	w.lastFlush = time.Now()
}

func (w *worker) heartbeat(ctx context.Context) {
	w.cache.Heartbeat(ctx, "worker", map[string]any{
		"last_batch_time": w.lastFlush,
		"batch_size":      len(w.batch),
		"failures":        w.failures,
	})
}

func contentHash(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
