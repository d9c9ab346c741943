package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	osSignal "os/signal"
	"syscall"
	"time"

	"orderflow-systemv1/config"
	"orderflow-systemv1/internal/depth"
	"orderflow-systemv1/internal/instruments"
	"orderflow-systemv1/internal/logger"
	"orderflow-systemv1/internal/metrics"
	"orderflow-systemv1/internal/model"
	"orderflow-systemv1/internal/notification"
	"orderflow-systemv1/internal/signal"
	redisstore "orderflow-systemv1/internal/store/redis"
	"orderflow-systemv1/internal/store/timescale"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()
	logger.Init("signalgen", logger.LevelFromEnv(os.Getenv("LOG_LEVEL")))
	slog.Info("starting", "symbol", cfg.Symbol, "security_id", cfg.SecurityID)

	prom := metrics.New()
	health := metrics.NewHealthStatus("signalgen")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	osSignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Store ----
	pool, err := timescale.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[signalgen] database init failed: %v", err)
	}
	defer pool.Close()
	if err := timescale.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("[signalgen] schema init failed: %v", err)
	}

	// ---- Cache (required: the snapshot stream arrives over pub/sub) ----
	cache, err := redisstore.NewPublisher(cfg.RedisURL)
	if err != nil {
		log.Fatalf("[signalgen] redis init failed: %v", err)
	}
	defer cache.Close()
	health.StartLivenessChecker(ctx, cache.Client(), pool, 10*time.Second)

	// tick size from the instrument master when available
	tickSize := 0.05
	if instCache, err := instruments.Load(ctx, pool, cache.Client()); err == nil {
		if inst, ok := instCache.ResolveSecurityID(cfg.SecurityID); ok && inst.TickSize > 0 {
			tickSize = inst.TickSize
		}
	}

	// ---- Notification sink ----
	var notifier notification.Notifier
	if cfg.WebhookURL != "" {
		notifier = notification.NewWebhookNotifier(cfg.WebhookURL)
	} else {
		log.Println("[signalgen] WARNING: ALERT_WEBHOOK_URL not set, logging alerts only")
		notifier = notification.NewLogNotifier()
	}
	dispatcher := notification.NewDispatcher(notifier)
	dispatcher.OnSent = func() { prom.AlertsSent.Inc() }
	dispatcher.OnSuppressed = func() { prom.AlertsSuppressed.Inc() }

	// ---- Analyzer ----
	analyzer := signal.NewAnalyzer(signal.AnalyzerConfig{
		SecurityID: cfg.SecurityID,
		Symbol:     cfg.Symbol,
		TickSize:   tickSize,
		Buffer:     depth.NewBuffer(depth.DefaultBufferCapacity, depth.DefaultBufferMaxAge),
		Store:      timescale.NewSignalWriter(pool),
		Cache:      cache,
		Alerts:     dispatcher,
	})
	analyzer.OnEvaluation = func(row *model.SignalRow) {
		prom.Evaluations.Inc()
		health.SetLastTickTime(row.Time)
	}

	// ---- Snapshot subscription ----
	pubsub := cache.SubscribeDepth(ctx, cfg.Symbol)
	defer pubsub.Close()
	health.SetFeedConnected(true)
	log.Printf("[signalgen] subscribed to %s", redisstore.DepthChannel(cfg.Symbol))

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var top model.TopOfBook
				if err := json.Unmarshal([]byte(msg.Payload), &top); err != nil {
					log.Printf("[signalgen] bad snapshot payload: %v", err)
					continue
				}
				analyzer.Buffer().Push(&model.DepthSnapshot{
					Time:       top.Time,
					SecurityID: top.SecurityID,
					Symbol:     cfg.Symbol,
					Bids:       top.TopBids,
					Asks:       top.TopAsks,
				})
			}
		}
	}()

	go heartbeatLoop(ctx, cache, "signalgen", health)
	go analyzer.Run(ctx)

	log.Printf("[signalgen] evaluating every %s", signal.EvalInterval)

	<-sigCh
	log.Println("[signalgen] shutdown signal received")
	cancel()

	// give the analyzer time to emit the offline alert
	time.Sleep(time.Second)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	metricsSrv.Stop(drainCtx)
	log.Println("[signalgen] shutdown complete")
}

func heartbeatLoop(ctx context.Context, cache *redisstore.Publisher, component string, health *metrics.HealthStatus) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cache.Heartbeat(ctx, component, health.Snapshot())
		}
	}
}
