package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"orderflow-systemv1/config"
	"orderflow-systemv1/internal/auth"
	"orderflow-systemv1/internal/depth"
	"orderflow-systemv1/internal/feed/dhan"
	"orderflow-systemv1/internal/ingest"
	"orderflow-systemv1/internal/logger"
	"orderflow-systemv1/internal/metrics"
	"orderflow-systemv1/internal/model"
	redisstore "orderflow-systemv1/internal/store/redis"
	"orderflow-systemv1/internal/store/timescale"
)

// published levels per side on the pub/sub channel
const topLevels = 20

// two reconnect cycles with zero completed snapshots means the token lacks
// depth entitlement, not a flaky transport
const maxEmptySessions = 2

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()
	logger.Init("depthcollector", logger.LevelFromEnv(os.Getenv("LOG_LEVEL")))
	slog.Info("starting", "security_id", cfg.SecurityID, "symbol", cfg.Symbol)

	prom := metrics.New()
	health := metrics.NewHealthStatus("depthcollector")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Store (required: every level is persisted) ----
	pool, err := timescale.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[depth] database init failed: %v", err)
	}
	defer pool.Close()
	if err := timescale.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("[depth] schema init failed: %v", err)
	}
	writer := timescale.NewDepthWriter(pool)

	// ---- Cache (best-effort top-of-book publication) ----
	cache, err := redisstore.NewPublisher(cfg.RedisURL)
	if err != nil {
		log.Printf("[depth] WARNING: redis unavailable: %v (top-of-book publication disabled)", err)
		cache = nil
	}
	if cache != nil {
		cache.Breaker().OnStateChange = func(from, to redisstore.State) {
			prom.CacheBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.CacheBreakerTrips.Inc()
			}
			log.Printf("[depth] cache breaker %s → %s", from, to)
		}
		health.StartLivenessChecker(ctx, cache.Client(), pool, 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, pool, 10*time.Second)
	}

	// ---- Credentials ----
	var fallback = clientOf(cache)
	creds, err := auth.NewProvider(cfg.TokenFile, fallback).Get(ctx)
	if err != nil {
		log.Fatalf("[depth] credentials unavailable: %v", err)
	}

	// ---- Snapshot pipeline: collector → fan-out → {persist, publish} ----
	snapCh := make(chan *model.DepthSnapshot, 64)
	fanout := depth.NewFanOut(64)
	fanout.OnDrop = func(idx int) {
		prom.FanoutDrops.WithLabelValues(strconv.Itoa(idx)).Inc()
	}
	persistCh := fanout.Subscribe()
	var publishCh <-chan *model.DepthSnapshot
	if cache != nil {
		publishCh = fanout.Subscribe()
	}
	go fanout.Run(ctx, snapCh)

	go func() {
		for snap := range persistCh {
			if err := writer.InsertSnapshot(ctx, snap); err != nil {
				// levels stay in the frame stream; the next snapshot keeps
				// the table moving while the store recovers
				log.Printf("[depth] level persist failed: %v", err)
				continue
			}
			prom.LevelsPersisted.Add(float64(len(snap.Bids) + len(snap.Asks)))
		}
	}()

	if publishCh != nil {
		go func() {
			for snap := range publishCh {
				top := snap.TopOfBook(topLevels)
				cache.PublishTopOfBook(ctx, snap.Symbol, &top)
			}
		}()
		go heartbeatLoop(ctx, cache, "depthcollector", health)
	}

	// ---- Depth feed transport ----
	var snapshotsThisSession atomic.Int64
	collector := depth.NewCollector(cfg.Symbol)
	collector.OnStaleDrop = func() { prom.StaleHalvesDropped.Inc() }

	framesCh := make(chan []byte, 1024)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-framesCh:
				if !ok {
					return
				}
				frames, err := dhan.DecodeDepthMessage(msg)
				if err != nil {
					prom.FramesFailed.Inc()
				}
				for _, f := range frames {
					prom.DepthFrames.Inc()
					switch fr := f.(type) {
					case *dhan.DepthDisconnect:
						log.Printf("[depth] server disconnect: reason=%d", fr.ReasonCode)
					case *dhan.DepthFrame:
						snap, done := collector.Apply(fr)
						if !done {
							continue
						}
						prom.SnapshotsCompleted.Inc()
						snapshotsThisSession.Add(1)
						health.SetLastTickTime(snap.Time)
						select {
						case snapCh <- snap:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	sub := dhan.SubscribeRequest{
		RequestCode:     dhan.ReqFullDepth,
		InstrumentCount: 1,
		InstrumentList: []dhan.Instrument{
			{ExchangeSegment: "NSE_FNO", SecurityID: cfg.SecurityID},
		},
	}
	client, err := ingest.NewWSClient(ingest.WSConfig{
		URL:               dhan.DepthFeedURL(creds.AccessToken, creds.ClientID),
		SubscribeMessages: [][]byte{sub.JSON()},
	})
	if err != nil {
		log.Fatalf("[depth] ws init failed: %v", err)
	}
	client.OnConnect = func() {
		health.SetFeedConnected(true)
		snapshotsThisSession.Store(0)
	}

	emptySessions := 0
	client.OnReconnect = func() {
		prom.WSReconnects.Inc()
		health.SetFeedConnected(false)
		if snapshotsThisSession.Load() == 0 {
			emptySessions++
			if emptySessions >= maxEmptySessions {
				log.Printf("[depth] %d reconnect cycles with no data — treating as auth/entitlement failure", emptySessions)
				cancel()
			}
		} else {
			emptySessions = 0
		}
	}

	go func() {
		if err := client.Run(ctx, framesCh); err != nil && ctx.Err() == nil {
			log.Printf("[depth] transport stopped: %v", err)
			cancel()
		}
	}()

	log.Printf("[depth] collecting 200-level depth for %s (security_id=%s)", cfg.Symbol, cfg.SecurityID)

	select {
	case <-sigCh:
		log.Println("[depth] shutdown signal received, draining...")
	case <-ctx.Done():
	}
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	metricsSrv.Stop(drainCtx)
	if cache != nil {
		cache.Close()
	}
	log.Println("[depth] shutdown complete")
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

func clientOf(cache *redisstore.Publisher) *goredis.Client {
	if cache == nil {
		return nil
	}
	return cache.Client()
}
