package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"orderflow-systemv1/config"
	"orderflow-systemv1/internal/auth"
	"orderflow-systemv1/internal/bus"
	"orderflow-systemv1/internal/feed/dhan"
	"orderflow-systemv1/internal/feed/kite"
	"orderflow-systemv1/internal/ingest"
	"orderflow-systemv1/internal/instruments"
	"orderflow-systemv1/internal/logger"
	"orderflow-systemv1/internal/markethours"
	"orderflow-systemv1/internal/metrics"
	"orderflow-systemv1/internal/model"
	redisstore "orderflow-systemv1/internal/store/redis"
	"orderflow-systemv1/internal/store/timescale"
)

const drainTimeout = 10 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()
	logger.Init("ingestion", logger.LevelFromEnv(os.Getenv("LOG_LEVEL")))
	slog.Info("starting", "data_source", cfg.DataSource)

	prom := metrics.New()
	health := metrics.NewHealthStatus("ingestion")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP hot-reloads the instrument cache without a restart
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	// ---- Cache surface (best-effort; used for heartbeats and fallbacks) ----
	cache, err := redisstore.NewPublisher(cfg.RedisURL)
	if err != nil {
		log.Printf("[ingestion] WARNING: redis unavailable: %v (continuing without cache)", err)
		cache = nil
	}

	// ---- Time-series store + instrument master (required) ----
	pool, err := timescale.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[ingestion] database init failed: %v", err)
	}
	defer pool.Close()
	if err := timescale.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("[ingestion] schema init failed: %v", err)
	}

	var fallback = clientOf(cache)
	instCache, err := instruments.Load(ctx, pool, fallback)
	if err != nil {
		// no degraded mode: unknown instruments would mean silent drops
		log.Fatalf("[ingestion] instrument cache load failed: %v", err)
	}
	if instCache.Len() == 0 {
		log.Printf("[ingestion] WARNING: instrument cache is empty — run the master sync")
	}

	health.StartLivenessChecker(ctx, fallback, pool, 10*time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				// all-or-nothing: a failed reload keeps the prior snapshot
				if err := instCache.Reload(ctx, pool); err != nil {
					log.Printf("[ingestion] instrument reload failed: %v", err)
				}
			}
		}
	}()

	// ---- Credentials ----
	provider := auth.NewProvider(cfg.TokenFile, fallback)
	if creds, err := provider.Get(ctx); err != nil {
		log.Fatalf("[ingestion] credentials unavailable: %v", err)
	} else if creds.Expired(time.Now()) {
		log.Fatalf("[ingestion] access token expired at %s — rotate the token file", creds.Expiry)
	}

	// ---- Bus publisher ----
	publisher, err := bus.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("[ingestion] bus init failed: %v", err)
	}
	defer publisher.Close()
	publisher.OnPublishError = func(error) { prom.PublishErrors.Inc() }
	health.SetBusConnected(true)

	// ---- Pipeline channels ----
	framesCh := make(chan []byte, 10000)
	tickCh := make(chan model.NormalizedTick, 10000)

	enricher := ingest.NewEnricher(instCache)
	merger := ingest.NewMerger(ingest.DefaultMergerCapacity)

	// decode → merge → enrich → publish queue
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-framesCh:
				if !ok {
					return
				}
				prom.FramesReceived.Inc()
				var ticks []model.NormalizedTick
				switch cfg.DataSource {
				case "kite":
					ticks = decodeKiteFrame(frame, prom)
				default:
					if tick, ok := decodeDhanFrame(frame, merger, prom); ok {
						ticks = append(ticks, tick)
					}
				}
				for i := range ticks {
					tick := ticks[i]
					if !enricher.Enrich(&tick) {
						prom.ResolveFailures.Inc()
						continue
					}
					health.SetLastTickTime(tick.Time)
					select {
					case tickCh <- tick:
						prom.TicksPublished.Inc()
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	go publisher.Run(ctx, tickCh)

	// periodic cache heartbeat
	if cache != nil {
		go heartbeatLoop(ctx, cache, "ingestion", health)
	}

	// ---- Feed lifecycle: connect during market hours, sleep outside ----
	go func() {
		for {
			now := time.Now()
			if !markethours.IsMarketOpen(now) {
				next := markethours.NextOpen(now)
				log.Printf("[ingestion] %s", markethours.StatusString(now))
				health.SetFeedConnected(false)
				select {
				case <-ctx.Done():
					return
				case <-time.After(next.Sub(now)):
				}
			}

			// tokens rotate daily: re-read the sources for each session
			creds, err := provider.Refresh(ctx)
			if err != nil {
				log.Printf("[ingestion] credential refresh failed: %v — retrying in 30s", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(30 * time.Second):
				}
				continue
			}

			wsCtx, wsCancel := context.WithDeadline(ctx, markethours.TodayClose(time.Now()))
			err = runFeedSession(wsCtx, cfg, creds, instCache, framesCh, prom, health)
			wsCancel()
			health.SetFeedConnected(false)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Printf("[ingestion] feed session ended: %v — retrying in 30s", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(30 * time.Second):
				}
			}
		}
	}()

	log.Printf("[ingestion] pipeline ready: %s feed → bus queue %q", cfg.DataSource, bus.TickQueue)

	// ---- Wait for shutdown ----
	<-sigCh
	log.Println("[ingestion] shutdown signal received, draining...")
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	metricsSrv.Stop(drainCtx)
	if cache != nil {
		cache.Close()
	}
	log.Println("[ingestion] shutdown complete")
}

// runFeedSession builds the subscription set and runs the transport until
// the session context ends.
func runFeedSession(ctx context.Context, cfg *config.Config, creds auth.Credentials,
	instCache *instruments.Cache, framesCh chan<- []byte,
	prom *metrics.Metrics, health *metrics.HealthStatus) error {

	var url string
	var msgs [][]byte
	switch cfg.DataSource {
	case "kite":
		url = kite.TickerURL(cfg.KiteAPIKey, creds.AccessToken)
		var tokens []int32
		for _, inst := range instCache.Active() {
			if inst.Source == "" || inst.Source == "kite" {
				tokens = append(tokens, inst.InstrumentToken)
			}
		}
		msgs = kite.SubscribeMessages(tokens, kite.ModeFull)
	default:
		url = dhan.FeedURL(creds.AccessToken, creds.ClientID)
		for _, req := range dhan.BuildSubscriptions(dhan.ReqFull, subscriptionTargets(instCache, "dhan")) {
			msgs = append(msgs, req.JSON())
		}
	}

	client, err := ingest.NewWSClient(ingest.WSConfig{URL: url, SubscribeMessages: msgs})
	if err != nil {
		return err
	}
	client.OnConnect = func() { health.SetFeedConnected(true) }
	client.OnReconnect = func() { prom.WSReconnects.Inc() }

	return client.Run(ctx, framesCh)
}

// subscriptionTargets maps the active instrument master to feed
// subscription entries for the given source.
func subscriptionTargets(cache *instruments.Cache, source string) []dhan.Instrument {
	var out []dhan.Instrument
	for _, inst := range cache.Active() {
		if inst.SecurityID == "" || (inst.Source != "" && inst.Source != source) {
			continue
		}
		segment := inst.Segment
		if segment == "" {
			segment = "NSE_FNO"
		}
		out = append(out, dhan.Instrument{ExchangeSegment: segment, SecurityID: inst.SecurityID})
	}
	return out
}

func decodeDhanFrame(frame []byte, merger *ingest.Merger, prom *metrics.Metrics) (model.NormalizedTick, bool) {
	pkt, err := dhan.Decode(frame)
	if err != nil {
		prom.FramesFailed.Inc()
		return model.NormalizedTick{}, false
	}
	prom.FramesParsed.Inc()

	switch p := pkt.(type) {
	case *dhan.DisconnectPacket:
		log.Printf("[ingestion] server disconnect: reason=%d security_id=%s", p.ReasonCode, p.SID())
		return model.NormalizedTick{}, false
	case *dhan.IndexPacket:
		slog.Debug("index tick", "security_id", p.SID(), "value", p.Value)
		return model.NormalizedTick{}, false
	}
	return merger.Apply(pkt)
}

func decodeKiteFrame(frame []byte, prom *metrics.Metrics) []model.NormalizedTick {
	packets, err := kite.SplitMessage(frame)
	if err != nil {
		prom.FramesFailed.Inc()
		return nil
	}
	out := make([]model.NormalizedTick, 0, len(packets))
	for _, raw := range packets {
		pkt, err := kite.DecodePacket(raw)
		if err != nil {
			prom.FramesFailed.Inc()
			continue
		}
		prom.FramesParsed.Inc()
		out = append(out, ingest.KiteTick(pkt, time.Now()))
	}
	return out
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
