// Package metrics exposes Prometheus counters and the /healthz endpoint
// shared by the pipeline binaries.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the data plane. Each binary
// touches its own subset; registration is shared.
type Metrics struct {
	// ingestion
	FramesReceived  prometheus.Counter
	FramesParsed    prometheus.Counter
	FramesFailed    prometheus.Counter
	ResolveFailures prometheus.Counter
	TicksPublished  prometheus.Counter
	WSReconnects    prometheus.Counter
	PublishErrors   prometheus.Counter

	// workers
	BatchesFlushed prometheus.Counter
	TicksPersisted prometheus.Counter
	BatchFailures  prometheus.Counter
	DeadLettered   prometheus.Counter
	BatchFlushDur  prometheus.Histogram

	// depth
	DepthFrames        prometheus.Counter
	SnapshotsCompleted prometheus.Counter
	StaleHalvesDropped prometheus.Counter
	LevelsPersisted    prometheus.Counter
	FanoutDrops        *prometheus.CounterVec // labels: subscriber

	// signals
	Evaluations      prometheus.Counter
	AlertsSent       prometheus.Counter
	AlertsSuppressed prometheus.Counter

	// cache circuit breaker
	CacheBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	CacheBreakerTrips prometheus.Counter
}

// New registers and returns the pipeline metrics.
func New() *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_frames_received_total",
			Help: "Binary frames received from the tick feed",
		}),
		FramesParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_frames_parsed_total",
			Help: "Frames decoded successfully",
		}),
		FramesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_frames_failed_total",
			Help: "Frames dropped on decode errors",
		}),
		ResolveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_resolve_failures_total",
			Help: "Ticks dropped because the security id did not resolve",
		}),
		TicksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_ticks_published_total",
			Help: "Enriched ticks published to the bus",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_publish_errors_total",
			Help: "Bus publish failures",
		}),

		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_batches_flushed_total",
			Help: "Tick batches upserted into the store",
		}),
		TicksPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_ticks_persisted_total",
			Help: "Tick rows written",
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_batch_failures_total",
			Help: "Batch upserts that failed and were nacked",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_dead_lettered_total",
			Help: "Messages moved to the dead-letter queue",
		}),
		BatchFlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderflow_batch_flush_duration_seconds",
			Help:    "Batch upsert latency",
			Buckets: prometheus.DefBuckets,
		}),

		DepthFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_depth_frames_total",
			Help: "Depth frames received",
		}),
		SnapshotsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_depth_snapshots_total",
			Help: "Completed bid+ask snapshots",
		}),
		StaleHalvesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_depth_stale_halves_total",
			Help: "Unpaired half-snapshots discarded",
		}),
		LevelsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_depth_levels_persisted_total",
			Help: "Depth level rows written",
		}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_depth_fanout_drops_total",
			Help: "Snapshots dropped per slow fan-out subscriber",
		}, []string{"subscriber"}),

		Evaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_signal_evaluations_total",
			Help: "10-second signal evaluations",
		}),
		AlertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_alerts_sent_total",
			Help: "Alerts delivered to the notification sink",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_alerts_suppressed_total",
			Help: "Alerts suppressed by the cooldown",
		}),

		CacheBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderflow_cache_breaker_state",
			Help: "Cache circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CacheBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_cache_breaker_trips_total",
			Help: "Times the cache circuit breaker tripped open",
		}),
	}

	prometheus.MustRegister(
		m.FramesReceived, m.FramesParsed, m.FramesFailed, m.ResolveFailures,
		m.TicksPublished, m.WSReconnects, m.PublishErrors,
		m.BatchesFlushed, m.TicksPersisted, m.BatchFailures, m.DeadLettered,
		m.BatchFlushDur,
		m.DepthFrames, m.SnapshotsCompleted, m.StaleHalvesDropped,
		m.LevelsPersisted, m.FanoutDrops,
		m.Evaluations, m.AlertsSent, m.AlertsSuppressed,
		m.CacheBreakerState, m.CacheBreakerTrips,
	)

	return m
}

// HealthSnapshot is the serializable health view: the /healthz body and
// the payload of the Redis health:<component> heartbeat.
type HealthSnapshot struct {
	Component      string    `json:"component"`
	FeedConnected  bool      `json:"feed_connected"`
	RedisConnected bool      `json:"redis_connected"`
	DBConnected    bool      `json:"db_connected"`
	BusConnected   bool      `json:"bus_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	StartedAt      time.Time `json:"started_at"`
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	DBLatencyMs    float64   `json:"db_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
}

// HealthStatus tracks component health under a lock.
type HealthStatus struct {
	mu   sync.RWMutex
	snap HealthSnapshot
}

// NewHealthStatus returns a default health status for a component.
func NewHealthStatus(component string) *HealthStatus {
	return &HealthStatus{snap: HealthSnapshot{Component: component, StartedAt: time.Now()}}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.snap.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetBusConnected(v bool) {
	h.mu.Lock()
	h.snap.BusConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.snap.LastTickTime = t
	h.mu.Unlock()
}

// Snapshot returns a copy for heartbeat serialization.
func (h *HealthStatus) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.snap.RedisConnected = err == nil
	h.snap.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.snap.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckDB pings the Postgres pool and records latency + connectivity.
func (h *HealthStatus) CheckDB(ctx context.Context, pool *pgxpool.Pool) {
	start := time.Now()
	err := pool.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.snap.DBConnected = err == nil
	h.snap.DBLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.snap.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, pool *pgxpool.Pool, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if pool != nil {
					h.CheckDB(probeCtx, pool)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.Snapshot()

	status := "healthy"
	httpCode := http.StatusOK
	if !snap.FeedConnected || !snap.DBConnected {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	out := struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
		HealthSnapshot
	}{
		Status:         status,
		Uptime:         time.Since(snap.StartedAt).Round(time.Second).String(),
		HealthSnapshot: snap,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(out)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
