package observability

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op, so callers
// never branch on METRICS_ENABLED.
type Metrics struct {
	reg *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	stageTotal     *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	dependencyCall *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	deliveries     *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	finished       *prometheus.CounterVec

	requestsByStatus *prometheus.GaugeVec
	dbStats          *prometheus.GaugeVec
	redisUp          prometheus.Gauge
	redisPing        prometheus.Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// Init builds the process-wide instance when METRICS_ENABLED is set and
// returns nil otherwise.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = New()
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

// New registers a fresh metric set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vg_api_requests_total",
			Help: "API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vg_api_request_duration_seconds",
			Help:    "API request latency in seconds by method/route/status.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route", "status"}),
		apiInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "vg_api_inflight_requests",
			Help: "In-flight API requests.",
		}),
		stageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vg_pipeline_stage_total",
			Help: "Pipeline stage executions by stage/outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vg_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds by stage/outcome.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900, 1800},
		}, []string{"stage", "outcome"}),
		dependencyCall: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vg_dependency_calls_total",
			Help: "External dependency calls by dependency/result.",
		}, []string{"dependency", "result"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vg_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half_open).",
		}, []string{"dependency"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vg_queue_deliveries_total",
			Help: "Queue deliveries handled by outcome.",
		}, []string{"outcome"}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vg_dead_letters_total",
			Help: "Dead letters written by last stage.",
		}, []string{"stage"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vg_requests_finished_total",
			Help: "Requests reaching an absorbing status.",
		}, []string{"status"}),
		requestsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vg_requests_by_status",
			Help: "Stored generation requests by status.",
		}, []string{"status"}),
		dbStats: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vg_db_pool",
			Help: "database/sql pool statistics.",
		}, []string{"stat"}),
		redisUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "vg_redis_up",
			Help: "1 when the last redis ping succeeded.",
		}),
		redisPing: f.NewGauge(prometheus.GaugeOpts{
			Name: "vg_redis_ping_seconds",
			Help: "Latency of the last redis ping.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the exposition format; 503 when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// StartServer exposes /metrics on a dedicated listener, for worker processes
// that run no API router.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	method = orDefault(method, "UNKNOWN")
	route = orDefault(route, "unknown")
	status = orDefault(status, "0")
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// ObserveStage records one stage execution. Outcomes include "ok",
// "clarification", "retry_later", "failed", "cancelled" and "superseded";
// only "failed" counts as a pipeline failure.
func (m *Metrics) ObserveStage(stage, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	stage = orDefault(stage, "unknown")
	outcome = orDefault(outcome, "unknown")
	m.stageTotal.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage, outcome).Observe(dur.Seconds())
}

func (m *Metrics) ObserveDependencyCall(dependency, result string) {
	if m == nil {
		return
	}
	m.dependencyCall.WithLabelValues(orDefault(dependency, "unknown"), orDefault(result, "unknown")).Inc()
}

func (m *Metrics) SetBreakerState(dependency string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(orDefault(dependency, "unknown")).Set(float64(state))
}

func (m *Metrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(orDefault(outcome, "unknown")).Inc()
}

func (m *Metrics) IncDeadLetter(stage string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(orDefault(stage, "unknown")).Inc()
}

func (m *Metrics) IncFinished(status string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(orDefault(status, "unknown")).Inc()
}

func scrapeInterval() time.Duration {
	d := envutil.Seconds("METRICS_SCRAPE_INTERVAL_SECONDS", 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	go tick(ctx, scrapeInterval(), func() {
		sqlDB, err := db.DB()
		if err != nil {
			if log != nil {
				log.Warn("metrics: db stats unavailable", "error", err)
			}
			return
		}
		stats := sqlDB.Stats()
		m.dbStats.WithLabelValues("open_connections").Set(float64(stats.OpenConnections))
		m.dbStats.WithLabelValues("in_use").Set(float64(stats.InUse))
		m.dbStats.WithLabelValues("idle").Set(float64(stats.Idle))
		m.dbStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
		m.dbStats.WithLabelValues("wait_duration_seconds").Set(stats.WaitDuration.Seconds())
		m.dbStats.WithLabelValues("max_open_connections").Set(float64(stats.MaxOpenConnections))
	})
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb redis.UniversalClient) {
	if m == nil || rdb == nil {
		return
	}
	go tick(ctx, scrapeInterval(), func() {
		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err != nil {
			m.redisUp.Set(0)
			if log != nil {
				log.Warn("metrics: redis ping failed", "error", err)
			}
			return
		}
		m.redisUp.Set(1)
		m.redisPing.Set(time.Since(start).Seconds())
	})
}

// StartRequestStatusCollector samples how many requests sit in each status.
func (m *Metrics) StartRequestStatusCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	go tick(ctx, scrapeInterval(), func() {
		var rows []struct {
			Status string
			Count  int64
		}
		if err := db.WithContext(ctx).
			Model(&generation.GenerationRequest{}).
			Select("status, count(*) as count").
			Group("status").
			Scan(&rows).Error; err != nil {
			if log != nil {
				log.Warn("metrics: request status query failed", "error", err)
			}
			return
		}
		for _, s := range generation.AllStatuses() {
			m.requestsByStatus.WithLabelValues(s.String()).Set(0)
		}
		for _, row := range rows {
			m.requestsByStatus.WithLabelValues(orDefault(row.Status, "unknown")).Set(float64(row.Count))
		}
	})
}

func tick(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func orDefault(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}
