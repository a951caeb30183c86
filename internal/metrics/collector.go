// Package metrics exposes Prometheus metrics for the SLA engine.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marketgate/sla-engine/internal/config"
	"github.com/marketgate/sla-engine/internal/database"
	"github.com/marketgate/sla-engine/internal/engine"
	"github.com/marketgate/sla-engine/internal/sla"
)

// Collector manages Prometheus metrics for the SLA engine
type Collector struct {
	config *config.Config
	logger *slog.Logger

	policyRepo    *database.PolicyRepository
	scorecardRepo *database.ScorecardRepository
	violationRepo *database.ViolationRepository
	engine        *engine.Engine

	policiesTotal   prometheus.Gauge
	policiesActive  prometheus.Gauge
	scorecardsTotal prometheus.Gauge

	actionsRecorded      prometheus.Gauge
	violationsTotal      prometheus.Gauge
	saveConflicts        prometheus.Gauge
	pipelineErrors       prometheus.Gauge
	violationsBySeverity *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	collectionInterval time.Duration
}

// NewCollector creates a new metrics collector
func NewCollector(
	cfg *config.Config,
	logger *slog.Logger,
	policyRepo *database.PolicyRepository,
	scorecardRepo *database.ScorecardRepository,
	violationRepo *database.ViolationRepository,
	eng *engine.Engine,
) *Collector {
	return &Collector{
		config:             cfg,
		logger:             logger,
		policyRepo:         policyRepo,
		scorecardRepo:      scorecardRepo,
		violationRepo:      violationRepo,
		engine:             eng,
		collectionInterval: 30 * time.Second,
	}
}

// RegisterMetrics registers all Prometheus metrics
func (c *Collector) RegisterMetrics() {
	c.policiesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_engine_policies_total",
		Help: "Total number of configured SLA policies",
	})
	c.policiesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_engine_policies_active",
		Help: "Number of currently active SLA policies",
	})
	c.scorecardsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_engine_scorecards_total",
		Help: "Total number of performance scorecards",
	})
	c.actionsRecorded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_engine_actions_recorded_total",
		Help: "Total number of action outcomes recorded since start",
	})
	c.violationsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_engine_violations_recorded_total",
		Help: "Total number of SLA violations recorded since start",
	})
	c.saveConflicts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_engine_save_conflicts_total",
		Help: "Total number of scorecard version conflicts retried since start",
	})
	c.pipelineErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_engine_pipeline_errors_total",
		Help: "Total number of failed outcome recordings since start",
	})
	c.violationsBySeverity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sla_engine_violations_by_severity",
		Help: "Stored violation rows by severity level",
	}, []string{"severity_level"})

	c.httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_engine_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sla_engine_http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
}

// Start runs the periodic stats collection loop.
func (c *Collector) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.collectionInterval)
	defer ticker.Stop()

	c.logger.Info("Metrics collector started", "interval", c.collectionInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	collectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if total, active, err := c.policyRepo.Stats(collectCtx); err != nil {
		c.logger.Warn("Failed to collect policy stats", "error", err)
	} else {
		c.policiesTotal.Set(float64(total))
		c.policiesActive.Set(float64(active))
	}

	if total, err := c.scorecardRepo.Stats(collectCtx); err != nil {
		c.logger.Warn("Failed to collect scorecard stats", "error", err)
	} else {
		c.scorecardsTotal.Set(float64(total))
	}

	if bySeverity, err := c.violationRepo.Stats(collectCtx); err != nil {
		c.logger.Warn("Failed to collect violation stats", "error", err)
	} else {
		for _, level := range []sla.SeverityLevel{
			sla.SeverityLevelLow, sla.SeverityLevelMedium,
			sla.SeverityLevelHigh, sla.SeverityLevelCritical,
		} {
			c.violationsBySeverity.WithLabelValues(string(level)).Set(float64(bySeverity[level]))
		}
	}

	stats := c.engine.GetStats()
	c.actionsRecorded.Set(float64(stats.Recorded))
	c.violationsTotal.Set(float64(stats.Violations))
	c.saveConflicts.Set(float64(stats.Conflicts))
	c.pipelineErrors.Set(float64(stats.Errors))
}

// Middleware instruments HTTP handlers with request count and duration.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		c.httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(recorder.status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
