package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const defaultEndpoint = "/metrics"

// Metrics exposes updater counters. A nil *Metrics drops every observation.
type Metrics struct {
	gatherer       prometheus.Gatherer
	cyclesTotal    *prometheus.CounterVec
	updatesTotal   *prometheus.CounterVec
	rollbacksTotal *prometheus.CounterVec
	lastCycle      prometheus.Gauge
}

// New registers the updater metrics with reg
func New(reg *prometheus.Registry) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		cyclesTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_update_cycles_total",
				Help: "Total number of update cycles labelled by outcome",
			},
			[]string{"outcome"},
		),
		updatesTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_service_updates_total",
				Help: "Total number of per service decisions labelled by service and action",
			},
			[]string{"service", "action"},
		),
		rollbacksTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_rollbacks_total",
				Help: "Total number of binary rollbacks labelled by result",
			},
			[]string{"result"},
		),
		lastCycle: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_last_cycle_timestamp_seconds",
			Help: "Unix time of the last finished update cycle",
		}),
	}
}

// CycleFinished counts a finished cycle
func (m *Metrics) CycleFinished(outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.lastCycle.Set(float64(at.Unix()))
}

// ServiceHandled counts the action taken for a service
func (m *Metrics) ServiceHandled(service, action string) {
	if m == nil {
		return
	}
	m.updatesTotal.WithLabelValues(service, action).Inc()
}

// RollbackFinished counts a rollback, err being its result
func (m *Metrics) RollbackFinished(err error) {
	if m == nil {
		return
	}
	result := "restored"
	if err != nil {
		result = "failed"
	}
	m.rollbacksTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes the metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Entry) error {
	router := http.NewServeMux()
	router.Handle(defaultEndpoint, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("failed to shut down metrics server: %v", err)
		}
	}()

	logger.Infof("serving metrics on %s%s", addr, defaultEndpoint)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
