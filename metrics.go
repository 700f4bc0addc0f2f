package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/erc7824/nitrolite/keyring/pkg/keyring"
	"github.com/erc7824/nitrolite/keyring/pkg/log"
)

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	RPCRequests      *prometheus.CounterVec

	// Signing metrics
	SignRequests *prometheus.CounterVec
	SignDuration *prometheus.HistogramVec
	Rejections   prometheus.Counter

	// Keyring metrics
	Accounts *prometheus.GaugeVec

	// Safe metrics
	SafeTransactions   *prometheus.CounterVec
	SafeConfirmations  prometheus.Counter
	SafePendingSession prometheus.Gauge
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "keyring_connected_clients",
			Help: "The current number of connected RPC clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "keyring_connections_total",
			Help: "The total number of WebSocket connections made since start",
		}),
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyring_rpc_requests_total",
				Help: "The total number of RPC requests by method",
			},
			[]string{"method", "status"},
		),
		SignRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyring_sign_requests_total",
				Help: "The total number of signing requests by keyring, kind and outcome",
			},
			[]string{"keyring", "kind", "status"},
		),
		SignDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keyring_sign_duration_seconds",
				Help:    "Time spent producing a signature, including user confirmation",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"keyring", "kind"},
		),
		Rejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "keyring_rejections_total",
			Help: "The total number of signing requests rejected by the user",
		}),
		Accounts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keyring_accounts",
			Help: "The number of accounts per keyring",
		},
			[]string{"keyring"},
		),
		SafeTransactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyring_safe_transactions_total",
				Help: "The total number of Safe transactions by stage",
			},
			[]string{"stage"},
		),
		SafeConfirmations: factory.NewCounter(prometheus.CounterOpts{
			Name: "keyring_safe_confirmations_total",
			Help: "The total number of owner confirmations added to Safe transactions",
		}),
		SafePendingSession: factory.NewGauge(prometheus.GaugeOpts{
			Name: "keyring_safe_pending_sessions",
			Help: "The number of stored Safe transactions not executed yet",
		}),
	}
}

// ObserveSign records the outcome of one signing request.
func (m *Metrics) ObserveSign(k keyring.Type, kind string, started time.Time, err error) {
	m.SignDuration.WithLabelValues(string(k), kind).Observe(time.Since(started).Seconds())
	m.SignRequests.WithLabelValues(string(k), kind, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordMetricsPeriodically refreshes the gauges until ctx is done.
func (m *Metrics) RecordMetricsPeriodically(ctx context.Context, db *gorm.DB, w *Wallet, lg log.Logger) {
	lg = lg.Named("metrics")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateAccountMetrics(w)
			if err := m.UpdateSessionMetrics(db); err != nil {
				lg.Warn("failed to update session metrics", "error", err)
			}
		}
	}
}

func (m *Metrics) UpdateAccountMetrics(w *Wallet) {
	m.Accounts.Reset()
	for _, k := range w.Keyrings() {
		m.Accounts.WithLabelValues(string(k.Type())).Set(float64(len(k.GetAccounts())))
	}
}

// UpdateSessionMetrics counts the Safe sessions awaiting execution.
func (m *Metrics) UpdateSessionMetrics(db *gorm.DB) error {
	var count int64
	err := db.Model(&SafeSessionRecord{}).
		Where("executed_tx_hash IS NULL").
		Count(&count).Error
	if err != nil {
		return err
	}
	m.SafePendingSession.Set(float64(count))
	return nil
}
