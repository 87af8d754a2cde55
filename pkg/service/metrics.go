package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты операций для метрик
const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultRejected = "rejected"
	resultSkipped  = "skipped"
)

// Metrics метрики менеджера службы
type Metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	initialized prometheus.Gauge
	enabled     bool
}

// MetricsConfig конфигурация метрик менеджера
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	Namespace string
	Subsystem string

	// Buckets границы гистограммы длительности операций
	Buckets []float64

	// Registerer реестр; nil означает prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "voip",
		Subsystem: "service",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}
}

// NewMetrics создает сборщик метрик менеджера
func NewMetrics(config *MetricsConfig) *Metrics {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled {
		return &Metrics{}
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	buckets := config.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	factory := promauto.With(reg)

	return &Metrics{
		enabled: true,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "operations_total",
			Help:      "Service operations by result",
		}, []string{"operation", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Duration of platform shim operations",
			Buckets:   buckets,
		}, []string{"operation"}),
		initialized: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "initialized",
			Help:      "1 when the service is initialized",
		}),
	}
}

func (m *Metrics) operation(op, result string) {
	if m == nil || !m.enabled {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observe(op string, started time.Time, err error) {
	if m == nil || !m.enabled {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		m.operations.WithLabelValues(op, resultFailure).Inc()
		return
	}
	m.operations.WithLabelValues(op, resultSuccess).Inc()
}

func (m *Metrics) setInitialized(v bool) {
	if m == nil || !m.enabled {
		return
	}
	if v {
		m.initialized.Set(1)
		return
	}
	m.initialized.Set(0)
}
