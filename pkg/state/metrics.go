package state

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики согласователя состояния
type Metrics struct {
	transitions *prometheus.CounterVec
	navigation  *prometheus.CounterVec
	enabled     bool
}

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	Enabled    bool
	Namespace  string
	Subsystem  string
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "voip",
		Subsystem: "state",
	}
}

// NewMetrics создает сборщик метрик
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
	factory := promauto.With(reg)

	return &Metrics{
		enabled: true,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "transitions_total",
			Help:      "State machine transitions",
		}, []string{"machine", "from", "to"}),
		navigation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "navigation_requests_total",
			Help:      "Navigation requests by outcome",
		}, []string{"result"}),
	}
}

func (m *Metrics) transition(machine, from, to string) {
	if m == nil || !m.enabled {
		return
	}
	m.transitions.WithLabelValues(machine, from, to).Inc()
}

func (m *Metrics) navigationRequest(result string) {
	if m == nil || !m.enabled {
		return
	}
	m.navigation.WithLabelValues(result).Inc()
}
