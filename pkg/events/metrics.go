package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает метрики шины событий.
// Нулевой или выключенный сборщик ничего не делает, методы безопасны для nil.
type Metrics struct {
	emitted         *prometheus.CounterVec
	debounced       *prometheus.CounterVec
	queued          *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	enabled         bool
}

// MetricsConfig конфигурация метрик шины
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр; nil означает prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "voip",
		Subsystem: "events",
	}
}

// NewMetrics создает сборщик метрик шины
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

	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}
	}

	return &Metrics{
		enabled:         true,
		emitted:         factory.NewCounterVec(opts("emitted_total", "Events delivered to handlers"), []string{"kind"}),
		debounced:       factory.NewCounterVec(opts("debounced_total", "Events dropped as duplicates within the debounce window"), []string{"kind"}),
		queued:          factory.NewCounterVec(opts("queued_total", "Events queued while the bus was not ready"), []string{"kind"}),
		handlerFailures: factory.NewCounterVec(opts("handler_failures_total", "Handler panics recovered during dispatch"), []string{"kind"}),
	}
}

func (m *Metrics) incEmitted(kind Kind) {
	if m == nil || !m.enabled {
		return
	}
	m.emitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) incDebounced(kind Kind) {
	if m == nil || !m.enabled {
		return
	}
	m.debounced.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) incQueued(kind Kind) {
	if m == nil || !m.enabled {
		return
	}
	m.queued.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) incHandlerFailure(kind Kind) {
	if m == nil || !m.enabled {
		return
	}
	m.handlerFailures.WithLabelValues(string(kind)).Inc()
}
