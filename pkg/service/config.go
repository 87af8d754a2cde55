package service

import (
	"time"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
	"github.com/arzzra/voip_core/pkg/platform"
	"github.com/arzzra/voip_core/pkg/state"
)

// SipConfig параметры SIP учетной записи
type SipConfig = platform.SipConfig

// Config параметры создания менеджера
type Config struct {
	// Shim явная прослойка; если nil, прослойка выбирается через Registry
	Shim platform.Shim

	// Registry реестр прослоек для автоматического выбора
	Registry *platform.Registry

	// Platform идентификатор платформы; пустой означает автоопределение
	Platform string

	Logger logger.StructuredLogger

	// Metrics метрики менеджера; nil отключает
	Metrics *Metrics

	// BusMetrics метрики шины событий; nil отключает
	BusMetrics *events.Metrics

	// Debounce окна подавления дубликатов по типам событий.
	// nil означает значения по умолчанию, пустая карта отключает подавление.
	Debounce map[events.Kind]time.Duration

	// Clock источник времени шины, по умолчанию time.Now
	Clock func() time.Time

	// State согласователь состояния, подключаемый к шине при создании
	State *state.Reconciler
}

// DefaultConfig возвращает конфигурацию с окнами подавления по умолчанию
func DefaultConfig() Config {
	return Config{
		Debounce: events.DefaultDebounce(),
		Clock:    time.Now,
	}
}
