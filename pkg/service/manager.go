// Package service управляет жизненным циклом VoIP службы поверх
// платформенной прослойки.
//
// Manager сериализует init/dispose/register/unregister (не более одной
// операции каждого вида одновременно, параллельные вызовы получают общий
// результат), проверяет входные данные до обращения к прослойке, нормализует
// ошибки и переводит сырые события прослойки в канонические события шины.
package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
	"github.com/arzzra/voip_core/pkg/normalize"
	"github.com/arzzra/voip_core/pkg/platform"
	"github.com/arzzra/voip_core/pkg/state"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Имена операций
const (
	OpInit          = "init"
	OpDispose       = "dispose"
	OpRegister      = "register"
	OpUnregister    = "unregister"
	OpDial          = "dial"
	OpHangup        = "hangup"
	OpAnswer        = "answer"
	OpSendDTMF      = "sendDtmf"
	OpSendMessage   = "sendMessage"
	OpSetAudioRoute = "setAudioRoute"
)

const contextAction = "action"

// Manager менеджер VoIP службы
type Manager struct {
	mu sync.RWMutex

	shim    platform.Shim
	bus     *events.Bus
	log     logger.StructuredLogger
	metrics *Metrics

	group     singleflight.Group
	lifecycle *lifecycle
	initWait  chan struct{}

	config         *SipConfig
	registration   events.RegistrationState
	preferredRoute events.AudioRoute

	bound    bool
	handlers map[events.Kind]platform.RawHandler

	observers []*state.Reconciler
}

// New создает менеджер. Прослойка выбирается один раз и не меняется
// до конца жизни менеджера.
func New(cfg Config) *Manager {
	log := logger.OrNoop(cfg.Logger).WithComponent("service")

	debounce := cfg.Debounce
	if debounce == nil {
		debounce = events.DefaultDebounce()
	}

	shim := cfg.Shim
	if shim == nil {
		p := cfg.Platform
		if p == "" {
			p = (&platform.Detector{Logger: cfg.Logger}).Detect()
		}
		shim = platform.Resolve(cfg.Registry, p, cfg.Logger)
	}

	m := &Manager{
		shim: shim,
		bus: events.NewBus(events.Options{
			Debounce: debounce,
			Logger:   cfg.Logger,
			Metrics:  cfg.BusMetrics,
			Now:      cfg.Clock,
		}),
		log:            log,
		metrics:        cfg.Metrics,
		registration:   events.RegistrationNone,
		preferredRoute: events.RouteSystem,
	}
	m.lifecycle = newLifecycle(m.onLifecycle)
	m.handlers = m.bridgeHandlers()

	if cfg.State != nil {
		m.Attach(cfg.State)
	}
	return m
}

// Events шина канонических событий
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// Shim используемая платформенная прослойка
func (m *Manager) Shim() platform.Shim {
	return m.shim
}

// Config копия текущей конфигурации; false если служба не инициализирована
func (m *Manager) Config() (SipConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return SipConfig{}, false
	}
	return *m.config, true
}

// RegistrationState последнее состояние регистрации, полученное от прослойки
func (m *Manager) RegistrationState() events.RegistrationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registration
}

// Initialized признак завершенной инициализации
func (m *Manager) Initialized() bool {
	return m.lifecycle.ready()
}

// Lifecycle текущее состояние жизненного цикла
func (m *Manager) Lifecycle() string {
	return m.lifecycle.current()
}

// Init инициализирует службу. Повторный вызов на инициализированной службе
// обновляет конфигурацию, не обращаясь к прослойке. Параллельные вызовы во
// время инициализации получают общий результат.
func (m *Manager) Init(ctx context.Context, cfg SipConfig) error {
	cfg = cfg.Normalize()

	m.mu.Lock()
	if m.lifecycle.ready() && m.config != nil {
		merged := m.config.Merge(cfg).Normalize()
		if err := merged.Validate(); err != nil {
			m.mu.Unlock()
			return m.reject(ctx, OpInit, err)
		}
		m.config = &merged
		m.mu.Unlock()

		m.log.Debug(ctx, "Core service already initialized; refreshed configuration",
			logger.Any("config", merged.Redacted()))
		m.metrics.operation(OpInit, resultSkipped)
		m.record(state.LevelDebug, "Configuration refreshed", map[string]interface{}{"config": merged.Redacted()})
		return nil
	}
	m.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return m.reject(ctx, OpInit, err)
	}
	return m.flight(ctx, OpInit, func(ctx context.Context) error {
		return m.performInit(ctx, cfg)
	})
}

func (m *Manager) performInit(ctx context.Context, cfg SipConfig) error {
	wait := make(chan struct{})
	m.mu.Lock()
	m.initWait = wait
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.initWait == wait {
			m.initWait = nil
		}
		m.mu.Unlock()
		close(wait)
	}()

	// инициализация могла завершиться между проверкой в Init и началом полета
	if m.lifecycle.ready() {
		return nil
	}
	if err := m.lifecycle.fire(ctx, "init"); err != nil {
		return voiperr.Normalize(err)
	}
	m.log.Info(ctx, "Initializing core service", logger.Any("config", cfg.Redacted()))

	m.mu.Lock()
	m.config = &cfg
	m.preferredRoute = events.RouteSystem
	m.mu.Unlock()

	m.bus.SetReady(false)
	m.bindNativeEvents(ctx)

	err := m.run(ctx, OpInit, nil, func(ctx context.Context) error {
		return m.shim.Init(ctx, cfg)
	})
	if err != nil {
		m.bus.SetReady(false)
		m.mu.Lock()
		m.config = nil
		m.mu.Unlock()
		_ = m.lifecycle.fire(ctx, "fail")
		m.updateService(state.ServicePatch{Error: err})
		return err
	}

	m.mu.Lock()
	m.registration = events.RegistrationNone
	m.mu.Unlock()

	_ = m.lifecycle.fire(ctx, "ready")
	m.updateService(state.ServicePatch{
		Initialized: state.Ptr(true),
		Running:     state.Ptr(true),
		Provider:    state.Ptr(m.shim.Name()),
		LastError:   state.Ptr(""),
	})
	m.bus.SetReady(true)
	m.log.Info(ctx, "Core service initialized successfully", logger.String("shim", m.shim.Name()))
	return nil
}

// Dispose освобождает службу. Сбой освобождения прослойки логируется
// и не прерывает остальные шаги.
func (m *Manager) Dispose(ctx context.Context) error {
	return m.flight(ctx, OpDispose, m.performDispose)
}

func (m *Manager) performDispose(ctx context.Context) error {
	m.mu.RLock()
	wait := m.initWait
	m.mu.RUnlock()
	if wait != nil {
		<-wait
	}

	m.log.Info(ctx, "Disposing core service")
	_ = m.lifecycle.fire(ctx, "dispose")

	m.bus.SetReady(false)
	m.unbindNativeEvents(ctx)

	if d, ok := m.shim.(platform.Disposer); ok {
		started := time.Now()
		err := d.Dispose(ctx)
		m.metrics.observe(OpDispose, started, err)
		if err != nil {
			ne := voiperr.Normalize(err)
			m.log.Warn(ctx, "Platform shim dispose failed", logger.Err(ne))
			m.record(state.LevelWarn, "Platform shim dispose failed", map[string]interface{}{"error": ne})
		}
	}

	m.mu.Lock()
	m.config = nil
	m.registration = events.RegistrationNone
	m.preferredRoute = events.RouteSystem
	m.mu.Unlock()

	_ = m.lifecycle.fire(ctx, "disposed")
	m.updateService(state.ServicePatch{
		Initialized: state.Ptr(false),
		Running:     state.Ptr(false),
	})
	m.record(state.LevelInfo, "Core service disposed", nil)
	m.log.Info(ctx, "Core service disposed")
	return nil
}

// Register регистрирует учетную запись на SIP сервере
func (m *Manager) Register(ctx context.Context) error {
	if err := m.ensureInitialized(ctx, OpRegister); err != nil {
		return err
	}
	return m.flight(ctx, OpRegister, func(ctx context.Context) error {
		return m.run(ctx, OpRegister, nil, m.shim.Register)
	})
}

// Unregister снимает регистрацию
func (m *Manager) Unregister(ctx context.Context) error {
	if err := m.ensureInitialized(ctx, OpUnregister); err != nil {
		return err
	}
	return m.flight(ctx, OpUnregister, func(ctx context.Context) error {
		return m.run(ctx, OpUnregister, nil, m.shim.Unregister)
	})
}

// Dial начинает исходящий вызов
func (m *Manager) Dial(ctx context.Context, number string) error {
	if err := m.ensureInitialized(ctx, OpDial); err != nil {
		return err
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return m.reject(ctx, OpDial, voiperr.New(voiperr.CodeInvalidNumber, "Dialed number must not be empty"))
	}
	return m.run(ctx, OpDial, []logger.Field{logger.String("number", number)}, func(ctx context.Context) error {
		return m.shim.Dial(ctx, number)
	})
}

// Hangup завершает текущий вызов
func (m *Manager) Hangup(ctx context.Context) error {
	if err := m.ensureInitialized(ctx, OpHangup); err != nil {
		return err
	}
	return m.run(ctx, OpHangup, nil, m.shim.Hangup)
}

// Answer принимает входящий вызов
func (m *Manager) Answer(ctx context.Context) error {
	if err := m.ensureInitialized(ctx, OpAnswer); err != nil {
		return err
	}
	return m.run(ctx, OpAnswer, nil, m.shim.Answer)
}

// SendDTMF отправляет тоны DTMF (0-9, *, #, A-D)
func (m *Manager) SendDTMF(ctx context.Context, tone string) error {
	if err := m.ensureInitialized(ctx, OpSendDTMF); err != nil {
		return err
	}
	tone = strings.ToUpper(strings.TrimSpace(tone))
	if tone == "" {
		return m.reject(ctx, OpSendDTMF, voiperr.New(voiperr.CodeInvalidTone, "DTMF tone must not be empty"))
	}
	if !validTone(tone) {
		return m.reject(ctx, OpSendDTMF, voiperr.Newf(voiperr.CodeInvalidTone, "Unsupported DTMF tone %q", tone))
	}
	return m.run(ctx, OpSendDTMF, []logger.Field{logger.String("tone", tone)}, func(ctx context.Context) error {
		return m.shim.SendDTMF(ctx, tone)
	})
}

func validTone(tone string) bool {
	for _, r := range tone {
		switch {
		case r >= '0' && r <= '9':
		case r == '*' || r == '#':
		case r >= 'A' && r <= 'D':
		default:
			return false
		}
	}
	return true
}

// SendMessage отправляет текстовое сообщение
func (m *Manager) SendMessage(ctx context.Context, to, text string) error {
	if err := m.ensureInitialized(ctx, OpSendMessage); err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return m.reject(ctx, OpSendMessage, voiperr.New(voiperr.CodeInvalidRecipient, "Recipient must not be empty"))
	}
	if strings.TrimSpace(text) == "" {
		return m.reject(ctx, OpSendMessage, voiperr.New(voiperr.CodeInvalidMessage, "Message body must not be empty"))
	}
	return m.run(ctx, OpSendMessage, []logger.Field{logger.String("to", to)}, func(ctx context.Context) error {
		return m.shim.SendMessage(ctx, to, text)
	})
}

// SetAudioRoute выбирает аудиомаршрут. Повторный выбор уже примененного
// маршрута завершается успешно без обращения к прослойке.
func (m *Manager) SetAudioRoute(ctx context.Context, route events.AudioRoute) error {
	if err := m.ensureInitialized(ctx, OpSetAudioRoute); err != nil {
		return err
	}
	route = events.AudioRoute(strings.ToLower(strings.TrimSpace(string(route))))
	if !route.Selectable() {
		return m.reject(ctx, OpSetAudioRoute, voiperr.Newf(voiperr.CodeInvalidRoute, "Unsupported audio route %q", route))
	}

	m.mu.Lock()
	if m.preferredRoute == route {
		m.mu.Unlock()
		m.log.Debug(ctx, "Audio route already set; skipping update", logger.String("route", string(route)))
		m.metrics.operation(OpSetAudioRoute, resultSkipped)
		return nil
	}
	m.mu.Unlock()

	err := m.run(ctx, OpSetAudioRoute, []logger.Field{logger.String("route", string(route))}, func(ctx context.Context) error {
		return m.shim.SetAudioRoute(ctx, route)
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.preferredRoute = route
	m.mu.Unlock()
	return nil
}

// PreferredAudioRoute последний успешно примененный маршрут
func (m *Manager) PreferredAudioRoute() events.AudioRoute {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.preferredRoute
}

// ensureInitialized дожидается идущей инициализации и проверяет результат
func (m *Manager) ensureInitialized(ctx context.Context, op string) error {
	m.mu.RLock()
	wait := m.initWait
	m.mu.RUnlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return voiperr.Normalize(ctx.Err())
		}
	}
	if !m.lifecycle.ready() {
		return m.reject(ctx, op, voiperr.Newf(voiperr.CodeNotInitialized,
			"Cannot %s before the core service is initialized", op))
	}
	return nil
}

// flight выполняет fn не более одного раза одновременно для ключа.
// Отмена ctx прекращает только ожидание: начатая операция завершается.
func (m *Manager) flight(ctx context.Context, key string, fn func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return nil, fn(detached)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return voiperr.Normalize(ctx.Err())
	}
}

// run вызывает прослойку, нормализует и логирует ошибку
func (m *Manager) run(ctx context.Context, op string, fields []logger.Field, fn func(context.Context) error) error {
	ctx = logger.WithOperation(ctx, op)
	m.log.Debug(ctx, "Executing operation "+op, fields...)

	started := time.Now()
	err := fn(ctx)
	m.metrics.observe(op, started, err)

	data := fieldsData(fields)
	if err != nil {
		ne := voiperr.Normalize(err)
		m.log.LogError(ctx, ne, "Operation "+op+" failed", fields...)
		data["error"] = ne
		m.record(state.LevelError, "Operation "+op+" failed", data)
		return ne
	}
	m.record(state.LevelInfo, "Operation "+op, data)
	return nil
}

// reject завершает операцию ошибкой проверки без обращения к прослойке
func (m *Manager) reject(ctx context.Context, op string, err error) error {
	ne := voiperr.Normalize(err)
	m.metrics.operation(op, resultRejected)
	m.log.Warn(logger.WithOperation(ctx, op), "Operation "+op+" rejected", logger.Err(ne))
	m.record(state.LevelWarn, "Operation "+op+" rejected", map[string]interface{}{"error": ne})
	return ne
}

func fieldsData(fields []logger.Field) map[string]interface{} {
	data := make(map[string]interface{}, len(fields)+1)
	for _, f := range fields {
		data[f.Key] = f.Value
	}
	return data
}

func (m *Manager) onLifecycle(from, to string) {
	m.metrics.setInitialized(to == StateReady)
	m.log.Debug(context.Background(), "Lifecycle transition",
		logger.String("from", from), logger.String("to", to))
}

// bridgeHandlers создает по одному обработчику сырых событий на тип
func (m *Manager) bridgeHandlers() map[events.Kind]platform.RawHandler {
	return map[events.Kind]platform.RawHandler{
		events.KindRegistration: platform.NewRawFunc(func(raw interface{}) {
			e := normalize.Registration(raw)
			m.mu.Lock()
			m.registration = e.State
			m.mu.Unlock()
			m.bus.Emit(e)
		}),
		events.KindCall: platform.NewRawFunc(func(raw interface{}) {
			m.bus.Emit(normalize.Call(raw))
		}),
		events.KindMessage: platform.NewRawFunc(func(raw interface{}) {
			m.bus.Emit(normalize.Message(raw))
		}),
		events.KindAudioRoute: platform.NewRawFunc(func(raw interface{}) {
			m.bus.Emit(normalize.AudioRoute(raw))
		}),
		events.KindDeviceChange: platform.NewRawFunc(func(raw interface{}) {
			m.bus.Emit(normalize.DeviceChange(raw))
		}),
		events.KindConnectivity: platform.NewRawFunc(func(raw interface{}) {
			m.bus.Emit(normalize.Connectivity(raw))
		}),
	}
}

// bindNativeEvents подписывает обработчики на прослойку; повторный вызов ничего не делает
func (m *Manager) bindNativeEvents(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bound {
		return
	}
	for _, kind := range events.Kinds() {
		if err := m.shim.Subscribe(kind, m.handlers[kind]); err != nil {
			m.log.Warn(ctx, "Failed to subscribe to native event",
				logger.String("kind", string(kind)), logger.Err(voiperr.Normalize(err)))
		}
	}
	m.bound = true
}

func (m *Manager) unbindNativeEvents(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.bound {
		return
	}
	for _, kind := range events.Kinds() {
		if err := m.shim.Unsubscribe(kind, m.handlers[kind]); err != nil {
			m.log.Warn(ctx, "Failed to unsubscribe from native event",
				logger.String("kind", string(kind)), logger.Err(voiperr.Normalize(err)))
		}
	}
	m.bound = false
}
