// Package mock реализует симулированную платформенную прослойку.
//
// Прослойка не обращается к сети: она хранит минимальное состояние регистрации
// и звонка и публикует сырые события по таймерам, в тех же формах, что и
// нативные мосты. Используется в тестах и как резервная прослойка.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
	"github.com/arzzra/voip_core/pkg/platform"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Name имя прослойки
const Name = "mock"

// DefaultIncomingNumber номер для SimulateIncoming без аргумента
const DefaultIncomingNumber = "1001"

// Options настройки симуляции
type Options struct {
	// RegisterDelay задержка между progress и ok при регистрации
	RegisterDelay time.Duration
	// ConnectDelay задержка между исходящим вызовом и соединением
	ConnectDelay time.Duration
	// EchoDelay задержка эхо-ответа на отправленное сообщение
	EchoDelay time.Duration

	Logger logger.StructuredLogger
	Now    func() time.Time
}

// DefaultOptions возвращает задержки по умолчанию
func DefaultOptions() Options {
	return Options{
		RegisterDelay: 250 * time.Millisecond,
		ConnectDelay:  600 * time.Millisecond,
		EchoDelay:     600 * time.Millisecond,
	}
}

type call struct {
	number    string
	direction events.CallDirection
	connected bool
}

// Shim симулированная прослойка
type Shim struct {
	platform.Subscribers

	opts Options
	log  logger.StructuredLogger

	mu          sync.Mutex
	initialized bool
	registered  bool
	cfg         platform.SipConfig
	call        *call
	route       events.AudioRoute
	generation  uint64
	timers      map[*time.Timer]struct{}
	calls       map[string]int
}

var (
	_ platform.Shim     = (*Shim)(nil)
	_ platform.Disposer = (*Shim)(nil)
)

// New создает прослойку. Нулевые задержки заменяются значениями по умолчанию,
// отрицательные означают немедленное срабатывание.
func New(opts Options) *Shim {
	def := DefaultOptions()
	if opts.RegisterDelay == 0 {
		opts.RegisterDelay = def.RegisterDelay
	}
	if opts.ConnectDelay == 0 {
		opts.ConnectDelay = def.ConnectDelay
	}
	if opts.EchoDelay == 0 {
		opts.EchoDelay = def.EchoDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Shim{
		opts:   opts,
		log:    logger.OrNoop(opts.Logger).WithComponent("mock_shim"),
		route:  events.RouteSystem,
		timers: make(map[*time.Timer]struct{}),
		calls:  make(map[string]int),
	}
}

// Factory фабрика для platform.Registry
func Factory(opts Options) platform.Factory {
	return func() platform.Shim { return New(opts) }
}

// Name имя прослойки
func (s *Shim) Name() string { return Name }

// Calls количество вызовов операции прослойки (init, register, dial и т.д.)
func (s *Shim) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Registered признак завершенной регистрации
func (s *Shim) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Config конфигурация последней инициализации
func (s *Shim) Config() platform.SipConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Init сохраняет конфигурацию
func (s *Shim) Init(ctx context.Context, cfg platform.SipConfig) error {
	s.mu.Lock()
	s.calls["init"]++
	s.cfg = cfg
	s.initialized = true
	s.mu.Unlock()

	s.log.Info(ctx, "Mock shim initialized", logger.Any("config", cfg.Redacted()))
	return nil
}

// Dispose останавливает таймеры и сбрасывает состояние
func (s *Shim) Dispose(ctx context.Context) error {
	s.mu.Lock()
	s.calls["dispose"]++
	s.generation++
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
	s.initialized = false
	s.registered = false
	s.call = nil
	s.route = events.RouteSystem
	s.mu.Unlock()

	s.log.Info(ctx, "Mock shim disposed")
	return nil
}

// Register публикует progress и через RegisterDelay ok
func (s *Shim) Register(ctx context.Context) error {
	s.mu.Lock()
	s.calls["register"]++
	if !s.initialized {
		s.mu.Unlock()
		s.publish(events.KindRegistration, map[string]interface{}{
			"status": "error",
			"error":  "Service not running",
		})
		return voiperr.New(voiperr.CodeNotInitialized, "mock shim is not initialized")
	}
	detail := map[string]interface{}{
		"server":   s.cfg.SIPServer,
		"username": s.cfg.Username,
	}
	s.mu.Unlock()

	s.publish(events.KindRegistration, map[string]interface{}{"status": "progress"})
	s.after(s.opts.RegisterDelay, func() bool {
		s.registered = true
		return true
	}, func() {
		s.publish(events.KindRegistration, map[string]interface{}{
			"status": "registered",
			"detail": detail,
		})
	})
	return nil
}

// Unregister снимает регистрацию
func (s *Shim) Unregister(ctx context.Context) error {
	s.mu.Lock()
	s.calls["unregister"]++
	s.registered = false
	s.mu.Unlock()

	s.publish(events.KindRegistration, map[string]interface{}{
		"status": "none",
		"reason": "unregistered",
	})
	return nil
}

// Dial начинает исходящий вызов. Без регистрации публикуется ошибка
// звонка с причиной not-registered.
func (s *Shim) Dial(ctx context.Context, number string) error {
	s.mu.Lock()
	s.calls["dial"]++
	if !s.registered {
		s.mu.Unlock()
		s.publish(events.KindCall, map[string]interface{}{
			"state":  "error",
			"reason": "not-registered",
			"number": number,
		})
		return nil
	}
	c := &call{number: number, direction: events.DirectionOutgoing}
	s.call = c
	s.mu.Unlock()

	s.publish(events.KindCall, map[string]interface{}{
		"state":     "dialing",
		"direction": "outgoing",
		"number":    number,
	})
	s.after(s.opts.ConnectDelay, func() bool {
		if s.call != c {
			return false
		}
		c.connected = true
		return true
	}, func() {
		s.publish(events.KindCall, map[string]interface{}{
			"state":     "connected",
			"direction": "outgoing",
			"number":    number,
		})
	})
	return nil
}

// Hangup завершает текущий вызов. Неотвеченный входящий отклоняется
// с причиной declined.
func (s *Shim) Hangup(ctx context.Context) error {
	s.mu.Lock()
	s.calls["hangup"]++
	c := s.call
	s.call = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	reason := "hangup"
	if c.direction == events.DirectionIncoming && !c.connected {
		reason = "declined"
	}
	s.publish(events.KindCall, map[string]interface{}{
		"state":     "ended",
		"reason":    reason,
		"direction": string(c.direction),
		"number":    c.number,
	})
	return nil
}

// Answer принимает входящий вызов
func (s *Shim) Answer(ctx context.Context) error {
	s.mu.Lock()
	s.calls["answer"]++
	c := s.call
	if c == nil || c.direction != events.DirectionIncoming {
		s.mu.Unlock()
		return voiperr.New(voiperr.CodeUnknown, "no incoming call to answer")
	}
	c.connected = true
	s.mu.Unlock()

	s.publish(events.KindCall, map[string]interface{}{
		"state":     "connected",
		"direction": "incoming",
		"number":    c.number,
	})
	return nil
}

// SendDTMF принимает тон без побочных событий
func (s *Shim) SendDTMF(ctx context.Context, tone string) error {
	s.mu.Lock()
	s.calls["dtmf"]++
	s.mu.Unlock()

	s.log.Debug(ctx, "DTMF sent", logger.String("tone", tone))
	return nil
}

// SendMessage публикует sent и через EchoDelay эхо-ответ от получателя
func (s *Shim) SendMessage(ctx context.Context, to, text string) error {
	s.mu.Lock()
	s.calls["message"]++
	self := s.cfg.Username
	s.mu.Unlock()

	s.publish(events.KindMessage, map[string]interface{}{
		"event":   "sent",
		"payload": map[string]interface{}{"to": to, "text": text},
	})
	s.after(s.opts.EchoDelay, nil, func() {
		s.publish(events.KindMessage, map[string]interface{}{
			"event": "received",
			"payload": map[string]interface{}{
				"from": to,
				"to":   self,
				"text": "Echo: " + text,
			},
		})
	})
	return nil
}

// SetAudioRoute применяет маршрут и подтверждает его событием
func (s *Shim) SetAudioRoute(ctx context.Context, route events.AudioRoute) error {
	s.mu.Lock()
	s.calls["audio"]++
	s.route = route
	s.mu.Unlock()

	s.publish(events.KindAudioRoute, map[string]interface{}{
		"route":  string(route),
		"reason": "user",
	})
	return nil
}

// AudioRoute последний примененный маршрут
func (s *Shim) AudioRoute() events.AudioRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// SimulateIncoming имитирует входящий вызов
func (s *Shim) SimulateIncoming(ctx context.Context, number string) error {
	if number == "" {
		number = DefaultIncomingNumber
	}
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return voiperr.New(voiperr.CodeNotInitialized, "mock shim is not initialized")
	}
	s.call = &call{number: number, direction: events.DirectionIncoming}
	s.mu.Unlock()

	s.publish(events.KindCall, map[string]interface{}{
		"state":     "incoming",
		"direction": "incoming",
		"number":    number,
	})
	return nil
}

// SetConnectivity публикует изменение состояния сети
func (s *Shim) SetConnectivity(status, network string) {
	s.publish(events.KindConnectivity, map[string]interface{}{
		"status":  status,
		"network": network,
	})
}

// SetDevices публикует список аудиоустройств и активный маршрут
func (s *Shim) SetDevices(devices []map[string]interface{}, activeRoute string) {
	list := make([]interface{}, 0, len(devices))
	for _, d := range devices {
		list = append(list, d)
	}
	raw := map[string]interface{}{"devices": list}
	if activeRoute != "" {
		raw["activeRoute"] = activeRoute
	}
	s.publish(events.KindDeviceChange, raw)
}

func (s *Shim) publish(kind events.Kind, raw map[string]interface{}) {
	raw["timestamp"] = s.opts.Now().UnixMilli()
	s.Publish(kind, raw)
}

// after планирует fire через d. apply выполняется под блокировкой и может
// отменить срабатывание; Dispose отменяет все запланированные таймеры.
func (s *Shim) after(d time.Duration, apply func() bool, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen := s.generation
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, t)
		ok := gen == s.generation
		if ok && apply != nil {
			ok = apply()
		}
		s.mu.Unlock()
		if ok {
			fire()
		}
	})
	s.timers[t] = struct{}{}
}
