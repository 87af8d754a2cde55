// Package events реализует типизированную шину канонических событий.
//
// Шина гарантирует:
//   - пока шина не готова, события копируются в очередь и доставляются после
//     SetReady(true) в порядке поступления;
//   - события, отправленные во время доставки другого события (из обработчика
//     или из другой горутины), откладываются и доставляются строго после нее;
//   - одинаковые события одного типа внутри окна подавления отбрасываются;
//   - паника обработчика перехватывается и не мешает остальным обработчикам.
package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/arzzra/voip_core/pkg/logger"
)

// Options параметры шины
type Options struct {
	// Debounce окно подавления дубликатов по типу события; 0 выключает подавление
	Debounce map[Kind]time.Duration

	Logger  logger.StructuredLogger
	Metrics *Metrics

	// Now источник времени, по умолчанию time.Now
	Now func() time.Time
}

// DefaultDebounce окна подавления по умолчанию
func DefaultDebounce() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindAudioRoute:   250 * time.Millisecond,
		KindConnectivity: 750 * time.Millisecond,
	}
}

type listener struct {
	handler Handler
	once    bool
}

// registry обработчики одного типа события в порядке первой подписки
type registry struct {
	order   []Handler
	entries map[Handler]*listener
}

func (r *registry) remove(h Handler) {
	if _, ok := r.entries[h]; !ok {
		return
	}
	delete(r.entries, h)
	for i, cur := range r.order {
		if cur == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

type envelope struct {
	payload Payload
}

type lastEmit struct {
	fingerprint string
	at          time.Time
}

// Bus шина событий
type Bus struct {
	mu          sync.Mutex
	listeners   map[Kind]*registry
	ready       bool
	queue       []envelope // события, пришедшие до готовности
	pending     []envelope // события, пришедшие во время доставки
	dispatching bool
	last        map[Kind]lastEmit

	debounce map[Kind]time.Duration
	logger   logger.StructuredLogger
	metrics  *Metrics
	now      func() time.Time
}

// NewBus создает шину. Новая шина не готова: события копятся в очереди.
func NewBus(opts Options) *Bus {
	debounce := make(map[Kind]time.Duration, len(opts.Debounce))
	for k, d := range opts.Debounce {
		if d > 0 {
			debounce[k] = d
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bus{
		listeners: make(map[Kind]*registry),
		last:      make(map[Kind]lastEmit),
		debounce:  debounce,
		logger:    logger.OrNoop(opts.Logger).WithComponent("events"),
		metrics:   opts.Metrics,
		now:       now,
	}
}

// Subscribe подписывает обработчик на тип события
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.add(kind, h, false)
}

// SubscribeOnce подписывает обработчик, который будет вызван один раз
func (b *Bus) SubscribeOnce(kind Kind, h Handler) {
	b.add(kind, h, true)
}

func (b *Bus) add(kind Kind, h Handler, once bool) {
	if h == nil {
		return
	}
	if !reflect.TypeOf(h).Comparable() {
		b.logger.Warn(context.Background(), "Handler is not comparable, subscription ignored",
			logger.String("kind", string(kind)),
			logger.String("handler_type", fmt.Sprintf("%T", h)))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	reg, ok := b.listeners[kind]
	if !ok {
		reg = &registry{entries: make(map[Handler]*listener)}
		b.listeners[kind] = reg
	}
	if _, exists := reg.entries[h]; !exists {
		reg.order = append(reg.order, h)
	}
	// повторная подписка перезаписывает прежнюю, позиция сохраняется
	reg.entries[h] = &listener{handler: h, once: once}
}

// Unsubscribe отписывает обработчик
func (b *Bus) Unsubscribe(kind Kind, h Handler) {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if reg, ok := b.listeners[kind]; ok {
		reg.remove(h)
	}
}

// RemoveAllHandlers удаляет обработчики указанных типов; без аргументов удаляет все
func (b *Bus) RemoveAllHandlers(kinds ...Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(kinds) == 0 {
		b.listeners = make(map[Kind]*registry)
		return
	}
	for _, k := range kinds {
		delete(b.listeners, k)
	}
}

// HandlerCount количество обработчиков для типа события
func (b *Bus) HandlerCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reg, ok := b.listeners[kind]; ok {
		return len(reg.order)
	}
	return 0
}

// IsReady сообщает, готова ли шина к доставке
func (b *Bus) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// QueueLen количество событий, ожидающих готовности шины
func (b *Bus) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// SetReady меняет готовность шины. Переход в готовность доставляет очередь
// в порядке поступления; подавление дубликатов к ней повторно не применяется.
func (b *Bus) SetReady(ready bool) {
	b.mu.Lock()
	if b.ready == ready {
		b.mu.Unlock()
		return
	}
	b.ready = ready
	if !ready || len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}

	b.pending = append(b.pending, b.queue...)
	b.queue = nil
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.mu.Unlock()

	b.drain()
}

// Emit отправляет событие. Событие без времени получает текущее время.
func (b *Bus) Emit(p Payload) {
	if p == nil {
		return
	}
	kind := p.Kind()
	now := b.now()
	if p.EventTime() == 0 {
		p = p.withTimestamp(now.UnixMilli())
	}

	var fp string
	window, debounced := b.debounce[kind]
	if debounced {
		fp = fingerprint(p)
	}

	b.mu.Lock()
	if debounced {
		if prev, ok := b.last[kind]; ok && prev.fingerprint == fp && now.Sub(prev.at) < window {
			b.mu.Unlock()
			b.metrics.incDebounced(kind)
			b.logger.Debug(context.Background(), "Duplicate event debounced", logger.String("kind", string(kind)))
			return
		}
		b.last[kind] = lastEmit{fingerprint: fp, at: now}
	}

	if !b.ready {
		b.queue = append(b.queue, envelope{payload: p.clone()})
		b.mu.Unlock()
		b.metrics.incQueued(kind)
		return
	}

	if b.dispatching {
		b.pending = append(b.pending, envelope{payload: p.clone()})
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, envelope{payload: p})
	b.dispatching = true
	b.mu.Unlock()

	b.drain()
}

// drain доставляет отложенные события, пока они есть.
// Вызывается только горутиной, выставившей dispatching.
func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		env := b.pending[0]
		b.pending[0] = envelope{}
		b.pending = b.pending[1:]

		var snapshot []*listener
		if reg, ok := b.listeners[env.payload.Kind()]; ok {
			snapshot = make([]*listener, 0, len(reg.order))
			for _, h := range reg.order {
				snapshot = append(snapshot, reg.entries[h])
			}
		}
		b.mu.Unlock()

		b.deliver(env.payload, snapshot)
	}
}

func (b *Bus) deliver(p Payload, snapshot []*listener) {
	kind := p.Kind()
	b.metrics.incEmitted(kind)
	for _, l := range snapshot {
		if !b.claim(kind, l) {
			continue
		}
		b.invoke(kind, l.handler, p)
	}
}

// claim проверяет, что подписка еще действует, и снимает одноразовую
func (b *Bus) claim(kind Kind, l *listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, ok := b.listeners[kind]
	if !ok {
		return false
	}
	cur, ok := reg.entries[l.handler]
	if !ok {
		return false
	}
	if cur.once {
		reg.remove(l.handler)
	}
	return true
}

func (b *Bus) invoke(kind Kind, h Handler, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.incHandlerFailure(kind)
			b.logger.Error(context.Background(), "Event handler failed",
				logger.String("kind", string(kind)),
				logger.Any("panic", r))
		}
	}()
	h.Handle(p)
}
