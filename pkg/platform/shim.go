// Package platform описывает контракт платформенной прослойки (shim) и выбор
// прослойки для текущей платформы.
//
// Прослойка выполняет телефонные операции на нативном стеке (или в симуляции)
// и публикует сырые события шести типов. Нормализация и доставка событий
// приложению выполняются уровнем выше.
package platform

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/arzzra/voip_core/pkg/events"
)

// Shim контракт платформенной прослойки
type Shim interface {
	// Name имя реализации для логов и состояния службы
	Name() string

	Init(ctx context.Context, cfg SipConfig) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error

	Dial(ctx context.Context, number string) error
	Hangup(ctx context.Context) error
	Answer(ctx context.Context) error
	SendDTMF(ctx context.Context, tone string) error

	SendMessage(ctx context.Context, to, text string) error

	SetAudioRoute(ctx context.Context, route events.AudioRoute) error

	Subscribe(kind events.Kind, h RawHandler) error
	Unsubscribe(kind events.Kind, h RawHandler) error
}

// Disposer необязательное освобождение ресурсов прослойки
type Disposer interface {
	Dispose(ctx context.Context) error
}

// RawHandler получатель сырых событий прослойки.
// Значение обработчика должно быть сравнимым: по нему выполняется отписка.
type RawHandler interface {
	HandleRaw(raw interface{})
}

// RawFunc адаптер функции к RawHandler
type RawFunc struct {
	fn func(raw interface{})
}

// NewRawFunc оборачивает функцию в RawHandler
func NewRawFunc(fn func(raw interface{})) *RawFunc {
	return &RawFunc{fn: fn}
}

// HandleRaw вызывает обернутую функцию
func (f *RawFunc) HandleRaw(raw interface{}) {
	if f != nil && f.fn != nil {
		f.fn(raw)
	}
}

// Subscribers реестр подписчиков сырых событий для реализаций Shim
type Subscribers struct {
	mu       sync.RWMutex
	handlers map[events.Kind][]RawHandler
}

// Subscribe добавляет обработчик; повторная подписка игнорируется
func (s *Subscribers) Subscribe(kind events.Kind, h RawHandler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", kind)
	}
	if !kind.Valid() {
		return fmt.Errorf("unsupported event kind %q", kind)
	}
	if !reflect.TypeOf(h).Comparable() {
		return fmt.Errorf("handler %T is not comparable", h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[events.Kind][]RawHandler)
	}
	for _, cur := range s.handlers[kind] {
		if cur == h {
			return nil
		}
	}
	s.handlers[kind] = append(s.handlers[kind], h)
	return nil
}

// Unsubscribe удаляет обработчик
func (s *Subscribers) Unsubscribe(kind events.Kind, h RawHandler) error {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.handlers[kind]
	for i, cur := range list {
		if cur == h {
			s.handlers[kind] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// Count количество подписчиков на тип события
func (s *Subscribers) Count(kind events.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[kind])
}

// Publish передает сырое событие всем подписчикам типа
func (s *Subscribers) Publish(kind events.Kind, raw interface{}) {
	s.mu.RLock()
	list := append([]RawHandler(nil), s.handlers[kind]...)
	s.mu.RUnlock()

	for _, h := range list {
		h.HandleRaw(raw)
	}
}
