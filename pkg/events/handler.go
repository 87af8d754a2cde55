package events

// Handler получатель событий шины.
// Идентичность обработчика определяется значением: повторная подписка того же
// значения на тот же тип события перезаписывает прежнюю.
type Handler interface {
	Handle(p Payload)
}

// FuncHandler адаптер функции к Handler.
// Указатель сравним, поэтому один и тот же *FuncHandler можно отписать.
type FuncHandler struct {
	fn func(Payload)
}

// HandlerFunc оборачивает функцию в Handler
func HandlerFunc(fn func(Payload)) *FuncHandler {
	return &FuncHandler{fn: fn}
}

// Handle вызывает обернутую функцию
func (h *FuncHandler) Handle(p Payload) {
	if h == nil || h.fn == nil {
		return
	}
	h.fn(p)
}

// On типизированный обработчик: события других типов игнорируются
//
//	bus.Subscribe(events.KindCall, events.On(func(e events.CallEvent) { ... }))
func On[T Payload](fn func(T)) *FuncHandler {
	return HandlerFunc(func(p Payload) {
		if v, ok := p.(T); ok {
			fn(v)
		}
	})
}
