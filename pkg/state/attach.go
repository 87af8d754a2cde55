package state

import (
	"github.com/arzzra/voip_core/pkg/events"
)

const (
	contextNative       = "native"
	unknownMessageError = "Unknown messaging error"
)

// Attach подписывает согласователь на все типы событий шины.
// Каждое доставленное событие применяется к состоянию и пишется в журнал.
// Возвращает функцию отписки.
func (r *Reconciler) Attach(bus *events.Bus) (detach func()) {
	handlers := map[events.Kind]*events.FuncHandler{
		events.KindRegistration: events.On(r.onRegistration),
		events.KindCall:         events.On(r.onCall),
		events.KindMessage:      events.On(r.onMessage),
		events.KindAudioRoute:   events.On(r.onAudioRoute),
		events.KindDeviceChange: events.On(r.onDeviceChange),
		events.KindConnectivity: events.On(r.onConnectivity),
	}
	for _, kind := range events.Kinds() {
		bus.Subscribe(kind, handlers[kind])
	}
	return func() {
		for kind, h := range handlers {
			bus.Unsubscribe(kind, h)
		}
	}
}

func (r *Reconciler) onRegistration(e events.RegistrationEvent) {
	r.UpdateRegistration(RegistrationPatch{
		State:     e.State,
		Reason:    Ptr(e.Reason),
		Detail:    e.Detail,
		Error:     e.Error,
		Timestamp: e.Timestamp,
	})
	r.LogEvent(LevelInfo, "Event registration", e, contextNative)
}

func (r *Reconciler) onCall(e events.CallEvent) {
	p := CallPatch{
		State:     e.State,
		Error:     e.Error,
		Timestamp: e.Timestamp,
	}
	// пустые поля события не затирают личность вызова
	if e.Direction != events.DirectionNone {
		p.Direction = Ptr(e.Direction)
	}
	if e.Number != "" {
		p.Number = Ptr(e.Number)
	}
	if e.DisplayName != "" {
		p.DisplayName = Ptr(e.DisplayName)
	}
	if e.Reason != "" {
		p.Reason = Ptr(e.Reason)
	}
	r.UpdateCall(p)
	r.LogEvent(LevelInfo, "Event call", e, contextNative)
}

func (r *Reconciler) onMessage(e events.MessageEvent) {
	switch e.Event {
	case events.MessageReceived:
		r.RecordMessageReceived(e.Message, e.Timestamp)
	case events.MessageSent:
		r.MarkMessageSent(e.Message)
	case events.MessageFailed:
		if e.Error != nil {
			r.MarkMessageError(e.Error)
		} else {
			r.MarkMessageError(unknownMessageError)
		}
	}
	r.LogEvent(LevelInfo, "Event message", e, contextNative)
}

func (r *Reconciler) onAudioRoute(e events.AudioRouteEvent) {
	r.SetAudioRoute(string(e.Route), e.Reason)
	r.LogEvent(LevelInfo, "Event audioRoute", e, contextNative)
}

func (r *Reconciler) onDeviceChange(e events.DeviceChangeEvent) {
	items := make([]interface{}, len(e.Devices))
	for i := range e.Devices {
		items[i] = e.Devices[i]
	}
	u := DevicesUpdate{Devices: items, ActiveRoute: e.ActiveRoute}
	if e.Active != nil {
		u.Active = *e.Active
	}
	r.UpdateAudioDevices(u)
	r.LogEvent(LevelInfo, "Event deviceChange", e, contextNative)
}

func (r *Reconciler) onConnectivity(e events.ConnectivityEvent) {
	level := LevelInfo
	if e.Status == events.ConnectivityOffline {
		level = LevelWarn
	}
	r.LogEvent(level, "Event connectivity", e, contextNative)
}
