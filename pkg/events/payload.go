package events

import (
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Payload каноническое событие одного из шести типов.
// Реализации: RegistrationEvent, CallEvent, MessageEvent, AudioRouteEvent,
// DeviceChangeEvent, ConnectivityEvent.
type Payload interface {
	Kind() Kind
	// EventTime время события в Unix миллисекундах, 0 если не задано
	EventTime() int64

	withTimestamp(ts int64) Payload
	clone() Payload
}

// RegistrationEvent событие регистрации
type RegistrationEvent struct {
	State     RegistrationState        `json:"state"`
	Reason    string                   `json:"reason,omitempty"`
	Detail    interface{}              `json:"detail,omitempty"`
	Error     *voiperr.NormalizedError `json:"error,omitempty"`
	Timestamp int64                    `json:"timestamp"`
	Raw       interface{}              `json:"raw,omitempty"`
}

func (e RegistrationEvent) Kind() Kind       { return KindRegistration }
func (e RegistrationEvent) EventTime() int64 { return e.Timestamp }

func (e RegistrationEvent) withTimestamp(ts int64) Payload {
	e.Timestamp = ts
	return e
}

func (e RegistrationEvent) clone() Payload {
	e.Detail = cloneValue(e.Detail)
	e.Error = cloneError(e.Error)
	e.Raw = cloneValue(e.Raw)
	return e
}

// CallEvent событие вызова
type CallEvent struct {
	State       CallState                `json:"state"`
	Direction   CallDirection            `json:"direction,omitempty"`
	Number      string                   `json:"number,omitempty"`
	DisplayName string                   `json:"displayName,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
	Error       *voiperr.NormalizedError `json:"error,omitempty"`
	Detail      interface{}              `json:"detail,omitempty"`
	Timestamp   int64                    `json:"timestamp"`
	Raw         interface{}              `json:"raw,omitempty"`
}

func (e CallEvent) Kind() Kind       { return KindCall }
func (e CallEvent) EventTime() int64 { return e.Timestamp }

func (e CallEvent) withTimestamp(ts int64) Payload {
	e.Timestamp = ts
	return e
}

func (e CallEvent) clone() Payload {
	e.Detail = cloneValue(e.Detail)
	e.Error = cloneError(e.Error)
	e.Raw = cloneValue(e.Raw)
	return e
}

// MessageEvent событие мессенджера
type MessageEvent struct {
	Event     MessageEventType         `json:"event"`
	Message   Message                  `json:"message"`
	Error     *voiperr.NormalizedError `json:"error,omitempty"`
	Timestamp int64                    `json:"timestamp"`
	Raw       interface{}              `json:"raw,omitempty"`
}

func (e MessageEvent) Kind() Kind       { return KindMessage }
func (e MessageEvent) EventTime() int64 { return e.Timestamp }

func (e MessageEvent) withTimestamp(ts int64) Payload {
	e.Timestamp = ts
	return e
}

func (e MessageEvent) clone() Payload {
	e.Error = cloneError(e.Error)
	e.Raw = cloneValue(e.Raw)
	return e
}

// AudioRouteEvent смена аудио маршрута
type AudioRouteEvent struct {
	Route     AudioRoute  `json:"route"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Raw       interface{} `json:"raw,omitempty"`
}

func (e AudioRouteEvent) Kind() Kind       { return KindAudioRoute }
func (e AudioRouteEvent) EventTime() int64 { return e.Timestamp }

func (e AudioRouteEvent) withTimestamp(ts int64) Payload {
	e.Timestamp = ts
	return e
}

func (e AudioRouteEvent) clone() Payload {
	e.Raw = cloneValue(e.Raw)
	return e
}

// DeviceChangeEvent изменение списка аудио устройств
type DeviceChangeEvent struct {
	Devices     []Device    `json:"devices"`
	Active      *Device     `json:"active,omitempty"`
	ActiveRoute string      `json:"activeRoute,omitempty"`
	Timestamp   int64       `json:"timestamp"`
	Raw         interface{} `json:"raw,omitempty"`
}

func (e DeviceChangeEvent) Kind() Kind       { return KindDeviceChange }
func (e DeviceChangeEvent) EventTime() int64 { return e.Timestamp }

func (e DeviceChangeEvent) withTimestamp(ts int64) Payload {
	e.Timestamp = ts
	return e
}

func (e DeviceChangeEvent) clone() Payload {
	if e.Devices != nil {
		devices := make([]Device, len(e.Devices))
		for i := range e.Devices {
			devices[i] = *cloneDevice(&e.Devices[i])
		}
		e.Devices = devices
	}
	e.Active = cloneDevice(e.Active)
	e.Raw = cloneValue(e.Raw)
	return e
}

// ConnectivityEvent состояние сети
type ConnectivityEvent struct {
	Status      ConnectivityStatus       `json:"status"`
	NetworkType string                   `json:"networkType,omitempty"`
	Strength    *float64                 `json:"strength,omitempty"`
	Detail      interface{}              `json:"detail,omitempty"`
	Error       *voiperr.NormalizedError `json:"error,omitempty"`
	Timestamp   int64                    `json:"timestamp"`
	Raw         interface{}              `json:"raw,omitempty"`
}

func (e ConnectivityEvent) Kind() Kind       { return KindConnectivity }
func (e ConnectivityEvent) EventTime() int64 { return e.Timestamp }

func (e ConnectivityEvent) withTimestamp(ts int64) Payload {
	e.Timestamp = ts
	return e
}

func (e ConnectivityEvent) clone() Payload {
	if e.Strength != nil {
		v := *e.Strength
		e.Strength = &v
	}
	e.Detail = cloneValue(e.Detail)
	e.Error = cloneError(e.Error)
	e.Raw = cloneValue(e.Raw)
	return e
}

// Clone возвращает глубокую копию события
func Clone(p Payload) Payload {
	if p == nil {
		return nil
	}
	return p.clone()
}
