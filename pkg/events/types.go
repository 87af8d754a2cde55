package events

import (
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Kind тип канонического события
type Kind string

const (
	KindRegistration Kind = "registration"
	KindCall         Kind = "call"
	KindMessage      Kind = "message"
	KindAudioRoute   Kind = "audioRoute"
	KindDeviceChange Kind = "deviceChange"
	KindConnectivity Kind = "connectivity"
)

var supportedKinds = []Kind{
	KindRegistration,
	KindCall,
	KindMessage,
	KindAudioRoute,
	KindDeviceChange,
	KindConnectivity,
}

// Kinds возвращает все поддерживаемые типы событий в фиксированном порядке
func Kinds() []Kind {
	out := make([]Kind, len(supportedKinds))
	copy(out, supportedKinds)
	return out
}

// Valid проверяет, что тип события поддерживается
func (k Kind) Valid() bool {
	for _, s := range supportedKinds {
		if s == k {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }

// RegistrationState состояние SIP регистрации
type RegistrationState string

const (
	RegistrationNone     RegistrationState = "none"
	RegistrationProgress RegistrationState = "progress"
	RegistrationOK       RegistrationState = "ok"
	RegistrationFailed   RegistrationState = "failed"
)

// RegistrationStates словарь состояний регистрации
var RegistrationStates = []RegistrationState{RegistrationNone, RegistrationProgress, RegistrationOK, RegistrationFailed}

// CallState состояние вызова
type CallState string

const (
	CallIdle      CallState = "idle"
	CallIncoming  CallState = "incoming"
	CallOutgoing  CallState = "outgoing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
	CallError     CallState = "error"
)

// CallStates словарь состояний, которые может сообщить платформа.
// idle в событиях платформы не встречается, его выставляет только ядро.
var CallStates = []CallState{CallIncoming, CallOutgoing, CallConnected, CallEnded, CallError}

// Active сообщает, что вызов находится в активной фазе
func (s CallState) Active() bool {
	return s == CallIncoming || s == CallOutgoing || s == CallConnected
}

// Terminal сообщает, что вызов завершен
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallError
}

// CallDirection направление вызова; пустая строка означает "неизвестно"
type CallDirection string

const (
	DirectionNone     CallDirection = ""
	DirectionIncoming CallDirection = "incoming"
	DirectionOutgoing CallDirection = "outgoing"
)

// MessageEventType тип события мессенджера
type MessageEventType string

const (
	MessageReceived MessageEventType = "received"
	MessageSent     MessageEventType = "sent"
	MessageFailed   MessageEventType = "failed"
)

// MessageEventTypes словарь событий сообщений
var MessageEventTypes = []MessageEventType{MessageReceived, MessageSent, MessageFailed}

// AudioRoute аудио маршрут
type AudioRoute string

const (
	RouteSystem    AudioRoute = "system"
	RouteEarpiece  AudioRoute = "earpiece"
	RouteSpeaker   AudioRoute = "speaker"
	RouteBluetooth AudioRoute = "bluetooth"
	RouteUnknown   AudioRoute = "unknown"
)

// AudioRoutes словарь маршрутов, принимаемых из событий платформы
var AudioRoutes = []AudioRoute{RouteSystem, RouteEarpiece, RouteSpeaker, RouteBluetooth, RouteUnknown}

// SelectableRoutes маршруты, которые можно запросить у платформы
var SelectableRoutes = []AudioRoute{RouteSystem, RouteEarpiece, RouteSpeaker, RouteBluetooth}

// Selectable проверяет, что маршрут можно запросить у платформы
func (r AudioRoute) Selectable() bool {
	for _, s := range SelectableRoutes {
		if s == r {
			return true
		}
	}
	return false
}

// ConnectivityStatus состояние сети
type ConnectivityStatus string

const (
	ConnectivityUnknown  ConnectivityStatus = "unknown"
	ConnectivityOffline  ConnectivityStatus = "offline"
	ConnectivityOnline   ConnectivityStatus = "online"
	ConnectivityDegraded ConnectivityStatus = "degraded"
)

// ConnectivityStatuses словарь состояний сети
var ConnectivityStatuses = []ConnectivityStatus{ConnectivityUnknown, ConnectivityOffline, ConnectivityOnline, ConnectivityDegraded}

// Message тело текстового сообщения
type Message struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Text string `json:"text"`
}

// Device описание аудио устройства
type Device struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Type        string `json:"type"`
	IsDefault   bool   `json:"isDefault,omitempty"`
	IsConnected *bool  `json:"isConnected,omitempty"`
	Selected    bool   `json:"selected"`
}

func cloneError(e *voiperr.NormalizedError) *voiperr.NormalizedError {
	if e == nil {
		return nil
	}
	c := *e
	c.Detail = cloneValue(e.Detail)
	return &c
}

func cloneDevice(d *Device) *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.IsConnected != nil {
		v := *d.IsConnected
		c.IsConnected = &v
	}
	return &c
}
