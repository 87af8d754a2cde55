// Package normalize приводит сырые события платформ к каноническим событиям.
//
// Все функции чистые и никогда не паникуют: неизвестная форма данных дает
// значение по умолчанию для своего типа события. Сначала значение сверяется со
// словарем типа точно, затем по ключевым словам без учета регистра.
package normalize

import (
	"strings"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Registration нормализует событие регистрации
func Registration(raw interface{}) events.RegistrationEvent {
	m := object(raw)
	candidate := text(pick(m, "state", "status", "registration", "phase"), string(events.RegistrationNone))
	if s, ok := raw.(string); ok && m == nil {
		candidate = s
	}

	return events.RegistrationEvent{
		State:     RegistrationState(candidate),
		Reason:    text(firstOf(pick(m, "reason"), nested(m, "detail", "reason"), pick(m, "errorReason")), ""),
		Detail:    detail(m),
		Error:     errorOf(m, "error", "err", "failure"),
		Timestamp: timestamp(m),
		Raw:       events.CloneValue(raw),
	}
}

// RegistrationState сопоставляет строку состоянию регистрации
func RegistrationState(value string) events.RegistrationState {
	for _, s := range events.RegistrationStates {
		if string(s) == value {
			return s
		}
	}
	v := strings.ToLower(value)
	switch {
	case containsAny(v, "progress", "trying"):
		return events.RegistrationProgress
	case containsAny(v, "ok", "success", "registered"):
		return events.RegistrationOK
	case containsAny(v, "fail", "error"):
		return events.RegistrationFailed
	}
	return events.RegistrationNone
}

// Call нормализует событие вызова
func Call(raw interface{}) events.CallEvent {
	m := object(raw)
	candidate := text(pick(m, "state", "status", "phase"), string(events.CallError))
	if s, ok := raw.(string); ok && m == nil {
		candidate = s
	}

	return events.CallEvent{
		State:       CallState(candidate),
		Direction:   CallDirection(text(pick(m, "direction", "dir", "type"), "")),
		Number:      text(pick(m, "number", "remote", "uri", "address"), ""),
		DisplayName: text(firstOf(pick(m, "displayName", "display_name"), nested(m, "detail", "displayName")), ""),
		Reason:      text(firstOf(pick(m, "reason", "cause"), nested(m, "detail", "reason")), ""),
		Error:       errorOf(m, "error", "err", "failure"),
		Detail:      detail(m),
		Timestamp:   timestamp(m),
		Raw:         events.CloneValue(raw),
	}
}

// CallState сопоставляет строку состоянию вызова; по умолчанию error
func CallState(value string) events.CallState {
	if value == string(events.CallIdle) {
		return events.CallIdle
	}
	for _, s := range events.CallStates {
		if string(s) == value {
			return s
		}
	}
	v := strings.ToLower(value)
	switch {
	case containsAny(v, "incoming", "ring"):
		return events.CallIncoming
	case containsAny(v, "dial", "outgoing", "progress"):
		return events.CallOutgoing
	case containsAny(v, "connected", "active", "established"):
		return events.CallConnected
	case containsAny(v, "end", "hang", "terminate", "complete"):
		return events.CallEnded
	}
	return events.CallError
}

// CallDirection сопоставляет строку направлению вызова; неизвестное дает пустое направление
func CallDirection(value string) events.CallDirection {
	if value == "" {
		return events.DirectionNone
	}
	v := strings.ToLower(value)
	switch {
	case strings.HasPrefix(v, "in"):
		return events.DirectionIncoming
	case strings.HasPrefix(v, "out"), strings.HasPrefix(v, "dial"), strings.HasPrefix(v, "call-out"):
		return events.DirectionOutgoing
	case strings.Contains(v, "incoming"):
		return events.DirectionIncoming
	case containsAny(v, "outgoing", "outbound"):
		return events.DirectionOutgoing
	}
	return events.DirectionNone
}

// Message нормализует событие мессенджера
func Message(raw interface{}) events.MessageEvent {
	m := object(raw)
	candidate := text(pick(m, "event", "state", "status", "type"), string(events.MessageReceived))

	body := pick(m, "payload", "message")
	if body == nil {
		body = raw
	}

	return events.MessageEvent{
		Event:     MessageEventType(candidate),
		Message:   messageBody(body),
		Error:     errorOf(m, "error", "err"),
		Timestamp: timestamp(m),
		Raw:       events.CloneValue(raw),
	}
}

// MessageEventType сопоставляет строку типу события сообщения; по умолчанию received
func MessageEventType(value string) events.MessageEventType {
	for _, s := range events.MessageEventTypes {
		if string(s) == value {
			return s
		}
	}
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "send"):
		return events.MessageSent
	case containsAny(v, "fail", "error"):
		return events.MessageFailed
	}
	return events.MessageReceived
}

func messageBody(body interface{}) events.Message {
	m := object(body)
	if m == nil {
		return events.Message{Text: text(body, "")}
	}
	return events.Message{
		From: text(pick(m, "from", "sender"), ""),
		To:   text(pick(m, "to", "recipient"), ""),
		Text: text(pick(m, "text", "body", "message"), ""),
	}
}

// AudioRoute нормализует событие смены аудио маршрута
func AudioRoute(raw interface{}) events.AudioRouteEvent {
	m := object(raw)
	candidate := text(pick(m, "route", "state", "mode", "output"), string(events.RouteUnknown))
	if s, ok := raw.(string); ok && m == nil {
		candidate = s
	}

	return events.AudioRouteEvent{
		Route:     AudioRouteName(candidate),
		Reason:    text(firstOf(pick(m, "reason"), nested(m, "detail", "reason")), ""),
		Timestamp: timestamp(m),
		Raw:       events.CloneValue(raw),
	}
}

// AudioRouteName сопоставляет строку аудио маршруту; по умолчанию unknown
func AudioRouteName(value string) events.AudioRoute {
	for _, s := range events.AudioRoutes {
		if string(s) == value {
			return s
		}
	}
	v := strings.ToLower(value)
	switch {
	case v == string(events.RouteSystem):
		return events.RouteSystem
	case strings.Contains(v, "ear"):
		return events.RouteEarpiece
	case containsAny(v, "speak", "loud"):
		return events.RouteSpeaker
	case containsAny(v, "bluetooth", "bt"):
		return events.RouteBluetooth
	}
	return events.RouteUnknown
}

// Connectivity нормализует событие состояния сети
func Connectivity(raw interface{}) events.ConnectivityEvent {
	m := object(raw)
	// без явного статуса решает флаг connected
	candidate := text(pick(m, "status", "state", "mode"), "")
	if s, ok := raw.(string); ok && m == nil {
		candidate = s
	}

	var connected *bool
	if b, ok := pick(m, "connected").(bool); ok {
		connected = &b
	}

	ev := events.ConnectivityEvent{
		Status:      ConnectivityStatus(candidate, connected),
		NetworkType: text(pick(m, "network", "networkType", "transport"), ""),
		Detail:      detail(m),
		Error:       errorOf(m, "error", "err"),
		Timestamp:   timestamp(m),
		Raw:         events.CloneValue(raw),
	}
	if n, ok := number(pick(m, "strength")); ok {
		ev.Strength = &n
	}
	return ev
}

// ConnectivityStatus сопоставляет строку и необязательный флаг connected состоянию сети.
// "disconnected" проверяется раньше "connected", иначе оно никогда не даст offline.
func ConnectivityStatus(value string, connected *bool) events.ConnectivityStatus {
	for _, s := range events.ConnectivityStatuses {
		if string(s) == value {
			return s
		}
	}
	v := strings.ToLower(value)
	switch {
	case containsAny(v, "offline", "disconnected"):
		return events.ConnectivityOffline
	case containsAny(v, "online", "connected"):
		return events.ConnectivityOnline
	case connected != nil && *connected:
		return events.ConnectivityOnline
	case connected != nil && !*connected:
		return events.ConnectivityOffline
	case containsAny(v, "degrad", "limited"):
		return events.ConnectivityDegraded
	}
	return events.ConnectivityUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// detail диагностические данные события: detail, details или копия payload
func detail(m map[string]interface{}) interface{} {
	if v := pick(m, "detail", "details"); v != nil {
		return v
	}
	return events.CloneValue(pick(m, "payload"))
}

// errorOf нормализованная ошибка из первого заданного поля
func errorOf(m map[string]interface{}, keys ...string) *voiperr.NormalizedError {
	v := pick(m, keys...)
	if !truthy(v) {
		return nil
	}
	return voiperr.Normalize(v)
}
