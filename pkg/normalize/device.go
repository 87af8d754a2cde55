package normalize

import (
	"github.com/google/uuid"

	"github.com/arzzra/voip_core/pkg/events"
)

const unknownDeviceType = "unknown"

// DeviceChange нормализует событие изменения списка устройств.
// Принимает объект с полем devices или сам массив устройств.
func DeviceChange(raw interface{}) events.DeviceChangeEvent {
	m := object(raw)

	items := list(pick(m, "devices"))
	if items == nil && m == nil {
		items = list(raw)
	}

	active := pick(m, "active", "activeDevice", "current")
	activeRoute := ActiveRoute(text(pick(m, "activeRoute"), ""), active)

	ev := events.DeviceChangeEvent{
		Devices:     Devices(items, activeRoute),
		ActiveRoute: activeRoute,
		Timestamp:   timestamp(m),
		Raw:         events.CloneValue(raw),
	}
	if truthy(active) {
		d := Device(active, activeRoute)
		ev.Active = &d
	}
	return ev
}

// ActiveRoute определяет активный маршрут: явное значение, поле активного
// устройства (route, type, category, id, name) или само значение-строка.
func ActiveRoute(explicit string, active interface{}) string {
	if explicit != "" {
		return explicit
	}
	if s, ok := active.(string); ok {
		return s
	}
	switch d := active.(type) {
	case events.Device:
		return firstNonEmpty(d.Type, d.ID, d.Label)
	case *events.Device:
		if d != nil {
			return firstNonEmpty(d.Type, d.ID, d.Label)
		}
		return ""
	}
	m := object(active)
	for _, key := range []string{"route", "type", "category", "id", "name"} {
		if v := pick(m, key); truthy(v) {
			return text(v, "")
		}
	}
	return ""
}

// Devices нормализует список устройств
func Devices(items []interface{}, activeRoute string) []events.Device {
	out := make([]events.Device, 0, len(items))
	for _, item := range items {
		out = append(out, Device(item, activeRoute))
	}
	return out
}

// Device нормализует описание одного устройства.
// Устройство выбрано, если оно помечено selected/isDefault/default или его
// id, type или label совпадает с активным маршрутом.
func Device(raw interface{}, activeRoute string) events.Device {
	switch d := raw.(type) {
	case events.Device:
		return reselect(d, activeRoute)
	case *events.Device:
		if d != nil {
			return reselect(*d, activeRoute)
		}
	}

	m := object(raw)
	if m == nil {
		label := text(raw, "device")
		if label == "" {
			label = "device"
		}
		return events.Device{
			ID:       label,
			Label:    label,
			Type:     unknownDeviceType,
			Selected: activeRoute != "" && label == activeRoute,
		}
	}

	id := firstTruthy(m, "id", "identifier", "uid", "name", "label")
	if id == "" {
		id = "device-" + uuid.NewString()[:8]
	}
	label := firstTruthy(m, "label", "name", "description")
	if label == "" {
		label = id
	}
	typ := firstTruthy(m, "type", "route", "category", "kind")
	if typ == "" {
		typ = unknownDeviceType
	}

	d := events.Device{
		ID:        id,
		Label:     label,
		Type:      typ,
		IsDefault: truthy(pick(m, "isDefault", "default")),
	}
	if b, ok := pick(m, "isConnected", "connected").(bool); ok {
		d.IsConnected = &b
	}
	d.Selected = truthy(pick(m, "selected")) || d.IsDefault || matchesRoute(d, activeRoute)
	return d
}

func reselect(d events.Device, activeRoute string) events.Device {
	if d.IsConnected != nil {
		v := *d.IsConnected
		d.IsConnected = &v
	}
	if d.Type == "" {
		d.Type = unknownDeviceType
	}
	d.Selected = d.Selected || d.IsDefault || matchesRoute(d, activeRoute)
	return d
}

func matchesRoute(d events.Device, route string) bool {
	if route == "" {
		return false
	}
	return d.ID == route || d.Type == route || d.Label == route
}

// firstTruthy первое заданное непустое значение по ключам в виде строки
func firstTruthy(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; truthy(v) {
			return text(v, "")
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
