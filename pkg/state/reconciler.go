// Package state содержит согласователь канонического состояния приложения.
//
// Reconciler единственный владелец дерева состояния (служба, регистрация,
// вызов, аудио, сообщения, навигация, журнал событий). Остальные компоненты
// читают его через Snapshot и меняют только через методы Update*/Set*/Mark*.
// Из переходов состояний выводится подсказка навигации, которая проходит через
// правило ручного удержания и передается внешнему Navigator.
package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
	"github.com/arzzra/voip_core/pkg/normalize"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Options параметры согласователя
type Options struct {
	// Navigator получает принятые запросы навигации; может быть nil
	Navigator Navigator
	Logger    logger.StructuredLogger
	Metrics   *Metrics
	// Now источник времени, по умолчанию time.Now
	Now func() time.Time
}

// Reconciler согласователь состояния
type Reconciler struct {
	mu sync.RWMutex

	service      ServiceState
	registration RegistrationState
	call         CallState
	messaging    MessagingState
	navigation   NavigationState
	events       []LogEntry

	regMachine  *machine
	callMachine *machine

	navigator Navigator
	logger    logger.StructuredLogger
	metrics   *Metrics
	now       func() time.Time
}

// New создает согласователь с начальным состоянием
func New(opts Options) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	launcher := Routes[RouteLauncher]
	return &Reconciler{
		service: ServiceState{LogLevel: "info"},
		registration: RegistrationState{
			State: events.RegistrationNone,
		},
		call: CallState{
			State:           events.CallIdle,
			AudioRoute:      string(events.RouteSystem),
			AvailableRoutes: []string{},
			Devices:         []events.Device{},
		},
		messaging: MessagingState{Received: []ReceivedMessage{}},
		navigation: NavigationState{
			CurrentRoute: launcher,
			ManualRoute:  launcher,
		},
		events:      []LogEntry{},
		regMachine:  newRegistrationMachine(opts.Metrics),
		callMachine: newCallMachine(opts.Metrics),
		navigator:   opts.Navigator,
		logger:      logger.OrNoop(opts.Logger).WithComponent("state"),
		metrics:     opts.Metrics,
		now:         now,
	}
}

// SetNavigator заменяет исполнителя навигации
func (r *Reconciler) SetNavigator(n Navigator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigator = n
}

func (r *Reconciler) nowMs() int64 {
	return r.now().UnixMilli()
}

// UpdateService меняет срез службы
func (r *Reconciler) UpdateService(p ServicePatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.service
	if p.Initialized != nil {
		s.Initialized = *p.Initialized
	}
	if p.Running != nil {
		s.Running = *p.Running
	}
	if p.Provider != nil {
		s.Provider = *p.Provider
	}
	if p.Plugin != nil {
		s.Plugin = *p.Plugin
	}
	if p.LogLevel != nil {
		s.LogLevel = *p.LogLevel
		if s.LogLevel == "" {
			s.LogLevel = "info"
		}
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.Error != nil {
		s.LastError = voiperr.Message(p.Error)
	}
}

// UpdateRegistration применяет изменение регистрации.
// Возвращает путь подсказанного экрана или пустую строку.
func (r *Reconciler) UpdateRegistration(p RegistrationPatch) string {
	r.mu.Lock()
	suggested := r.applyRegistration(p)
	r.mu.Unlock()

	if suggested != "" {
		r.RequestNavigation(suggested, NavigationOptions{Auto: true})
	}
	return suggested
}

func (r *Reconciler) applyRegistration(p RegistrationPatch) string {
	reg := &r.registration
	ts := p.Timestamp
	if ts == 0 {
		ts = r.nowMs()
	}

	next := p.State
	if next == "" {
		next = reg.State
	}
	prev, changed := r.regMachine.advance(string(next))

	reg.State = next
	reg.LastUpdated = ts
	if p.Reason != nil {
		reg.Reason = *p.Reason
	}
	if p.Detail != nil {
		reg.Detail = p.Detail
	}
	if p.Error != nil {
		reg.Error = p.Error
	} else if next != events.RegistrationFailed {
		reg.Error = nil
	}

	if changed {
		r.logger.Debug(context.Background(), "Registration state changed",
			logger.String("from", prev), logger.String("to", string(next)))
	}

	if p.SuggestedRoute != nil {
		return ResolveRoute(*p.SuggestedRoute)
	}
	if !changed {
		return ""
	}
	return registrationRoute(next, reg.Error != nil)
}

func registrationRoute(next events.RegistrationState, hasError bool) string {
	switch {
	case hasError || next == events.RegistrationFailed:
		return Routes[RouteRegistration]
	case next == events.RegistrationOK:
		return Routes[RouteDialer]
	case next == events.RegistrationNone:
		return Routes[RouteLauncher]
	}
	return ""
}

// UpdateCall применяет изменение вызова.
// Возвращает путь подсказанного экрана или пустую строку.
func (r *Reconciler) UpdateCall(p CallPatch) string {
	r.mu.Lock()
	suggested := r.applyCall(p)
	r.mu.Unlock()

	if suggested != "" {
		r.RequestNavigation(suggested, NavigationOptions{Auto: true})
	}
	return suggested
}

func (r *Reconciler) applyCall(p CallPatch) string {
	c := &r.call
	ts := p.Timestamp
	if ts == 0 {
		ts = r.nowMs()
	}

	prev := c.State
	next := p.State
	if next == "" {
		next = prev
	}
	_, changed := r.callMachine.advance(string(next))

	c.State = next
	c.LastUpdated = ts

	// новый цикл вызова: длительность прошлого вызова больше не актуальна
	if next.Active() && !prev.Active() {
		c.Duration = 0
	}

	var direction events.CallDirection
	hasDirection := false
	if p.Direction != nil {
		direction, hasDirection = *p.Direction, true
	}
	if direction == "" {
		switch next {
		case events.CallIncoming:
			direction, hasDirection = events.DirectionIncoming, true
		case events.CallOutgoing:
			direction, hasDirection = events.DirectionOutgoing, true
		}
	}
	if hasDirection {
		c.Direction = direction
	}

	if p.Number != nil {
		c.Number = *p.Number
	}
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.Reason != nil {
		c.Reason = *p.Reason
	}

	if p.Error != nil {
		c.Error = p.Error
		if p.Reason == nil || *p.Reason == "" {
			c.Reason = voiperr.Message(p.Error)
		}
	} else if next != events.CallError {
		c.Error = nil
	}

	switch {
	case next == events.CallConnected:
		if c.StartedAt == 0 {
			c.StartedAt = ts
		}
	case next.Terminal():
		if p.Duration != nil {
			c.Duration = *p.Duration
		} else if c.StartedAt != 0 {
			c.Duration = ts - c.StartedAt
		}
		c.StartedAt = 0
	case next == events.CallIdle:
		c.StartedAt = 0
		c.Duration = 0
		c.Reason = ""
		c.Error = nil
		c.Number = ""
		c.Direction = events.DirectionNone
	}

	if p.AudioRoute != nil && *p.AudioRoute != "" {
		r.applyAudioRoute(*p.AudioRoute, "call")
	}

	var suggested string
	switch {
	case p.SuggestedRoute != nil:
		suggested = ResolveRoute(*p.SuggestedRoute)
	case changed:
		suggested = callRoute(prev, next)
	}
	c.SuggestedRoute = suggested
	return suggested
}

func callRoute(prev, next events.CallState) string {
	if next == prev {
		return ""
	}
	if next.Active() {
		return Routes[RouteCall]
	}
	if (next.Terminal() || next == events.CallIdle) && (prev.Active() || prev.Terminal()) {
		return Routes[RouteDialer]
	}
	return ""
}

// SetAudioRoute выставляет активный аудио маршрут и отмечает выбранные устройства
func (r *Reconciler) SetAudioRoute(route, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyAudioRoute(route, reason)
}

func (r *Reconciler) applyAudioRoute(route, reason string) {
	next := strings.ToLower(strings.TrimSpace(route))
	if next == "" {
		next = string(events.RouteSystem)
	}
	c := &r.call
	c.AudioRoute = next
	c.AudioRouteReason = reason

	for i := range c.Devices {
		d := &c.Devices[i]
		d.Selected = strings.EqualFold(d.Type, next) || strings.EqualFold(d.ID, next) || strings.EqualFold(d.Label, next)
	}
	if !containsString(c.AvailableRoutes, next) {
		c.AvailableRoutes = append(c.AvailableRoutes, next)
	}
}

// UpdateAudioDevices перестраивает список устройств из сырых описаний.
// Явный активный маршрут применяется как смена маршрута, иначе маршрутом
// становится тип первого выбранного устройства.
func (r *Reconciler) UpdateAudioDevices(u DevicesUpdate) {
	activeRoute := normalize.ActiveRoute(u.ActiveRoute, u.Active)
	devices := normalize.Devices(u.Devices, activeRoute)

	r.mu.Lock()
	defer r.mu.Unlock()

	c := &r.call
	c.Devices = devices

	available := make([]string, 0, len(devices)+1)
	for _, d := range devices {
		if d.Type != "" && !containsString(available, d.Type) {
			available = append(available, d.Type)
		}
	}
	if !containsString(available, string(events.RouteSystem)) {
		available = append([]string{string(events.RouteSystem)}, available...)
	}
	c.AvailableRoutes = available

	if activeRoute != "" {
		r.applyAudioRoute(activeRoute, "device")
		return
	}
	for _, d := range devices {
		if d.Selected {
			route := d.Type
			if route == "" {
				route = d.ID
			}
			r.applyAudioRoute(route, "device")
			return
		}
	}
}

// RecordMessageReceived добавляет входящее сообщение в начало журнала
func (r *Reconciler) RecordMessageReceived(msg events.Message, timestamp int64) ReceivedMessage {
	if timestamp == 0 {
		timestamp = r.nowMs()
	}
	entry := ReceivedMessage{
		ID:        uuid.NewString(),
		Timestamp: timestamp,
		From:      msg.From,
		To:        msg.To,
		Text:      msg.Text,
		Direction: string(events.DirectionIncoming),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messaging.Received = prependCapped(r.messaging.Received, entry, MaxMessages)
	return entry
}

// MarkMessageSent запоминает последнее отправленное сообщение и сбрасывает ошибку
func (r *Reconciler) MarkMessageSent(msg events.Message) {
	sent := &SentMessage{From: msg.From, To: msg.To, Text: msg.Text, Timestamp: r.nowMs()}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messaging.LastSent = sent
	r.messaging.LastError = ""
}

// MarkMessageError запоминает ошибку отправки в виде сообщения
func (r *Reconciler) MarkMessageError(err interface{}) {
	msg := voiperr.Message(err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messaging.LastError = msg
}

// RequestNavigation принимает запрос навигации.
// Идентификатор экрана приводится к пути; значения, не ставшие путем,
// игнорируются. Автоматические запросы во время ручного удержания
// отбрасываются, если не ведут на выбранный вручную экран.
func (r *Reconciler) RequestNavigation(route string, opts NavigationOptions) bool {
	if route == "" {
		return false
	}
	resolved := ResolveRoute(route)
	if !strings.HasPrefix(resolved, "/") {
		r.logger.Debug(context.Background(), "Navigation target is not a route", logger.String("route", route))
		return false
	}

	r.mu.Lock()
	nav := &r.navigation
	if opts.Auto && r.nowMs() < nav.ManualBlockUntil && resolved != nav.ManualRoute {
		r.mu.Unlock()
		r.metrics.navigationRequest("suppressed")
		r.logger.Debug(context.Background(), "Automatic navigation suppressed by manual hold",
			logger.String("route", resolved))
		return false
	}
	nav.RequestedRoute = resolved
	nav.RequestReplace = opts.Replace
	navigator := r.navigator
	r.mu.Unlock()

	r.metrics.navigationRequest("accepted")
	if navigator != nil {
		navigator.RequestNavigation(resolved, opts)
	}
	return true
}

// ManualNavigate выполняет навигацию по действию пользователя и включает удержание
func (r *Reconciler) ManualNavigate(route string, replace bool) bool {
	r.mu.Lock()
	r.navigation.ManualBlockUntil = r.nowMs() + ManualHold.Milliseconds()
	r.navigation.ManualRoute = ResolveRoute(route)
	r.mu.Unlock()

	return r.RequestNavigation(route, NavigationOptions{Replace: replace})
}

// ConsumeRequestedRoute забирает ожидающий запрос навигации
func (r *Reconciler) ConsumeRequestedRoute() (route string, replace bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, replace = r.navigation.RequestedRoute, r.navigation.RequestReplace
	r.navigation.RequestedRoute = ""
	r.navigation.RequestReplace = false
	return route, replace
}

// SetCurrentRoute сообщение исполнителя навигации о текущем экране
func (r *Reconciler) SetCurrentRoute(route string) {
	if route == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigation.CurrentRoute = route
}

// LogEvent добавляет запись в журнал событий
func (r *Reconciler) LogEvent(level, message string, data interface{}, ctx string) LogEntry {
	if level == "" {
		level = LevelInfo
	}
	entry := LogEntry{
		ID:        uuid.NewString(),
		Timestamp: r.nowMs(),
		Level:     level,
		Message:   message,
		Data:      events.CloneValue(data),
		Context:   ctx,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = prependCapped(r.events, entry, MaxEvents)
	return entry
}

// Snapshot возвращает глубокую копию состояния
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		Service:      r.service,
		Registration: r.registration,
		Call:         r.call,
		Messaging:    r.messaging,
		Navigation:   r.navigation,
	}

	s.Registration.Detail = events.CloneValue(r.registration.Detail)
	s.Registration.Error = cloneError(r.registration.Error)

	s.Call.Error = cloneError(r.call.Error)
	s.Call.AvailableRoutes = append([]string{}, r.call.AvailableRoutes...)
	s.Call.Devices = make([]events.Device, len(r.call.Devices))
	for i, d := range r.call.Devices {
		if d.IsConnected != nil {
			v := *d.IsConnected
			d.IsConnected = &v
		}
		s.Call.Devices[i] = d
	}

	if r.messaging.LastSent != nil {
		sent := *r.messaging.LastSent
		s.Messaging.LastSent = &sent
	}
	s.Messaging.Received = append([]ReceivedMessage{}, r.messaging.Received...)

	s.Events = make([]LogEntry, len(r.events))
	for i, e := range r.events {
		e.Data = events.CloneValue(e.Data)
		s.Events[i] = e
	}
	return s
}

func cloneError(e *voiperr.NormalizedError) *voiperr.NormalizedError {
	if e == nil {
		return nil
	}
	c := *e
	c.Detail = events.CloneValue(e.Detail)
	return &c
}

func prependCapped[T any](list []T, item T, limit int) []T {
	out := make([]T, 0, min(len(list)+1, limit))
	out = append(out, item)
	for _, v := range list {
		if len(out) >= limit {
			break
		}
		out = append(out, v)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
