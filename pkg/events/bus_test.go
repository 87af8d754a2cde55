package events

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder собирает доставленные события
type recorder struct {
	mu   sync.Mutex
	got  []Payload
	tags []string
}

func (r *recorder) handler(tag string) *FuncHandler {
	return HandlerFunc(func(p Payload) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, p)
		r.tags = append(r.tags, tag)
	})
}

func (r *recorder) payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Payload, len(r.got))
	copy(out, r.got)
	return out
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tags))
	copy(out, r.tags)
	return out
}

func newReadyBus(opts Options) *Bus {
	b := NewBus(opts)
	b.SetReady(true)
	return b
}

func TestBus_QueuesUntilReady(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			bus := NewBus(Options{})
			rec := &recorder{}
			bus.Subscribe(kind, rec.handler("h"))

			first, second := samplePayload(kind, 1), samplePayload(kind, 2)
			bus.Emit(first)
			bus.Emit(second)

			assert.Empty(t, rec.payloads(), "nothing should be delivered before ready")
			assert.Equal(t, 2, bus.QueueLen())

			bus.SetReady(true)

			got := rec.payloads()
			require.Len(t, got, 2)
			assert.Equal(t, first, got[0])
			assert.Equal(t, second, got[1])
			assert.Zero(t, bus.QueueLen())
		})
	}
}

func TestBus_QueuedPayloadIsCloned(t *testing.T) {
	bus := NewBus(Options{})
	rec := &recorder{}
	bus.Subscribe(KindCall, rec.handler("h"))

	raw := map[string]interface{}{"state": "ringing"}
	bus.Emit(CallEvent{State: CallIncoming, Timestamp: 5, Raw: raw})
	raw["state"] = "mutated"

	bus.SetReady(true)

	got := rec.payloads()
	require.Len(t, got, 1)
	call := got[0].(CallEvent)
	assert.Equal(t, map[string]interface{}{"state": "ringing"}, call.Raw)
}

func TestBus_SetReadyFalseOnlyFlipsFlag(t *testing.T) {
	bus := newReadyBus(Options{})
	rec := &recorder{}
	bus.Subscribe(KindMessage, rec.handler("h"))

	bus.SetReady(false)
	assert.False(t, bus.IsReady())

	bus.Emit(MessageEvent{Event: MessageSent, Timestamp: 1})
	assert.Empty(t, rec.payloads())

	bus.SetReady(true)
	assert.Len(t, rec.payloads(), 1)
}

func TestBus_Debounce(t *testing.T) {
	clock := newFakeClock()
	bus := newReadyBus(Options{
		Debounce: map[Kind]time.Duration{KindAudioRoute: 250 * time.Millisecond},
		Now:      clock.Now,
	})
	rec := &recorder{}
	bus.Subscribe(KindAudioRoute, rec.handler("h"))

	bus.Emit(AudioRouteEvent{Route: RouteSpeaker})
	clock.Advance(100 * time.Millisecond)
	bus.Emit(AudioRouteEvent{Route: RouteSpeaker})
	assert.Len(t, rec.payloads(), 1, "identical payload inside the window is dropped")

	bus.Emit(AudioRouteEvent{Route: RouteEarpiece})
	assert.Len(t, rec.payloads(), 2, "different payloads always deliver")

	clock.Advance(300 * time.Millisecond)
	bus.Emit(AudioRouteEvent{Route: RouteEarpiece})
	assert.Len(t, rec.payloads(), 3, "window expired")
}

func TestBus_DebounceOnlyForConfiguredKinds(t *testing.T) {
	bus := newReadyBus(Options{Debounce: DefaultDebounce()})
	rec := &recorder{}
	bus.Subscribe(KindCall, rec.handler("h"))

	bus.Emit(CallEvent{State: CallConnected})
	bus.Emit(CallEvent{State: CallConnected})

	assert.Len(t, rec.payloads(), 2)
}

func TestBus_DebounceAppliesBeforeQueueing(t *testing.T) {
	clock := newFakeClock()
	bus := NewBus(Options{Debounce: DefaultDebounce(), Now: clock.Now})
	rec := &recorder{}
	bus.Subscribe(KindConnectivity, rec.handler("h"))

	bus.Emit(ConnectivityEvent{Status: ConnectivityOnline})
	bus.Emit(ConnectivityEvent{Status: ConnectivityOnline})
	assert.Equal(t, 1, bus.QueueLen())

	clock.Advance(time.Second)
	bus.SetReady(true)
	assert.Len(t, rec.payloads(), 1)
}

func TestBus_ReentrantEmitIsDeferred(t *testing.T) {
	bus := newReadyBus(Options{})
	var (
		mu    sync.Mutex
		trace []string
	)
	log := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	bus.Subscribe(KindCall, HandlerFunc(func(p Payload) {
		log("A1:start")
		bus.Emit(MessageEvent{Event: MessageReceived, Message: Message{Text: "B"}})
		bus.Emit(MessageEvent{Event: MessageReceived, Message: Message{Text: "C"}})
		log("A1:end")
	}))
	bus.Subscribe(KindCall, HandlerFunc(func(p Payload) { log("A2") }))
	bus.Subscribe(KindMessage, On(func(e MessageEvent) { log("msg:" + e.Message.Text) }))

	bus.Emit(CallEvent{State: CallIncoming})

	assert.Equal(t, []string{"A1:start", "A1:end", "A2", "msg:B", "msg:C"}, trace)
}

func TestBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(&MetricsConfig{Enabled: true, Namespace: "test", Subsystem: "events", Registerer: reg})
	bus := newReadyBus(Options{Metrics: metrics})
	rec := &recorder{}

	bus.Subscribe(KindRegistration, HandlerFunc(func(Payload) { panic("boom") }))
	bus.Subscribe(KindRegistration, rec.handler("after"))

	require.NotPanics(t, func() {
		bus.Emit(RegistrationEvent{State: RegistrationOK})
		bus.Emit(RegistrationEvent{State: RegistrationFailed})
	})

	assert.Len(t, rec.payloads(), 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.handlerFailures.WithLabelValues("registration")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.emitted.WithLabelValues("registration")))
}

func TestBus_SubscribeOverwrites(t *testing.T) {
	bus := newReadyBus(Options{})
	rec := &recorder{}
	first := rec.handler("first")
	second := rec.handler("second")

	bus.Subscribe(KindCall, first)
	bus.Subscribe(KindCall, second)
	bus.SubscribeOnce(KindCall, first) // перезапись: first становится одноразовым, позиция прежняя

	assert.Equal(t, 2, bus.HandlerCount(KindCall))

	bus.Emit(CallEvent{State: CallOutgoing})
	bus.Emit(CallEvent{State: CallConnected})

	assert.Equal(t, []string{"first", "second", "second"}, rec.order())
}

func TestBus_SubscribeOnce(t *testing.T) {
	bus := newReadyBus(Options{})
	rec := &recorder{}
	bus.SubscribeOnce(KindMessage, rec.handler("once"))

	bus.Emit(MessageEvent{Event: MessageSent, Message: Message{Text: "1"}})
	bus.Emit(MessageEvent{Event: MessageSent, Message: Message{Text: "2"}})

	assert.Len(t, rec.payloads(), 1)
	assert.Zero(t, bus.HandlerCount(KindMessage))
}

func TestBus_UnsubscribeDuringDispatch(t *testing.T) {
	bus := newReadyBus(Options{})
	rec := &recorder{}
	victim := rec.handler("victim")

	bus.Subscribe(KindCall, HandlerFunc(func(Payload) { bus.Unsubscribe(KindCall, victim) }))
	bus.Subscribe(KindCall, victim)

	bus.Emit(CallEvent{State: CallIncoming})
	assert.Empty(t, rec.payloads())
}

func TestBus_RemoveAllHandlers(t *testing.T) {
	bus := newReadyBus(Options{})
	rec := &recorder{}
	bus.Subscribe(KindCall, rec.handler("call"))
	bus.Subscribe(KindMessage, rec.handler("msg"))
	bus.Subscribe(KindAudioRoute, rec.handler("audio"))

	bus.RemoveAllHandlers(KindCall)
	assert.Zero(t, bus.HandlerCount(KindCall))
	assert.Equal(t, 1, bus.HandlerCount(KindMessage))

	bus.RemoveAllHandlers()
	for _, k := range Kinds() {
		assert.Zero(t, bus.HandlerCount(k))
	}
}

func TestBus_TimestampDefault(t *testing.T) {
	clock := newFakeClock()
	bus := newReadyBus(Options{Now: clock.Now})
	rec := &recorder{}
	bus.Subscribe(KindConnectivity, rec.handler("h"))

	bus.Emit(ConnectivityEvent{Status: ConnectivityOffline})
	bus.Emit(ConnectivityEvent{Status: ConnectivityOnline, Timestamp: 42})

	got := rec.payloads()
	require.Len(t, got, 2)
	assert.Equal(t, clock.Now().UnixMilli(), got[0].EventTime())
	assert.Equal(t, int64(42), got[1].EventTime())
}

type mapHandler map[string]int

func (mapHandler) Handle(Payload) {}

func TestBus_NonComparableHandlerIgnored(t *testing.T) {
	bus := newReadyBus(Options{})
	require.NotPanics(t, func() {
		bus.Subscribe(KindCall, mapHandler{})
		bus.Unsubscribe(KindCall, mapHandler{})
	})
	assert.Zero(t, bus.HandlerCount(KindCall))
}

func TestBus_ConcurrentEmitKeepsHandlersSerialized(t *testing.T) {
	bus := newReadyBus(Options{})
	var (
		inside  int32
		overlap bool
		mu      sync.Mutex
		count   int
	)
	bus.Subscribe(KindMessage, HandlerFunc(func(Payload) {
		mu.Lock()
		inside++
		if inside > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inside--
		count++
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(MessageEvent{Event: MessageReceived})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 20
	}, time.Second, 5*time.Millisecond)
	assert.False(t, overlap, "handler bodies must not interleave")
}

func samplePayload(kind Kind, n int64) Payload {
	switch kind {
	case KindRegistration:
		return RegistrationEvent{State: RegistrationProgress, Timestamp: n}
	case KindCall:
		return CallEvent{State: CallOutgoing, Number: "100", Timestamp: n}
	case KindMessage:
		return MessageEvent{Event: MessageReceived, Message: Message{Text: "hi"}, Timestamp: n}
	case KindAudioRoute:
		return AudioRouteEvent{Route: RouteSpeaker, Timestamp: n}
	case KindDeviceChange:
		return DeviceChangeEvent{Devices: []Device{{ID: "d1", Label: "Speaker", Type: "speaker"}}, Timestamp: n}
	default:
		return ConnectivityEvent{Status: ConnectivityOnline, Timestamp: n}
	}
}
