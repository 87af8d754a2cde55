package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/platform"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

type recorder struct {
	mu  sync.Mutex
	got []map[string]interface{}
}

func (r *recorder) HandleRaw(raw interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, raw.(map[string]interface{}))
}

func (r *recorder) all() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]interface{}(nil), r.got...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func fastShim(t *testing.T) *Shim {
	t.Helper()
	s := New(Options{
		RegisterDelay: 5 * time.Millisecond,
		ConnectDelay:  5 * time.Millisecond,
		EchoDelay:     5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Dispose(context.Background()) })
	return s
}

func subscribe(t *testing.T, s *Shim, kind events.Kind) *recorder {
	t.Helper()
	r := &recorder{}
	require.NoError(t, s.Subscribe(kind, r))
	return r
}

func initAndRegister(t *testing.T, s *Shim) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Init(ctx, platform.SipConfig{SIPServer: "sip.example.com", Username: "alice", Password: "secret"}))
	require.NoError(t, s.Register(ctx))
	require.Eventually(t, s.Registered, time.Second, time.Millisecond)
}

func TestRegister_ProgressThenRegistered(t *testing.T) {
	s := fastShim(t)
	reg := subscribe(t, s, events.KindRegistration)

	initAndRegister(t, s)

	require.Eventually(t, func() bool { return reg.len() == 2 }, time.Second, time.Millisecond)
	got := reg.all()
	assert.Equal(t, "progress", got[0]["status"])
	assert.Equal(t, "registered", got[1]["status"])
	assert.Equal(t, "sip.example.com", got[1]["detail"].(map[string]interface{})["server"])
	assert.NotZero(t, got[1]["timestamp"])
}

func TestRegister_RequiresInit(t *testing.T) {
	s := fastShim(t)
	reg := subscribe(t, s, events.KindRegistration)

	err := s.Register(context.Background())
	assert.ErrorIs(t, err, voiperr.ErrNotInitialized)
	require.Equal(t, 1, reg.len())
	assert.Equal(t, "error", reg.all()[0]["status"])
}

func TestDial_NotRegistered(t *testing.T) {
	s := fastShim(t)
	call := subscribe(t, s, events.KindCall)

	require.NoError(t, s.Dial(context.Background(), "100"))
	got := call.all()
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0]["state"])
	assert.Equal(t, "not-registered", got[0]["reason"])
}

func TestDial_ConnectThenHangup(t *testing.T) {
	s := fastShim(t)
	call := subscribe(t, s, events.KindCall)
	initAndRegister(t, s)

	require.NoError(t, s.Dial(context.Background(), "12025550123"))
	require.Eventually(t, func() bool { return call.len() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, s.Hangup(context.Background()))

	got := call.all()
	require.Len(t, got, 3)
	assert.Equal(t, "dialing", got[0]["state"])
	assert.Equal(t, "connected", got[1]["state"])
	assert.Equal(t, "ended", got[2]["state"])
	assert.Equal(t, "hangup", got[2]["reason"])
	assert.Equal(t, "12025550123", got[2]["number"])

	// повторный hangup без вызова ничего не публикует
	require.NoError(t, s.Hangup(context.Background()))
	assert.Equal(t, 3, call.len())
}

func TestHangupBeforeConnectCancelsConnect(t *testing.T) {
	s := New(Options{RegisterDelay: time.Millisecond, ConnectDelay: 50 * time.Millisecond})
	defer s.Dispose(context.Background())
	call := subscribe(t, s, events.KindCall)
	initAndRegister(t, s)

	require.NoError(t, s.Dial(context.Background(), "100"))
	require.NoError(t, s.Hangup(context.Background()))
	time.Sleep(100 * time.Millisecond)

	got := call.all()
	require.Len(t, got, 2)
	assert.Equal(t, "ended", got[1]["state"])
}

func TestIncoming_DeclineAndAnswer(t *testing.T) {
	s := fastShim(t)
	call := subscribe(t, s, events.KindCall)
	ctx := context.Background()

	assert.ErrorIs(t, s.SimulateIncoming(ctx, ""), voiperr.ErrNotInitialized)
	require.NoError(t, s.Init(ctx, platform.SipConfig{}))

	require.NoError(t, s.SimulateIncoming(ctx, ""))
	require.NoError(t, s.Hangup(ctx))

	require.NoError(t, s.SimulateIncoming(ctx, "2000"))
	require.NoError(t, s.Answer(ctx))
	require.NoError(t, s.Hangup(ctx))

	got := call.all()
	require.Len(t, got, 5)
	assert.Equal(t, DefaultIncomingNumber, got[0]["number"])
	assert.Equal(t, "declined", got[1]["reason"])
	assert.Equal(t, "connected", got[3]["state"])
	assert.Equal(t, "hangup", got[4]["reason"])

	assert.Error(t, s.Answer(ctx))
}

func TestSendMessage_Echo(t *testing.T) {
	s := fastShim(t)
	msg := subscribe(t, s, events.KindMessage)
	require.NoError(t, s.Init(context.Background(), platform.SipConfig{Username: "alice"}))

	require.NoError(t, s.SendMessage(context.Background(), "bob", "hi"))
	require.Eventually(t, func() bool { return msg.len() == 2 }, time.Second, time.Millisecond)

	got := msg.all()
	assert.Equal(t, "sent", got[0]["event"])
	assert.Equal(t, "received", got[1]["event"])
	body := got[1]["payload"].(map[string]interface{})
	assert.Equal(t, "bob", body["from"])
	assert.Equal(t, "alice", body["to"])
	assert.Equal(t, "Echo: hi", body["text"])
}

func TestDisposeStopsPendingTimers(t *testing.T) {
	s := New(Options{EchoDelay: 30 * time.Millisecond})
	msg := subscribe(t, s, events.KindMessage)

	require.NoError(t, s.SendMessage(context.Background(), "bob", "hi"))
	require.NoError(t, s.Dispose(context.Background()))
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 1, msg.len())
}

func TestAudioDevicesAndConnectivity(t *testing.T) {
	s := fastShim(t)
	audio := subscribe(t, s, events.KindAudioRoute)
	devices := subscribe(t, s, events.KindDeviceChange)
	conn := subscribe(t, s, events.KindConnectivity)

	require.NoError(t, s.SetAudioRoute(context.Background(), events.RouteSpeaker))
	assert.Equal(t, events.RouteSpeaker, s.AudioRoute())
	assert.Equal(t, 1, s.Calls("audio"))
	assert.Equal(t, "speaker", audio.all()[0]["route"])

	s.SetDevices([]map[string]interface{}{{"id": "spk", "type": "speaker"}}, "speaker")
	d := devices.all()[0]
	assert.Equal(t, "speaker", d["activeRoute"])
	assert.Len(t, d["devices"], 1)

	s.SetConnectivity("offline", "wifi")
	assert.Equal(t, "offline", conn.all()[0]["status"])
}
