package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/platform"
	"github.com/arzzra/voip_core/pkg/platform/mock"
	"github.com/arzzra/voip_core/pkg/service"
	"github.com/arzzra/voip_core/pkg/state"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

var validConfig = service.SipConfig{
	SIPServer: "sip.example.com",
	Username:  "alice",
	Password:  "secret",
}

type navigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *navigator) RequestNavigation(route string, _ state.NavigationOptions) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
}

func (n *navigator) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.routes) == 0 {
		return ""
	}
	return n.routes[len(n.routes)-1]
}

// registrationLog собирает состояния регистрации, доставленные шиной
type registrationLog struct {
	mu     sync.Mutex
	states []events.RegistrationState
}

func (l *registrationLog) add(e events.RegistrationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, e.State)
}

func (l *registrationLog) all() []events.RegistrationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.RegistrationState(nil), l.states...)
}

type ManagerSuite struct {
	suite.Suite

	ctx     context.Context
	shim    *mock.Shim
	rec     *state.Reconciler
	nav     *navigator
	reg     *prometheus.Registry
	manager *service.Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.shim = mock.New(mock.Options{
		RegisterDelay: 10 * time.Millisecond,
		ConnectDelay:  10 * time.Millisecond,
		EchoDelay:     10 * time.Millisecond,
	})
	s.nav = &navigator{}
	s.rec = state.New(state.Options{Navigator: s.nav})
	s.reg = prometheus.NewRegistry()
	s.manager = service.New(service.Config{
		Shim:    s.shim,
		State:   s.rec,
		Metrics: service.NewMetrics(&service.MetricsConfig{Enabled: true, Namespace: "test", Subsystem: "service", Registerer: s.reg}),
	})
}

func (s *ManagerSuite) TearDownTest() {
	s.Require().NoError(s.manager.Dispose(s.ctx))
}

func (s *ManagerSuite) initAndRegister() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))
	s.Require().NoError(s.manager.Register(s.ctx))
	s.Require().Eventually(func() bool {
		return s.rec.Snapshot().Registration.State == events.RegistrationOK
	}, time.Second, time.Millisecond)
}

func (s *ManagerSuite) TestInit_Success() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))

	s.True(s.manager.Initialized())
	s.True(s.manager.Events().IsReady())
	s.Equal(service.StateReady, s.manager.Lifecycle())
	cfg, ok := s.manager.Config()
	s.True(ok)
	s.Equal("sip.example.com", cfg.SIPServer)

	snap := s.rec.Snapshot()
	s.True(snap.Service.Initialized)
	s.Equal(mock.Name, snap.Service.Provider)
	s.Equal(1.0, s.gauge("test_service_initialized"))
}

func (s *ManagerSuite) gauge(name string) float64 {
	mfs, err := s.reg.Gather()
	s.Require().NoError(err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	s.FailNow("metric not found", name)
	return 0
}

func (s *ManagerSuite) TestInit_InvalidConfig() {
	err := s.manager.Init(s.ctx, service.SipConfig{SIPServer: "sip.example.com", Username: "alice"})
	s.ErrorIs(err, voiperr.ErrInvalidConfig)
	s.False(s.manager.Initialized())
	s.Zero(s.shim.Calls("init"))
}

func (s *ManagerSuite) TestInit_RefreshMergesConfig() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))
	s.Require().NoError(s.manager.Init(s.ctx, service.SipConfig{DisplayName: "Alice"}))

	cfg, _ := s.manager.Config()
	s.Equal("Alice", cfg.DisplayName)
	s.Equal("alice", cfg.Username)
	s.Equal(1, s.shim.Calls("init"))
}

func (s *ManagerSuite) TestOperationsRequireInit() {
	s.ErrorIs(s.manager.Register(s.ctx), voiperr.ErrNotInitialized)
	s.ErrorIs(s.manager.Dial(s.ctx, "100"), voiperr.ErrNotInitialized)
	s.ErrorIs(s.manager.SendMessage(s.ctx, "bob", "hi"), voiperr.ErrNotInitialized)
	s.Zero(s.shim.Calls("register"))
	s.Zero(s.shim.Calls("dial"))
	s.Equal(1.0, s.counter(service.OpRegister, "rejected"))
}

func (s *ManagerSuite) counter(op, result string) float64 {
	mfs, err := s.reg.Gather()
	s.Require().NoError(err)
	for _, mf := range mfs {
		if mf.GetName() != "test_service_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["operation"] == op && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func (s *ManagerSuite) TestValidation() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))

	s.ErrorIs(s.manager.Dial(s.ctx, "  "), voiperr.ErrInvalidNumber)
	s.ErrorIs(s.manager.SendDTMF(s.ctx, ""), voiperr.ErrInvalidTone)
	s.ErrorIs(s.manager.SendDTMF(s.ctx, "12x"), voiperr.ErrInvalidTone)
	s.ErrorIs(s.manager.SendMessage(s.ctx, "", "hi"), voiperr.ErrInvalidRecipient)
	s.ErrorIs(s.manager.SendMessage(s.ctx, "bob", " "), voiperr.ErrInvalidMessage)
	s.ErrorIs(s.manager.SetAudioRoute(s.ctx, "loudspeaker"), voiperr.ErrInvalidRoute)

	s.Zero(s.shim.Calls("dial"))
	s.Zero(s.shim.Calls("dtmf"))
	s.Zero(s.shim.Calls("message"))
	s.Zero(s.shim.Calls("audio"))

	s.NoError(s.manager.SendDTMF(s.ctx, "1*#a"))
	s.Equal(1, s.shim.Calls("dtmf"))
}

func (s *ManagerSuite) TestSetAudioRoute_SkipsRepeatedRoute() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))

	s.NoError(s.manager.SetAudioRoute(s.ctx, events.RouteSpeaker))
	s.NoError(s.manager.SetAudioRoute(s.ctx, events.RouteSpeaker))
	s.Equal(1, s.shim.Calls("audio"))
	s.Equal(events.RouteSpeaker, s.manager.PreferredAudioRoute())

	// system выбран после инициализации
	s.NoError(s.manager.SetAudioRoute(s.ctx, events.RouteSystem))
	s.Equal(2, s.shim.Calls("audio"))

	s.Eventually(func() bool {
		return s.rec.Snapshot().Call.AudioRoute == string(events.RouteSystem)
	}, time.Second, time.Millisecond)
}

func (s *ManagerSuite) TestRegister_ProgressThenOK() {
	log := &registrationLog{}
	s.manager.Events().Subscribe(events.KindRegistration, events.On(log.add))

	s.initAndRegister()

	s.Eventually(func() bool { return len(log.all()) == 2 }, time.Second, time.Millisecond)
	s.Equal([]events.RegistrationState{events.RegistrationProgress, events.RegistrationOK}, log.all())
	s.Equal(events.RegistrationOK, s.manager.RegistrationState())
	s.Equal(state.Routes[state.RouteDialer], s.nav.last())
}

func (s *ManagerSuite) TestDialHangup_Duration() {
	s.initAndRegister()

	s.Require().NoError(s.manager.Dial(s.ctx, "12025550123"))
	s.Require().Eventually(func() bool {
		return s.rec.Snapshot().Call.State == events.CallConnected
	}, time.Second, time.Millisecond)
	s.Equal(state.Routes[state.RouteCall], s.nav.last())

	startedAt := s.rec.Snapshot().Call.StartedAt
	s.Positive(startedAt)
	time.Sleep(50 * time.Millisecond)

	s.Require().NoError(s.manager.Hangup(s.ctx))
	s.Require().Eventually(func() bool {
		return s.rec.Snapshot().Call.State == events.CallEnded
	}, time.Second, time.Millisecond)

	call := s.rec.Snapshot().Call
	s.Equal("hangup", call.Reason)
	s.Equal("12025550123", call.Number)
	s.Zero(call.StartedAt)
	s.GreaterOrEqual(call.Duration, int64(50))
	s.Less(call.Duration, int64(5000))
	s.Equal(state.Routes[state.RouteDialer], s.nav.last())
}

func (s *ManagerSuite) TestDial_NotRegistered() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))
	s.Require().NoError(s.manager.Dial(s.ctx, "100"))

	s.Eventually(func() bool {
		c := s.rec.Snapshot().Call
		return c.State == events.CallError && c.Reason == "not-registered"
	}, time.Second, time.Millisecond)
}

func (s *ManagerSuite) TestSendMessage_Echo() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))
	s.Require().NoError(s.manager.SendMessage(s.ctx, "bob", "hi"))

	s.Eventually(func() bool {
		sent := s.rec.Snapshot().Messaging.LastSent
		return sent != nil && sent.To == "bob" && sent.Text == "hi"
	}, time.Second, time.Millisecond)

	s.Eventually(func() bool {
		received := s.rec.Snapshot().Messaging.Received
		return len(received) == 1 && received[0].Text == "Echo: hi" && received[0].From == "bob"
	}, time.Second, time.Millisecond)
}

func (s *ManagerSuite) TestIncomingAnswer() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))
	s.Require().NoError(s.shim.SimulateIncoming(s.ctx, "2000"))
	s.Require().NoError(s.manager.Answer(s.ctx))

	s.Eventually(func() bool {
		c := s.rec.Snapshot().Call
		return c.State == events.CallConnected && c.Direction == events.DirectionIncoming && c.Number == "2000"
	}, time.Second, time.Millisecond)
}

func (s *ManagerSuite) TestShimErrorIsNormalized() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))

	err := s.manager.Answer(s.ctx)
	var ne *voiperr.NormalizedError
	s.Require().ErrorAs(err, &ne)
	s.Equal(voiperr.CodeUnknown, ne.Code)
	s.True(s.manager.Initialized())

	entries := s.rec.Snapshot().Events
	s.Require().NotEmpty(entries)
	s.Equal("Operation answer failed", entries[0].Message)
	s.Equal("action", entries[0].Context)
}

func (s *ManagerSuite) TestDispose() {
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))
	s.Require().NoError(s.manager.SetAudioRoute(s.ctx, events.RouteSpeaker))
	s.Require().NoError(s.manager.Dispose(s.ctx))

	s.False(s.manager.Initialized())
	s.False(s.manager.Events().IsReady())
	s.Equal(events.RouteSystem, s.manager.PreferredAudioRoute())
	_, ok := s.manager.Config()
	s.False(ok)
	s.Equal(1, s.shim.Calls("dispose"))
	s.False(s.rec.Snapshot().Service.Initialized)

	s.ErrorIs(s.manager.Dial(s.ctx, "100"), voiperr.ErrNotInitialized)

	// повторная инициализация после освобождения
	s.Require().NoError(s.manager.Init(s.ctx, validConfig))
	s.Equal(2, s.shim.Calls("init"))
}

// gatedShim задерживает Init до открытия ворот
type gatedShim struct {
	*mock.Shim
	gate  chan struct{}
	inits atomic.Int32
	err   error
}

func (g *gatedShim) Init(ctx context.Context, cfg platform.SipConfig) error {
	g.inits.Add(1)
	<-g.gate
	if g.err != nil {
		return g.err
	}
	return g.Shim.Init(ctx, cfg)
}

func TestConcurrentInitRunsShimOnce(t *testing.T) {
	for _, shimErr := range []error{nil, errors.New("native init failed")} {
		shim := &gatedShim{Shim: mock.New(mock.Options{}), gate: make(chan struct{}), err: shimErr}
		m := service.New(service.Config{Shim: shim})

		const callers = 5
		results := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = m.Init(context.Background(), validConfig)
			}(i)
		}

		require.Eventually(t, func() bool { return shim.inits.Load() == 1 }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return m.Lifecycle() == service.StateInitializing }, time.Second, time.Millisecond)

		// операция во время инициализации дожидается ее результата
		registered := make(chan error, 1)
		go func() { registered <- m.Register(context.Background()) }()

		close(shim.gate)
		wg.Wait()

		assert.EqualValues(t, 1, shim.inits.Load())
		for _, err := range results[1:] {
			assert.Equal(t, results[0], err)
		}
		if shimErr == nil {
			assert.NoError(t, results[0])
			assert.True(t, m.Initialized())
			assert.NoError(t, <-registered)
		} else {
			assert.Error(t, results[0])
			assert.Contains(t, results[0].Error(), "native init failed")
			assert.False(t, m.Initialized())
			assert.False(t, m.Events().IsReady())
			assert.ErrorIs(t, <-registered, voiperr.ErrNotInitialized)
		}
		require.NoError(t, m.Dispose(context.Background()))
	}
}

func TestInitWaitHonorsContext(t *testing.T) {
	shim := &gatedShim{Shim: mock.New(mock.Options{}), gate: make(chan struct{})}
	m := service.New(service.Config{Shim: shim})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Init(ctx, validConfig)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// начатая инициализация завершается после отмены ожидания
	close(shim.gate)
	assert.Eventually(t, m.Initialized, time.Second, time.Millisecond)
}

type failingDisposeShim struct {
	*mock.Shim
}

func (f failingDisposeShim) Dispose(context.Context) error {
	return errors.New("dispose exploded")
}

func TestDisposeFailureIsNotFatal(t *testing.T) {
	rec := state.New(state.Options{})
	m := service.New(service.Config{Shim: failingDisposeShim{mock.New(mock.Options{})}, State: rec})
	require.NoError(t, m.Init(context.Background(), validConfig))

	require.NoError(t, m.Dispose(context.Background()))
	assert.False(t, m.Initialized())

	var found bool
	for _, e := range rec.Snapshot().Events {
		if e.Message == "Platform shim dispose failed" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUnsupportedPlatform(t *testing.T) {
	m := service.New(service.Config{Registry: platform.NewRegistry(), Platform: platform.IOS})
	err := m.Init(context.Background(), validConfig)

	assert.ErrorIs(t, err, voiperr.ErrPlatformUnsupported)
	assert.Contains(t, err.Error(), platform.IOS)
	assert.False(t, m.Initialized())
	assert.Equal(t, service.StateDisposed, m.Lifecycle())
}

func TestResolvedMockShim(t *testing.T) {
	reg := platform.NewRegistry()
	reg.Register(platform.Web, mock.Factory(mock.Options{}))
	m := service.New(service.Config{Registry: reg, Platform: platform.Android})

	assert.Equal(t, mock.Name, m.Shim().Name())
	require.NoError(t, m.Init(context.Background(), validConfig))
	require.NoError(t, m.Dispose(context.Background()))
}
