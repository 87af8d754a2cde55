package main

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arzzra/voip_core/pkg/config"
	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
	"github.com/arzzra/voip_core/pkg/platform"
	"github.com/arzzra/voip_core/pkg/platform/mock"
	"github.com/arzzra/voip_core/pkg/platform/sipua"
	"github.com/arzzra/voip_core/pkg/service"
	"github.com/arzzra/voip_core/pkg/state"
)

// navigationLog исполнитель навигации симулятора: запоминает переходы
// и сразу подтверждает их согласователю
type navigationLog struct {
	mu      sync.Mutex
	history []string
	rec     *state.Reconciler
	log     logger.StructuredLogger
}

func (n *navigationLog) RequestNavigation(route string, opts state.NavigationOptions) {
	n.mu.Lock()
	n.history = append(n.history, route)
	rec := n.rec
	n.mu.Unlock()

	n.log.Info(context.Background(), "Navigate", logger.String("route", route), logger.Bool("replace", opts.Replace))
	if rec != nil {
		rec.SetCurrentRoute(route)
	}
}

func (n *navigationLog) History() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.history...)
}

// app собранное ядро симулятора
type app struct {
	cfg      config.Config
	log      logger.StructuredLogger
	registry *prometheus.Registry
	manager  *service.Manager
	state    *state.Reconciler
	nav      *navigationLog
}

// newApp собирает менеджер, согласователь и реестр прослоек по конфигурации
func newApp(cfg config.Config, log logger.StructuredLogger) *app {
	log = logger.OrNoop(log)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	namespace := cfg.Metrics.Namespace
	if namespace == "" {
		namespace = "voip"
	}

	busMetrics := events.NewMetrics(&events.MetricsConfig{
		Enabled: cfg.Metrics.Enabled, Namespace: namespace, Subsystem: "events", Registerer: reg,
	})
	stateMetrics := state.NewMetrics(&state.MetricsConfig{
		Enabled: cfg.Metrics.Enabled, Namespace: namespace, Subsystem: "state", Registerer: reg,
	})
	serviceMetrics := service.NewMetrics(&service.MetricsConfig{
		Enabled: cfg.Metrics.Enabled, Namespace: namespace, Subsystem: "service", Registerer: reg,
	})

	nav := &navigationLog{log: log.WithComponent("navigation")}
	rec := state.New(state.Options{
		Navigator: nav,
		Logger:    log,
		Metrics:   stateMetrics,
	})
	nav.rec = rec

	m := service.New(service.Config{
		Registry:   newRegistry(cfg, log),
		Platform:   cfg.Platform,
		Logger:     log,
		Metrics:    serviceMetrics,
		BusMetrics: busMetrics,
		Debounce:   cfg.DebounceWindows(),
		State:      rec,
	})

	return &app{
		cfg:      cfg,
		log:      log,
		registry: reg,
		manager:  m,
		state:    rec,
		nav:      nav,
	}
}

// newRegistry регистрирует прослойки: sipua для десктопа, mock для остальных
// платформ и под собственным именем
func newRegistry(cfg config.Config, log logger.StructuredLogger) *platform.Registry {
	mockFactory := mock.Factory(mock.Options{
		RegisterDelay: cfg.Mock.RegisterDelay,
		ConnectDelay:  cfg.Mock.ConnectDelay,
		EchoDelay:     cfg.Mock.EchoDelay,
		Logger:        log,
	})
	sipFactory := sipua.Factory(sipua.Options{
		ListenAddr:     cfg.SIPUA.ListenAddr,
		Hostname:       cfg.SIPUA.Hostname,
		Expires:        cfg.SIPUA.Expires,
		RTPPort:        cfg.SIPUA.RTPPort,
		DTMFMode:       cfg.SIPUA.DTMFMode,
		UserAgent:      cfg.SIPUA.UserAgent,
		RequestTimeout: cfg.SIPUA.RequestTimeout,
		Logger:         log,
	})

	reg := platform.NewRegistry()
	reg.Register(platform.Desktop, sipFactory)
	reg.Register(sipua.Name, sipFactory)
	reg.Register(mock.Name, mockFactory)
	reg.Register(platform.Web, mockFactory)
	reg.Register(platform.Unknown, mockFactory)
	return reg
}

// mockShim возвращает симулированную прослойку, если выбрана она
func (a *app) mockShim() (*mock.Shim, bool) {
	s, ok := a.manager.Shim().(*mock.Shim)
	return s, ok
}
