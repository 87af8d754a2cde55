// Команда voipsim запускает ядро с выбранной прослойкой, выполняет сценарий
// init → register → (dial / message) и держит отладочный HTTP интерфейс
// до сигнала завершения.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/gin-gonic/gin"

	"github.com/arzzra/voip_core/pkg/config"
	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config")
		platformID = flag.String("platform", "", "Platform override (desktop, mock, web, ...)")
		dial       = flag.String("dial", "", "Number to dial after registration")
		httpAddr   = flag.String("http", "", "Debug HTTP listen address")
		sipDebug   = flag.Bool("sip-debug", false, "Dump SIP messages")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voipsim: %v\n", err)
		os.Exit(1)
	}
	if *platformID != "" {
		cfg.Platform = *platformID
	}
	if *dial != "" {
		cfg.Scenario.Dial = *dial
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
		cfg.HTTP.Enabled = true
	}
	if *sipDebug {
		sip.SIPDebug = true
	}

	log := logger.New(os.Stderr, logger.ParseLevel(cfg.LogLevel))
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.LogError(context.Background(), err, "voipsim failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log logger.StructuredLogger) error {
	a := newApp(cfg, log)
	a.manager.Events().Subscribe(events.KindCall, events.On(func(e events.CallEvent) {
		log.Info(ctx, "Call event",
			logger.String("state", string(e.State)),
			logger.String("number", e.Number),
			logger.String("reason", e.Reason))
	}))

	var srv *http.Server
	if cfg.HTTP.Enabled && cfg.HTTP.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           newRouter(a),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info(ctx, "Debug HTTP listening", logger.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.LogError(ctx, err, "Debug HTTP server failed")
			}
		}()
	}

	if err := runScenario(ctx, a); err != nil {
		log.LogError(ctx, err, "Scenario failed")
	}

	<-ctx.Done()
	log.Info(context.Background(), "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.LogError(shutdownCtx, err, "Debug HTTP shutdown failed")
		}
	}
	return a.manager.Dispose(shutdownCtx)
}

// runScenario инициализирует ядро и выполняет шаги сценария из конфигурации
func runScenario(ctx context.Context, a *app) error {
	sc := a.cfg.Scenario
	if err := a.manager.Init(ctx, a.cfg.SIP); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if !sc.Register {
		return nil
	}

	registered := make(chan events.RegistrationEvent, 4)
	h := events.On(func(e events.RegistrationEvent) {
		if e.State == events.RegistrationOK || e.State == events.RegistrationFailed {
			select {
			case registered <- e:
			default:
			}
		}
	})
	a.manager.Events().Subscribe(events.KindRegistration, h)
	defer a.manager.Events().Unsubscribe(events.KindRegistration, h)

	if err := a.manager.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	select {
	case e := <-registered:
		if e.State != events.RegistrationOK {
			return fmt.Errorf("registration failed: %s", e.Reason)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("registration timed out")
	}

	if sc.MessageTo != "" && sc.MessageText != "" {
		if err := a.manager.SendMessage(ctx, sc.MessageTo, sc.MessageText); err != nil {
			return fmt.Errorf("message: %w", err)
		}
	}

	if sc.Dial != "" {
		if err := a.manager.Dial(ctx, sc.Dial); err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		if sc.Hold > 0 {
			select {
			case <-time.After(sc.Hold):
			case <-ctx.Done():
				return nil
			}
			if err := a.manager.Hangup(ctx); err != nil {
				return fmt.Errorf("hangup: %w", err)
			}
		}
	}
	return nil
}
