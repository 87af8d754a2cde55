package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/logger"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Идентификаторы платформ
const (
	Android = "app-android"
	IOS     = "app-ios"
	Web     = "web"
	Desktop = "desktop"
	Unknown = "unknown"
)

// Factory создает прослойку для платформы
type Factory func() Shim

// Registry реестр прослоек по идентификатору платформы
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register регистрирует фабрику прослойки; повторная регистрация заменяет прежнюю
func (r *Registry) Register(platform string, f Factory) {
	if f == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories == nil {
		r.factories = make(map[string]Factory)
	}
	r.factories[strings.ToLower(platform)] = f
}

// Lookup ищет фабрику прослойки
func (r *Registry) Lookup(platform string) (Factory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(platform)]
	return f, ok
}

// Platforms список зарегистрированных платформ
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	return out
}

// Resolve выбирает прослойку: обнаруженная платформа, затем web, затем unknown.
// Если ничего не зарегистрировано, возвращает прослойку Unsupported.
func Resolve(reg *Registry, platform string, log logger.StructuredLogger) Shim {
	log = logger.OrNoop(log).WithComponent("platform")
	if platform == "" {
		platform = Unknown
	}
	for _, candidate := range []string{platform, Web, Unknown} {
		f, ok := reg.Lookup(candidate)
		if !ok {
			continue
		}
		if shim := safeBuild(f, candidate, log); shim != nil {
			log.Info(context.Background(), "Platform shim resolved",
				logger.String("platform", platform),
				logger.String("candidate", candidate),
				logger.String("shim", shim.Name()))
			return shim
		}
	}
	log.Warn(context.Background(), "No platform shim registered", logger.String("platform", platform))
	return Unsupported(platform)
}

func safeBuild(f Factory, platform string, log logger.StructuredLogger) (shim Shim) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn(context.Background(), "Platform shim factory failed",
				logger.String("platform", platform), logger.Any("panic", r))
			shim = nil
		}
	}()
	return f()
}

// unsupported прослойка, отклоняющая все операции
type unsupported struct {
	platform string
}

// Unsupported создает прослойку, каждая операция которой завершается ошибкой
// platform_unsupported. Подписка на события ничего не делает.
func Unsupported(platform string) Shim {
	if platform == "" {
		platform = Unknown
	}
	return &unsupported{platform: platform}
}

func (u *unsupported) err() error {
	return voiperr.New(voiperr.CodePlatformUnsupported,
		fmt.Sprintf("VoIP backend is not available on platform: %s", u.platform))
}

func (u *unsupported) Name() string                                         { return "unsupported" }
func (u *unsupported) Init(context.Context, SipConfig) error                { return u.err() }
func (u *unsupported) Register(context.Context) error                       { return u.err() }
func (u *unsupported) Unregister(context.Context) error                     { return u.err() }
func (u *unsupported) Dial(context.Context, string) error                   { return u.err() }
func (u *unsupported) Hangup(context.Context) error                         { return u.err() }
func (u *unsupported) Answer(context.Context) error                         { return u.err() }
func (u *unsupported) SendDTMF(context.Context, string) error               { return u.err() }
func (u *unsupported) SendMessage(context.Context, string, string) error    { return u.err() }
func (u *unsupported) SetAudioRoute(context.Context, events.AudioRoute) error { return u.err() }
func (u *unsupported) Subscribe(events.Kind, RawHandler) error              { return nil }
func (u *unsupported) Unsubscribe(events.Kind, RawHandler) error            { return nil }
