// Package config загружает конфигурацию утилит из YAML файла и переменных окружения.
//
// Файл проверяется по встроенной JSON схеме до разбора в структуру, затем
// переменные VOIP_* переопределяют значения файла.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/platform"
)

// Переменные окружения
const (
	EnvSIPServer   = "VOIP_SIP_SERVER"
	EnvUsername    = "VOIP_USERNAME"
	EnvPassword    = "VOIP_PASSWORD"
	EnvTransport   = "VOIP_TRANSPORT"
	EnvDisplayName = "VOIP_DISPLAY_NAME"
	EnvPlatform    = "VOIP_PLATFORM"
	EnvLogLevel    = "VOIP_LOG_LEVEL"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://github.com/arzzra/voip_core/config.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Config конфигурация утилит ядра
type Config struct {
	// Platform принудительный выбор прослойки; пустой означает автоопределение
	Platform string `yaml:"platform"`
	LogLevel string `yaml:"log_level"`

	SIP      platform.SipConfig `yaml:"sip"`
	SIPUA    SIPUAConfig        `yaml:"sipua"`
	Mock     MockConfig         `yaml:"mock"`
	HTTP     HTTPConfig         `yaml:"http"`
	Metrics  MetricsConfig      `yaml:"metrics"`
	Debounce DebounceConfig     `yaml:"debounce"`
	Scenario ScenarioConfig     `yaml:"scenario"`
}

// SIPUAConfig параметры десктопной SIP прослойки
type SIPUAConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	Hostname       string        `yaml:"hostname"`
	Expires        uint32        `yaml:"expires"`
	RTPPort        int           `yaml:"rtp_port"`
	DTMFMode       string        `yaml:"dtmf_mode"`
	UserAgent      string        `yaml:"user_agent"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MockConfig задержки симулированной прослойки
type MockConfig struct {
	RegisterDelay time.Duration `yaml:"register_delay"`
	ConnectDelay  time.Duration `yaml:"connect_delay"`
	EchoDelay     time.Duration `yaml:"echo_delay"`
}

// HTTPConfig отладочный HTTP интерфейс
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MetricsConfig параметры метрик
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DebounceConfig окна подавления дубликатов событий
type DebounceConfig struct {
	AudioRoute   time.Duration `yaml:"audio_route"`
	Connectivity time.Duration `yaml:"connectivity"`
	Disabled     bool          `yaml:"disabled"`
}

// ScenarioConfig сценарий, выполняемый voipsim после запуска
type ScenarioConfig struct {
	Register    bool          `yaml:"register"`
	Dial        string        `yaml:"dial"`
	Hold        time.Duration `yaml:"hold"`
	MessageTo   string        `yaml:"message_to"`
	MessageText string        `yaml:"message_text"`
}

// Default конфигурация по умолчанию
func Default() Config {
	def := events.DefaultDebounce()
	return Config{
		LogLevel: "info",
		SIPUA: SIPUAConfig{
			ListenAddr:     "0.0.0.0:5060",
			Expires:        3600,
			RTPPort:        10000,
			DTMFMode:       "auto",
			UserAgent:      "voip_core",
			RequestTimeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8088",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "voip",
		},
		Debounce: DebounceConfig{
			AudioRoute:   def[events.KindAudioRoute],
			Connectivity: def[events.KindConnectivity],
		},
		Scenario: ScenarioConfig{
			Register: true,
			Hold:     3 * time.Second,
		},
	}
}

// Load читает файл (если путь задан), проверяет его по схеме
// и применяет переменные окружения
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (Config, error) {
	if err := validateSchema(data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv переопределяет значения из окружения; пустые переменные игнорируются
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(EnvSIPServer, &c.SIP.SIPServer)
	set(EnvUsername, &c.SIP.Username)
	set(EnvTransport, &c.SIP.Transport)
	set(EnvDisplayName, &c.SIP.DisplayName)
	set(EnvPlatform, &c.Platform)
	set(EnvLogLevel, &c.LogLevel)

	// пароль не обрезается
	if v := getenv(EnvPassword); v != "" {
		c.SIP.Password = v
	}
}

// DebounceWindows окна подавления для events.Options; пустая карта при Disabled
func (c Config) DebounceWindows() map[events.Kind]time.Duration {
	if c.Debounce.Disabled {
		return map[events.Kind]time.Duration{}
	}
	windows := events.DefaultDebounce()
	if c.Debounce.AudioRoute > 0 {
		windows[events.KindAudioRoute] = c.Debounce.AudioRoute
	}
	if c.Debounce.Connectivity > 0 {
		windows[events.KindConnectivity] = c.Debounce.Connectivity
	}
	return windows
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// validateSchema проверяет YAML документ по схеме. Документ приводится к
// JSON типам, чтобы числа и карты имели ожидаемое валидатором представление.
func validateSchema(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	if doc == nil {
		return nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert yaml to json: %w", err)
	}
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("convert yaml to json: %w", err)
	}
	if err := s.Validate(payload); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
