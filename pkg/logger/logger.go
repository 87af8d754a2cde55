// Package logger содержит структурированный логгер, общий для всех пакетов ядра.
//
// Интерфейс StructuredLogger повторяет API логгера SIP стека: уровни, поля
// через хелперы String/Int/Any, контекстные логгеры WithComponent/WithFields.
// Реализация по умолчанию пишет JSON строки через zerolog.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "trace",
	LogLevelDebug: "debug",
	LogLevelInfo:  "info",
	LogLevelWarn:  "warn",
	LogLevelError: "error",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel разбирает строковое имя уровня. Неизвестные значения дают info.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LogLevelTrace
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку; для нормализованных ошибок добавляет error_code
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// coder реализуется ошибками, несущими машинный код (voiperr.NormalizedError)
type coder interface {
	ErrorCode() string
}

// DefaultLogger реализация StructuredLogger поверх zerolog
type DefaultLogger struct {
	mu        sync.RWMutex
	level     LogLevel
	base      zerolog.Logger
	component string
	fields    []Field
}

// New создает логгер, пишущий JSON в output
func New(output io.Writer, level LogLevel) *DefaultLogger {
	if output == nil {
		output = os.Stdout
	}
	return &DefaultLogger{
		level: level,
		base:  zerolog.New(output).With().Timestamp().Logger(),
	}
}

// NewDefaultLogger создает логгер с настройками по умолчанию (stdout, info)
func NewDefaultLogger() *DefaultLogger {
	return New(os.Stdout, LogLevelInfo)
}

// SetLevel устанавливает минимальный уровень логирования
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *DefaultLogger) IsEnabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// WithComponent создает logger с указанным компонентом
func (l *DefaultLogger) WithComponent(component string) StructuredLogger {
	child := l.clone()
	child.component = component
	return child
}

// WithFields создает logger с дополнительными полями
func (l *DefaultLogger) WithFields(fields ...Field) StructuredLogger {
	child := l.clone()
	child.fields = append(child.fields, fields...)
	return child
}

func (l *DefaultLogger) clone() *DefaultLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fields := make([]Field, len(l.fields))
	copy(fields, l.fields)
	return &DefaultLogger{
		level:     l.level,
		base:      l.base,
		component: l.component,
		fields:    fields,
	}
}

func (l *DefaultLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, nil, fields)
}

func (l *DefaultLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, nil, fields)
}

func (l *DefaultLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, nil, fields)
}

func (l *DefaultLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, nil, fields)
}

// LogError логирует ошибку с дополнительной информацией
func (l *DefaultLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if c, ok := err.(coder); ok {
		fields = append(fields, String("error_code", c.ErrorCode()))
	}
	l.log(ctx, LogLevelError, msg, err, fields)
}

// log основной метод логирования
func (l *DefaultLogger) log(ctx context.Context, level LogLevel, msg string, err error, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}

	ev := l.base.WithLevel(level.zerolog())
	if ev == nil {
		return
	}
	if l.component != "" {
		ev = ev.Str("component", l.component)
	}
	for _, f := range l.fields {
		ev = appendField(ev, f)
	}
	for _, f := range fields {
		ev = appendField(ev, f)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	if ctx != nil {
		if op, ok := ctx.Value(operationKey{}).(string); ok && op != "" {
			ev = ev.Str("operation", op)
		}
	}
	ev.Msg(msg)
}

func appendField(ev *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return ev.Str(f.Key, v)
	case int:
		return ev.Int(f.Key, v)
	case int64:
		return ev.Int64(f.Key, v)
	case bool:
		return ev.Bool(f.Key, v)
	case time.Duration:
		return ev.Dur(f.Key, v)
	case error:
		return ev.AnErr(f.Key, v)
	default:
		return ev.Interface(f.Key, v)
	}
}

type operationKey struct{}

// WithOperation кладет имя операции в контекст; логгер добавит поле operation
func WithOperation(ctx context.Context, operation string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, operationKey{}, operation)
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }

var (
	defaultMu     sync.RWMutex
	defaultLogger StructuredLogger = NewDefaultLogger()
)

// SetDefault заменяет логгер по умолчанию (используется только в cmd)
func SetDefault(l StructuredLogger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default возвращает логгер по умолчанию
func Default() StructuredLogger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// OrNoop возвращает l или NoOpLogger, если l не задан
func OrNoop(l StructuredLogger) StructuredLogger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
