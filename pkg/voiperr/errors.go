// Package voiperr приводит ошибки любых форм к каноническому виду {code, message, detail}.
package voiperr

import (
	"errors"
	"fmt"
	"strings"
)

// Коды ошибок ядра
const (
	CodeInvalidConfig       = "invalid_config"
	CodeInvalidNumber       = "invalid_number"
	CodeInvalidTone         = "invalid_tone"
	CodeInvalidRecipient    = "invalid_recipient"
	CodeInvalidMessage      = "invalid_message"
	CodeInvalidRoute        = "invalid_route"
	CodeNotInitialized      = "not_initialized"
	CodePlatformUnsupported = "platform_unsupported"
	CodeUnknown             = "unknown"
)

const (
	defaultObjectMessage = "Unexpected platform error"
	defaultMessage       = "Unknown error"
)

// Шаблоны для errors.Is: сравнение идет только по коду
var (
	ErrInvalidConfig       = &NormalizedError{Code: CodeInvalidConfig}
	ErrInvalidNumber       = &NormalizedError{Code: CodeInvalidNumber}
	ErrInvalidTone         = &NormalizedError{Code: CodeInvalidTone}
	ErrInvalidRecipient    = &NormalizedError{Code: CodeInvalidRecipient}
	ErrInvalidMessage      = &NormalizedError{Code: CodeInvalidMessage}
	ErrInvalidRoute        = &NormalizedError{Code: CodeInvalidRoute}
	ErrNotInitialized      = &NormalizedError{Code: CodeNotInitialized}
	ErrPlatformUnsupported = &NormalizedError{Code: CodePlatformUnsupported}
)

// NormalizedError каноническая ошибка ядра.
// Detail хранит исходные данные ошибки платформы (если были) для диагностики.
type NormalizedError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`

	cause error
}

// New создает нормализованную ошибку с заданным кодом
func New(code, message string) *NormalizedError {
	return &NormalizedError{Code: code, Message: message}
}

// Newf создает нормализованную ошибку с форматированным сообщением
func Newf(code, format string, args ...interface{}) *NormalizedError {
	return &NormalizedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error реализует интерфейс error
func (e *NormalizedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode возвращает машинный код ошибки
func (e *NormalizedError) ErrorCode() string {
	return e.Code
}

// Unwrap возвращает исходную ошибку, из которой была получена нормализованная
func (e *NormalizedError) Unwrap() error {
	return e.cause
}

// Is поддерживает errors.Is, сравнивая ошибки по коду
func (e *NormalizedError) Is(target error) bool {
	var t *NormalizedError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HasCode проверяет код нормализованной ошибки внутри err
func HasCode(err error, code string) bool {
	var ne *NormalizedError
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}

// Normalize приводит произвольное значение ошибки к NormalizedError.
// Для nil возвращает nil. Никогда не паникует.
func Normalize(value interface{}) *NormalizedError {
	switch v := value.(type) {
	case nil:
		return nil
	case *NormalizedError:
		if v == nil {
			return nil
		}
		return v
	case NormalizedError:
		c := v
		return &c
	case error:
		return fromError(v)
	case string:
		return &NormalizedError{Code: CodeUnknown, Message: v}
	case map[string]interface{}:
		return fromMap(v)
	case map[string]string:
		m := make(map[string]interface{}, len(v))
		for k, s := range v {
			m[k] = s
		}
		return fromMap(m)
	default:
		msg := strings.TrimSpace(fmt.Sprint(v))
		if msg == "" {
			msg = defaultMessage
		}
		return &NormalizedError{Code: CodeUnknown, Message: msg}
	}
}

func fromError(err error) *NormalizedError {
	var ne *NormalizedError
	if errors.As(err, &ne) && ne != nil {
		return ne
	}
	code := CodeUnknown
	var c interface{ Code() string }
	if errors.As(err, &c) {
		if s := c.Code(); s != "" {
			code = s
		}
	}
	msg := err.Error()
	if msg == "" {
		msg = defaultObjectMessage
	}
	return &NormalizedError{Code: code, Message: msg, cause: err}
}

func fromMap(m map[string]interface{}) *NormalizedError {
	code := firstString(m, CodeUnknown, "code", "errCode", "errorCode")
	msg := firstString(m, defaultObjectMessage, "message", "errMsg", "errorMessage", "description")
	detail, ok := m["detail"]
	if !ok {
		cp := make(map[string]interface{}, len(m))
		for k, v := range m {
			cp[k] = v
		}
		detail = cp
	}
	return &NormalizedError{Code: code, Message: msg, Detail: detail}
}

func firstString(m map[string]interface{}, fallback string, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s == "" {
				continue
			}
			return s
		}
		return fmt.Sprint(v)
	}
	return fallback
}

// Message извлекает человекочитаемое сообщение из ошибки любой формы.
// Пустое значение дает пустую строку.
func Message(value interface{}) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	ne := Normalize(value)
	if ne == nil {
		return ""
	}
	if ne.Message != "" {
		return ne.Message
	}
	return ne.Code
}
