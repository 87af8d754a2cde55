package state

import (
	"time"

	"github.com/arzzra/voip_core/pkg/events"
	"github.com/arzzra/voip_core/pkg/voiperr"
)

// Ограничения журналов и окно ручной навигации
const (
	MaxEvents   = 200
	MaxMessages = 50
	ManualHold  = 8 * time.Second
)

// ServiceState срез состояния службы
type ServiceState struct {
	Initialized bool   `json:"initialized"`
	Running     bool   `json:"running"`
	Provider    string `json:"provider"`
	Plugin      string `json:"plugin"`
	LogLevel    string `json:"logLevel"`
	LastError   string `json:"lastError"`
}

// RegistrationState срез состояния регистрации
type RegistrationState struct {
	State       events.RegistrationState `json:"state"`
	Reason      string                   `json:"reason"`
	Detail      interface{}              `json:"detail,omitempty"`
	Error       *voiperr.NormalizedError `json:"error,omitempty"`
	LastUpdated int64                    `json:"lastUpdated"`
}

// CallState срез состояния вызова
type CallState struct {
	State            events.CallState         `json:"state"`
	Direction        events.CallDirection     `json:"direction"`
	Number           string                   `json:"number"`
	DisplayName      string                   `json:"displayName"`
	StartedAt        int64                    `json:"startedAt"`
	Duration         int64                    `json:"duration"`
	AudioRoute       string                   `json:"audioRoute"`
	AudioRouteReason string                   `json:"audioRouteReason"`
	AvailableRoutes  []string                 `json:"availableRoutes"`
	Devices          []events.Device          `json:"devices"`
	SuggestedRoute   string                   `json:"suggestedRoute"`
	Reason           string                   `json:"reason"`
	Error            *voiperr.NormalizedError `json:"error,omitempty"`
	LastUpdated      int64                    `json:"lastUpdated"`
}

// SentMessage последнее отправленное сообщение
type SentMessage struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ReceivedMessage запись журнала входящих сообщений
type ReceivedMessage struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Direction string `json:"direction"`
}

// MessagingState срез состояния мессенджера
type MessagingState struct {
	LastSent  *SentMessage      `json:"lastSent"`
	LastError string            `json:"lastError"`
	Received  []ReceivedMessage `json:"received"`
}

// NavigationState срез навигации
type NavigationState struct {
	CurrentRoute     string `json:"currentRoute"`
	RequestedRoute   string `json:"requestedRoute"`
	RequestReplace   bool   `json:"requestReplace"`
	ManualBlockUntil int64  `json:"manualBlockUntil"`
	ManualRoute      string `json:"manualRoute"`
}

// Уровни записей журнала событий
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// LogEntry запись журнала событий
type LogEntry struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Level     string      `json:"level"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Context   string      `json:"context,omitempty"`
}

// Snapshot копия канонического состояния
type Snapshot struct {
	Service      ServiceState      `json:"service"`
	Registration RegistrationState `json:"registration"`
	Call         CallState         `json:"call"`
	Messaging    MessagingState    `json:"messaging"`
	Navigation   NavigationState   `json:"navigation"`
	Events       []LogEntry        `json:"events"`
}

// ServicePatch изменение среза службы; nil поля не трогаются
type ServicePatch struct {
	Initialized *bool
	Running     *bool
	Provider    *string
	Plugin      *string
	LogLevel    *string
	LastError   *string
	// Error перекрывает LastError сообщением ошибки
	Error error
}

// RegistrationPatch изменение среза регистрации.
// Пустое State оставляет прежнее состояние.
type RegistrationPatch struct {
	State  events.RegistrationState
	Reason *string
	Detail interface{}
	Error  *voiperr.NormalizedError
	// Timestamp время изменения в мс; 0 означает "сейчас"
	Timestamp int64
	// SuggestedRoute явно заданный маршрут; пустая строка подавляет подсказку
	SuggestedRoute *string
}

// CallPatch изменение среза вызова.
// Пустое State оставляет прежнее состояние.
type CallPatch struct {
	State       events.CallState
	Direction   *events.CallDirection
	Number      *string
	DisplayName *string
	Reason      *string
	Error       *voiperr.NormalizedError
	// Duration явно заданная длительность для завершенного вызова, мс
	Duration   *int64
	AudioRoute *string
	Timestamp  int64

	SuggestedRoute *string
}

// DevicesUpdate сырые данные для перестроения списка устройств
type DevicesUpdate struct {
	Devices     []interface{}
	Active      interface{}
	ActiveRoute string
}

// NavigationOptions параметры запроса навигации
type NavigationOptions struct {
	Auto    bool
	Replace bool
}

// Navigator внешний исполнитель навигации. Получает путь экрана и сам
// выполняет переход; о результате сообщает через SetCurrentRoute.
type Navigator interface {
	RequestNavigation(route string, opts NavigationOptions)
}

// NavigatorFunc адаптер функции к Navigator
type NavigatorFunc func(route string, opts NavigationOptions)

// RequestNavigation реализует Navigator
func (f NavigatorFunc) RequestNavigation(route string, opts NavigationOptions) {
	f(route, opts)
}

// Ptr возвращает указатель на значение; удобно для заполнения патчей
func Ptr[T any](v T) *T {
	return &v
}
