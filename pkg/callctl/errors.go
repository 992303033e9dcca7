package callctl

import (
	"errors"
	"fmt"
	"time"
)

// Сентинелы для errors.Is. Все CallError сопоставляются с одним из них.
var (
	ErrNotPermitted      = errors.New("operation not permitted in current call state")
	ErrNoChannel         = errors.New("no matching channel currently available")
	ErrDialExhausted     = errors.New("dial attempts exhausted")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnknownController = errors.New("unknown controller")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrBusy              = errors.New("connection is carrying traffic")
	ErrInvariant         = errors.New("invariant violation")
	ErrStopped           = errors.New("engine stopped")
	ErrNotConnected      = errors.New("connection not active")
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	ErrorCategoryState     ErrorCategory = "STATE"
	ErrorCategoryResource  ErrorCategory = "RESOURCE"
	ErrorCategoryConfig    ErrorCategory = "CONFIG"
	ErrorCategoryInvariant ErrorCategory = "INVARIANT"
)

func (ec ErrorCategory) String() string {
	return string(ec)
}

// ErrorSeverity уровни критичности ошибок
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL" // сущность выведена из работы
	ErrorSeverityError    ErrorSeverity = "ERROR"    // операция не выполнена
	ErrorSeverityWarning  ErrorSeverity = "WARNING"  // операция не выполнена, можно повторить
)

func (es ErrorSeverity) String() string {
	return string(es)
}

// CallError структурированная ошибка движка с контекстом
type CallError struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	// Контекст
	Entity    string    `json:"entity,omitempty"` // ID контроллера или имя соединения
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`

	kind error
}

func (e *CallError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Code, e.Entity, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *CallError) Unwrap() error {
	return e.Cause
}

// Is сопоставляет ошибку с сентинелом ее вида
func (e *CallError) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

// WithField добавляет дополнительное поле к ошибке
func (e *CallError) WithField(key string, value interface{}) *CallError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *CallError) WithCause(cause error) *CallError {
	e.Cause = cause
	return e
}

// IsRetryable проверяет, можно ли повторить операцию
func (e *CallError) IsRetryable() bool {
	return e.Retryable
}

// NewCallError создает структурированную ошибку вида kind
func NewCallError(kind error, code, message string, category ErrorCategory, severity ErrorSeverity) *CallError {
	return &CallError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Fields:    make(map[string]interface{}),
		kind:      kind,
	}
}

// Ошибки состояния

func NotPermittedError(entity, state, operation string) *CallError {
	err := NewCallError(ErrNotPermitted,
		"NOT_PERMITTED",
		fmt.Sprintf("операция '%s' недопустима в состоянии %s", operation, state),
		ErrorCategoryState,
		ErrorSeverityWarning,
	).WithField("operation", operation)
	err.Entity = entity
	err.State = state
	return err
}

func NotConnectedError(entity, state string) *CallError {
	err := NewCallError(ErrNotConnected,
		"NOT_CONNECTED",
		"соединение не активно",
		ErrorCategoryState,
		ErrorSeverityWarning,
	)
	err.Entity = entity
	err.State = state
	return err
}

func BusyError(entity, state string) *CallError {
	err := NewCallError(ErrBusy,
		"BUSY",
		"соединение занято, изменение запрещено",
		ErrorCategoryState,
		ErrorSeverityError,
	)
	err.Entity = entity
	err.State = state
	return err
}

func StoppedError(operation string) *CallError {
	return NewCallError(ErrStopped,
		"ENGINE_STOPPED",
		fmt.Sprintf("движок остановлен, операция '%s' отклонена", operation),
		ErrorCategoryState,
		ErrorSeverityWarning,
	).WithField("operation", operation)
}

// Ошибки ресурсов

func NoChannelError(entity string, required Capability) *CallError {
	err := NewCallError(ErrNoChannel,
		"NO_CHANNEL",
		"нет свободного подходящего канала",
		ErrorCategoryResource,
		ErrorSeverityWarning,
	).WithField("required_caps", required.String())
	err.Entity = entity
	err.Retryable = true
	return err
}

func DialExhaustedError(entity string, attempts, retries int) *CallError {
	err := NewCallError(ErrDialExhausted,
		"DIAL_EXHAUSTED",
		fmt.Sprintf("исчерпаны попытки дозвона: %d попыток, %d циклов", attempts, retries),
		ErrorCategoryResource,
		ErrorSeverityWarning,
	).WithField("attempts", attempts).WithField("retries", retries)
	err.Entity = entity
	err.Retryable = true
	return err
}

// Ошибки конфигурации

func InvalidConfigError(field string, value interface{}, reason string) *CallError {
	return NewCallError(ErrInvalidConfig,
		"INVALID_CONFIG",
		fmt.Sprintf("неверная конфигурация поля '%s': %v (%s)", field, value, reason),
		ErrorCategoryConfig,
		ErrorSeverityError,
	).WithField("field", field).WithField("value", value).WithField("reason", reason)
}

func UnknownControllerError(id string) *CallError {
	err := NewCallError(ErrUnknownController,
		"UNKNOWN_CONTROLLER",
		"контроллер не зарегистрирован",
		ErrorCategoryConfig,
		ErrorSeverityError,
	)
	err.Entity = id
	return err
}

func UnknownConnectionError(name string) *CallError {
	err := NewCallError(ErrUnknownConnection,
		"UNKNOWN_CONNECTION",
		"соединение не найдено",
		ErrorCategoryConfig,
		ErrorSeverityError,
	)
	err.Entity = name
	return err
}

// Нарушения инвариантов

func InvariantViolation(entity, state, reason string) *CallError {
	err := NewCallError(ErrInvariant,
		"INVARIANT_VIOLATION",
		reason,
		ErrorCategoryInvariant,
		ErrorSeverityCritical,
	)
	err.Entity = entity
	err.State = state
	return err
}

// IsCategory проверяет категорию CallError в цепочке ошибок
func IsCategory(err error, category ErrorCategory) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Category == category
	}
	return false
}
