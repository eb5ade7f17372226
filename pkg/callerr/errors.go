// Package callerr типизированные ошибки контроллера вызовов.
package callerr

import (
	"errors"
	"fmt"
)

// ErrorCategory категория ошибки для классификации
type ErrorCategory string

const (
	CategoryAdmission ErrorCategory = "ADMISSION"
	CategoryState     ErrorCategory = "STATE"
	CategoryMedia     ErrorCategory = "MEDIA"
	CategoryTransport ErrorCategory = "TRANSPORT"
	CategoryFeature   ErrorCategory = "FEATURE"
	CategoryInput     ErrorCategory = "VALIDATION"
)

func (c ErrorCategory) String() string {
	return string(c)
}

// Code уникальный код ошибки
type Code string

const (
	CodeAdmissionRejected      Code = "ADMISSION_REJECTED"
	CodeInvalidStateOperation  Code = "INVALID_STATE_OPERATION"
	CodeAlreadyTerminated      Code = "ALREADY_TERMINATED"
	CodeMediaResolutionFailure Code = "MEDIA_RESOLUTION_FAILURE"
	CodeNotImplemented         Code = "NOT_IMPLEMENTED"
	CodeTransportFailure       Code = "TRANSPORT_FAILURE"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
)

var categories = map[Code]ErrorCategory{
	CodeAdmissionRejected:      CategoryAdmission,
	CodeInvalidStateOperation:  CategoryState,
	CodeAlreadyTerminated:      CategoryState,
	CodeMediaResolutionFailure: CategoryMedia,
	CodeNotImplemented:         CategoryFeature,
	CodeTransportFailure:       CategoryTransport,
	CodeInvalidArgument:        CategoryInput,
}

// Sentinel значения для errors.Is. Сравнение идет по коду.
var (
	ErrAdmissionRejected      = &Error{Code: CodeAdmissionRejected, Message: "invite rejected: busy"}
	ErrInvalidStateOperation  = &Error{Code: CodeInvalidStateOperation, Message: "operation not valid in current state"}
	ErrAlreadyTerminated      = &Error{Code: CodeAlreadyTerminated, Message: "session already terminated"}
	ErrMediaResolutionFailure = &Error{Code: CodeMediaResolutionFailure, Message: "media sink cannot be resolved"}
	ErrNotImplemented         = &Error{Code: CodeNotImplemented, Message: "not implemented"}
	ErrTransportFailure       = &Error{Code: CodeTransportFailure, Message: "transport failure"}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// Error структурированная ошибка с контекстом операции
type Error struct {
	Code    Code
	Message string
	// Op операция, в которой возникла ошибка, например "hangup"
	Op string
	// State состояние сессии в момент ошибки
	State string
	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category(), e.Code, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.State != "" {
		msg += " (state: " + e.State + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Category возвращает категорию по коду ошибки
func (e *Error) Category() ErrorCategory {
	if c, ok := categories[e.Code]; ok {
		return c
	}
	return CategoryState
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is считает ошибки равными при совпадении кода.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New создает ошибку с кодом и сообщением.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Newf создает ошибку с форматированным сообщением.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WithState добавляет состояние сессии
func (e *Error) WithState(state fmt.Stringer) *Error {
	e.State = state.String()
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// InvalidState ошибка операции в недопустимом состоянии.
func InvalidState(op string, state fmt.Stringer) *Error {
	return New(CodeInvalidStateOperation, op, "operation not valid in current state").WithState(state)
}

// AlreadyTerminated ошибка повторного завершения.
func AlreadyTerminated(op string, state fmt.Stringer) *Error {
	return New(CodeAlreadyTerminated, op, "session already terminated").WithState(state)
}

// NotImplemented ошибка для отложенных операций.
func NotImplemented(op string) *Error {
	return New(CodeNotImplemented, op, "not implemented")
}

// Transport оборачивает ошибку движка.
func Transport(op string, cause error) *Error {
	return New(CodeTransportFailure, op, "engine request failed").WithCause(cause)
}

// CodeOf возвращает код ошибки или пустую строку для чужих ошибок.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
