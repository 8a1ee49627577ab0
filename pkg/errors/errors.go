package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind 错误分类，决定对外状态码与是否可重试
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindForbidden
	KindTokenInvalid
	KindTokenExpired
	KindQuotaExceeded
	KindQualityRejected
	KindInvalidStateTransition
	KindInfrastructure
	KindTrainingFailure
)

var kindNames = map[Kind]string{
	KindUnknown:                "Unknown",
	KindValidation:             "ValidationError",
	KindNotFound:               "NotFound",
	KindForbidden:              "Forbidden",
	KindTokenInvalid:           "TokenInvalid",
	KindTokenExpired:           "TokenExpired",
	KindQuotaExceeded:          "QuotaExceeded",
	KindQualityRejected:        "QualityRejected",
	KindInvalidStateTransition: "InvalidStateTransition",
	KindInfrastructure:         "InfrastructureFailure",
	KindTrainingFailure:        "TrainingFailure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is; they match any *Error of the same Kind.
var (
	ErrValidation             = sentinel(KindValidation, "validation error")
	ErrNotFound               = sentinel(KindNotFound, "not found")
	ErrForbidden              = sentinel(KindForbidden, "forbidden")
	ErrTokenInvalid           = sentinel(KindTokenInvalid, "invalid recording link")
	ErrTokenExpired           = sentinel(KindTokenExpired, "recording link expired")
	ErrQuotaExceeded          = sentinel(KindQuotaExceeded, "recording quota exceeded")
	ErrQualityRejected        = sentinel(KindQualityRejected, "recording rejected by quality gate")
	ErrInvalidStateTransition = sentinel(KindInvalidStateTransition, "invalid state transition")
	ErrInfrastructure         = sentinel(KindInfrastructure, "infrastructure failure")
	ErrTrainingFailure        = sentinel(KindTrainingFailure, "training failed")
)

// Error represents a custom error with stack trace
type Error struct {
	Kind    Kind       `json:"kind"`
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Err     error      `json:"-"` // 原始错误，不序列化
	Stack   string     `json:"stack,omitempty"`
	Context []KeyValue `json:"context,omitempty"`

	sentinel bool
}

// KeyValue represents a key-value pair for context
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func sentinel(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, sentinel: true}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		if e.Err != nil && !e.sentinel {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// Unwrap implements the errors.Wrapper interface
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by Kind so wrapped errors keep their classification.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.sentinel {
		return t.Kind != KindUnknown && t.Kind == e.Kind
	}
	return t == e
}

// E creates a classified error
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Stack: captureStack()}
}

// Ef creates a classified error with formatted message
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Stack: captureStack()}
}

// WithCode creates a new error with code
func WithCode(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(),
	}
}

// Wrap wraps an error with message; the Kind of a wrapped *Error is kept.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindOf(err),
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapKind wraps an error and (re)classifies it
func WrapKind(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// New creates a new error
func New(message string) *Error {
	return &Error{
		Message: message,
		Stack:   captureStack(),
	}
}

// Errorf creates a new formatted error
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(),
	}
}

// WithContext adds context to an error
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}

	// 复制一份，避免修改共享实例
	newErr := *e
	newErr.Context = make([]KeyValue, len(e.Context), len(e.Context)+1)
	copy(newErr.Context, e.Context)
	newErr.Context = append(newErr.Context, KeyValue{Key: key, Value: value})
	return &newErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// 移除 captureStack 自身及构造函数帧
	lines := strings.Split(stack, "\n")
	if len(lines) > 6 {
		stack = strings.Join(lines[6:], "\n")
	}

	return strings.TrimSpace(stack)
}

// KindOf returns the first classified Kind in the chain.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if stderrors.As(err, &e) {
			if e.Kind != KindUnknown {
				return e.Kind
			}
			err = e.Err
			continue
		}
		return KindUnknown
	}
	return KindUnknown
}

// GetCode returns the error code
func GetCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return 0
}

// GetMessage returns the outermost message without the wrapped cause.
func GetMessage(err error) string {
	var e *Error
	if stderrors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As re-exported so callers need a single import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Cause returns the underlying error
func Cause(err error) error {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Err != nil {
			err = e.Err
		} else {
			return err
		}
	}
	return err
}

// Format implements fmt.Formatter
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s", e.Error())
			if e.Stack != "" {
				fmt.Fprintf(s, "\n%s", e.Stack)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprintf(s, "%s", e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
