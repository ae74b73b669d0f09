package utils

import (
	"errors"
	"fmt"
	"net/http"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorKind classifies failures returned to callers.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NotFound"
	KindInvalidTransition ErrorKind = "InvalidTransition"
	KindValidation        ErrorKind = "ValidationError"
	KindForbidden         ErrorKind = "Forbidden"
	KindConflict          ErrorKind = "Conflict"
	KindAlreadyGranted    ErrorKind = "AlreadyGranted"
	KindGrantNotFound     ErrorKind = "GrantNotFound"
	KindInternal          ErrorKind = "InternalError"
)

// AppError is the error type crossing the workflow boundary.
// CurrentStatus is only set for Conflict.
type AppError struct {
	Kind          ErrorKind
	Message       string
	CurrentStatus string
	Err           error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *AppError {
	return NewError(KindNotFound, format, args...)
}

func InvalidTransition(format string, args ...any) *AppError {
	return NewError(KindInvalidTransition, format, args...)
}

func ValidationError(format string, args ...any) *AppError {
	return NewError(KindValidation, format, args...)
}

func Forbidden(format string, args ...any) *AppError {
	return NewError(KindForbidden, format, args...)
}

func Conflict(currentStatus string, format string, args ...any) *AppError {
	e := NewError(KindConflict, format, args...)
	e.CurrentStatus = currentStatus
	return e
}

func Internal(err error, format string, args ...any) *AppError {
	e := NewError(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, InternalError for anything unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrorRecordNotFound) {
		return KindNotFound
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// AsAppError wraps storage errors as InternalError and passes classified errors through.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if KindOf(err) == KindNotFound {
		return &AppError{Kind: KindNotFound, Message: "record not found", Err: err}
	}
	return Internal(err, "storage failure")
}

func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindNotFound, KindGrantNotFound:
		return http.StatusNotFound
	case KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case KindValidation:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict, KindAlreadyGranted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// IsDuplicateKeyErr reports MySQL error 1062.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
