package control

import (
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/store"
	"github.com/koblas/mockserver/pkg/supervisor"
	"github.com/pkg/errors"
)

type Code string

const (
	CodeBindError      Code = "bind_error"
	CodeAlreadyRunning Code = "already_running"
	CodeBusy           Code = "busy"
	CodeValidation     Code = "validation_error"
	CodeNotFound       Code = "not_found"
	CodePersistence    Code = "persistence_error"
	CodeInternal       Code = "internal_error"
)

// ControlError is what every failed operation returns: a stable code for
// callers to branch on and a message fit to show a user.
type ControlError struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
	cause   error
}

func (e *ControlError) Error() string {
	return e.Message
}

func (e *ControlError) Cause() error  { return e.cause }
func (e *ControlError) Unwrap() error { return e.cause }

func newError(code Code, err error) *ControlError {
	return &ControlError{Code: code, Message: err.Error(), cause: err}
}

func persistenceError(err error) *ControlError {
	return newError(CodePersistence, err)
}

// asControlError classifies err. Store failures from this package are tagged
// with persistenceError; the supervisor tags its own as StoreError.
func asControlError(err error) error {
	if err == nil {
		return nil
	}

	var cerr *ControlError
	if errors.As(err, &cerr) {
		return cerr
	}

	var bindErr *supervisor.BindError
	var storeErr *supervisor.StoreError
	var verr *config.ValidationError

	switch {
	case errors.As(err, &bindErr):
		return newError(CodeBindError, err)
	case errors.As(err, &storeErr):
		return newError(CodePersistence, err)
	case errors.As(err, &verr):
		return newError(CodeValidation, err)
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return newError(CodeAlreadyRunning, err)
	case errors.Is(err, supervisor.ErrBusy):
		return newError(CodeBusy, err)
	case errors.Is(err, store.ErrNotFound):
		return newError(CodeNotFound, err)
	}
	return newError(CodeInternal, err)
}

// CodeOf returns the ControlError code for err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return asControlError(err).(*ControlError).Code
}
