// Package fireflyerrors contains generic errors returned by the orchestration engine. The transport layer
// looks for the error types defined in this file and maps them to the status code returned to the caller.
//
// If multiple errors occur in some function, that function should return an error of type multierror.Error
// from package github.com/hashicorp/go-multierror that encapsulates those individual errors.
package fireflyerrors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "run" or "execution"
	Value   string // Resource name
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "tasks"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", fmt.Sprint(err.Value), err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", fmt.Sprint(err.Value), err.Name, err.Message)
}

// ErrCapacityExceeded is returned when the external worker pool cannot host the requested number of workers.
// It is a client error: retrying without changing the request will not help.
type ErrCapacityExceeded struct {
	Requested int
	Available int
}

func (err *ErrCapacityExceeded) Error() string {
	return fmt.Sprintf(
		"the requested number of workers exceeds the current capacity of the worker pool: requested=%d, available=%d",
		err.Requested, err.Available)
}

// ErrTimeout is returned when a bounded wait, e.g. acquiring a distributed lock, runs out of time.
type ErrTimeout struct {
	Operation string
	Timeout   time.Duration
}

func (err *ErrTimeout) Error() string {
	return fmt.Sprintf("%s timed out after %s", err.Operation, err.Timeout)
}

// HTTPStatusFromError maps error types to the HTTP status codes used by the transport layer.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrCapacityExceeded
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrTimeout
		if errors.As(err, &e) {
			return http.StatusGatewayTimeout
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether an infrastructure error may succeed if the same idempotent call is repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch HTTPStatusFromError(err) {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
		return false
	}
	return true
}
