package fleet

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPortsExhausted is returned by the port allocator when no free local
	// port exists in the probe window.
	ErrPortsExhausted = errors.New("no free local port in probe window")

	// ErrUnknownTest is returned when a task is submitted for a test that is
	// not in the test catalog.
	ErrUnknownTest = &BadRequestError{Message: "test not found"}

	// ErrTaskNotFound matches, with errors.Is, any not found error for a task.
	ErrTaskNotFound = &notFoundError{resourceType: "task"}

	// ErrDeviceNotFound matches, with errors.Is, any not found error for a
	// device.
	ErrDeviceNotFound = &notFoundError{resourceType: "device"}

	// ErrTaskNotRunning is returned by stop requests for tasks that are
	// neither pending nor running.
	ErrTaskNotRunning = &BadRequestError{Message: "task is not pending or running"}
)

// ErrWithStatusCode is an interface for errors that should set a specific HTTP
// status code.
type ErrWithStatusCode interface {
	error
	StatusCode() int
}

// NotFoundError is implemented by errors reporting a missing resource.
type NotFoundError interface {
	error
	IsNotFound() bool
}

// IsNotFound returns true if err (or any error it wraps) is a NotFoundError.
func IsNotFound(err error) bool {
	var nfe NotFoundError
	if errors.As(err, &nfe) {
		return nfe.IsNotFound()
	}
	return false
}

type notFoundError struct {
	resourceType string
	id           string
}

// NewNotFoundError returns an error reporting that the resource of the given
// type and identifier does not exist.
func NewNotFoundError(resourceType, id string) error {
	return &notFoundError{resourceType: resourceType, id: id}
}

func (e *notFoundError) Error() string {
	if e.id == "" {
		return fmt.Sprintf("%s was not found", e.resourceType)
	}
	return fmt.Sprintf("%s %s was not found", e.resourceType, e.id)
}

func (e *notFoundError) IsNotFound() bool {
	return true
}

// Is matches sentinels of the same resource type that carry no identifier.
func (e *notFoundError) Is(target error) bool {
	t, ok := target.(*notFoundError)
	if !ok {
		return false
	}
	return t.resourceType == e.resourceType && (t.id == "" || t.id == e.id)
}

func (e *notFoundError) StatusCode() int {
	return http.StatusNotFound
}

// BadRequestError is an error type that generates a 400 status code.
type BadRequestError struct {
	Message     string
	InternalErr error
}

// Error returns the error message.
func (e *BadRequestError) Error() string {
	return e.Message
}

// StatusCode implements ErrWithStatusCode.
func (e *BadRequestError) StatusCode() int {
	return http.StatusBadRequest
}

// Internal returns the error string that must only be logged internally.
func (e *BadRequestError) Internal() string {
	if e.InternalErr == nil {
		return ""
	}
	return e.InternalErr.Error()
}
