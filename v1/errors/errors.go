package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBusUnavailable marks a bus that could not be opened; callers degrade
	// to single-instance operation.
	ErrBusUnavailable = errors.New("bus unavailable")
)
