package syncbus

import (
	"errors"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
)

var (
	// ErrCircuitOpen is returned by CircuitBreakerBus while publishes are refused.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = huddleerrors.ErrConnectionClosed
)
