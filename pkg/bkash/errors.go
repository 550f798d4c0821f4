package bkash

import (
	"errors"
	"fmt"
)

// Gateway status codes the reconciliation flow branches on.
const (
	CodeSuccess          = "0000"
	CodeAlreadyCompleted = "2062"
)

// Transaction statuses reported by execute and query.
const (
	StatusInitiated = "Initiated"
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
	StatusCancelled = "Cancelled"
)

// GatewayError is a well-formed response whose status code is not "0000".
type GatewayError struct {
	Op      string
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("bkash %s: status %s: %s", e.Op, e.Code, e.Message)
}

// UnavailableError means the outcome is unknown: the request timed out, the network failed
// or the gateway answered with something unparseable. It never implies success or failure.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("bkash %s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// AsGatewayError extracts a *GatewayError from err.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsUnavailable reports whether err leaves the payment outcome unknown.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsAlreadyCompleted reports the gateway's "payment already completed" rejection.
func IsAlreadyCompleted(err error) bool {
	ge, ok := AsGatewayError(err)
	return ok && ge.Code == CodeAlreadyCompleted
}
