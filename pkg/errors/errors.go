package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Status  int                    `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on the error code so cloned errors compare equal to their template.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	ErrCouponNotFound      = New("COUPON_NOT_FOUND", http.StatusNotFound, "coupon not found")
	ErrCouponInvalid       = New("COUPON_INVALID", http.StatusBadRequest, "coupon is inactive or expired")
	ErrCouponLocked        = New("COUPON_LOCKED", http.StatusConflict, "coupon is referenced by an invoice and cannot change")
	ErrAlreadyEnrolled     = New("ALREADY_ENROLLED", http.StatusConflict, "student already has an active enrollment")
	ErrAlreadyPromoted     = New("ALREADY_PROMOTED", http.StatusConflict, "provisional invoice already promoted")
	ErrInvoiceAlreadyPaid  = New("INVOICE_ALREADY_PAID", http.StatusConflict, "invoice already paid")
	ErrGateway             = New("GATEWAY_ERROR", http.StatusBadRequest, "payment gateway rejected the request")
	ErrGatewayUnavailable  = New("GATEWAY_UNAVAILABLE", http.StatusServiceUnavailable, "payment gateway unavailable, retry the status query")
	ErrPaymentPending      = New("PAYMENT_PENDING", http.StatusConflict, "payment has not completed yet")
	ErrPaymentNotCompleted = New("PAYMENT_NOT_COMPLETED", http.StatusPaymentRequired, "payment did not complete")
	ErrInvalidSignature    = New("INVALID_SIGNATURE", http.StatusForbidden, "invalid webhook signature")
	ErrCacheMiss           = New("CACHE_MISS", http.StatusNotFound, "cache miss")

	ErrMaterializationFailed = New("PAYMENT_SUCCEEDED_MATERIALIZATION_FAILED", http.StatusInternalServerError,
		"payment completed but enrollment records could not be created; retry verification with the returned identifiers")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	clone.Details = nil
	return &clone
}

// WithDetails returns a copy carrying extra response details.
func WithDetails(err *Error, details map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	clone.Details = make(map[string]interface{}, len(err.Details)+len(details))
	for k, v := range err.Details {
		clone.Details[k] = v
	}
	for k, v := range details {
		clone.Details[k] = v
	}
	return &clone
}

// HasCode reports whether err carries the given domain code anywhere in its chain.
func HasCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}
