package lease

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed lease. Every kind except KindInternal is a
// business-rule rejection that left state unchanged and will fail the same
// way if retried.
type ErrorKind string

const (
	KindWorkloadNotFound       ErrorKind = "WorkloadNotFound"
	KindAccountNotFound        ErrorKind = "AccountNotFound"
	KindAlreadyActive          ErrorKind = "AlreadyActive"
	KindInvalidCapacityRequest ErrorKind = "InvalidCapacityRequest"
	KindInsufficientFunds      ErrorKind = "InsufficientFunds"
	KindCapacityUnavailable    ErrorKind = "CapacityUnavailable"
	KindInternal               ErrorKind = "InternalError"
)

// Error is the only error type returned by AdmissionController.Lease.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether the caller may retry. Retries are not
// idempotent: a retry after a timeout whose commit did land leases twice.
func (e *Error) Retriable() bool {
	return e.Kind == KindInternal
}

// KindOf returns the kind of a lease error, or "" for any other error.
func KindOf(err error) ErrorKind {
	var leaseErr *Error
	if errors.As(err, &leaseErr) {
		return leaseErr.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func errWorkloadNotFound(modelID string) *Error {
	return &Error{
		Kind:    KindWorkloadNotFound,
		Message: fmt.Sprintf("model %s does not exist", modelID),
		Details: map[string]interface{}{"model_id": modelID},
	}
}

func errAccountNotFound(accountID string) *Error {
	return &Error{
		Kind:    KindAccountNotFound,
		Message: fmt.Sprintf("account %s does not exist", accountID),
		Details: map[string]interface{}{"account_id": accountID},
	}
}

func errAlreadyActive(modelID string) *Error {
	return &Error{
		Kind:    KindAlreadyActive,
		Message: fmt.Sprintf("model %s is already active", modelID),
		Details: map[string]interface{}{"model_id": modelID},
	}
}

func errInvalidCapacity(modelID string, required, min, max int) *Error {
	return &Error{
		Kind:    KindInvalidCapacityRequest,
		Message: fmt.Sprintf("model %s requires %d capacity units, allowed range is [%d, %d]", modelID, required, min, max),
		Details: map[string]interface{}{
			"model_id":          modelID,
			"required_capacity": required,
			"min_capacity":      min,
			"max_capacity":      max,
		},
	}
}

func errInsufficientFunds(balance, cost int64) *Error {
	return &Error{
		Kind:    KindInsufficientFunds,
		Message: fmt.Sprintf("lease costs %d credits but the balance is %d", cost, balance),
		Details: map[string]interface{}{
			"balance": balance,
			"cost":    cost,
		},
	}
}

func errCapacityUnavailable(deficit, freeable int) *Error {
	return &Error{
		Kind:    KindCapacityUnavailable,
		Message: fmt.Sprintf("%d capacity units are needed but only %d can be freed", deficit, freeable),
		Details: map[string]interface{}{
			"deficit":  deficit,
			"freeable": freeable,
		},
	}
}

func errInternal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: "lease transaction failed",
		Details: map[string]interface{}{"retriable": true},
		Err:     err,
	}
}
