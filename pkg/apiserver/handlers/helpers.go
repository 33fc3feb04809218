package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gpulease/gpulease/pkg/lease"
)

type errorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func statusForKind(kind lease.ErrorKind) int {
	switch kind {
	case lease.KindWorkloadNotFound, lease.KindAccountNotFound:
		return http.StatusNotFound
	case lease.KindAlreadyActive:
		return http.StatusConflict
	case lease.KindInvalidCapacityRequest:
		return http.StatusUnprocessableEntity
	case lease.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case lease.KindCapacityUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeLeaseError renders err as {error, message, details}. Internal causes
// are logged by the controller and never echoed to the caller.
func writeLeaseError(c *gin.Context, err error) {
	kind := lease.KindOf(err)
	if kind == "" {
		kind = lease.KindInternal
	}

	resp := errorResponse{Error: string(kind), Message: "lease transaction failed"}
	var leaseErr *lease.Error
	if errors.As(err, &leaseErr) {
		resp.Message = leaseErr.Message
		resp.Details = leaseErr.Details
	}
	if kind == lease.KindInternal {
		c.Header("Retry-After", "1")
	}
	c.JSON(statusForKind(kind), resp)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(value time.Time) *string {
	if value.IsZero() {
		return nil
	}
	formatted := formatTime(value)
	return &formatted
}
