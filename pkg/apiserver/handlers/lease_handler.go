package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gpulease/gpulease/pkg/apiserver/middleware"
	"github.com/gpulease/gpulease/pkg/lease"
	"github.com/gpulease/gpulease/pkg/model"
)

// Leaser is the admission surface the HTTP handlers depend on.
type Leaser interface {
	Lease(ctx context.Context, accountID, modelID string) (*lease.Receipt, error)
	Capacity(ctx context.Context) (*lease.CapacitySnapshot, error)
}

type LeaseHandler struct {
	leaser Leaser
	logger *zap.Logger
}

func NewLeaseHandler(leaser Leaser, logger *zap.Logger) *LeaseHandler {
	return &LeaseHandler{leaser: leaser, logger: logger}
}

type leaseResponse struct {
	TransactionID string   `json:"transaction_id"`
	AccountID     string   `json:"account_id"`
	ModelID       string   `json:"model_id"`
	AmountDebited int64    `json:"amount_debited"`
	BalanceAfter  int64    `json:"balance_after"`
	Evicted       []string `json:"evicted"`
	ActivatedAt   string   `json:"activated_at"`
}

func (h *LeaseHandler) Lease(c *gin.Context) {
	accountID := middleware.AccountID(c)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing account"})
		return
	}

	organization, name := c.Param("org"), c.Param("name")
	modelID := model.ModelID(organization, name)
	if _, _, err := model.ParseModelID(modelID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid model id", "details": err.Error()})
		return
	}

	receipt, err := h.leaser.Lease(c.Request.Context(), accountID, modelID)
	if err != nil {
		writeLeaseError(c, err)
		return
	}

	evicted := receipt.Evicted
	if evicted == nil {
		evicted = []string{}
	}
	c.JSON(http.StatusOK, leaseResponse{
		TransactionID: receipt.TransactionID,
		AccountID:     receipt.AccountID,
		ModelID:       receipt.ModelID,
		AmountDebited: receipt.AmountDebited,
		BalanceAfter:  receipt.BalanceAfter,
		Evicted:       evicted,
		ActivatedAt:   formatTime(receipt.ActivatedAt),
	})
}
