package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type CapacityHandler struct {
	leaser Leaser
	logger *zap.Logger
}

func NewCapacityHandler(leaser Leaser, logger *zap.Logger) *CapacityHandler {
	return &CapacityHandler{leaser: leaser, logger: logger}
}

type activeModelResponse struct {
	ID               string  `json:"id"`
	RequiredCapacity int     `json:"required_capacity"`
	ActivatedAt      *string `json:"activated_at,omitempty"`
	ImmuneUntil      *string `json:"immune_until,omitempty"`
	Evictable        bool    `json:"evictable"`
}

type capacityResponse struct {
	MaxCapacity    int                   `json:"max_capacity"`
	InUse          int                   `json:"in_use"`
	Headroom       int                   `json:"headroom"`
	Freeable       int                   `json:"freeable"`
	EvictionPolicy string                `json:"eviction_policy"`
	Active         []activeModelResponse `json:"active"`
}

func (h *CapacityHandler) Get(c *gin.Context) {
	snapshot, err := h.leaser.Capacity(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read capacity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read capacity"})
		return
	}

	resp := capacityResponse{
		MaxCapacity:    snapshot.MaxCapacity,
		InUse:          snapshot.InUse,
		Headroom:       snapshot.Headroom,
		Freeable:       snapshot.Freeable,
		EvictionPolicy: snapshot.Policy,
		Active:         make([]activeModelResponse, 0, len(snapshot.Active)),
	}
	for _, m := range snapshot.Active {
		resp.Active = append(resp.Active, activeModelResponse{
			ID:               m.ID,
			RequiredCapacity: m.RequiredCapacity,
			ActivatedAt:      formatOptionalTime(m.ActivatedAt),
			ImmuneUntil:      formatOptionalTime(m.ImmuneUntil),
			Evictable:        m.Evictable,
		})
	}
	c.JSON(http.StatusOK, resp)
}
