package reputation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dealpact/dealpact/internal/logging"
	"github.com/dealpact/dealpact/internal/validation"
)

// Handler provides HTTP endpoints for reputation
type Handler struct {
	calculator *Calculator
}

// NewHandler creates a new reputation handler
func NewHandler(calculator *Calculator) *Handler {
	return &Handler{calculator: calculator}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation/:handle", h.GetReputation)
}

// GetReputation returns the summary for a single handle.
// GET /v1/reputation/:handle
func (h *Handler) GetReputation(c *gin.Context) {
	handle := validation.NormalizeHandle(c.Param("handle"))
	if !validation.IsValidHandle(handle) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_handle",
			"message": "Handle must be 3-32 letters, digits or underscores",
		})
		return
	}

	summary, err := h.calculator.Get(c.Request.Context(), handle)
	if err != nil {
		logging.L(c.Request.Context()).Error("reputation lookup failed", "handle", handle, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load reputation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reputation": summary})
}
