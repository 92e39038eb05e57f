package deals

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dealpact/dealpact/internal/audit"
	"github.com/dealpact/dealpact/internal/validation"
)

// RegisterAdminRoutes mounts roster and audit routes. The service enforces
// superuser access.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/arbiters", h.ListArbiters)
	r.POST("/arbiters", h.AddArbiter)
	r.DELETE("/arbiters/:handle", h.RemoveArbiter)
	r.GET("/audit", h.AuditLog)
}

// AddArbiterRequest is the body of POST /arbiters.
type AddArbiterRequest struct {
	Handle string `json:"handle" binding:"required"`
}

// AddArbiter handles POST /v1/arbiters
func (h *Handler) AddArbiter(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req AddArbiterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "handle is required"})
		return
	}
	handle := validation.NormalizeHandle(req.Handle)
	if errs := validation.Validate(validation.ValidHandle("handle", handle)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	a, err := h.service.AddArbiter(c.Request.Context(), id, handle)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"arbiter": a})
}

// RemoveArbiter handles DELETE /v1/arbiters/:handle
func (h *Handler) RemoveArbiter(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	if err := h.service.RemoveArbiter(c.Request.Context(), id, validation.NormalizeHandle(c.Param("handle"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// ListArbiters handles GET /v1/arbiters
func (h *Handler) ListArbiters(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	list, err := h.service.ListArbiters(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbiters": list, "count": len(list)})
}

// AuditLog handles GET /v1/audit?deal=DP-XXXX&limit=15&cursor=...
func (h *Handler) AuditLog(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	code := c.Query("deal")
	if code != "" && !validation.IsValidDealCode(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_code", "message": "deal code must look like DP-XXXX"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.service.AuditLog(c.Request.Context(), id, code, limit, c.Query("cursor"))
	if errors.Is(err, audit.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    page.Entries,
		"count":      len(page.Entries),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}
