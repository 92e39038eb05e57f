package deals

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dealpact/dealpact/internal/auth"
	"github.com/dealpact/dealpact/internal/logging"
	"github.com/dealpact/dealpact/internal/validation"
)

// Handler provides HTTP endpoints for deal operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the deal routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.GET("/deals", h.ListDeals)
	r.GET("/disputes", h.ListDisputes)

	d := r.Group("/deals/:code", validation.DealCodeParamMiddleware())
	d.GET("", h.GetDeal)
	d.POST("/fund", h.FundDeal)
	d.POST("/release", h.ReleaseDeal)
	d.POST("/cancel", h.CancelDeal)
	d.POST("/dispute", h.DisputeDeal)
	d.POST("/cancel-dispute", h.CancelDispute)
	d.POST("/evidence", h.SubmitEvidence)
	d.GET("/evidence", h.ListEvidence)
	d.POST("/review", h.SubmitReview)
	d.POST("/assign", h.AssignArbiter)
	d.POST("/unassign", h.UnassignArbiter)
	d.POST("/resolve", h.ResolveDispute)
	d.POST("/message", h.MessageParty)
	d.POST("/broadcast", h.Broadcast)
}

// DealView is a deal plus the time left in its release window.
type DealView struct {
	*Deal
	ReleaseDeadline *time.Time `json:"releaseDeadline,omitempty"`
	WindowRemaining string     `json:"windowRemaining,omitempty"`
}

func (h *Handler) view(d *Deal) DealView {
	v := DealView{Deal: d}
	if d.Status == StatusFunded && d.FundedAt != nil {
		deadline := d.ReleaseDeadline(h.service.ReleaseWindow())
		v.ReleaseDeadline = &deadline
		v.WindowRemaining = FormatRemaining(d.WindowRemaining(h.service.ReleaseWindow(), h.service.now()))
	}
	return v
}

func (h *Handler) outcome(c *gin.Context, status int, out *Outcome) {
	body := gin.H{"deal": h.view(out.Deal)}
	if out.From != "" && out.From != out.To {
		body["from"] = out.From
		body["to"] = out.To
	}
	if out.Tag != "" {
		body["tag"] = out.Tag
	}
	if out.TxRef != "" {
		body["txRef"] = out.TxRef
	}
	if out.DepositURL != "" {
		body["depositUrl"] = out.DepositURL
	}
	if len(out.Warnings) > 0 {
		body["warnings"] = out.Warnings
	}
	c.JSON(status, body)
}

// caller returns the acting identity, aborting the request when absent.
// bindOptional decodes a JSON body if one was sent, including chunked
// bodies with no Content-Length. An empty body leaves req untouched.
func bindOptional(c *gin.Context, req interface{}) bool {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return false
	}
	return true
}

func caller(c *gin.Context) (Identity, bool) {
	cl, ok := auth.MustCaller(c)
	if !ok {
		return Identity{}, false
	}
	return Identity{ID: cl.ID, Handle: cl.Handle}, true
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "buyer and amount are required"})
		return
	}
	req.BuyerHandle = validation.NormalizeHandle(req.BuyerHandle)
	if errs := validation.Validate(
		validation.ValidHandle("buyer", req.BuyerHandle),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxDescriptionLength)

	d, err := h.service.Create(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": h.view(d)})
}

// ListDeals handles GET /v1/deals
func (h *Handler) ListDeals(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	limit := 15
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, err := h.service.ListForParty(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]DealView, len(list))
	for i, d := range list {
		views[i] = h.view(d)
	}
	c.JSON(http.StatusOK, gin.H{"deals": views, "count": len(views)})
}

// GetDeal handles GET /v1/deals/:code
func (h *Handler) GetDeal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	d, err := h.service.Get(c.Request.Context(), id, c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": h.view(d)})
}

// FundDeal handles POST /v1/deals/:code/fund
func (h *Handler) FundDeal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	out, err := h.service.BindLedger(c.Request.Context(), id, c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.outcome(c, http.StatusOK, out)
}

// ReleaseRequest is the body of POST /deals/:code/release.
type ReleaseRequest struct {
	Override bool `json:"override"`
}

// ReleaseDeal handles POST /v1/deals/:code/release
func (h *Handler) ReleaseDeal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req ReleaseRequest
	if !bindOptional(c, &req) {
		return
	}
	out, err := h.service.Release(c.Request.Context(), id, c.Param("code"), req.Override)
	if err != nil {
		respondError(c, err)
		return
	}
	h.outcome(c, http.StatusOK, out)
}

// CancelDeal handles POST /v1/deals/:code/cancel
func (h *Handler) CancelDeal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	out, err := h.service.Cancel(c.Request.Context(), id, c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.outcome(c, http.StatusOK, out)
}

// DisputeRequest is the body of POST /deals/:code/dispute.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// DisputeDeal handles POST /v1/deals/:code/dispute
func (h *Handler) DisputeDeal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req DisputeRequest
	if !bindOptional(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	out, err := h.service.Dispute(c.Request.Context(), id, c.Param("code"),
		validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if err != nil {
		respondError(c, err)
		return
	}
	h.outcome(c, http.StatusOK, out)
}

// CancelDispute handles POST /v1/deals/:code/cancel-dispute
func (h *Handler) CancelDispute(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	out, err := h.service.CancelDispute(c.Request.Context(), id, c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.outcome(c, http.StatusOK, out)
}

// EvidenceRequest is the body of POST /deals/:code/evidence.
type EvidenceRequest struct {
	Content        string `json:"content"`
	AttachmentRef  string `json:"attachmentRef"`
	AttachmentType string `json:"attachmentType"`
}

// SubmitEvidence handles POST /v1/deals/:code/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("content", req.Content, validation.MaxEvidenceLength),
		validation.MaxLength("attachmentRef", req.AttachmentRef, validation.MaxAttachmentLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	ev, err := h.service.SubmitEvidence(c.Request.Context(), id, c.Param("code"), EvidenceInput{
		Content:        validation.SanitizeString(req.Content, validation.MaxEvidenceLength),
		AttachmentRef:  req.AttachmentRef,
		AttachmentType: req.AttachmentType,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": ev})
}

// ListEvidence handles GET /v1/deals/:code/evidence
func (h *Handler) ListEvidence(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	d, list, err := h.service.ListEvidence(c.Request.Context(), id, c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deal":     h.view(d),
		"evidence": list,
		"count":    len(list),
	})
}

// ReviewRequest is the body of POST /deals/:code/review.
type ReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// SubmitReview handles POST /v1/deals/:code/review
func (h *Handler) SubmitReview(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	d, err := h.service.SubmitReview(c.Request.Context(), id, c.Param("code"), req.Rating,
		validation.SanitizeString(req.Comment, validation.MaxReviewLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": h.view(d)})
}

// AssignRequest is the body of POST /deals/:code/assign.
type AssignRequest struct {
	Arbiter string `json:"arbiter" binding:"required"`
}

// AssignArbiter handles POST /v1/deals/:code/assign
func (h *Handler) AssignArbiter(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "arbiter handle is required"})
		return
	}
	out, err := h.service.AssignArbiter(c.Request.Context(), id, c.Param("code"), validation.NormalizeHandle(req.Arbiter))
	if err != nil {
		respondError(c, err)
		return
	}
	h.outcome(c, http.StatusOK, out)
}

// UnassignArbiter handles POST /v1/deals/:code/unassign
func (h *Handler) UnassignArbiter(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	out, err := h.service.UnassignArbiter(c.Request.Context(), id, c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.outcome(c, http.StatusOK, out)
}

// ResolveRequest is the body of POST /deals/:code/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// ResolveDispute handles POST /v1/deals/:code/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resolution is required"})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("resolution", req.Resolution, string(ResolutionRelease), string(ResolutionRefund)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	out, err := h.service.Resolve(c.Request.Context(), id, c.Param("code"), Resolution(req.Resolution))
	if err != nil {
		respondError(c, err)
		return
	}
	h.outcome(c, http.StatusOK, out)
}

// MessageRequest is the body of POST /deals/:code/message and /broadcast.
type MessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text" binding:"required"`
}

// MessageParty handles POST /v1/deals/:code/message
func (h *Handler) MessageParty(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "text is required"})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("to", req.To, string(PartySeller), string(PartyBuyer)),
		validation.MaxLength("text", req.Text, validation.MaxMessageLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	err := h.service.MessageParty(c.Request.Context(), id, c.Param("code"), Party(req.To),
		validation.SanitizeString(req.Text, validation.MaxMessageLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "to": req.To})
}

// Broadcast handles POST /v1/deals/:code/broadcast
func (h *Handler) Broadcast(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "text is required"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("text", req.Text, validation.MaxMessageLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	err := h.service.Broadcast(c.Request.Context(), id, c.Param("code"),
		validation.SanitizeString(req.Text, validation.MaxMessageLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "to": "both"})
}

// ListDisputes handles GET /v1/disputes?mine=true
func (h *Handler) ListDisputes(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	mine := c.Query("mine") == "true"
	list, err := h.service.ListDisputes(c.Request.Context(), id, mine)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]DealView, len(list))
	for i, d := range list {
		views[i] = h.view(d)
	}
	c.JSON(http.StatusOK, gin.H{"disputes": views, "count": len(views)})
}

// respondError maps service errors onto HTTP responses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	body := gin.H{}

	var te *TransitionError
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUserNotFound):
		status, code = http.StatusNotFound, "user_not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.As(err, &te):
		status, code = http.StatusConflict, "invalid_transition"
		body["currentStatus"] = te.Current
		if te.OverrideRequired {
			code = "override_required"
		}
	case errors.Is(err, ErrAlreadyReviewed):
		status, code = http.StatusConflict, "already_reviewed"
	case errors.Is(err, ErrAlreadyBound):
		status, code = http.StatusConflict, "already_bound"
	case errors.Is(err, ErrStaleDeal):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrWalletMissing):
		status, code = http.StatusPreconditionFailed, "wallet_required"
	case errors.Is(err, ErrLedgerUnavailable):
		status, code = http.StatusServiceUnavailable, "ledger_unavailable"
	case errors.Is(err, ErrStoreWriteFailed):
		status, code = http.StatusInternalServerError, "store_write_failed"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSelfDeal), errors.Is(err, ErrInvalidRating),
		errors.Is(err, ErrEmptyEvidence), errors.Is(err, ErrBadResolution), errors.Is(err, ErrBadParty),
		errors.Is(err, ErrNotArbiter), errors.Is(err, ErrNoRecipient):
		status, code = http.StatusBadRequest, "validation_error"
	}

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("deal request failed", "path", c.FullPath(), "error", err)
	}
	body["error"] = code
	body["message"] = err.Error()
	c.JSON(status, body)
}
