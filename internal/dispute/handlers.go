package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/evidence/:evidenceId/verify", h.VerifyEvidence)
	r.POST("/disputes/:id/resolution", h.ProposeResolution)
	r.POST("/disputes/:id/accept", h.Accept)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/resolve", h.ResolveByAdmin)
	r.POST("/disputes/:id/close", h.CloseDispute)
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownType):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_type",
				"message": err.Error(),
			})
		case errors.Is(err, ErrEscrowSettled):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "escrow_settled",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "dispute_failed",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDisputeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type evidenceRequest struct {
	Actor       string `json:"actor" binding:"required"`
	Kind        string `json:"kind" binding:"required"`
	Description string `json:"description" binding:"required"`
	URL         string `json:"url"`
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), req.Actor, Evidence{
		Kind:        req.Kind,
		Description: req.Description,
		URL:         req.URL,
	})
	if err != nil {
		respondDisputeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type verifyRequest struct {
	AdminID string `json:"adminId" binding:"required"`
}

// VerifyEvidence handles POST /v1/disputes/:id/evidence/:evidenceId/verify
func (h *Handler) VerifyEvidence(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.VerifyEvidence(c.Request.Context(), c.Param("id"), c.Param("evidenceId"), req.AdminID)
	if err != nil {
		respondDisputeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type resolutionRequest struct {
	Actor   string             `json:"actor" binding:"required"`
	Summary string             `json:"summary" binding:"required"`
	Actions []ResolutionAction `json:"actions"`
}

// ProposeResolution handles POST /v1/disputes/:id/resolution
func (h *Handler) ProposeResolution(c *gin.Context) {
	var req resolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.ProposeResolution(c.Request.Context(), c.Param("id"), req.Actor, req.Summary, req.Actions)
	if err != nil {
		respondDisputeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type acceptRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// Accept handles POST /v1/disputes/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Accept(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondDisputeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type escalateRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var req escalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		respondDisputeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveByAdmin handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveByAdmin(c *gin.Context) {
	var req resolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.ResolveByAdmin(c.Request.Context(), c.Param("id"), req.Actor, req.Summary, req.Actions)
	if err != nil {
		respondDisputeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type closeRequest struct {
	Actor string `json:"actor" binding:"required"`
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Close(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		respondDisputeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondDisputeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, ErrEvidenceNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_a_party",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrNoResolution), errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
