package custody

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow accounts.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateAccount)
	r.GET("/escrow/:id", h.GetAccount)
	r.GET("/transactions/:id/escrow", h.GetByTransaction)
	r.POST("/escrow/:id/conditions", h.UpdateCondition)
}

// CreateAccount handles POST /v1/escrow
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	acct, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_failed",
			"message": "Failed to create escrow account",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetAccount handles GET /v1/escrow/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAccountErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetByTransaction handles GET /v1/transactions/:id/escrow
func (h *Handler) GetByTransaction(c *gin.Context) {
	acct, err := h.service.GetByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondAccountErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

type conditionRequest struct {
	Type   string `json:"type" binding:"required"`
	Status string `json:"status" binding:"required"`
	Value  string `json:"value"`
	Actor  string `json:"actor" binding:"required"`
}

// UpdateCondition handles POST /v1/escrow/:id/conditions
func (h *Handler) UpdateCondition(c *gin.Context) {
	var req conditionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	acct, err := h.service.UpdateReleaseCondition(
		c.Request.Context(), c.Param("id"), req.Actor, req.Type, ConditionStatus(req.Status), req.Value)
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			respondAccountErr(c, err)
		case errors.Is(err, ErrConditionNotDefined), errors.Is(err, ErrAccountFrozen), errors.Is(err, ErrAlreadyTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_condition",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func respondAccountErr(c *gin.Context, err error) {
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow account not found",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
