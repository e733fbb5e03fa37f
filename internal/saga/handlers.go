package saga

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for saga operations.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up saga routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/rentals/payments", h.StartRentalPayment)
	r.GET("/sagas/:id", h.GetSaga)
	r.POST("/sagas/:id/confirm", h.ConfirmSaga)
	r.POST("/sagas/:id/cancel", h.CancelSaga)
}

// StartRentalPayment handles POST /v1/rentals/payments
func (h *Handler) StartRentalPayment(c *gin.Context) {
	var req RentalPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	sg, err := h.service.StartRentalPayment(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "saga_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"saga": sg})
}

// GetSaga handles GET /v1/sagas/:id
func (h *Handler) GetSaga(c *gin.Context) {
	sg, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Saga not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saga": sg})
}

type confirmRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// ConfirmSaga handles POST /v1/sagas/:id/confirm
func (h *Handler) ConfirmSaga(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	sg, err := h.service.ConfirmPartialTransaction(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrSagaNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Saga not found"})
		case errors.Is(err, ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
		case errors.Is(err, ErrDeadlinePassed), errors.Is(err, ErrNotConfirmable):
			c.JSON(http.StatusConflict, gin.H{"error": "not_confirmable", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"saga": sg})
}

type cancelRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// CancelSaga handles POST /v1/sagas/:id/cancel
func (h *Handler) CancelSaga(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	sg, err := h.service.CancelPartialTransaction(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrSagaNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Saga not found"})
		case errors.Is(err, ErrAlreadyTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "already_terminal", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"saga": sg})
}
