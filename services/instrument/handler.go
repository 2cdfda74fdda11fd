package instrument

import (
	"errors"
	"io"
	"net/http"

	"charter-loyalty/pkg/errutil"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1/instruments")
	v1.POST("", h.issue)
	v1.POST("/purchase", h.purchase)
	v1.GET("/:code", h.get)
	v1.GET("/:code/redemptions", h.listRedemptions)
	v1.GET("/:code/events", h.listEvents)
	v1.POST("/:code/redeem", h.redeem)
	v1.POST("/:code/cancel", h.cancel)

	r.GET("/v1/accounts/:accountID/instruments", h.listByOwner)
}

func (h *Handler) issue(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	inst, err := h.svc.Issue(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (h *Handler) purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	inst, err := h.svc.PurchaseWithPoints(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (h *Handler) get(c *gin.Context) {
	inst, err := h.svc.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handler) listByOwner(c *gin.Context) {
	instruments, err := h.svc.ListByOwner(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruments": instruments})
}

func (h *Handler) listRedemptions(c *gin.Context) {
	redemptions, err := h.svc.ListRedemptions(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": redemptions})
}

func (h *Handler) listEvents(c *gin.Context) {
	events, err := h.svc.ListEvents(c.Request.Context(), c.Param("code"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.Code = c.Param("code")

	result, err := h.svc.Redeem(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) cancel(c *gin.Context) {
	var req CancelRequest
	// The body is optional here; cancellation needs only the code.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.Code = c.Param("code")

	inst, err := h.svc.Cancel(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, inst)
}
