package reward

import (
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
	v1 := r.Group("/v1/rewards")
	v1.POST("", h.createItem)
	v1.GET("", h.listItems)
	v1.GET("/:itemID", h.getItem)
	v1.DELETE("/:itemID", h.deactivateItem)
	v1.POST("/:itemID/redeem", h.redeem)

	r.GET("/v1/accounts/:accountID/reward-redemptions", h.listRedemptions)
	r.POST("/v1/reward-redemptions/:redemptionID/cancel", h.cancelRedemption)
}

func (h *Handler) createItem(c *gin.Context) {
	var req CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	item, err := h.svc.CreateItem(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) listItems(c *gin.Context) {
	items, err := h.svc.ListItems(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) getItem(c *gin.Context) {
	item, err := h.svc.GetItem(c.Request.Context(), c.Param("itemID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) deactivateItem(c *gin.Context) {
	if err := h.svc.DeactivateItem(c.Request.Context(), c.Param("itemID")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.ItemID = c.Param("itemID")

	redemption, err := h.svc.Redeem(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, redemption)
}

func (h *Handler) cancelRedemption(c *gin.Context) {
	redemption, err := h.svc.CancelRedemption(c.Request.Context(), c.Param("redemptionID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, redemption)
}

func (h *Handler) listRedemptions(c *gin.Context) {
	redemptions, err := h.svc.ListRedemptions(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": redemptions})
}
