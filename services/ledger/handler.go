package ledger

import (
	"net/http"
	"strconv"

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
	v1 := r.Group("/v1/ledger")
	v1.GET("/:accountID", h.getBalance)
	v1.GET("/:accountID/entries", h.listEntries)
	v1.GET("/:accountID/verify", h.verifyChain)
	v1.GET("/:accountID/replay", h.replay)
	v1.POST("/:accountID/credit", h.credit)
	v1.POST("/:accountID/debit", h.debit)
	v1.POST("/:accountID/refund", h.refund)
}

func (h *Handler) getBalance(c *gin.Context) {
	acct, err := h.svc.GetBalance(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) listEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.svc.ListEntries(c.Request.Context(), c.Param("accountID"), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) verifyChain(c *gin.Context) {
	report, err := h.svc.VerifyChain(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) replay(c *gin.Context) {
	report, err := h.svc.Replay(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.AccountID = c.Param("accountID")

	entry, err := h.svc.Credit(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) debit(c *gin.Context) {
	var req DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.AccountID = c.Param("accountID")

	entry, err := h.svc.Debit(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.AccountID = c.Param("accountID")

	entry, err := h.svc.Refund(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
