package quest

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
	v1 := r.Group("/v1/quests")
	v1.POST("", h.createDefinition)
	v1.GET("", h.listDefinitions)
	v1.GET("/:questID", h.getDefinition)
	v1.DELETE("/:questID", h.deactivate)
	v1.POST("/:questID/progress", h.recordProgress)
	v1.POST("/:questID/claim", h.claim)
	v1.GET("/:questID/progress/:accountID", h.getProgress)

	streaks := r.Group("/v1/streaks")
	streaks.POST("/:accountID/check-in", h.checkIn)
	streaks.GET("/:accountID", h.getStreak)
}

func (h *Handler) createDefinition(c *gin.Context) {
	var req CreateDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	def, err := h.svc.CreateDefinition(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (h *Handler) listDefinitions(c *gin.Context) {
	defs, err := h.svc.ListDefinitions(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quests": defs})
}

func (h *Handler) getDefinition(c *gin.Context) {
	def, err := h.svc.GetDefinition(c.Request.Context(), c.Param("questID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handler) deactivate(c *gin.Context) {
	if err := h.svc.DeactivateDefinition(c.Request.Context(), c.Param("questID")); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) recordProgress(c *gin.Context) {
	var req RecordProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.QuestID = c.Param("questID")

	result, err := h.svc.RecordProgress(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	req.QuestID = c.Param("questID")

	result, err := h.svc.Claim(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getProgress(c *gin.Context) {
	progress, err := h.svc.GetProgress(c.Request.Context(), c.Param("accountID"), c.Param("questID"), c.Query("period"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *Handler) checkIn(c *gin.Context) {
	result, err := h.svc.CheckIn(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getStreak(c *gin.Context) {
	streak, err := h.svc.GetStreak(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, streak)
}
