package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/services"
	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/gin-gonic/gin"
)

type getTaskStatusController struct{ svc services.AnalysisService }

func NewGetTaskStatusController(svc services.AnalysisService) *getTaskStatusController {
	return &getTaskStatusController{svc}
}

func (h *getTaskStatusController) Handle(c *gin.Context) {
	fp, err := domain.NormalizeFingerprint(c.Param("fingerprint"))
	if err != nil {
		writeError(c, err)
		return
	}
	task, err := h.svc.GetTask(c.Request.Context(), fp)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task.Summary())
}
