package controllers

import (
	"net/http"
	"strconv"

	"github.com/osvaldoandrade/inspector/internal/services"

	"github.com/gin-gonic/gin"
)

type getTaskByIDController struct{ svc services.AnalysisService }

func NewGetTaskByIDController(svc services.AnalysisService) *getTaskByIDController {
	return &getTaskByIDController{svc}
}

func (h *getTaskByIDController) Handle(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id", "kind": "parameter"})
		return
	}
	task, err := h.svc.GetTaskByID(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.ViewOf(task))
}
