package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/services"

	"github.com/gin-gonic/gin"
)

type createURLTaskController struct{ svc services.AnalysisService }

func NewCreateURLTaskController(svc services.AnalysisService) *createURLTaskController {
	return &createURLTaskController{svc}
}

type createURLReq struct {
	URL     string `json:"url" binding:"required"`
	Webhook string `json:"webhook,omitempty"`
}

func (h *createURLTaskController) Handle(c *gin.Context) {
	var req createURLReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: url is required", "kind": "parameter"})
		return
	}
	task, err := h.svc.CreateURLTask(c.Request.Context(), req.URL, services.TaskOptions{Webhook: req.Webhook})
	writeCreated(c, task, err)
}
