package controllers

import (
	"github.com/osvaldoandrade/inspector/internal/services"

	"github.com/gin-gonic/gin"
)

type createHashTaskController struct{ svc services.AnalysisService }

func NewCreateHashTaskController(svc services.AnalysisService) *createHashTaskController {
	return &createHashTaskController{svc}
}

type createHashReq struct {
	Webhook string `json:"webhook,omitempty"`
}

// Handle creates a file task known only by its sha256; only hash-aware analysers receive it.
func (h *createHashTaskController) Handle(c *gin.Context) {
	var req createHashReq
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	task, err := h.svc.CreateFileTaskFromFingerprint(c.Request.Context(), c.Param("hash"), services.TaskOptions{Webhook: req.Webhook})
	writeCreated(c, task, err)
}
