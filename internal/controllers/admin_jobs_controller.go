package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/services"

	"github.com/gin-gonic/gin"
)

type adminJobsController struct{ scheduler services.JobScheduler }

func NewAdminJobsController(scheduler services.JobScheduler) *adminJobsController {
	return &adminJobsController{scheduler}
}

func (h *adminJobsController) Handle(c *gin.Context) {
	jobs := h.scheduler.Jobs()
	c.JSON(http.StatusOK, gin.H{
		"running": h.scheduler.Running(),
		"count":   len(jobs),
		"jobs":    jobs,
	})
}
