package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/services"
	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/gin-gonic/gin"
)

type watchTaskController struct{ svc services.AnalysisService }

func NewWatchTaskController(svc services.AnalysisService) *watchTaskController {
	return &watchTaskController{svc}
}

// Handle registers the poll job of an incomplete task. Watching an already watched task is a
// no-op reported as such.
func (h *watchTaskController) Handle(c *gin.Context) {
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
	if task.Completed {
		c.JSON(http.StatusConflict, gin.H{"error": "task already completed", "kind": "parameter"})
		return
	}
	already := false
	if err := h.svc.RegisterJobFor(task); err != nil {
		if !errors.Is(err, services.ErrJobExists) {
			writeError(c, err)
			return
		}
		already = true
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": fp, "watched": true, "alreadyWatched": already})
}
