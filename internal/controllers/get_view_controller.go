package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/services"
	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/gin-gonic/gin"
)

type getViewController struct{ svc services.AnalysisService }

func NewGetViewController(svc services.AnalysisService) *getViewController {
	return &getViewController{svc}
}

func (h *getViewController) Handle(c *gin.Context) {
	fp, err := domain.NormalizeFingerprint(c.Param("fingerprint"))
	if err != nil {
		writeError(c, err)
		return
	}
	view, err := h.svc.GetView(c.Request.Context(), fp)
	if err != nil {
		writeError(c, err)
		return
	}
	if view == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task " + fp + " not found", "kind": "db"})
		return
	}
	c.JSON(http.StatusOK, view)
}
