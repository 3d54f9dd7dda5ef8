package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/services"

	"github.com/gin-gonic/gin"
)

type getCredentialsController struct{ svc services.AnalysisService }

func NewGetCredentialsController(svc services.AnalysisService) *getCredentialsController {
	return &getCredentialsController{svc}
}

// Handle lists the analysers whose credentials make them usable. Secrets are never returned.
func (h *getCredentialsController) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"analysers": h.svc.UsableAnalyserNames()})
}
