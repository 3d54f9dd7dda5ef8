package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/backends"
	"github.com/osvaldoandrade/inspector/internal/services"

	"github.com/gin-gonic/gin"
)

type updateCredentialsController struct{ svc services.CredentialsService }

func NewUpdateCredentialsController(svc services.CredentialsService) *updateCredentialsController {
	return &updateCredentialsController{svc}
}

type updateCredentialsReq struct {
	VirusTotalAPIKey *string `json:"virustotal_api_key"`
	CuckooUsername   *string `json:"cuckoo_username"`
	CuckooPassword   *string `json:"cuckoo_password"`
}

func (h *updateCredentialsController) Handle(c *gin.Context) {
	var req updateCredentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only json is accepted", "kind": "parameter"})
		return
	}
	if req.VirusTotalAPIKey == nil && req.CuckooUsername == nil && req.CuckooPassword == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "must contain at least virustotal_api_key or cuckoo_username and cuckoo_password",
			"kind":  "parameter",
		})
		return
	}

	ctx := c.Request.Context()
	apiKeyUpdated, credentialsUpdated := false, false
	if req.VirusTotalAPIKey != nil {
		if err := h.svc.UpdateAPIKey(ctx, backends.VirusTotalName, *req.VirusTotalAPIKey); err != nil {
			writeError(c, err)
			return
		}
		apiKeyUpdated = true
	}
	if req.CuckooUsername != nil || req.CuckooPassword != nil {
		if err := h.svc.UpdateCredentials(ctx, backends.CuckooName, deref(req.CuckooUsername), deref(req.CuckooPassword)); err != nil {
			writeError(c, err)
			return
		}
		credentialsUpdated = true
	}
	c.JSON(http.StatusOK, gin.H{
		"apiKeyUpdated":      apiKeyUpdated,
		"credentialsUpdated": credentialsUpdated,
		"configured":         h.svc.Configured(),
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
