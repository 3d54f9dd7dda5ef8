package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/gin-gonic/gin"
)

// ReportViewer scores a resource directly at the upstream; nil means unknown.
type ReportViewer interface {
	View(ctx context.Context, kind domain.TaskKind, resource string) (*domain.ScoreView, error)
}

type vtPassthroughController struct {
	viewer ReportViewer
	kind   domain.TaskKind
}

// NewVTPassthroughController serves /vt/hash/:hash for KindFile and /vt/url/*url for KindURL.
func NewVTPassthroughController(viewer ReportViewer, kind domain.TaskKind) *vtPassthroughController {
	return &vtPassthroughController{viewer: viewer, kind: kind}
}

func (h *vtPassthroughController) Handle(c *gin.Context) {
	if h.viewer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "virustotal is not configured", "kind": "configuration"})
		return
	}
	var resource string
	if h.kind == domain.KindFile {
		resource = strings.TrimSpace(c.Param("hash"))
	} else {
		resource = strings.TrimPrefix(c.Param("url"), "/")
		if q := c.Request.URL.RawQuery; q != "" {
			resource += "?" + q
		}
	}
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing resource", "kind": "parameter"})
		return
	}
	view, err := h.viewer.View(c.Request.Context(), h.kind, resource)
	if err != nil {
		writeError(c, err)
		return
	}
	if view == nil {
		c.JSON(http.StatusOK, gin.H{"result": "unknown"})
		return
	}
	c.JSON(http.StatusOK, view)
}
