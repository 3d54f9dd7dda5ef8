package controllers

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/inspector/internal/services"

	"github.com/gin-gonic/gin"
)

type createFileTaskController struct {
	svc      services.AnalysisService
	maxBytes int64
}

// NewCreateFileTaskController limits decoded uploads to maxBytes (32 MiB when <= 0).
func NewCreateFileTaskController(svc services.AnalysisService, maxBytes int64) *createFileTaskController {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &createFileTaskController{svc: svc, maxBytes: maxBytes}
}

// formSlack covers the JSON or multipart framing and the small fields sent with the file.
const formSlack = 64 << 10

type createFileReq struct {
	// FileData is the base64 (standard alphabet) encoded file content.
	FileData string `json:"filedata" binding:"required"`
	FileName string `json:"filename,omitempty"`
	Webhook  string `json:"webhook,omitempty"`
}

// bodyLimit bounds the raw request body: base64 grows the file by a third.
func (h *createFileTaskController) bodyLimit(multipart bool) int64 {
	if multipart {
		return h.maxBytes + formSlack
	}
	return int64(base64.StdEncoding.EncodedLen(int(h.maxBytes))) + formSlack
}

func (h *createFileTaskController) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large", "kind": "parameter"})
}

// Handle accepts either a JSON body with base64 filedata or a multipart form with a "file" part.
// Bodies beyond the upload limit are cut off while reading and answered with 413.
func (h *createFileTaskController) Handle(c *gin.Context) {
	var (
		data     []byte
		filename string
		webhook  string
	)
	multipart := strings.HasPrefix(c.ContentType(), "multipart/")
	limit := h.bodyLimit(multipart)
	if c.Request.ContentLength > limit {
		h.tooLarge(c)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	if multipart {
		fh, err := c.FormFile("file")
		if err != nil {
			if isBodyTooLarge(err) {
				h.tooLarge(c)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "must provide file", "kind": "parameter"})
			return
		}
		if fh.Size > h.maxBytes {
			h.tooLarge(c)
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeError(c, err)
			return
		}
		defer f.Close()
		if data, err = io.ReadAll(f); err != nil {
			writeError(c, err)
			return
		}
		filename = c.PostForm("filename")
		if filename == "" {
			filename = fh.Filename
		}
		webhook = c.PostForm("webhook")
	} else {
		var req createFileReq
		if err := c.ShouldBindJSON(&req); err != nil {
			if isBodyTooLarge(err) {
				h.tooLarge(c)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "must provide filedata", "kind": "parameter"})
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.FileData))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "filedata is not valid base64", "kind": "parameter"})
			return
		}
		if int64(len(decoded)) > h.maxBytes {
			h.tooLarge(c)
			return
		}
		data, filename, webhook = decoded, req.FileName, req.Webhook
	}

	task, err := h.svc.CreateFileTask(c.Request.Context(), data, filename, services.TaskOptions{Webhook: webhook})
	writeCreated(c, task, err)
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
