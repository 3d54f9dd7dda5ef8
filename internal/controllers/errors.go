package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/inspector/internal/middleware"
	"github.com/osvaldoandrade/inspector/internal/services"
	"github.com/osvaldoandrade/inspector/pkg/domain"

	"github.com/gin-gonic/gin"
)

func statusFor(err error) int {
	switch domain.ErrorKind(err) {
	case "parameter":
		return http.StatusBadRequest
	case "upstream", "response":
		return http.StatusBadGateway
	case "db":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error", "kind"} with the status of its kind.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error("request failed", "route", c.FullPath(), "err", err)
	}
	body := gin.H{"error": err.Error(), "kind": domain.ErrorKind(err)}
	var de *services.DispatchError
	if errors.As(err, &de) {
		body["analysers"] = dispatchErrors(de)
		status = http.StatusBadGateway
	}
	c.JSON(status, body)
}

func dispatchErrors(de *services.DispatchError) map[string]string {
	out := make(map[string]string, len(de.Errors))
	for name, err := range de.Errors {
		out[name] = err.Error()
	}
	return out
}

type createdTask struct {
	ID          int64            `json:"id"`
	Fingerprint string           `json:"fingerprint"`
	State       domain.TaskState `json:"state"`
	// Failed lists analysers whose submission failed while the others accepted the task.
	Failed map[string]string `json:"failed,omitempty"`
}

// writeCreated answers a create call. A task returned together with a DispatchError was
// persisted for the analysers that accepted it.
func writeCreated(c *gin.Context, task *domain.Task, err error) {
	var de *services.DispatchError
	if err != nil && (task == nil || !errors.As(err, &de)) {
		writeError(c, err)
		return
	}
	out := createdTask{ID: task.ID, Fingerprint: task.Fingerprint, State: task.State()}
	if de != nil {
		out.Failed = dispatchErrors(de)
	}
	c.JSON(http.StatusCreated, out)
}
