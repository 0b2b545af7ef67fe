package api

import (
	"net/http"
	"time"
)

// Availability reports whether the TAK server is currently reachable.
type Availability interface {
	Available() bool
}

type HealthHandler struct {
	startedAt time.Time
	queueSize func() int
	takUp     Availability
}

func NewHealthHandler(queueSize func() int, takUp Availability) *HealthHandler {
	return &HealthHandler{
		startedAt: time.Now(),
		queueSize: queueSize,
		takUp:     takUp,
	}
}

// GET /api/v1/health
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	takStatus := "reachable"
	if h.takUp != nil && !h.takUp.Available() {
		takStatus = "unreachable"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"queue_depth":    h.queueSize(),
		"tak_server":     takStatus,
	})
}
