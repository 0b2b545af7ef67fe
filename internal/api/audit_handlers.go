package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/stratosight/geotak/internal/audit"
)

const defaultTailLimit = 100

type AuditHandler struct {
	Journal *audit.Journal
}

func NewAuditHandler(j *audit.Journal) *AuditHandler {
	return &AuditHandler{Journal: j}
}

// GET /api/v1/audit?detection_id=<uuid> returns the full trail for one
// detection; without the parameter it tails the journal (?limit=, default 100).
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("detection_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid detection_id")
			return
		}
		events, err := h.Journal.Scan(id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "audit scan failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	limit := defaultTailLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := h.Journal.Tail(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit tail failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}
