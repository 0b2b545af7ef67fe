package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/geo"
	"github.com/stratosight/geotak/internal/metrics"
	"github.com/stratosight/geotak/internal/middleware"
	"github.com/stratosight/geotak/internal/pipeline"
	"github.com/stratosight/geotak/internal/validate"
)

// maxRequestBytes bounds the raw request body. The 10 MiB image limit is
// enforced on decoded bytes by the sanitizer; this covers base64 overhead
// plus the rest of the payload.
const maxRequestBytes = 16 << 20

type DetectionHandler struct {
	Orchestrator *pipeline.Orchestrator
	Journal      *audit.Journal
}

func NewDetectionHandler(o *pipeline.Orchestrator, j *audit.Journal) *DetectionHandler {
	return &DetectionHandler{Orchestrator: o, Journal: j}
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// POST /api/v1/detections
func (h *DetectionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalLabel(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.DetectionsTotal.WithLabelValues("payload_too_large").Inc()
			respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	parsed, verr := validate.Parse(body)
	if verr != nil {
		if _, aerr := h.Journal.Append(uuid.Nil, audit.KindValidationFailed, principal, map[string]string{
			"code":  verr.Code,
			"field": verr.Field,
		}); aerr != nil {
			log.Printf("[ERROR] api: audit VALIDATION_FAILED: %v", aerr)
		}
		metrics.DetectionsTotal.WithLabelValues("validation_failed").Inc()
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Code,
			"field": verr.Field,
		})
		return
	}

	result, err := h.Orchestrator.Process(parsed, principal)
	if err != nil {
		switch {
		case errors.Is(err, geo.ErrRayParallel):
			respondError(w, http.StatusUnprocessableEntity, "ray_parallel")
		case errors.Is(err, geo.ErrBehindCamera):
			respondError(w, http.StatusUnprocessableEntity, "behind_camera")
		case errors.Is(err, pipeline.ErrQueueFull):
			respondError(w, http.StatusServiceUnavailable, "queue_full")
		default:
			log.Printf("[ERROR] api: detection pipeline: %v", err)
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error":      "internal",
				"request_id": middleware.GetRequestID(r.Context()),
			})
		}
		return
	}

	respondJSON(w, http.StatusCreated, result)
}
