// Package pipeline runs a validated detection through geolocation, CoT
// construction and the durable queue. The orchestrator owns the detection for
// the whole pass; nothing here is retained after the response is built.
package pipeline

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/cot"
	"github.com/stratosight/geotak/internal/geo"
	"github.com/stratosight/geotak/internal/metrics"
	"github.com/stratosight/geotak/internal/queue"
	"github.com/stratosight/geotak/internal/validate"
)

// ErrQueueFull is surfaced when the detection cannot be durably queued.
var ErrQueueFull = queue.ErrQueueFull

// Result is the body of a 201 response: the detection is durably queued and
// will be delivered or terminally failed with an audit trail.
type Result struct {
	DetectionID    uuid.UUID `json:"detection_id"`
	ConfidenceFlag string    `json:"confidence_flag"`
	AccuracyM      float64   `json:"accuracy_m"`
	CotXML         string    `json:"cot_xml"`
}

// LiveEvent is the payload broadcast to websocket subscribers.
type LiveEvent struct {
	DetectionID    string    `json:"detection_id"`
	ObjectClass    string    `json:"object_class"`
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	AccuracyM      float64   `json:"accuracy_m"`
	ConfidenceFlag string    `json:"confidence_flag"`
	CameraID       string    `json:"camera_id"`
	QueuedAt       time.Time `json:"queued_at"`
}

// Broadcaster fans a live event out to subscribers. Implementations must not
// block.
type Broadcaster interface {
	Broadcast(evt LiveEvent)
}

// Orchestrator wires the stateless stages to the two durable stores.
type Orchestrator struct {
	journal     *audit.Journal
	queue       *queue.Queue
	staleWindow time.Duration
	live        Broadcaster // optional
	now         func() time.Time
}

func NewOrchestrator(j *audit.Journal, q *queue.Queue, staleWindow time.Duration, live Broadcaster) *Orchestrator {
	return &Orchestrator{
		journal:     j,
		queue:       q,
		staleWindow: staleWindow,
		live:        live,
		now:         time.Now,
	}
}

// WithClock replaces the time source for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Process takes a sanitized detection through the full ingress pipeline.
// A nil error means the item is durably queued; the audit trail for the
// detection id reads INGESTED, GEOLOCATED, COT_BUILT, QUEUED in that order.
func (o *Orchestrator) Process(p *validate.Parsed, principal string) (*Result, error) {
	id := uuid.New()

	if err := o.audit(id, audit.KindIngested, principal, map[string]string{
		"object_class": p.ObjectClass,
		"camera_id":    p.CameraID,
		"source":       p.Source,
	}); err != nil {
		return nil, err
	}

	geoResult, err := geo.Locate(p.Sensor, float64(p.PixelX), float64(p.PixelY), p.AIConfidence)
	if err != nil {
		reason := "internal"
		switch {
		case errors.Is(err, geo.ErrRayParallel):
			reason = "ray_parallel"
		case errors.Is(err, geo.ErrBehindCamera):
			reason = "behind_camera"
		}
		if aerr := o.audit(id, audit.KindGeolocationFailed, principal, map[string]string{
			"reason": reason,
		}); aerr != nil {
			return nil, aerr
		}
		metrics.DetectionsTotal.WithLabelValues("geolocation_failed").Inc()
		return nil, err
	}
	metrics.GeolocationsTotal.WithLabelValues(string(geoResult.ConfidenceClass)).Inc()

	if err := o.audit(id, audit.KindGeolocated, principal, map[string]string{
		"lat":             strconv.FormatFloat(geoResult.Lat, 'f', 7, 64),
		"lon":             strconv.FormatFloat(geoResult.Lon, 'f', 7, 64),
		"accuracy_m":      strconv.FormatFloat(geoResult.AccuracyM, 'f', 1, 64),
		"confidence_flag": string(geoResult.ConfidenceClass),
	}); err != nil {
		return nil, err
	}

	now := o.now()
	event := cot.Build(cot.BuildInput{
		DetectionID:  id,
		ObjectClass:  p.ObjectClass,
		AIConfidence: p.AIConfidence,
		Geo:          geoResult,
		CaptureTime:  p.Timestamp,
		CameraID:     p.CameraID,
		Now:          now,
		StaleWindow:  o.staleWindow,
	})
	xml := event.XML()

	if err := o.audit(id, audit.KindCotBuilt, principal, map[string]string{
		"cot_type": event.Type,
		"uid":      event.UID,
	}); err != nil {
		return nil, err
	}

	seq, err := o.queue.Enqueue(id, xml, now)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			if aerr := o.audit(id, audit.KindQueueRejected, principal, nil); aerr != nil {
				return nil, aerr
			}
			metrics.DetectionsTotal.WithLabelValues("queue_full").Inc()
			return nil, ErrQueueFull
		}
		return nil, fmt.Errorf("pipeline: enqueue: %w", err)
	}

	if err := o.audit(id, audit.KindQueued, principal, map[string]string{
		"seq": strconv.FormatUint(seq, 10),
	}); err != nil {
		return nil, err
	}
	metrics.DetectionsTotal.WithLabelValues("accepted").Inc()

	if o.live != nil {
		o.live.Broadcast(LiveEvent{
			DetectionID:    id.String(),
			ObjectClass:    p.ObjectClass,
			Lat:            geoResult.Lat,
			Lon:            geoResult.Lon,
			AccuracyM:      geoResult.AccuracyM,
			ConfidenceFlag: string(geoResult.ConfidenceClass),
			CameraID:       p.CameraID,
			QueuedAt:       now.UTC(),
		})
	}

	return &Result{
		DetectionID:    id,
		ConfidenceFlag: string(geoResult.ConfidenceClass),
		AccuracyM:      geoResult.AccuracyM,
		CotXML:         string(xml),
	}, nil
}

func (o *Orchestrator) audit(id uuid.UUID, kind audit.Kind, principal string, attrs map[string]string) error {
	if _, err := o.journal.Append(id, kind, principal, attrs); err != nil {
		log.Printf("[ERROR] pipeline: audit %s for %s: %v", kind, id, err)
		return fmt.Errorf("pipeline: audit append: %w", err)
	}
	return nil
}
