package cot

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratosight/geotak/internal/geo"
)

const (
	// DefaultStaleWindow is how long a detection stays fresh on a TAK map.
	DefaultStaleWindow = 5 * time.Minute
	minStaleWindow     = 1 * time.Second
	maxStaleWindow     = 1 * time.Hour

	// UnknownType is emitted for object classes outside the mapping table.
	UnknownType = "b-m-p-s-p-loc"
)

// cotTypes is the closed object-class -> CoT type table.
var cotTypes = map[string]string{
	"person":   "b-m-p-s-u-p",
	"vehicle":  "b-m-p-s-u-c",
	"truck":    "b-m-p-s-u-c",
	"aircraft": "b-m-p-s-u-a",
	"vessel":   "b-m-p-s-u-w",
	"animal":   "b-m-p-s-u-l",
}

// Colors keyed by confidence class: GREEN red-marker, YELLOW yellow, RED green
// (ARGB int32 values understood by ATAK).
var classColors = map[geo.ConfidenceClass]int32{
	geo.ConfidenceGreen:  -65536,
	geo.ConfidenceYellow: -256,
	geo.ConfidenceRed:    -16711936,
}

// BuildInput is everything the builder needs; it holds no references back
// into the pipeline, so Build is a pure transform.
type BuildInput struct {
	DetectionID  uuid.UUID
	ObjectClass  string
	AIConfidence float64
	Geo          *geo.Result
	CaptureTime  time.Time
	CameraID     string
	Now          time.Time
	StaleWindow  time.Duration
}

// TypeFor resolves an object class against the closed table.
func TypeFor(objectClass string) string {
	if t, ok := cotTypes[strings.ToLower(objectClass)]; ok {
		return t
	}
	return UnknownType
}

// Build produces the CoT event for a geolocated detection.
func Build(in BuildInput) *Event {
	window := in.StaleWindow
	if window == 0 {
		window = DefaultStaleWindow
	}
	if window < minStaleWindow {
		window = minStaleWindow
	}
	if window > maxStaleWindow {
		window = maxStaleWindow
	}

	uid := "Detection." + in.DetectionID.String()
	short := strings.ReplaceAll(in.DetectionID.String(), "-", "")[:8]

	return &Event{
		UID:   uid,
		Type:  TypeFor(in.ObjectClass),
		Time:  in.Now.UTC(),
		Start: in.CaptureTime.UTC(),
		Stale: in.CaptureTime.UTC().Add(window),
		Point: Point{
			Lat:  in.Geo.Lat,
			Lon:  in.Geo.Lon,
			HaeM: 0.0,
			CeM:  in.Geo.AccuracyM,
		},
		Detail: Detail{
			Callsign:   "Detection-" + short,
			ColorValue: classColors[in.Geo.ConfidenceClass],
			Remarks: fmt.Sprintf("AI Detection: %s | AI Confidence: %d%% | Geo Confidence: %s | Accuracy: ±%.1fm",
				titleCase(in.ObjectClass),
				int(math.Round(in.AIConfidence*100)),
				in.Geo.ConfidenceClass,
				in.Geo.AccuracyM),
		},
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
