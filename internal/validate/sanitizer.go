// Package validate is the single entry point for untrusted detection
// payloads. It is the only package that touches raw request bytes and the
// only producer of validation errors; everything downstream works on the
// typed DetectionRequest it returns.
package validate

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/stratosight/geotak/internal/geo"
)

const (
	// MaxImageBytes caps the decoded image blob.
	MaxImageBytes = 10 << 20

	// MaxNestingDepth bounds attacker-controlled JSON structure.
	MaxNestingDepth = 32

	maxStringLen      = 255
	maxObjectClassLen = 64
	maxIdentifierLen  = 128
)

// Error codes surfaced as the HTTP error body.
const (
	CodeFieldRange   = "E_FIELD_RANGE"
	CodeFieldMissing = "E_FIELD_MISSING"
	CodeImageSize    = "E_IMAGE_SIZE"
	CodeBadEncoding  = "E_BAD_ENCODING"
)

// Identifier patterns are compiled from raw string literals only; no pattern
// is ever assembled from request content.
var (
	identifierRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
	objectClassRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

// Error is a rejected payload. Content is never silently repaired; the one
// permitted normalisation is whitespace trimming on identifier fields.
type Error struct {
	Code  string
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Field, e.Msg)
}

func errMissing(field string) *Error {
	return &Error{Code: CodeFieldMissing, Field: field, Msg: "required field missing"}
}

func errRange(field, msg string) *Error {
	return &Error{Code: CodeFieldRange, Field: field, Msg: msg}
}

// DetectionRequest is the wire payload of POST /api/v1/detections. Required
// fields are pointers so absence is distinguishable from zero values.
type DetectionRequest struct {
	ImageBase64  string              `json:"image_base64"`
	PixelX       *int                `json:"pixel_x"`
	PixelY       *int                `json:"pixel_y"`
	ObjectClass  string              `json:"object_class"`
	AIConfidence *float64            `json:"ai_confidence"`
	Source       string              `json:"source"`
	CameraID     string              `json:"camera_id"`
	Timestamp    string              `json:"timestamp"`
	Sensor       *geo.CameraMetadata `json:"sensor_metadata"`
}

// Parsed is the sanitized outcome handed to the orchestrator.
type Parsed struct {
	Image        []byte
	PixelX       int
	PixelY       int
	ObjectClass  string
	AIConfidence float64
	Source       string
	CameraID     string
	Timestamp    time.Time
	Sensor       geo.CameraMetadata
}

// Parse validates raw request bytes end to end: structural checks on the raw
// JSON first, then field-level invariants. On any violation the payload is
// rejected whole.
func Parse(raw []byte) (*Parsed, *Error) {
	if bytes.IndexByte(raw, 0x00) >= 0 {
		return nil, &Error{Code: CodeBadEncoding, Field: "body", Msg: "NUL byte in payload"}
	}
	if err := checkDepth(raw); err != nil {
		return nil, err
	}

	var req DetectionRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, &Error{Code: CodeBadEncoding, Field: "body", Msg: "malformed JSON"}
	}

	return check(&req)
}

// check applies the Detection invariants to a decoded request.
func check(req *DetectionRequest) (*Parsed, *Error) {
	// Identifier fields: trim only, never rewrite.
	req.Source = strings.TrimSpace(req.Source)
	req.CameraID = strings.TrimSpace(req.CameraID)
	req.ObjectClass = strings.TrimSpace(req.ObjectClass)

	for _, f := range []struct {
		name, val string
		max       int
	}{
		{"object_class", req.ObjectClass, maxObjectClassLen},
		{"source", req.Source, maxIdentifierLen},
		{"camera_id", req.CameraID, maxIdentifierLen},
		{"timestamp", req.Timestamp, maxStringLen},
	} {
		if f.val == "" {
			return nil, errMissing(f.name)
		}
		if len(f.val) > f.max {
			return nil, errRange(f.name, fmt.Sprintf("exceeds %d characters", f.max))
		}
		if strings.ContainsRune(f.val, 0x00) {
			return nil, errRange(f.name, "NUL byte")
		}
	}

	if !objectClassRe.MatchString(req.ObjectClass) {
		return nil, errRange("object_class", "invalid characters")
	}
	if !identifierRe.MatchString(req.Source) {
		return nil, errRange("source", "invalid characters")
	}
	if !identifierRe.MatchString(req.CameraID) {
		return nil, errRange("camera_id", "invalid characters")
	}

	if req.PixelX == nil {
		return nil, errMissing("pixel_x")
	}
	if req.PixelY == nil {
		return nil, errMissing("pixel_y")
	}
	if req.AIConfidence == nil {
		return nil, errMissing("ai_confidence")
	}
	if *req.AIConfidence < 0 || *req.AIConfidence > 1 {
		return nil, errRange("ai_confidence", "must be in [0,1]")
	}
	if req.Sensor == nil {
		return nil, errMissing("sensor_metadata")
	}

	sensor := *req.Sensor
	if verr := checkSensor(&sensor); verr != nil {
		return nil, verr
	}

	if *req.PixelX < 0 || *req.PixelX >= sensor.ImageWidth {
		return nil, errRange("pixel_x", "outside image bounds")
	}
	if *req.PixelY < 0 || *req.PixelY >= sensor.ImageHeight {
		return nil, errRange("pixel_y", "outside image bounds")
	}

	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return nil, errRange("timestamp", "not RFC 3339")
	}

	if req.ImageBase64 == "" {
		return nil, errMissing("image_base64")
	}
	if base64.StdEncoding.DecodedLen(len(req.ImageBase64)) > MaxImageBytes+4 {
		return nil, &Error{Code: CodeImageSize, Field: "image_base64", Msg: "decoded image exceeds 10 MiB"}
	}
	img, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return nil, &Error{Code: CodeBadEncoding, Field: "image_base64", Msg: "invalid base64"}
	}
	if len(img) > MaxImageBytes {
		return nil, &Error{Code: CodeImageSize, Field: "image_base64", Msg: "decoded image exceeds 10 MiB"}
	}

	return &Parsed{
		Image:        img,
		PixelX:       *req.PixelX,
		PixelY:       *req.PixelY,
		ObjectClass:  req.ObjectClass,
		AIConfidence: *req.AIConfidence,
		Source:       req.Source,
		CameraID:     req.CameraID,
		Timestamp:    ts.UTC(),
		Sensor:       sensor,
	}, nil
}

func checkSensor(s *geo.CameraMetadata) *Error {
	switch {
	case s.Latitude < -90 || s.Latitude > 90:
		return errRange("sensor_metadata.latitude", "must be in [-90,90]")
	case s.Longitude < -180 || s.Longitude > 180:
		return errRange("sensor_metadata.longitude", "must be in [-180,180]")
	case s.FocalLengthPx <= 0:
		return errRange("sensor_metadata.focal_length_px", "must be > 0")
	case s.SensorWidthMM <= 0:
		return errRange("sensor_metadata.sensor_width_mm", "must be > 0")
	case s.SensorHeight <= 0:
		return errRange("sensor_metadata.sensor_height_mm", "must be > 0")
	case s.ImageWidth <= 0:
		return errRange("sensor_metadata.image_width", "must be > 0")
	case s.ImageHeight <= 0:
		return errRange("sensor_metadata.image_height", "must be > 0")
	}
	return nil
}

// checkDepth walks the raw token stream and rejects nesting past the bound
// without materialising the document.
func checkDepth(raw []byte) *Error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			// Malformed JSON is reported by the decode pass.
			return nil
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > MaxNestingDepth {
					return &Error{Code: CodeBadEncoding, Field: "body", Msg: "nesting too deep"}
				}
			case '}', ']':
				depth--
			}
		}
	}
}
