package validate

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratosight/geotak/internal/geo"
)

func validBody(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"image_base64":  base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		"pixel_x":       960,
		"pixel_y":       720,
		"object_class":  "vehicle",
		"ai_confidence": 0.92,
		"source":        "drone-7",
		"camera_id":     "cam-north-01",
		"timestamp":     "2026-08-24T12:00:00Z",
		"sensor_metadata": map[string]any{
			"latitude":         40.7128,
			"longitude":        -74.0060,
			"elevation_m":      100,
			"heading_deg":      0,
			"pitch_deg":        -90,
			"roll_deg":         0,
			"focal_length_px":  3000,
			"sensor_width_mm":  6.4,
			"sensor_height_mm": 4.8,
			"image_width":      1920,
			"image_height":     1440,
		},
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestParse_Valid(t *testing.T) {
	p, verr := Parse(validBody(t, nil))
	require.Nil(t, verr)

	assert.Equal(t, []byte("jpeg-bytes"), p.Image)
	assert.Equal(t, 960, p.PixelX)
	assert.Equal(t, "vehicle", p.ObjectClass)
	assert.Equal(t, 0.92, p.AIConfidence)
	assert.Equal(t, "cam-north-01", p.CameraID)
	assert.Equal(t, 1920, p.Sensor.ImageWidth)
}

func TestParse_TrimsIdentifierWhitespace(t *testing.T) {
	p, verr := Parse(validBody(t, func(m map[string]any) {
		m["camera_id"] = "  cam-north-01\t"
		m["source"] = " drone-7 "
	}))
	require.Nil(t, verr)
	assert.Equal(t, "cam-north-01", p.CameraID)
	assert.Equal(t, "drone-7", p.Source)
}

func TestParse_MissingFields(t *testing.T) {
	for _, field := range []string{
		"image_base64", "pixel_x", "pixel_y", "object_class",
		"ai_confidence", "source", "camera_id", "timestamp", "sensor_metadata",
	} {
		t.Run(field, func(t *testing.T) {
			_, verr := Parse(validBody(t, func(m map[string]any) { delete(m, field) }))
			require.NotNil(t, verr)
			assert.Equal(t, CodeFieldMissing, verr.Code)
		})
	}
}

func TestParse_RangeViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"confidence above 1", func(m map[string]any) { m["ai_confidence"] = 1.01 }},
		{"confidence negative", func(m map[string]any) { m["ai_confidence"] = -0.1 }},
		{"pixel_x out of bounds", func(m map[string]any) { m["pixel_x"] = 1920 }},
		{"pixel_y negative", func(m map[string]any) { m["pixel_y"] = -1 }},
		{"latitude too big", func(m map[string]any) {
			m["sensor_metadata"].(map[string]any)["latitude"] = 91.0
		}},
		{"longitude too small", func(m map[string]any) {
			m["sensor_metadata"].(map[string]any)["longitude"] = -181.0
		}},
		{"zero focal length", func(m map[string]any) {
			m["sensor_metadata"].(map[string]any)["focal_length_px"] = 0
		}},
		{"bad timestamp", func(m map[string]any) { m["timestamp"] = "24/08/2026 12:00" }},
		{"object class too long", func(m map[string]any) { m["object_class"] = strings.Repeat("a", 65) }},
		{"source too long", func(m map[string]any) { m["source"] = "s" + strings.Repeat("x", 128) }},
		{"shell metacharacters", func(m map[string]any) { m["camera_id"] = "cam;rm -rf" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, verr := Parse(validBody(t, tc.mutate))
			require.NotNil(t, verr)
			assert.Equal(t, CodeFieldRange, verr.Code)
		})
	}
}

func TestParse_NulByteRejected(t *testing.T) {
	body := validBody(t, nil)
	body = append(body, 0x00)
	_, verr := Parse(body)
	require.NotNil(t, verr)
	assert.Equal(t, CodeBadEncoding, verr.Code)
}

func TestParse_EscapedNulRejected(t *testing.T) {
	_, verr := Parse(validBody(t, func(m map[string]any) {
		m["camera_id"] = "cam\x00evil"
	}))
	require.NotNil(t, verr)
	// Raw scan catches the literal byte; the escaped form is caught per field.
	assert.Contains(t, []string{CodeBadEncoding, CodeFieldRange}, verr.Code)
}

func TestParse_NestingDepthBounded(t *testing.T) {
	deep := strings.Repeat("[", 40) + strings.Repeat("]", 40)
	body := []byte(`{"image_base64":` + deep + `}`)
	_, verr := Parse(body)
	require.NotNil(t, verr)
	assert.Equal(t, CodeBadEncoding, verr.Code)
}

func TestParse_BadBase64(t *testing.T) {
	_, verr := Parse(validBody(t, func(m map[string]any) {
		m["image_base64"] = "!!!not-base64!!!"
	}))
	require.NotNil(t, verr)
	assert.Equal(t, CodeBadEncoding, verr.Code)
}

func TestParse_OversizeImage(t *testing.T) {
	big := base64.StdEncoding.EncodeToString(make([]byte, MaxImageBytes+1))
	_, verr := Parse(validBody(t, func(m map[string]any) {
		m["image_base64"] = big
	}))
	require.NotNil(t, verr)
	assert.Equal(t, CodeImageSize, verr.Code)
}

func TestParse_MalformedJSON(t *testing.T) {
	_, verr := Parse([]byte(`{"image_base64": `))
	require.NotNil(t, verr)
	assert.Equal(t, CodeBadEncoding, verr.Code)
}

func TestCheckSensorBounds(t *testing.T) {
	s := geo.CameraMetadata{
		Latitude: 0, Longitude: 0, FocalLengthPx: 1,
		SensorWidthMM: 1, SensorHeight: 1, ImageWidth: 1, ImageHeight: 1,
	}
	assert.Nil(t, checkSensor(&s))

	s.ImageHeight = 0
	assert.NotNil(t, checkSensor(&s))
}
