// Package geo turns a pixel observation from a posed camera into a geodetic
// point with a propagated accuracy radius and a confidence class.
//
// Model: pinhole camera, ray/ground-plane intersection in a local ENU frame
// anchored at the camera position, spherical-earth inverse back to lat/lon.
package geo

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrRayParallel  = errors.New("ray_parallel")
	ErrBehindCamera = errors.New("behind_camera")
)

const (
	earthRadiusM = 6371008.8

	// 1-sigma pixel localisation error assumed for the upstream detector.
	sigmaPx = 1.0

	minAccuracyM = 0.5

	// Below this the ray is treated as parallel to the ground plane.
	parallelEps = 1e-8
)

// ConfidenceClass combines AI confidence with geometric quality.
type ConfidenceClass string

const (
	ConfidenceGreen  ConfidenceClass = "GREEN"
	ConfidenceYellow ConfidenceClass = "YELLOW"
	ConfidenceRed    ConfidenceClass = "RED"
)

// CameraMetadata is the pose and intrinsics of the capturing camera.
type CameraMetadata struct {
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	ElevationM    float64 `json:"elevation_m"`
	HeadingDeg    float64 `json:"heading_deg"`
	PitchDeg      float64 `json:"pitch_deg"`
	RollDeg       float64 `json:"roll_deg"`
	FocalLengthPx float64 `json:"focal_length_px"`
	SensorWidthMM float64 `json:"sensor_width_mm"`
	SensorHeight  float64 `json:"sensor_height_mm"`
	ImageWidth    int     `json:"image_width"`
	ImageHeight   int     `json:"image_height"`
}

// Result is the derived world point. Never mutated after creation.
type Result struct {
	Lat             float64
	Lon             float64
	AccuracyM       float64
	ConfidenceClass ConfidenceClass
	AlgorithmNotes  string
}

// Locate intersects the camera ray through pixel (px, py) with the horizontal
// ground plane at z=0 of the camera's local ENU frame. aiConfidence feeds the
// confidence classification only.
func Locate(cam CameraMetadata, px, py float64, aiConfidence float64) (*Result, error) {
	f := cam.FocalLengthPx
	cx := float64(cam.ImageWidth) / 2.0
	cy := float64(cam.ImageHeight) / 2.0

	// Camera-frame ray: x right, y down (image convention), z boresight.
	rc := mat.NewVecDense(3, []float64{(px - cx) / f, (py - cy) / f, 1})

	rw := mat.NewVecDense(3, nil)
	rw.MulVec(rotationCameraToENU(cam.HeadingDeg, cam.PitchDeg, cam.RollDeg), rc)

	rz := rw.AtVec(2)
	if math.Abs(rz) < parallelEps {
		return nil, ErrRayParallel
	}

	// Camera sits at (0,0,elevation); ground plane is z=0.
	t := -cam.ElevationM / rz
	if t <= 0 {
		return nil, ErrBehindCamera
	}

	east := t * rw.AtVec(0)
	north := t * rw.AtVec(1)

	lat0 := cam.Latitude * math.Pi / 180.0
	lat := cam.Latitude + (north/earthRadiusM)*180.0/math.Pi
	lon := cam.Longitude + (east/(earthRadiusM*math.Cos(lat0)))*180.0/math.Pi

	// Slant range along the ray, for uncertainty propagation.
	slant := t * mat.Norm(rw, 2)

	accuracy := slant * math.Tan(sigmaPx/f)
	if accuracy < minAccuracyM {
		accuracy = minAccuracyM
	}

	incidence := math.Asin(math.Abs(rz)/mat.Norm(rw, 2)) * 180.0 / math.Pi

	return &Result{
		Lat:             lat,
		Lon:             lon,
		AccuracyM:       accuracy,
		ConfidenceClass: classify(aiConfidence, incidence),
		AlgorithmNotes:  fmt.Sprintf("flat-plane ENU intersect: range=%.1fm incidence=%.1fdeg", slant, incidence),
	}, nil
}

// classify derives GREEN/YELLOW/RED from AI confidence and the angle between
// the ray and the ground plane. Shallow rays degrade the class regardless of
// detector confidence.
func classify(aiConfidence, incidenceDeg float64) ConfidenceClass {
	switch {
	case aiConfidence >= 0.75 && incidenceDeg >= 15:
		return ConfidenceGreen
	case aiConfidence >= 0.50 && incidenceDeg >= 5:
		return ConfidenceYellow
	default:
		return ConfidenceRed
	}
}

// rotationCameraToENU builds the camera→ENU rotation from heading (clockwise
// from north), pitch (negative = nose down) and roll, composed right-to-left:
// heading about Up, then pitch about camera-right, then roll about boresight,
// on top of the fixed axis permutation that aligns the boresight with north.
func rotationCameraToENU(headingDeg, pitchDeg, rollDeg float64) *mat.Dense {
	yaw := headingDeg * math.Pi / 180.0
	pitch := pitchDeg * math.Pi / 180.0
	roll := rollDeg * math.Pi / 180.0

	r := mat.NewDense(3, 3, nil)
	r.Mul(rotZ(-yaw), rotX(-math.Pi/2))
	r.Mul(r, rotX(pitch))
	r.Mul(r, rotZ(roll))
	return r
}

func rotX(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	})
}

func rotZ(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}
