package measure

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/agrolab/leafscan/pkg/segmentation"
)

var (
	// ErrNotCalibrated is returned by Measure before a successful Calibrate
	ErrNotCalibrated = errors.New("measure: not calibrated")
	// ErrInvalidInput is returned for missing images or non-positive reference areas
	ErrInvalidInput = errors.New("measure: invalid input")
	// ErrSegmentation wraps failures of the underlying pixel classification
	ErrSegmentation = errors.New("measure: segmentation failed")
)

// CalibrationState holds the cm² per pixel conversion established against a
// reference object of known area.
type CalibrationState struct {
	ReferenceAreaCm2    float64 `json:"reference_area_cm2"`
	ReferencePixelCount int     `json:"reference_pixel_count"`
	PixelToAreaRatio    float64 `json:"pixel_to_area_ratio"` // cm² per pixel
	IsCalibrated        bool    `json:"is_calibrated"`
}

// LeafMeasurement holds leaf geometry in physical units.
//
// Circularity is nil when the segmented leaf has no measurable perimeter,
// never NaN or Inf.
type LeafMeasurement struct {
	AreaCm2     float64  `json:"area_cm2"`
	PerimeterCm float64  `json:"perimeter_cm"`
	WidthCm     float64  `json:"width_cm"`
	HeightCm    float64  `json:"height_cm"`
	AspectRatio float64  `json:"aspect_ratio"`
	Circularity *float64 `json:"circularity,omitempty"`
	PixelCount  int      `json:"pixel_count"`
}

// Service converts pixel-domain segmentation output into physical units
// using the active calibration.
type Service struct {
	segmenter *segmentation.Segmenter
	cal       CalibrationState
}

// New creates a measurement service with a default segmenter
func New() *Service {
	return &Service{segmenter: segmentation.New()}
}

// NewWithSegmenter creates a measurement service with a custom segmenter
func NewWithSegmenter(segmenter *segmentation.Segmenter) *Service {
	return &Service{segmenter: segmenter}
}

// Calibrate derives the pixel-to-area ratio from an image framing a reference
// object of known physical area. Any prior calibration is replaced.
func (s *Service) Calibrate(referenceAreaCm2 float64, img image.Image) (CalibrationState, error) {
	if referenceAreaCm2 <= 0 {
		return CalibrationState{}, fmt.Errorf("%w: reference area must be positive, got %g", ErrInvalidInput, referenceAreaCm2)
	}
	if img == nil {
		return CalibrationState{}, fmt.Errorf("%w: no image loaded", ErrInvalidInput)
	}

	mask, err := s.segmenter.SegmentForeground(img)
	if err != nil {
		return CalibrationState{}, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}

	s.cal = CalibrationState{
		ReferenceAreaCm2:    referenceAreaCm2,
		ReferencePixelCount: mask.PixelCount(),
		PixelToAreaRatio:    referenceAreaCm2 / float64(mask.PixelCount()),
		IsCalibrated:        true,
	}
	return s.cal, nil
}

// Invalidate discards the active calibration. Call it when the source image
// changes so stale ratios are never applied to a new frame.
func (s *Service) Invalidate() {
	s.cal = CalibrationState{}
}

// Calibration returns the active calibration state
func (s *Service) Calibration() CalibrationState {
	return s.cal
}

// Measure segments the leaf and converts pixel counts to physical units.
// Requires a prior successful Calibrate.
func (s *Service) Measure(img image.Image) (LeafMeasurement, error) {
	if !s.cal.IsCalibrated || s.cal.PixelToAreaRatio <= 0 {
		return LeafMeasurement{}, ErrNotCalibrated
	}
	if img == nil {
		return LeafMeasurement{}, fmt.Errorf("%w: no image loaded", ErrInvalidInput)
	}

	mask, err := s.segmenter.SegmentLeaf(img)
	if err != nil {
		return LeafMeasurement{}, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}
	return s.fromMask(mask), nil
}

// MeasureMask converts an existing segmentation mask to physical units.
// Lets callers that already hold a mask avoid segmenting twice.
func (s *Service) MeasureMask(mask *segmentation.Mask) (LeafMeasurement, error) {
	if !s.cal.IsCalibrated || s.cal.PixelToAreaRatio <= 0 {
		return LeafMeasurement{}, ErrNotCalibrated
	}
	return s.fromMask(mask), nil
}

func (s *Service) fromMask(mask *segmentation.Mask) LeafMeasurement {
	ratio := s.cal.PixelToAreaRatio
	// Linear scale follows from the area scale: cm per pixel side.
	linear := math.Sqrt(ratio)

	pixelCount := mask.PixelCount()
	perimeterPx := mask.Perimeter()
	bounds := mask.Bounds()

	m := LeafMeasurement{
		AreaCm2:     float64(pixelCount) * ratio,
		PerimeterCm: float64(perimeterPx) * linear,
		WidthCm:     float64(bounds.Dx()) * linear,
		HeightCm:    float64(bounds.Dy()) * linear,
		PixelCount:  pixelCount,
	}
	if bounds.Dy() > 0 {
		m.AspectRatio = float64(bounds.Dx()) / float64(bounds.Dy())
	}
	if perimeterPx > 0 {
		// Dimensionless, so the pixel domain values suffice.
		c := 4 * math.Pi * float64(pixelCount) / (float64(perimeterPx) * float64(perimeterPx))
		m.Circularity = &c
	}
	return m
}
