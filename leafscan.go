// Package leafscan provides calibrated leaf measurement and plant disease
// prediction for a single leaf photo.
//
// The workflow mirrors a field session: establish a cm²-per-pixel ratio
// against a reference object of known area, segment the leaf and compute
// geometric and color metrics locally, derive composite health and nutrient
// indicators, and forward a normalized copy of the image to a remote disease
// classification service.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"github.com/agrolab/leafscan"
//		"github.com/agrolab/leafscan/pkg/processing"
//	)
//
//	func main() {
//		analyzer := leafscan.New()
//		runner := leafscan.NewRunner(analyzer)
//
//		processor := processing.NewProcessor()
//		img, err := processor.LoadImage("leaf.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		// Calibrate against a 2x2 cm reference square framed in ref.jpg
//		ref, _ := processor.LoadImage("ref.jpg")
//		if _, err := analyzer.Calibrate(4.0, ref); err != nil {
//			log.Fatal(err)
//		}
//
//		result, err := runner.Analyze(context.Background(), img, leafscan.RunOptions{Predict: true})
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("leaf area: %.1f cm², disease: %s\n", result.Measurement.AreaCm2, result.Disease.PredictedClass)
//	}
//
// The package consists of four main components:
//
// 1. Measurement (pkg/measure): calibration and pixel-to-physical conversion
// 2. Segmentation (pkg/segmentation): leaf/background pixel classification
// 3. Derived metrics (pkg/leafmetrics): health, stress and nutrient indicators
// 4. Prediction client (pkg/diseaseclient): the remote classifier's HTTP contract
package leafscan

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agrolab/leafscan/pkg/advisor"
	"github.com/agrolab/leafscan/pkg/diseaseclient"
	"github.com/agrolab/leafscan/pkg/leafmetrics"
	"github.com/agrolab/leafscan/pkg/measure"
	"github.com/agrolab/leafscan/pkg/processing"
	"github.com/agrolab/leafscan/pkg/segmentation"
)

// Version of the leafscan library
const Version = "1.0.0"

// Analyzer provides a high-level interface for leaf analysis
type Analyzer struct {
	processor *processing.Processor
	segmenter *segmentation.Segmenter
	measurer  *measure.Service
	predictor *diseaseclient.Client
	advisor   *advisor.Client
}

// New creates a new Analyzer with default configuration
func New() *Analyzer {
	segmenter := segmentation.New()
	return &Analyzer{
		processor: processing.NewProcessor(),
		segmenter: segmenter,
		measurer:  measure.NewWithSegmenter(segmenter),
		predictor: diseaseclient.NewClient(diseaseclient.DefaultConfig()),
	}
}

// NewWithConfig creates a new Analyzer with custom segmentation and client
// configuration
func NewWithConfig(segConfig segmentation.Config, clientConfig diseaseclient.Config) *Analyzer {
	segmenter := segmentation.NewWithConfig(segConfig)
	return &Analyzer{
		processor: processing.NewProcessor(),
		segmenter: segmenter,
		measurer:  measure.NewWithSegmenter(segmenter),
		predictor: diseaseclient.NewClient(clientConfig),
	}
}

// SetPredictor replaces the prediction client. Useful for substituting a
// client with a fake transport in tests.
func (a *Analyzer) SetPredictor(client *diseaseclient.Client) {
	a.predictor = client
}

// SetAdvisor enables the optional care-advice step
func (a *Analyzer) SetAdvisor(client *advisor.Client) {
	a.advisor = client
}

// Calibrate establishes the cm²-per-pixel ratio from an image framing a
// reference object of known area
func (a *Analyzer) Calibrate(referenceAreaCm2 float64, img image.Image) (measure.CalibrationState, error) {
	return a.measurer.Calibrate(referenceAreaCm2, img)
}

// InvalidateCalibration discards the active calibration. Call it whenever
// the source image changes.
func (a *Analyzer) InvalidateCalibration() {
	a.measurer.Invalidate()
}

// Calibration returns the active calibration state
func (a *Analyzer) Calibration() measure.CalibrationState {
	return a.measurer.Calibration()
}

// AnalysisResult is the aggregate built once per analysis run. It is
// immutable once returned; the next run produces a fresh record.
type AnalysisResult struct {
	RunID       uint64                         `json:"run_id"`
	AnalyzedAt  time.Time                      `json:"analyzed_at"`
	Calibration measure.CalibrationState       `json:"calibration"`
	Measurement measure.LeafMeasurement        `json:"measurement"`
	Colors      leafmetrics.ColorMetrics       `json:"colors"`
	Health      leafmetrics.HealthIndicators   `json:"health"`
	Nutrients   leafmetrics.NutrientIndicators `json:"nutrients"`
	GrowthStage leafmetrics.GrowthStage        `json:"growth_stage"`
	LeafBounds  image.Rectangle                `json:"leaf_bounds"`
	Disease     *diseaseclient.Prediction      `json:"disease,omitempty"`
	Advice      string                         `json:"advice,omitempty"`
}

// RunOptions control the optional remote steps of an analysis run
type RunOptions struct {
	Predict bool
	Advise  bool
}

// Runner coordinates analysis runs. Each run carries a monotonically
// increasing token; a run that is no longer current when it completes does
// not update the shared latest result, so a late response can never
// overwrite a newer one.
type Runner struct {
	analyzer *Analyzer
	runID    atomic.Uint64

	mu     sync.Mutex
	latest *AnalysisResult
}

// NewRunner creates a Runner around an Analyzer
func NewRunner(analyzer *Analyzer) *Runner {
	return &Runner{analyzer: analyzer}
}

// Latest returns the result of the most recent completed run that was still
// current when it finished, or nil
func (r *Runner) Latest() *AnalysisResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Analyze performs one full analysis run: measurement, color metrics,
// derived indicators, and optionally remote prediction and advice.
// Requires a prior successful Calibrate on the underlying Analyzer.
func (r *Runner) Analyze(ctx context.Context, img image.Image, opts RunOptions) (*AnalysisResult, error) {
	id := r.runID.Add(1)
	a := r.analyzer

	mask, err := a.segmenter.SegmentLeaf(img)
	if err != nil {
		return nil, fmt.Errorf("leaf segmentation failed: %w", err)
	}

	measurement, err := a.measurer.MeasureMask(mask)
	if err != nil {
		return nil, err
	}

	colors := leafmetrics.Colors(img, mask)
	derived := leafmetrics.Derive(measurement, colors, a.segmenter.Describe(img, mask))

	result := &AnalysisResult{
		RunID:       id,
		AnalyzedAt:  time.Now(),
		Calibration: a.measurer.Calibration(),
		Measurement: measurement,
		Colors:      colors,
		Health:      derived.Health,
		Nutrients:   derived.Nutrients,
		GrowthStage: derived.Stage,
		LeafBounds:  mask.Bounds(),
	}

	if opts.Predict {
		upload, err := a.uploadBytes(img, mask)
		if err != nil {
			return nil, err
		}
		prediction, err := a.predictor.Predict(ctx, upload)
		if err != nil {
			return nil, err
		}
		result.Disease = prediction

		if opts.Advise && a.advisor != nil {
			advice, err := a.advisor.Advise(ctx, upload, summarize(result))
			if err != nil {
				return nil, fmt.Errorf("advice failed: %w", err)
			}
			result.Advice = advice
		}
	}

	r.commit(id, result)
	return result, nil
}

// commit publishes the result unless a newer run has started since
func (r *Runner) commit(id uint64, result *AnalysisResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.runID.Load() {
		r.latest = result
	}
}

// uploadBytes frames the leaf with a small margin and encodes it for upload
func (a *Analyzer) uploadBytes(img image.Image, mask *segmentation.Mask) ([]byte, error) {
	framed := img
	if cropped, err := a.processor.CropToBounds(img, mask.Bounds(), 0.1); err == nil {
		framed = cropped
	}
	// The prediction client resizes to the model footprint itself; encode at
	// a generous size so cropping doesn't cost detail.
	bounds := framed.Bounds()
	return a.processor.PrepareUpload(framed, bounds.Dx(), bounds.Dy(), 90)
}

func summarize(result *AnalysisResult) string {
	s := fmt.Sprintf("Leaf area %.1f cm², health score %.2f, stress level %.0f/100, growth stage %s.",
		result.Measurement.AreaCm2, result.Health.OverallHealthScore, result.Health.StressLevel, result.GrowthStage.Stage)
	if result.Disease != nil {
		s += fmt.Sprintf(" Classifier verdict: %s (%.0f%% confidence).", result.Disease.PredictedClass, result.Disease.Confidence*100)
	}
	return s
}
