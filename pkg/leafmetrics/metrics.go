// Package leafmetrics turns raw leaf measurements into composite health,
// stress and nutrient indicators. Everything here is pure arithmetic over
// values produced elsewhere: identical inputs always yield identical outputs.
package leafmetrics

import (
	"image"

	"gonum.org/v1/gonum/stat"

	"github.com/agrolab/leafscan/pkg/measure"
	"github.com/agrolab/leafscan/pkg/segmentation"
)

// ColorMetrics are channel statistics over leaf pixels, intensities in 0-255
type ColorMetrics struct {
	MeanR            float64 `json:"mean_r"`
	MeanG            float64 `json:"mean_g"`
	MeanB            float64 `json:"mean_b"`
	ColorVariance    float64 `json:"color_variance"`
	RedGreenRatio    float64 `json:"red_green_ratio"`
	BlueGreenRatio   float64 `json:"blue_green_ratio"`
	ChlorophyllIndex float64 `json:"chlorophyll_index"` // (G-R)/(G+R)
}

// HealthIndicators combine segmentation surface signals into scores.
// The three raw signals come in from segmentation; the overall score and
// stress level are filled in by Derive.
type HealthIndicators struct {
	ColorUniformity    float64 `json:"color_uniformity"`
	EdgeRegularity     float64 `json:"edge_regularity"`
	TextureComplexity  float64 `json:"texture_complexity"`
	OverallHealthScore float64 `json:"overall_health_score"` // 0-1
	StressLevel        float64 `json:"stress_level"`         // 0-100
}

// NutrientIndicators are heuristic percentage estimates from leaf color
type NutrientIndicators struct {
	Nitrogen   float64 `json:"nitrogen"`
	Phosphorus float64 `json:"phosphorus"`
	Potassium  float64 `json:"potassium"`
}

// Growth stage buckets derived from leaf area alone
const (
	StageEarly  = "Early"
	StageMid    = "Mid"
	StageMature = "Mature"
)

// Area cutoffs between stage buckets, in cm²
const (
	earlyStageMaxAreaCm2 = 25.0
	midStageMaxAreaCm2   = 75.0
)

// GrowthStage is a coarse bucket with a fixed per-bucket confidence
type GrowthStage struct {
	Stage      string  `json:"stage"`
	Confidence float64 `json:"confidence"`
}

// Derived is the output of Derive
type Derived struct {
	Health    HealthIndicators   `json:"health"`
	Nutrients NutrientIndicators `json:"nutrients"`
	Stage     GrowthStage        `json:"growth_stage"`
}

// Colors computes channel statistics over the masked leaf pixels
func Colors(img image.Image, mask *segmentation.Mask) ColorMetrics {
	n := mask.PixelCount()
	if n == 0 {
		return ColorMetrics{}
	}

	bounds := img.Bounds()
	rs := make([]float64, 0, n)
	gs := make([]float64, 0, n)
	bs := make([]float64, 0, n)
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if !mask.At(x, y) {
				continue
			}
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			rs = append(rs, float64(r>>8))
			gs = append(gs, float64(g>>8))
			bs = append(bs, float64(b>>8))
		}
	}

	meanR, varR := stat.MeanVariance(rs, nil)
	meanG, varG := stat.MeanVariance(gs, nil)
	meanB, varB := stat.MeanVariance(bs, nil)

	c := ColorMetrics{
		MeanR:         meanR,
		MeanG:         meanG,
		MeanB:         meanB,
		ColorVariance: (varR + varG + varB) / 3,
	}
	if meanG > 0 {
		c.RedGreenRatio = meanR / meanG
		c.BlueGreenRatio = meanB / meanG
	}
	if sum := meanG + meanR; sum > 0 {
		c.ChlorophyllIndex = (meanG - meanR) / sum
	}
	return c
}

// Derive combines geometry, color and surface signals into health, nutrient
// and growth-stage indicators. Pure and idempotent; zero denominators are
// guarded in Colors, so no new failure modes appear here.
func Derive(m measure.LeafMeasurement, c ColorMetrics, stats segmentation.Stats) Derived {
	h := HealthIndicators{
		ColorUniformity:   stats.ColorUniformity,
		EdgeRegularity:    stats.EdgeRegularity,
		TextureComplexity: stats.TextureComplexity,
	}
	h.OverallHealthScore = stats.ColorUniformity*0.4 + stats.EdgeRegularity*0.3 + stats.TextureComplexity*0.3

	// Loss of greenness and low composite health both read as stress.
	redShift := c.RedGreenRatio - 1
	if redShift < 0 {
		redShift = 0
	}
	h.StressLevel = clamp((1-h.OverallHealthScore)*70+redShift*30, 0, 100)

	return Derived{
		Health:    h,
		Nutrients: nutrients(c),
		Stage:     growthStage(m.AreaCm2),
	}
}

// nutrients maps leaf color linearly into percentage estimates. Chlorophyll
// tracks nitrogen; bluish tint tracks phosphorus; even coloration tracks
// potassium. Coarse heuristics, not agronomy.
func nutrients(c ColorMetrics) NutrientIndicators {
	return NutrientIndicators{
		Nitrogen:   clamp(40+c.ChlorophyllIndex*120, 0, 100),
		Phosphorus: clamp(c.MeanB/255*180, 0, 100),
		Potassium:  clamp(100-c.ColorVariance/25, 0, 100),
	}
}

func growthStage(areaCm2 float64) GrowthStage {
	switch {
	case areaCm2 < earlyStageMaxAreaCm2:
		return GrowthStage{Stage: StageEarly, Confidence: 0.7}
	case areaCm2 < midStageMaxAreaCm2:
		return GrowthStage{Stage: StageMid, Confidence: 0.75}
	default:
		return GrowthStage{Stage: StageMature, Confidence: 0.8}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
