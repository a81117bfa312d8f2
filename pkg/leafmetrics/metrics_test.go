package leafmetrics

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/agrolab/leafscan/pkg/measure"
	"github.com/agrolab/leafscan/pkg/segmentation"
)

// createGreenImage paints a flat green square on a light background
func createGreenImage(size int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	lo, hi := size/4, 3*size/4

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x >= lo && x < hi && y >= lo && y < hi {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.RGBA{230, 230, 225, 255})
			}
		}
	}
	return img
}

func segmentGreen(t *testing.T, img image.Image) *segmentation.Mask {
	t.Helper()
	mask, err := segmentation.New().SegmentLeaf(img)
	if err != nil {
		t.Fatalf("SegmentLeaf failed: %v", err)
	}
	return mask
}

func TestColors(t *testing.T) {
	img := createGreenImage(200, color.RGBA{40, 160, 60, 255})
	mask := segmentGreen(t, img)

	c := Colors(img, mask)

	if math.Abs(c.MeanR-40) > 0.5 || math.Abs(c.MeanG-160) > 0.5 || math.Abs(c.MeanB-60) > 0.5 {
		t.Errorf("Expected means (40,160,60), got (%.1f,%.1f,%.1f)", c.MeanR, c.MeanG, c.MeanB)
	}
	if c.ColorVariance > 0.01 {
		t.Errorf("Expected zero variance for flat color, got %f", c.ColorVariance)
	}
	if math.Abs(c.RedGreenRatio-0.25) > 0.01 {
		t.Errorf("Expected red/green ratio 0.25, got %f", c.RedGreenRatio)
	}
	if math.Abs(c.BlueGreenRatio-0.375) > 0.01 {
		t.Errorf("Expected blue/green ratio 0.375, got %f", c.BlueGreenRatio)
	}

	// chlorophyll index = (G-R)/(G+R) = 120/200
	if math.Abs(c.ChlorophyllIndex-0.6) > 0.01 {
		t.Errorf("Expected chlorophyll index 0.6, got %f", c.ChlorophyllIndex)
	}
}

func TestColorsEmptyMask(t *testing.T) {
	img := createGreenImage(100, color.RGBA{40, 160, 60, 255})

	c := Colors(img, &segmentation.Mask{})
	if c != (ColorMetrics{}) {
		t.Errorf("Expected zero metrics for empty mask, got %+v", c)
	}
}

func TestDeriveHealthWeights(t *testing.T) {
	stats := segmentation.Stats{
		ColorUniformity:   0.8,
		EdgeRegularity:    0.6,
		TextureComplexity: 0.4,
	}

	d := Derive(measure.LeafMeasurement{AreaCm2: 30}, ColorMetrics{RedGreenRatio: 0.5}, stats)

	expected := 0.8*0.4 + 0.6*0.3 + 0.4*0.3
	if math.Abs(d.Health.OverallHealthScore-expected) > 1e-12 {
		t.Errorf("Expected overall score %g, got %g", expected, d.Health.OverallHealthScore)
	}

	if d.Health.ColorUniformity != 0.8 || d.Health.EdgeRegularity != 0.6 || d.Health.TextureComplexity != 0.4 {
		t.Error("Raw indicators must pass through unchanged")
	}
}

func TestDeriveStressClamped(t *testing.T) {
	// Worst case: zero health, strong red shift.
	d := Derive(measure.LeafMeasurement{}, ColorMetrics{RedGreenRatio: 50}, segmentation.Stats{})
	if d.Health.StressLevel != 100 {
		t.Errorf("Expected stress clamped to 100, got %f", d.Health.StressLevel)
	}

	// Best case: perfect health, no red shift.
	perfect := segmentation.Stats{ColorUniformity: 1, EdgeRegularity: 1, TextureComplexity: 1}
	d = Derive(measure.LeafMeasurement{}, ColorMetrics{RedGreenRatio: 0.3}, perfect)
	if d.Health.StressLevel != 0 {
		t.Errorf("Expected zero stress, got %f", d.Health.StressLevel)
	}
}

func TestDeriveIsPureAndIdempotent(t *testing.T) {
	m := measure.LeafMeasurement{AreaCm2: 42.5, PerimeterCm: 31.4, PixelCount: 1000}
	c := ColorMetrics{MeanR: 55, MeanG: 140, MeanB: 48, ColorVariance: 12.5, RedGreenRatio: 0.39, ChlorophyllIndex: 0.43}
	stats := segmentation.Stats{ColorUniformity: 0.77, EdgeRegularity: 0.61, TextureComplexity: 0.22}

	first := Derive(m, c, stats)
	second := Derive(m, c, stats)

	if first != second {
		t.Errorf("Derive not idempotent: %+v vs %+v", first, second)
	}
}

func TestGrowthStageBuckets(t *testing.T) {
	cases := []struct {
		areaCm2    float64
		stage      string
		confidence float64
	}{
		{5, StageEarly, 0.7},
		{24.9, StageEarly, 0.7},
		{25, StageMid, 0.75},
		{74.9, StageMid, 0.75},
		{75, StageMature, 0.8},
		{300, StageMature, 0.8},
	}

	for _, tc := range cases {
		d := Derive(measure.LeafMeasurement{AreaCm2: tc.areaCm2}, ColorMetrics{}, segmentation.Stats{})
		if d.Stage.Stage != tc.stage {
			t.Errorf("Area %.1f: expected stage %s, got %s", tc.areaCm2, tc.stage, d.Stage.Stage)
		}
		if d.Stage.Confidence != tc.confidence {
			t.Errorf("Area %.1f: expected confidence %g, got %g", tc.areaCm2, tc.confidence, d.Stage.Confidence)
		}
	}
}

func TestNutrientsInRange(t *testing.T) {
	extremes := []ColorMetrics{
		{},
		{MeanR: 255, MeanG: 255, MeanB: 255, ColorVariance: 10000, RedGreenRatio: 1, BlueGreenRatio: 1},
		{MeanG: 255, ChlorophyllIndex: 1},
		{MeanR: 255, ChlorophyllIndex: -1},
	}

	for _, c := range extremes {
		n := nutrients(c)
		for name, v := range map[string]float64{"nitrogen": n.Nitrogen, "phosphorus": n.Phosphorus, "potassium": n.Potassium} {
			if v < 0 || v > 100 {
				t.Errorf("%s out of range for %+v: %f", name, c, v)
			}
		}
	}
}
