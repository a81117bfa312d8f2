package segmentation

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrNoLeafFound is returned when the mask covers too little of the image
// to plausibly be a leaf.
var ErrNoLeafFound = errors.New("segmentation: no leaf region found")

// Segmenter separates leaf (or reference object) pixels from background
type Segmenter struct {
	config Config
}

// Config holds thresholds for pixel classification
type Config struct {
	GreenDominance float64 // minimum G minus max(R,B), normalized to [0,1]
	MinLeafRatio   float64 // minimum fraction of image area the leaf mask must cover
	MaxLeafRatio   float64 // masks above this fraction are treated as background bleed
}

// New creates a new Segmenter with default configuration
func New() *Segmenter {
	return &Segmenter{
		config: Config{
			GreenDominance: 0.04,
			MinLeafRatio:   0.01,
			MaxLeafRatio:   0.98,
		},
	}
}

// NewWithConfig creates a new Segmenter with custom configuration
func NewWithConfig(config Config) *Segmenter {
	return &Segmenter{config: config}
}

// Mask is a binary foreground mask over an image
type Mask struct {
	Width  int
	Height int
	bits   []bool
	count  int
}

func newMask(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		bits:   make([]bool, width*height),
	}
}

// At reports whether the pixel at (x, y) is foreground
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.bits[y*m.Width+x]
}

func (m *Mask) set(x, y int) {
	if !m.bits[y*m.Width+x] {
		m.bits[y*m.Width+x] = true
		m.count++
	}
}

// PixelCount returns the number of foreground pixels
func (m *Mask) PixelCount() int {
	return m.count
}

// Bounds returns the tight bounding box of the foreground
func (m *Mask) Bounds() image.Rectangle {
	minX, minY := m.Width, m.Height
	maxX, maxY := -1, -1
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.bits[y*m.Width+x] {
				if x < minX {
					minX = x
				}
				if y < minY {
					minY = y
				}
				if x > maxX {
					maxX = x
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < minX {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

// Perimeter counts foreground pixels with at least one 4-connected
// background neighbor. Pixels on the image border count as boundary.
func (m *Mask) Perimeter() int {
	perimeter := 0
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if !m.bits[y*m.Width+x] {
				continue
			}
			if !m.At(x-1, y) || !m.At(x+1, y) || !m.At(x, y-1) || !m.At(x, y+1) {
				perimeter++
			}
		}
	}
	return perimeter
}

// SegmentLeaf classifies green-dominant pixels as leaf
func (s *Segmenter) SegmentLeaf(img image.Image) (*Mask, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("segmentation: empty image")
	}

	mask := newMask(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			fr := float64(r) / 65535.0
			fg := float64(g) / 65535.0
			fb := float64(b) / 65535.0
			if fg-math.Max(fr, fb) >= s.config.GreenDominance {
				mask.set(x, y)
			}
		}
	}

	if err := s.checkCoverage(mask, width*height); err != nil {
		return nil, err
	}
	return mask, nil
}

// SegmentForeground separates any high-contrast object from the background
// using an Otsu threshold on luminance. The darker side of the threshold is
// taken as foreground when it covers less of the frame, so both dark objects
// on light backgrounds and the inverse work. Used to count reference-object
// pixels during calibration.
func (s *Segmenter) SegmentForeground(img image.Image) (*Mask, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("segmentation: empty image")
	}

	luma := make([]uint8, width*height)
	var histogram [256]int
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			v := uint8((299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000)
			luma[y*width+x] = v
			histogram[v]++
		}
	}

	threshold := otsuThreshold(histogram, width*height)

	dark := newMask(width, height)
	bright := newMask(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if luma[y*width+x] <= threshold {
				dark.set(x, y)
			} else {
				bright.set(x, y)
			}
		}
	}

	mask := dark
	if bright.count < dark.count {
		mask = bright
	}
	if err := s.checkCoverage(mask, width*height); err != nil {
		return nil, err
	}
	return mask, nil
}

func (s *Segmenter) checkCoverage(mask *Mask, imageArea int) error {
	ratio := float64(mask.count) / float64(imageArea)
	if ratio < s.config.MinLeafRatio || ratio > s.config.MaxLeafRatio {
		return fmt.Errorf("%w: mask covers %.1f%% of frame", ErrNoLeafFound, ratio*100)
	}
	return nil
}

// otsuThreshold finds the luminance threshold maximizing between-class variance
func otsuThreshold(histogram [256]int, total int) uint8 {
	var sum float64
	for v, n := range histogram {
		sum += float64(v) * float64(n)
	}

	var sumBack, weightBack float64
	bestVariance := -1.0
	var best uint8
	for t := 0; t < 256; t++ {
		weightBack += float64(histogram[t])
		if weightBack == 0 {
			continue
		}
		weightFore := float64(total) - weightBack
		if weightFore == 0 {
			break
		}
		sumBack += float64(t) * float64(histogram[t])
		meanBack := sumBack / weightBack
		meanFore := (sum - sumBack) / weightFore
		variance := weightBack * weightFore * (meanBack - meanFore) * (meanBack - meanFore)
		if variance > bestVariance {
			bestVariance = variance
			best = uint8(t)
		}
	}
	return best
}

// Stats are segmentation-derived surface signals, each in [0,1]
type Stats struct {
	ColorUniformity   float64
	EdgeRegularity    float64
	TextureComplexity float64
}

// Describe computes surface statistics for the masked region
func (s *Segmenter) Describe(img image.Image, mask *Mask) Stats {
	if mask.count == 0 {
		return Stats{}
	}

	bounds := img.Bounds()

	// Mean and spread of the green channel over leaf pixels drive uniformity.
	var sumG, sumSqG float64
	// Local gradient magnitude inside the mask drives texture complexity.
	var gradientSum float64
	gradientSamples := 0

	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if !mask.At(x, y) {
				continue
			}
			_, g, _, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			fg := float64(g) / 65535.0
			sumG += fg
			sumSqG += fg * fg

			if mask.At(x+1, y) && mask.At(x, y+1) {
				r1, g1, b1, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
				r2, g2, b2, _ := img.At(x+1+bounds.Min.X, y+bounds.Min.Y).RGBA()
				r3, g3, b3, _ := img.At(x+bounds.Min.X, y+1+bounds.Min.Y).RGBA()
				dx := colorDistance(r1, g1, b1, r2, g2, b2)
				dy := colorDistance(r1, g1, b1, r3, g3, b3)
				gradientSum += math.Sqrt(dx*dx + dy*dy)
				gradientSamples++
			}
		}
	}

	n := float64(mask.count)
	meanG := sumG / n
	varG := sumSqG/n - meanG*meanG
	if varG < 0 {
		varG = 0
	}
	// Green channel std dev rarely exceeds ~0.25 on real leaves; scale so that
	// a perfectly flat patch scores 1 and a noisy one approaches 0.
	uniformity := clamp01(1 - math.Sqrt(varG)*4)

	texture := 0.0
	if gradientSamples > 0 {
		texture = clamp01(gradientSum / float64(gradientSamples) * 4)
	}

	// Isoperimetric quotient of the mask: 1 for a disc, lower for ragged edges.
	regularity := 0.0
	if p := mask.Perimeter(); p > 0 {
		regularity = clamp01(4 * math.Pi * n / (float64(p) * float64(p)))
	}

	return Stats{
		ColorUniformity:   uniformity,
		EdgeRegularity:    regularity,
		TextureComplexity: texture,
	}
}

func colorDistance(r1, g1, b1, r2, g2, b2 uint32) float64 {
	dr := (float64(r1) - float64(r2)) / 65535.0
	dg := (float64(g1) - float64(g2)) / 65535.0
	db := (float64(b1) - float64(b2)) / 65535.0
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
