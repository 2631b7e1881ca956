// Package quality rejects unusable face images before embedding extraction.
// All checks operate on the grayscale image and short-circuit on the first
// failure: size, brightness, sharpness (Laplacian variance), contrast.
package quality

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/bmp"

	"github.com/faceattend/faceattend/internal/config"
)

// Report is the transient result of a quality assessment. It is produced
// per image and never persisted.
type Report struct {
	OK         bool    `json:"ok"`
	Reason     string  `json:"reason"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Brightness float64 `json:"brightness"` // mean grayscale intensity
	Sharpness  float64 `json:"sharpness"`  // Laplacian variance, filled once size/brightness pass
	Contrast   float64 `json:"contrast"`   // grayscale stddev
}

// Gate applies the configured floors to candidate face images.
type Gate struct {
	cfg config.QualityConfig
}

func NewGate(cfg config.QualityConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Assess checks image bytes against the configured floors. It is a pure
// function of the image; decode problems are reported as a failed check,
// never as an error.
func (g *Gate) Assess(imageData []byte) Report {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return Report{OK: false, Reason: "failed to decode image"}
	}
	return g.AssessImage(img)
}

// AssessImage checks an already decoded image.
func (g *Gate) AssessImage(img image.Image) Report {
	gray := toGrayscale(img)
	width := len(gray)
	height := 0
	if width > 0 {
		height = len(gray[0])
	}

	report := Report{Width: width, Height: height}

	if width < g.cfg.MinSize || height < g.cfg.MinSize {
		report.Reason = fmt.Sprintf("face too small (min %dx%d)", g.cfg.MinSize, g.cfg.MinSize)
		return report
	}

	report.Brightness = mean(gray)
	if report.Brightness < g.cfg.MinBrightness {
		report.Reason = "image too dark"
		return report
	}
	if report.Brightness > g.cfg.MaxBrightness {
		report.Reason = "image overexposed"
		return report
	}

	report.Sharpness = laplacianVariance(gray)
	if report.Sharpness < g.cfg.MinSharpness {
		report.Reason = "image too blurry"
		return report
	}

	report.Contrast = stddev(gray, report.Brightness)
	if report.Contrast < g.cfg.MinContrast {
		report.Reason = "low contrast"
		return report
	}

	report.OK = true
	report.Reason = "OK"
	return report
}

// toGrayscale converts an image to a 2D array of grayscale values (0-255).
func toGrayscale(img image.Image) [][]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gray := make([][]float64, width)
	for x := 0; x < width; x++ {
		gray[x] = make([]float64, height)
		for y := 0; y < height; y++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// ITU-R BT.601 luma formula.
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			gray[x][y] = luma
		}
	}

	return gray
}

func mean(gray [][]float64) float64 {
	var sum float64
	var n int
	for x := range gray {
		for y := range gray[x] {
			sum += gray[x][y]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func stddev(gray [][]float64, mean float64) float64 {
	var sum float64
	var n int
	for x := range gray {
		for y := range gray[x] {
			d := gray[x][y] - mean
			sum += d * d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// laplacianVariance measures sharpness as the variance of the 4-neighbor
// Laplacian over interior pixels. Blurry images have small high-frequency
// responses and therefore low variance.
func laplacianVariance(gray [][]float64) float64 {
	width := len(gray)
	if width < 3 {
		return 0
	}
	height := len(gray[0])
	if height < 3 {
		return 0
	}

	values := make([]float64, 0, (width-2)*(height-2))
	var sum float64
	for x := 1; x < width-1; x++ {
		for y := 1; y < height-1; y++ {
			lap := 4*gray[x][y] - gray[x-1][y] - gray[x+1][y] - gray[x][y-1] - gray[x][y+1]
			values = append(values, lap)
			sum += lap
		}
	}

	m := sum / float64(len(values))
	var varSum float64
	for _, v := range values {
		d := v - m
		varSum += d * d
	}
	return varSum / float64(len(values))
}
