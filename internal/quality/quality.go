// Package quality scores decoded photos for sharpness and exposure.
//
// Sharpness is the standard deviation of a 4-neighbour Laplacian over a
// grayscale, size-bounded copy of the image. Exposure is the fraction of
// clipped shadow and highlight pixels on a smaller copy. Neither check does
// any I/O.
package quality

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// SchemaVersion is stored alongside every QualityResult.
const SchemaVersion = 1

const (
	DefaultSharpnessFail   = 10
	DefaultSharpnessWarn   = 20
	DefaultClipFraction    = 0.25
	DefaultSharpnessMaxDim = 1024
	DefaultExposureMaxDim  = 512

	shadowCutoff    = 5
	highlightCutoff = 250
)

type Thresholds struct {
	SharpnessFail int
	SharpnessWarn int
	// ClipFraction fails exposure when either clipped fraction exceeds it,
	// and warns above half of it.
	ClipFraction float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SharpnessFail: DefaultSharpnessFail,
		SharpnessWarn: DefaultSharpnessWarn,
		ClipFraction:  DefaultClipFraction,
	}
}

func (t Thresholds) Validate() error {
	if t.SharpnessFail <= 0 {
		return fmt.Errorf("sharpness fail threshold must be positive (got %d)", t.SharpnessFail)
	}
	if t.SharpnessFail >= t.SharpnessWarn {
		return fmt.Errorf("sharpness fail threshold %d must be below warn threshold %d", t.SharpnessFail, t.SharpnessWarn)
	}
	if t.ClipFraction <= 0 || t.ClipFraction > 1 {
		return fmt.Errorf("exposure clip fraction must be in (0, 1] (got %g)", t.ClipFraction)
	}
	return nil
}

type Engine struct {
	thresholds      Thresholds
	sharpnessMaxDim int
	exposureMaxDim  int
}

func NewEngine(t Thresholds) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		thresholds:      t,
		sharpnessMaxDim: DefaultSharpnessMaxDim,
		exposureMaxDim:  DefaultExposureMaxDim,
	}, nil
}

func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Evaluate runs both checks concurrently. DuplicateOf is left for the caller.
func (e *Engine) Evaluate(ctx context.Context, img image.Image) (schema.QualityResult, error) {
	if img == nil || img.Bounds().Empty() {
		return schema.QualityResult{}, errors.New("quality: empty image")
	}

	var (
		sharp schema.SharpnessResult
		expo  schema.ExposureResult
	)
	if err := ctx.Err(); err != nil {
		return schema.QualityResult{}, err
	}
	var g errgroup.Group
	g.Go(func() error {
		return guard("sharpness", func() { sharp = e.Sharpness(img) })
	})
	g.Go(func() error {
		return guard("exposure", func() { expo = e.Exposure(img) })
	})
	if err := g.Wait(); err != nil {
		return schema.QualityResult{}, err
	}
	return schema.QualityResult{Sharpness: sharp, Exposure: expo}, nil
}

func (e *Engine) Sharpness(img image.Image) schema.SharpnessResult {
	gray := grayscale(img, e.sharpnessMaxDim)
	score := int(math.Round(laplacianStdDev(gray)))
	return schema.SharpnessResult{Score: score, Status: e.classifySharpness(score)}
}

func (e *Engine) classifySharpness(score int) schema.CheckStatus {
	switch {
	case score < e.thresholds.SharpnessFail:
		return schema.CheckFail
	case score < e.thresholds.SharpnessWarn:
		return schema.CheckWarn
	default:
		return schema.CheckPass
	}
}

func (e *Engine) Exposure(img image.Image) schema.ExposureResult {
	gray := grayscale(img, e.exposureMaxDim)
	highlights, shadows := clippedFractions(gray)

	status := schema.CheckPass
	switch clip := e.thresholds.ClipFraction; {
	case highlights > clip || shadows > clip:
		status = schema.CheckFail
	case highlights > clip/2 || shadows > clip/2:
		status = schema.CheckWarn
	}

	h, s := round2(highlights), round2(shadows)
	return schema.ExposureResult{
		Status:                    status,
		ClippedHighlightsFraction: &h,
		ClippedShadowsFraction:    &s,
	}
}

// luma is a row-major single-channel copy of an image.
type luma struct {
	w, h int
	pix  []uint8
}

func (l luma) at(x, y int) float64 { return float64(l.pix[y*l.w+x]) }

func grayscale(img image.Image, maxDim int) luma {
	b := img.Bounds()
	if b.Dx() > maxDim || b.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Box)
	}
	g := imaging.Grayscale(img)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	out := luma{w: w, h: h, pix: make([]uint8, w*h)}
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < w; x++ {
			out.pix[y*w+x] = row[x*4]
		}
	}
	return out
}

// laplacianStdDev returns the population standard deviation of
// 4*c - top - bottom - left - right over all interior pixels.
func laplacianStdDev(l luma) float64 {
	if l.w < 3 || l.h < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for y := 1; y < l.h-1; y++ {
		for x := 1; x < l.w-1; x++ {
			v := 4*l.at(x, y) - l.at(x, y-1) - l.at(x, y+1) - l.at(x-1, y) - l.at(x+1, y)
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

func clippedFractions(l luma) (highlights, shadows float64) {
	if len(l.pix) == 0 {
		return 0, 0
	}
	var hi, lo int
	for _, v := range l.pix {
		switch {
		case v >= highlightCutoff:
			hi++
		case v <= shadowCutoff:
			lo++
		}
	}
	total := float64(len(l.pix))
	return float64(hi) / total, float64(lo) / total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// guard runs fn and reports a panic as an error.
func guard(check string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("quality: %s panic: %v", check, r)
		}
	}()
	fn()
	return nil
}
