// Package preprocess prepares camera captures for OCR. Every transform is
// best effort: on failure the original bytes are handed on unchanged
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// Defaults used when Options leaves a field zero
const (
	DefaultMaxWidth     = 2000
	DefaultMedianRadius = 1
)

// Options tunes the preprocessing steps
type Options struct {
	// MaxWidth is the width above which images are downscaled
	MaxWidth int
	// MedianRadius is the median filter radius; 1 means a 3x3 window,
	// negative disables the filter
	MedianRadius int
}

// WithDefaults fills in default values for zero fields
func (o *Options) WithDefaults() {
	if o.MaxWidth <= 0 {
		o.MaxWidth = DefaultMaxWidth
	}
	if o.MedianRadius == 0 {
		o.MedianRadius = DefaultMedianRadius
	}
}

// Preprocessor converts an image to a denoised, contrast-normalized,
// single-channel PNG bounded in width
type Preprocessor struct {
	opts Options
	log  *zap.Logger
}

// New creates a preprocessor
func New(opts Options, log *zap.Logger) *Preprocessor {
	opts.WithDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Preprocessor{opts: opts, log: log}
}

// Process returns the transformed image, or data itself when any step fails
func (p *Preprocessor) Process(data []byte) []byte {
	out, err := p.Transform(data)
	if err != nil {
		p.log.Warn("Preprocessing skipped, using original image",
			zap.Int("size", len(data)),
			zap.Error(err))
		return data
	}
	return out
}

// Transform runs the preprocessing steps and reports the first failure
func (p *Preprocessor) Transform(data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("preprocess panic: %v", r)
		}
	}()

	if len(data) == 0 {
		return nil, errors.New("empty image")
	}

	// Step 1: Decode, honoring EXIF orientation from phone cameras
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, errors.New("image has no pixels")
	}

	// Step 2: Grayscale
	gray := imaging.Grayscale(src)

	// Step 3: Contrast normalization
	gray = stretchContrast(gray)

	// Step 4: Median filter against sensor speckle
	var g *image.Gray
	if p.opts.MedianRadius > 0 {
		g = medianFilter(gray, p.opts.MedianRadius)
	} else {
		g = toGray(gray)
	}

	// Step 5: Downscale wide captures, never upscale
	var result image.Image = g
	if w := g.Bounds().Dx(); w > p.opts.MaxWidth {
		result = toGray(imaging.Resize(g, p.opts.MaxWidth, 0, imaging.Lanczos))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, result, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	p.log.Debug("Image preprocessed",
		zap.Int("width", result.Bounds().Dx()),
		zap.Int("height", result.Bounds().Dy()),
		zap.Int("in_bytes", len(data)),
		zap.Int("out_bytes", buf.Len()))

	return buf.Bytes(), nil
}

// stretchContrast linearly maps the observed luminance range onto 0-255;
// flat images are returned unchanged
func stretchContrast(img *image.NRGBA) *image.NRGBA {
	lo, hi := uint8(255), uint8(0)
	for i := 0; i < len(img.Pix); i += 4 {
		v := img.Pix[i]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo || (lo == 0 && hi == 255) {
		return img
	}

	scale := 255.0 / float64(hi-lo)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		v := uint8(float64(c.R-lo)*scale + 0.5)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}

// medianFilter replaces each pixel by the median of its (2r+1)x(2r+1)
// neighbourhood
func medianFilter(img image.Image, radius int) *image.Gray {
	return toGray(effect.Median(img, float64(radius)))
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return g
}
