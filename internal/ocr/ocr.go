// Package ocr defines the text extraction capability used by the ask
// pipeline. Engines live in sub-packages so callers and tests can swap
// them without pulling in native OCR libraries
package ocr

import (
	"context"
	"errors"
	"fmt"
)

// Defaults for Options
const (
	DefaultLanguage = "eng"

	// DefaultWhitelist restricts recognition to alphanumerics and common punctuation
	DefaultWhitelist = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789 .,!?;:'\"()-"

	// DefaultPageSegMode is Tesseract's automatic page segmentation with
	// orientation and script detection
	DefaultPageSegMode = 1
)

// Options carries engine-independent recognition hints
type Options struct {
	Language    string
	Whitelist   string
	// PageSegMode is a Tesseract page segmentation mode; zero selects
	// DefaultPageSegMode
	PageSegMode int
}

// WithDefaults fills in default values for zero fields
func (o *Options) WithDefaults() {
	if o.Language == "" {
		o.Language = DefaultLanguage
	}
	if o.Whitelist == "" {
		o.Whitelist = DefaultWhitelist
	}
	if o.PageSegMode <= 0 {
		o.PageSegMode = DefaultPageSegMode
	}
}

// Result is the raw recognized text with a 0-100 confidence score;
// HasConfidence is false when the engine could not score the text
type Result struct {
	Text          string
	Confidence    float64
	HasConfidence bool
}

// TextExtractor converts image bytes into text
type TextExtractor interface {
	Name() string
	Extract(ctx context.Context, image []byte, opts Options) (Result, error)
}

// ExtractionFailure reports that the engine could not run: it failed to
// initialize, returned an error, or crashed. An empty result is not a failure
type ExtractionFailure struct {
	Engine string
	Err    error
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("text extraction failed (%s): %v", e.Engine, e.Err)
}

func (e *ExtractionFailure) Unwrap() error {
	return e.Err
}

// Failure wraps err as an ExtractionFailure for engine
func Failure(engine string, err error) error {
	return &ExtractionFailure{Engine: engine, Err: err}
}

// Recognize runs e with defaults applied. Errors and panics raised by the
// engine are returned as *ExtractionFailure
func Recognize(ctx context.Context, e TextExtractor, image []byte, opts Options) (res Result, err error) {
	opts.WithDefaults()

	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, Failure(e.Name(), fmt.Errorf("engine panic: %v", r))
		}
	}()

	res, err = e.Extract(ctx, image, opts)
	if err != nil {
		var failure *ExtractionFailure
		if !errors.As(err, &failure) {
			err = Failure(e.Name(), err)
		}
		return Result{}, err
	}
	return res, nil
}
