//go:build cgo

// Package tesseract provides a libtesseract-backed ocr.TextExtractor
// built on gosseract
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/tendant/snap-ask/internal/ocr"
)

// Engine implements ocr.TextExtractor using a gosseract client per call
type Engine struct {
	clientFactory func() *gosseract.Client
}

// NewEngine constructs a gosseract-backed engine
func NewEngine() *Engine {
	return &Engine{clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "gosseract" }

// Extract recognizes text in image. Confidence is the mean word confidence
// reported by Tesseract
func (e *Engine) Extract(ctx context.Context, image []byte, opts ocr.Options) (ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, err
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(image); err != nil {
		return ocr.Result{}, ocr.Failure(e.Name(), fmt.Errorf("set image: %w", err))
	}
	if err := c.SetLanguage(opts.Language); err != nil {
		return ocr.Result{}, ocr.Failure(e.Name(), fmt.Errorf("set language: %w", err))
	}
	if opts.Whitelist != "" {
		if err := c.SetVariable(gosseract.SettableVariable("tessedit_char_whitelist"), opts.Whitelist); err != nil {
			return ocr.Result{}, ocr.Failure(e.Name(), fmt.Errorf("set whitelist: %w", err))
		}
	}
	if err := c.SetPageSegMode(gosseract.PageSegMode(opts.PageSegMode)); err != nil {
		return ocr.Result{}, ocr.Failure(e.Name(), fmt.Errorf("set page segmentation mode: %w", err))
	}

	text, err := c.Text()
	if err != nil {
		return ocr.Result{}, ocr.Failure(e.Name(), fmt.Errorf("recognize text: %w", err))
	}

	res := ocr.Result{Text: text}
	if strings.TrimSpace(text) != "" {
		res.Confidence, res.HasConfidence = meanWordConfidence(c)
	}
	return res, nil
}

func meanWordConfidence(c *gosseract.Client) (float64, bool) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0, false
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes)), true
}
