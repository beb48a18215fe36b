//go:build cgo

package runner

import (
	"github.com/tendant/snap-ask/internal/ocr"
	"github.com/tendant/snap-ask/internal/ocr/tesseract"
)

func newGosseractEngine() (ocr.TextExtractor, error) {
	return tesseract.NewEngine(), nil
}
