//go:build !cgo

package runner

import (
	"errors"

	"github.com/tendant/snap-ask/internal/ocr"
)

func newGosseractEngine() (ocr.TextExtractor, error) {
	return nil, errors.New("the gosseract OCR engine needs cgo; set OCR_ENGINE=cli")
}
