// Package ocrtest renders images for OCR tests
package ocrtest

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// BlankPNG returns a w x h all-white PNG
func BlankPNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return encode(img)
}

// TextPNG renders text in black on white with the 7x13 bitmap font,
// enlarged by scale so Tesseract can read it
func TextPNG(text string, scale int) []byte {
	if scale < 1 {
		scale = 1
	}
	w := 20 + 7*len(text)
	img := image.NewRGBA(image.Rect(0, 0, w, 30))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 20),
	}
	d.DrawString(text)

	big := imaging.Resize(img, w*scale, 30*scale, imaging.NearestNeighbor)
	return encode(big)
}

func encode(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
