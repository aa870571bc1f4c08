// Package watermark stamps branding onto generated images served to free or
// anonymous viewers.
package watermark

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	brandText  = "FluxReve"
	domainText = "fluxreve.com"
)

// Apply composites the brand mark into the top-right corner and re-encodes
// the image. JPEG input stays JPEG; everything else comes back as PNG.
func Apply(src []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("watermark: decode image: %w", err)
	}

	bounds := img.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, img, bounds.Min, draw.Src)

	width := bounds.Dx()
	padding := width / 50
	if padding < 4 {
		padding = 4
	}

	// Mirror of the web renderer's sizing: brand at ~width/25 px tall,
	// domain line at 70% of that. basicfont glyphs are 13px, so scale up.
	brandScale := width / 25 / basicfont.Face7x13.Height
	if brandScale < 1 {
		brandScale = 1
	}
	domainScale := brandScale * 7 / 10
	if domainScale < 1 {
		domainScale = 1
	}

	brand := renderText(brandText, brandScale, 178)
	domain := renderText(domainText, domainScale, 153)

	x := bounds.Max.X - padding - brand.Bounds().Dx()
	y := bounds.Min.Y + padding
	draw.Draw(canvas, brand.Bounds().Add(image.Pt(x, y)), brand, brand.Bounds().Min, draw.Over)

	x = bounds.Max.X - padding - domain.Bounds().Dx()
	y += brand.Bounds().Dy() + padding/2
	draw.Draw(canvas, domain.Bounds().Add(image.Pt(x, y)), domain, domain.Bounds().Min, draw.Over)

	var out bytes.Buffer
	if strings.EqualFold(format, "jpeg") {
		err = jpeg.Encode(&out, canvas, &jpeg.Options{Quality: 92})
	} else {
		err = png.Encode(&out, canvas)
	}
	if err != nil {
		return nil, fmt.Errorf("watermark: encode image: %w", err)
	}
	return out.Bytes(), nil
}

// renderText rasterizes white text at 1x and scales it up to the requested
// integer factor, preserving the translucent alpha.
func renderText(text string, scale int, alpha uint8) *image.RGBA {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()
	h := face.Height

	small := image.NewRGBA(image.Rect(0, 0, w, h))
	drawer := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: alpha}),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	drawer.DrawString(text)

	if scale == 1 {
		return small
	}
	big := image.NewRGBA(image.Rect(0, 0, w*scale, h*scale))
	xdraw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), xdraw.Over, nil)
	return big
}
