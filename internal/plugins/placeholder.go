// Package plugins holds pieces shared by the training and image backends:
// placeholder artifact rendering for the fast-test mocks and the naming
// conventions both plugin families follow.
package plugins

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
)

// PlaceholderPNG renders a small flat-color PNG used by the mock backends
// in place of real model output. The color is derived from the label so
// repeated runs with the same inputs produce identical bytes.
func PlaceholderPNG(width, height int, label string) ([]byte, error) {
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 64
	}
	// Keep mock artifacts tiny regardless of the requested resolution.
	if width > 256 {
		width = 256
	}
	if height > 256 {
		height = 256
	}

	h := fnv.New32a()
	h.Write([]byte(label))
	seed := h.Sum32()

	base := color.RGBA{
		R: uint8(seed),
		G: uint8(seed >> 8),
		B: uint8(seed >> 16),
		A: 255,
	}
	stripe := color.RGBA{
		R: base.R ^ 0x55,
		G: base.G ^ 0x55,
		B: base.B ^ 0x55,
		A: 255,
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, base)
			} else {
				img.Set(x, y, stripe)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode placeholder image: %w", err)
	}
	return buf.Bytes(), nil
}
