package main

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// renderFrame draws a test pattern with a bar that moves with seq
func renderFrame(width, height int, seq int64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	barWidth := width / 8
	if barWidth < 1 {
		barWidth = 1
	}
	barX := int(seq*int64(barWidth/2+1)) % width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / width),
				G: uint8(y * 255 / height),
				B: uint8(seq * 16),
				A: 255,
			}
			if x >= barX && x < barX+barWidth {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
