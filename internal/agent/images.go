package agent

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register png decoding for screenshots
	"os"

	"golang.org/x/image/draw"
)

// resizeImage writes a JPEG copy of src to dst, scaling so the longest
// edge does not exceed maxLongEdge. Images already inside the bound are
// re-encoded without scaling.
func resizeImage(src, dst string, maxLongEdge, quality int) error {
	if maxLongEdge <= 0 {
		return fmt.Errorf("invalid long-edge bound %d", maxLongEdge)
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longest := w
	if h > longest {
		longest = h
	}

	if longest > maxLongEdge {
		scale := float64(maxLongEdge) / float64(longest)
		nw := int(float64(w) * scale)
		nh := int(float64(h) * scale)
		if nw < 1 {
			nw = 1
		}
		if nh < 1 {
			nh = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)
		img = scaled
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create resized image: %w", err)
	}
	defer out.Close()

	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("failed to encode resized image: %w", err)
	}
	return nil
}
