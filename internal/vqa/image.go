package vqa

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/bdougie/framecaption/internal/models"
)

// PatchGrid is the number of patches per side of the patch feature grid.
const PatchGrid = 16

var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Fit scales img down so its longest side is at most maxSide.
// Images already within bounds, or a non-positive maxSide, are returned as is.
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}

	var nw, nh int
	if w >= h {
		nw, nh = maxSide, max(h*maxSide/w, 1)
	} else {
		nw, nh = max(w*maxSide/h, 1), maxSide
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// PatchFeatures computes a [PatchGrid*PatchGrid, 3] tensor of per-patch mean
// RGB values, normalized with the CLIP image mean and standard deviation.
func PatchFeatures(img image.Image) models.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, 0, PatchGrid*PatchGrid*3)

	for gy := 0; gy < PatchGrid; gy++ {
		y0, y1 := cellBounds(gy, h)
		for gx := 0; gx < PatchGrid; gx++ {
			x0, x1 := cellBounds(gx, w)

			var sum [3]float64
			n := 0
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
					sum[0] += float64(r) / 0xffff
					sum[1] += float64(g) / 0xffff
					sum[2] += float64(bl) / 0xffff
					n++
				}
			}
			for c := 0; c < 3; c++ {
				var mean float32
				if n > 0 {
					mean = float32(sum[c] / float64(n))
				}
				data = append(data, (mean-clipMean[c])/clipStd[c])
			}
		}
	}

	return models.Tensor{Shape: []int{PatchGrid * PatchGrid, 3}, Data: data}
}

func cellBounds(i, size int) (int, int) {
	lo := i * size / PatchGrid
	hi := (i + 1) * size / PatchGrid
	if hi <= lo {
		hi = min(lo+1, size)
	}
	return lo, hi
}
