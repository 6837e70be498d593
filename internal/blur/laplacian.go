package blur

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"gonum.org/v1/gonum/stat"
)

// ScoreFile decodes the image at path and returns its Laplacian variance.
func ScoreFile(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return LaplacianVariance(img), nil
}

// LaplacianVariance returns the population variance of the 3x3 Laplacian
// response of img's luminance. Borders reflect without repeating the edge
// pixel, so index -1 maps to 1 and n maps to n-2.
func LaplacianVariance(img image.Image) float64 {
	pix, w, h := luminance(img)
	if w == 0 || h == 0 {
		return 0
	}

	at := func(x, y int) float64 {
		return pix[reflect101(y, h)*w+reflect101(x, w)]
	}

	resp := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := at(x, y-1) + at(x-1, y) + at(x+1, y) + at(x, y+1) - 4*at(x, y)
			resp = append(resp, v)
		}
	}
	_, variance := stat.PopMeanVariance(resp, nil)
	return variance
}

// luminance flattens img into 8-bit gray levels. JPEG luma is used as
// decoded; other formats go through the standard gray conversion.
func luminance(img image.Image) ([]float64, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]float64, w*h)

	switch m := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = float64(m.Y[m.YOffset(b.Min.X+x, b.Min.Y+y)])
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = float64(m.Pix[m.PixOffset(b.Min.X+x, b.Min.Y+y)])
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				pix[y*w+x] = float64(g.Y)
			}
		}
	}
	return pix, w, h
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}
