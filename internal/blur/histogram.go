package blur

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Bin is one histogram bucket. Max is exclusive except for the last bin.
type Bin struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Histogram buckets values into n equal-width bins spanning their range.
// A degenerate range is widened by half a unit on each side.
func Histogram(values []float64, n int) []Bin {
	if len(values) == 0 || n < 1 {
		return nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}

	width := (hi - lo) / float64(n)
	bins := make([]Bin, n)
	for i := range bins {
		bins[i].Min = lo + float64(i)*width
		bins[i].Max = lo + float64(i+1)*width
	}
	bins[n-1].Max = hi

	for _, v := range values {
		i := int((v - lo) / width)
		if i >= n {
			i = n - 1
		}
		if i < 0 {
			i = 0
		}
		bins[i].Count++
	}
	return bins
}

var histogramFill = color.RGBA{R: 70, G: 130, B: 180, A: 180}

// writeHistogram renders bins to a PNG with the summary statistics in the
// legend.
func writeHistogram(path, title string, bins []Bin, mean, median, std float64) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Blur value"
	p.Y.Label.Text = "Frequency"
	p.Add(plotter.NewGrid())

	hb := make([]plotter.HistogramBin, len(bins))
	for i, b := range bins {
		hb[i] = plotter.HistogramBin{Min: b.Min, Max: b.Max, Weight: float64(b.Count)}
	}
	h := &plotter.Histogram{
		Bins:      hb,
		Width:     bins[0].Max - bins[0].Min,
		FillColor: histogramFill,
	}
	h.LineStyle = plotter.DefaultLineStyle
	p.Add(h)

	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.Add(fmt.Sprintf("Mean: %.2f", mean))
	p.Legend.Add(fmt.Sprintf("Median: %.2f", median))
	p.Legend.Add(fmt.Sprintf("Std Dev: %.2f", std))

	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save histogram %s: %w", path, err)
	}
	return nil
}
