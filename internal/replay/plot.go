package replay

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrTooFewDatagrams is returned when a capture has no arrival intervals.
var ErrTooFewDatagrams = errors.New("need at least two datagrams to plot intervals")

// Intervals returns the gaps between consecutive capture timestamps in
// milliseconds.
func Intervals(datagrams []Datagram) []float64 {
	if len(datagrams) < 2 {
		return nil
	}
	out := make([]float64, 0, len(datagrams)-1)
	for i := 1; i < len(datagrams); i++ {
		out = append(out, float64(datagrams[i].At.Sub(datagrams[i-1].At).Microseconds())/1000)
	}
	return out
}

// PlotIntervals saves a plot of arrival intervals per datagram to path.
// The image format follows the file extension (png, svg, pdf).
func PlotIntervals(datagrams []Datagram, path string) error {
	intervals := Intervals(datagrams)
	if len(intervals) == 0 {
		return ErrTooFewDatagrams
	}
	mean, std := stat.MeanStdDev(intervals, nil)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Arrival intervals (mean %.2fms, stddev %.2fms)", mean, std)
	p.X.Label.Text = "Datagram"
	p.Y.Label.Text = "Interval (ms)"

	pts := make(plotter.XYs, len(intervals))
	for i, v := range intervals {
		pts[i] = plotter.XY{X: float64(i + 1), Y: v}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create interval line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())

	meanLine, err := plotter.NewLine(plotter.XYs{{X: 1, Y: mean}, {X: float64(len(intervals)), Y: mean}})
	if err != nil {
		return fmt.Errorf("failed to create mean line: %w", err)
	}
	meanLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(meanLine)
	p.Legend.Add("interval", line)
	p.Legend.Add("mean", meanLine)

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save interval plot: %w", err)
	}
	return nil
}
