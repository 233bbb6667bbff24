package debugapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/pose-receiver/internal/httputil"
	"github.com/banshee-data/pose-receiver/internal/pose"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleRatesChart renders received, dispatched and dropped counts for
// each stats interval in the history ring.
func (h *Handler) handleRatesChart(w http.ResponseWriter, r *http.Request) {
	if h.src.History == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no stats history available")
		return
	}
	samples := h.src.History.Samples()

	x := make([]string, 0, len(samples))
	received := make([]opts.LineData, 0, len(samples))
	dispatched := make([]opts.LineData, 0, len(samples))
	dropped := make([]opts.LineData, 0, len(samples))
	for _, s := range samples {
		x = append(x, s.At.Format("15:04:05"))
		received = append(received, opts.LineData{Value: s.Received})
		dispatched = append(dispatched, opts.LineData{Value: s.Dispatched})
		dropped = append(dropped, opts.LineData{Value: s.Dropped()})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pose Rates", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Pose Receiver Rates", Subtitle: fmt.Sprintf("samples=%d", len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "per interval"}),
	)
	line.SetXAxis(x).
		AddSeries("received", received).
		AddSeries("dispatched", dispatched).
		AddSeries("dropped", dropped)

	writeChart(w, line)
}

// handleLandmarksChart renders the latest frame's landmarks with the
// skeleton drawn between them. Image y grows downwards, so it is flipped.
func (h *Handler) handleLandmarksChart(w http.ResponseWriter, r *http.Request) {
	if h.src.Frames == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no frames available")
		return
	}
	frame, ok := h.src.Frames.LastFrame()
	if !ok || len(frame.Landmarks) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no landmarks received yet")
		return
	}

	points := make([]opts.ScatterData, 0, len(frame.Landmarks))
	for i, lm := range frame.Landmarks {
		points = append(points, opts.ScatterData{
			Name:  pose.LandmarkType(i).String(),
			Value: []interface{}{lm.X, 1 - lm.Y, lm.Z},
		})
	}

	// One line series with "-" gaps between bones.
	bones := make([]opts.LineData, 0, len(pose.Connections)*3)
	for _, c := range pose.Connections {
		a, okA := frame.Landmark(c.From)
		b, okB := frame.Landmark(c.To)
		if !okA || !okB {
			continue
		}
		bones = append(bones,
			opts.LineData{Value: []interface{}{a.X, 1 - a.Y}},
			opts.LineData{Value: []interface{}{b.X, 1 - b.Y}},
			opts.LineData{Value: "-"},
		)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pose Landmarks", Theme: "dark", Width: "800px", Height: "800px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Latest Frame", Subtitle: fmt.Sprintf("landmarks=%d image=%t", len(frame.Landmarks), frame.HasImage())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Min: 0, Max: 1, Name: "x"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Min: 0, Max: 1, Name: "y"}),
	)
	scatter.AddSeries("landmarks", points, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))

	skeleton := charts.NewLine()
	skeleton.AddSeries("skeleton", bones)
	scatter.Overlap(skeleton)

	writeChart(w, scatter)
}

type renderer interface {
	Render(w io.Writer) error
}

func writeChart(w http.ResponseWriter, c renderer) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
