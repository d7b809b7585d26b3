package daqstream

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"golang.org/x/image/colornames"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var traceColors = []color.RGBA{
	colornames.Darkmagenta, colornames.Darkcyan, colornames.Darkorange,
	colornames.Forestgreen, colornames.Royalblue, colornames.Crimson,
	colornames.Goldenrod, colornames.Slategray,
}

// PlotRenderer draws each frame as a line chart (one line per channel,
// volts vs. ms) and writes it to a PNG file, replacing the previous frame.
type PlotRenderer struct {
	Path   string
	Title  string
	Width  vg.Length
	Height vg.Length
	frames int
}

// NewPlotRenderer returns a renderer writing 8x4 inch charts to path.
func NewPlotRenderer(path string) *PlotRenderer {
	return &PlotRenderer{
		Path:   path,
		Title:  "daqstream",
		Width:  8 * vg.Inch,
		Height: 4 * vg.Inch,
	}
}

// Frames returns the number of frames written.
func (pr *PlotRenderer) Frames() int {
	return pr.frames
}

// Plot builds the chart for one frame.
func (pr *PlotRenderer) Plot(f *Frame) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %v, %d batches", pr.Title, f.State, f.Batches)
	p.X.Label.Text = "Time (ms)"
	if f.SampleRate <= 0 {
		p.X.Label.Text = "Sample"
	}
	p.Y.Label.Text = "Volts"
	p.BackgroundColor = colornames.Snow
	p.Legend.Top = true
	p.Legend.Padding = vg.Points(5)
	p.Add(plotter.NewGrid())

	for i, trace := range f.Traces {
		if len(trace) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(trace))
		for j, y := range trace {
			xys[j].X = f.TimeMillis(j)
			xys[j].Y = y
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", f.ChannelIDs[i], err)
		}
		line.Color = traceColors[i%len(traceColors)]
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("ch %d", f.ChannelIDs[i]), line)
	}
	return p, nil
}

// Render writes the frame's chart to pr.Path. The file is replaced atomically
// so that readers never see a partial image.
func (pr *PlotRenderer) Render(f *Frame) error {
	p, err := pr.Plot(f)
	if err != nil {
		return err
	}
	w, err := p.WriterTo(pr.Width, pr.Height, "png")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(pr.Path), ".frame-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := w.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), pr.Path); err != nil {
		return err
	}
	pr.frames++
	return nil
}
