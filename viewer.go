package daqstream

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Frame is what a Renderer draws on one refresh.
type Frame struct {
	ChannelIDs []int
	SampleRate float64 // per channel, samples per second; 0 if unknown
	Traces     [][]float64
	State      AcquisitionState
	Batches    uint64 // batches appended to the buffer so far
}

// TimeMillis returns the time of sample i relative to the start of the window,
// in ms. With no sample rate the index itself is returned.
func (f *Frame) TimeMillis(i int) float64 {
	if f.SampleRate <= 0 {
		return float64(i)
	}
	return 1000 * float64(i) / f.SampleRate
}

// Renderer draws frames. Render is called from the Viewer goroutine only.
type Renderer interface {
	Render(*Frame) error
}

// PauseController is the control handle a Viewer uses to pause and resume
// acquisition. *AcquisitionLoop satisfies it.
type PauseController interface {
	TogglePause() (AcquisitionState, error)
	State() AcquisitionState
}

// ChannelSummary describes the samples currently held for one channel.
type ChannelSummary struct {
	Channel int
	N       int
	Min     float64
	Max     float64
	Mean    float64
	StdDev  float64
}

// Viewer is the consumer side of an acquisition: it owns a StreamBuffer,
// appends batches from the loop's queue and hands frames to a Renderer.
type Viewer struct {
	buffer      *StreamBuffer
	channelIDs  []int
	sampleRate  float64
	renderer    Renderer
	control     PauseController
	Refresh     time.Duration
	batches     uint64
	renderFails int
}

// DefaultRefresh is the Viewer's default redraw period.
const DefaultRefresh = 100 * time.Millisecond

// NewViewer creates a Viewer whose buffer keeps capacity samples of each
// channel in channelIDs. renderer and control may be nil.
func NewViewer(channelIDs []int, sampleRate float64, capacity int, renderer Renderer, control PauseController) (*Viewer, error) {
	buffer, err := NewStreamBuffer(len(channelIDs), capacity)
	if err != nil {
		return nil, err
	}
	return &Viewer{
		buffer:     buffer,
		channelIDs: append([]int(nil), channelIDs...),
		sampleRate: sampleRate,
		renderer:   renderer,
		control:    control,
		Refresh:    DefaultRefresh,
	}, nil
}

// Buffer returns the Viewer's StreamBuffer.
func (v *Viewer) Buffer() *StreamBuffer {
	return v.buffer
}

// Drain appends every batch that is waiting in batches without blocking. It
// returns the number of batches appended and whether batches is closed. A
// batch whose shape does not match the buffer is logged and skipped.
func (v *Viewer) Drain(batches <-chan *Batch) (n int, closed bool) {
	for {
		select {
		case b, ok := <-batches:
			if !ok {
				return n, true
			}
			if err := v.buffer.AppendBatch(b.Channels); err != nil {
				ProblemLogger.Printf("viewer skipped batch %d: %v", b.Seq, err)
				continue
			}
			v.batches++
			n++
		default:
			return n, false
		}
	}
}

// Frame builds a frame from the current buffer contents.
func (v *Viewer) Frame() *Frame {
	state := Stopped
	if v.control != nil {
		state = v.control.State()
	}
	return &Frame{
		ChannelIDs: v.channelIDs,
		SampleRate: v.sampleRate,
		Traces:     v.buffer.SnapshotAll(),
		State:      state,
		Batches:    v.batches,
	}
}

// Run drains batches and renders a frame every Refresh period, until batches
// is closed (after a final render) or ctx is done.
func (v *Viewer) Run(ctx context.Context, batches <-chan *Batch) error {
	refresh := v.Refresh
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, closed := v.Drain(batches)
			if n > 0 || closed {
				v.render()
			}
			if closed {
				return nil
			}
		}
	}
}

func (v *Viewer) render() {
	if v.renderer == nil {
		return
	}
	if err := v.renderer.Render(v.Frame()); err != nil {
		v.renderFails++
		// Report the first failure and then only occasionally.
		if v.renderFails == 1 || v.renderFails%100 == 0 {
			ProblemLogger.Printf("viewer render failed (%d times): %v", v.renderFails, err)
		}
	}
}

// TogglePause asks the acquisition loop to pause if running, or resume if paused.
func (v *Viewer) TogglePause() (AcquisitionState, error) {
	if v.control == nil {
		return Stopped, fmt.Errorf("viewer has no acquisition to pause")
	}
	return v.control.TogglePause()
}

// Summaries describes the samples currently in the buffer, one entry per channel.
func (v *Viewer) Summaries() []ChannelSummary {
	traces := v.buffer.SnapshotAll()
	result := make([]ChannelSummary, len(traces))
	for i, trace := range traces {
		result[i] = Summarize(trace)
		result[i].Channel = v.channelIDs[i]
	}
	return result
}

// Summarize computes the count, extremes, mean and standard deviation of samples.
func Summarize(samples []float64) ChannelSummary {
	s := ChannelSummary{N: len(samples)}
	if len(samples) == 0 {
		return s
	}
	s.Min = floats.Min(samples)
	s.Max = floats.Max(samples)
	if len(samples) == 1 {
		s.Mean = samples[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(samples, nil)
	return s
}
