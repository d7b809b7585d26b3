package daqstream

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/usnistgov/daqstream/decode"
)

// RippleStats summarizes the ripple of one captured waveform.
type RippleStats struct {
	PeakToPeak float64
	RMS        float64
	Mean       float64
	N          int
}

// ComputeRipple returns peak-to-peak, RMS and mean of samples. RMS is taken
// about zero, so it includes any DC level.
func ComputeRipple(samples []float64) RippleStats {
	rs := RippleStats{N: len(samples)}
	if len(samples) == 0 {
		return rs
	}
	rs.PeakToPeak = floats.Max(samples) - floats.Min(samples)
	rs.RMS = math.Sqrt(floats.Dot(samples, samples) / float64(len(samples)))
	rs.Mean = stat.Mean(samples, nil)
	return rs
}

// RippleConfig describes a ripple sweep. It is stored under the "ripple" key
// of the config file.
type RippleConfig struct {
	LoadAddress  string
	ScopeAddress string
	ScopeChannel int
	Steps        []float64     // load currents in amperes
	Settle       time.Duration // wait after enabling the load, before triggering
	Capture      time.Duration // wait after triggering, before reading the waveform
	Timeout      time.Duration
	PlotDir      string // one PNG per step is written here, if not empty
}

// DefaultRippleConfig returns the sweep used where the config file is silent.
func DefaultRippleConfig() RippleConfig {
	return RippleConfig{
		ScopeChannel: 1,
		Steps:        []float64{0, 0.1, 1, 3},
		Settle:       500 * time.Millisecond,
		Capture:      time.Second,
		Timeout:      10 * time.Second,
	}
}

// RippleResult is the outcome of one step of a sweep.
type RippleResult struct {
	Current  float64 // requested load current
	Stats    RippleStats
	Interval float64 // seconds per sample
	PlotFile string
}

// RippleLoad is the electronic load used by a sweep. *Load satisfies it.
type RippleLoad interface {
	SetCurrent(ctx context.Context, amps float64) error
	EnableInput(ctx context.Context, on bool) error
}

// WaveformCapturer is the oscilloscope used by a sweep. A scope *Driver satisfies it.
type WaveformCapturer interface {
	ForceTrigger(ctx context.Context) error
	Waveform(ctx context.Context) ([]float64, *decode.Preamble, error)
}

// RippleSweep steps the load through cfg.Steps. At each step it sets the
// current, enables the load input, waits cfg.Settle, forces a trigger, waits
// cfg.Capture, reads a waveform and disables the input again. The input is
// disabled even when a step fails. Results of completed steps are returned
// along with the first error.
func RippleSweep(ctx context.Context, load RippleLoad, scope WaveformCapturer, cfg RippleConfig) ([]RippleResult, error) {
	results := make([]RippleResult, 0, len(cfg.Steps))
	for _, amps := range cfg.Steps {
		result, err := rippleStep(ctx, load, scope, cfg, amps)
		if err != nil {
			return results, fmt.Errorf("ripple step at %v A: %w", amps, err)
		}
		UpdateLogger.Printf("Ripple at %v A: peak-to-peak %.3f mV, RMS %.3f mV",
			amps, 1000*result.Stats.PeakToPeak, 1000*result.Stats.RMS)
		results = append(results, result)
	}
	return results, nil
}

func rippleStep(ctx context.Context, load RippleLoad, scope WaveformCapturer, cfg RippleConfig, amps float64) (result RippleResult, err error) {
	result.Current = amps
	if err = load.SetCurrent(ctx, amps); err != nil {
		return
	}
	if err = load.EnableInput(ctx, true); err != nil {
		return
	}
	defer func() {
		offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if offErr := load.EnableInput(offCtx, false); offErr != nil && err == nil {
			err = offErr
		}
	}()

	if err = sleepContext(ctx, cfg.Settle); err != nil {
		return
	}
	if err = scope.ForceTrigger(ctx); err != nil {
		return
	}
	if err = sleepContext(ctx, cfg.Capture); err != nil {
		return
	}
	samples, preamble, err := scope.Waveform(ctx)
	if err != nil {
		return
	}
	result.Stats = ComputeRipple(samples)
	if preamble != nil {
		result.Interval = preamble.HorizInterval
	}
	if cfg.PlotDir != "" {
		result.PlotFile = filepath.Join(cfg.PlotDir, "ripple_"+strconv.FormatFloat(amps, 'f', -1, 64)+"A.png")
		frame := &Frame{
			ChannelIDs: []int{cfg.ScopeChannel},
			Traces:     [][]float64{samples},
			State:      Stopped,
		}
		if result.Interval > 0 {
			frame.SampleRate = 1 / result.Interval
		}
		pr := NewPlotRenderer(result.PlotFile)
		pr.Title = fmt.Sprintf("Ripple at %v A", amps)
		if perr := pr.Render(frame); perr != nil {
			ProblemLogger.Printf("could not plot ripple at %v A: %v", amps, perr)
			result.PlotFile = ""
		}
	}
	return result, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
