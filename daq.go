package daqstream

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/usnistgov/daqstream/decode"
	"github.com/usnistgov/daqstream/scpi"
)

// Analog input channel ids of a U2351A-class DAQ.
const (
	AnalogChannel1 = 101 + iota
	AnalogChannel2
	AnalogChannel3
	AnalogChannel4
	AnalogChannel5
	AnalogChannel6
	AnalogChannel7
	AnalogChannel8
	AnalogChannel9
	AnalogChannel10
	AnalogChannel11
	AnalogChannel12
	AnalogChannel13
	AnalogChannel14
	AnalogChannel15
	AnalogChannel16
)

// VoltageRange is the full-scale input range of a DAQ channel, in volts.
// It is also the scale factor of the 16-bit decode.
type VoltageRange float64

// Ranges supported by the DAQ.
const (
	Range10V  VoltageRange = 10
	Range5V   VoltageRange = 5
	Range2V5  VoltageRange = 2.5
	Range1V25 VoltageRange = 1.25
)

// Polarity selects unipolar or bipolar input on a DAQ channel.
type Polarity string

// Polarities supported by the DAQ.
const (
	Unipolar Polarity = "UNIP"
	Bipolar  Polarity = "BIP"
)

func (r VoltageRange) String() string {
	return strconv.FormatFloat(float64(r), 'f', -1, 64)
}

// ParsePolarity accepts UNIP/UNIPOLAR/BIP/BIPOLAR in any case.
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNIP", "UNIPOLAR", "":
		return Unipolar, nil
	case "BIP", "BIPOLAR":
		return Bipolar, nil
	}
	return Unipolar, fmt.Errorf("polarity %q is not UNIP or BIP", s)
}

var daqDialect = Dialect{
	StatusQuery: "WAV:STAT?",
	IsReady: func(status string) bool {
		return strings.Contains(strings.ToUpper(status), "DATA")
	},
	Fetch: "WAV:DATA?",
	Run:   "RUN",
	Stop:  "STOP",
}

// NewDAQDriver returns a Driver for a 16-bit multi-channel DAQ whose channels
// all use the voltage range scale. Call ConfigureScanList before acquiring.
func NewDAQDriver(t scpi.Transport, scale VoltageRange) *Driver {
	return &Driver{
		transport: t,
		variant:   decode.DAC16bit,
		dialect:   daqDialect,
		scale:     float64(scale),
	}
}

func (d *Driver) requireDAQ(op string) error {
	if d.variant != decode.DAC16bit {
		return fmt.Errorf("%s is only supported by %v drivers, not %v", op, decode.DAC16bit, d.variant)
	}
	return nil
}

// ConfigureScanList sets the ordered channels to sample. A single channel is
// allowed. The list also fixes the de-interleave order used by Decode.
func (d *Driver) ConfigureScanList(ctx context.Context, channels ...int) error {
	if err := d.requireDAQ("ConfigureScanList"); err != nil {
		return err
	}
	sl := decode.ScanList(append([]int(nil), channels...))
	if err := sl.Validate(); err != nil {
		return err
	}
	if err := d.transport.Write(ctx, "ROUT:SCAN "+sl.SCPI()); err != nil {
		return err
	}
	d.Lock()
	d.scanlist = sl
	d.Unlock()
	return nil
}

// ScanList returns the configured scan list.
func (d *Driver) ScanList() decode.ScanList {
	d.Lock()
	defer d.Unlock()
	return append(decode.ScanList(nil), d.scanlist...)
}

// Scale returns the voltage range used to decode DAQ codes.
func (d *Driver) Scale() float64 {
	d.Lock()
	defer d.Unlock()
	return d.scale
}

// SetScale changes the voltage range used to decode DAQ codes.
func (d *Driver) SetScale(scale VoltageRange) {
	d.Lock()
	defer d.Unlock()
	d.scale = float64(scale)
}

// ConfigureChannel sets the input range and polarity of one channel.
func (d *Driver) ConfigureChannel(ctx context.Context, channel int, rng VoltageRange, pol Polarity) error {
	if err := d.requireDAQ("ConfigureChannel"); err != nil {
		return err
	}
	if err := d.transport.Write(ctx, fmt.Sprintf("ROUT:CHAN:RANG %s, (@%d)", rng, channel)); err != nil {
		return err
	}
	return d.transport.Write(ctx, fmt.Sprintf("ROUT:CHAN:POL %s, (@%d)", pol, channel))
}

// VoltageRange reads back the input range of one channel.
func (d *Driver) VoltageRange(ctx context.Context, channel int) (VoltageRange, error) {
	v, err := d.queryFloat(ctx, fmt.Sprintf("ROUT:CHAN:RANG? (@%d)", channel))
	return VoltageRange(v), err
}

// SetSampleRate sets the acquisition rate in samples per second per channel.
func (d *Driver) SetSampleRate(ctx context.Context, hz float64) error {
	return d.transport.Write(ctx, "ACQuire:SRATe "+strconv.FormatFloat(hz, 'f', -1, 64))
}

// SampleRate reads back the acquisition rate.
func (d *Driver) SampleRate(ctx context.Context) (float64, error) {
	return d.queryFloat(ctx, "ACQuire:SRATe?")
}

// SetSamplePoints sets the number of points per data block and reads it back.
// If the instrument did not honor the request, a *ConfigurationMismatch is
// returned; the instrument keeps its own value.
func (d *Driver) SetSamplePoints(ctx context.Context, n int) error {
	if err := d.transport.Write(ctx, fmt.Sprintf("WAV:POIN %d", n)); err != nil {
		return err
	}
	actual, err := d.SamplePoints(ctx)
	if err != nil {
		return err
	}
	if actual != n {
		return &ConfigurationMismatch{Setting: "sample points",
			Requested: strconv.Itoa(n), Actual: strconv.Itoa(actual)}
	}
	return nil
}

// SamplePoints reads back the number of points per data block.
func (d *Driver) SamplePoints(ctx context.Context) (int, error) {
	v, err := d.queryFloat(ctx, "WAV:POIN?")
	return int(math.Round(v)), err
}

// Measure takes a single immediate voltage reading on one channel.
func (d *Driver) Measure(ctx context.Context, channel int) (float64, error) {
	return d.queryFloat(ctx, fmt.Sprintf("MEAS? (@%d)", channel))
}
