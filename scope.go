package daqstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/usnistgov/daqstream/decode"
	"github.com/usnistgov/daqstream/scpi"
)

// preambleKeys are requested one at a time with INSPECT?, since each such
// query returns a single line.
var preambleKeys = []string{
	"HORIZ_INTERVAL", "HORIZ_OFFSET", "VERTICAL_GAIN", "VERTICAL_OFFSET",
	"PNTS_PER_SCREEN", "MAX_VALUE", "MIN_VALUE",
}

func scopeDialect(channel int) Dialect {
	return Dialect{
		StatusQuery: "INR?",
		IsReady: func(status string) bool {
			// Bit 0 of the internal state register means a new waveform was acquired.
			v, err := parseNumericResponse("INR?", status)
			return err == nil && int(v)&1 == 1
		},
		Fetch: fmt.Sprintf("C%d:WF? DAT1", channel),
		Run:   "TRMD NORM",
		Stop:  "STOP",
	}
}

// NewScopeDriver returns a Driver for one channel of a LeCroy-style
// oscilloscope sending signed 8-bit waveforms.
func NewScopeDriver(t scpi.Transport, channel int) *Driver {
	return &Driver{
		transport: t,
		variant:   decode.Scope8bit,
		dialect:   scopeDialect(channel),
		channel:   channel,
	}
}

// LoadPreamble queries the waveform descriptor of the scope channel and keeps
// it for later calls to Decode.
func (d *Driver) LoadPreamble(ctx context.Context) (*decode.Preamble, error) {
	if d.variant != decode.Scope8bit {
		return nil, fmt.Errorf("LoadPreamble is only supported by %v drivers", decode.Scope8bit)
	}
	lines := make([]string, 0, len(preambleKeys))
	for _, key := range preambleKeys {
		resp, err := d.transport.Query(ctx, fmt.Sprintf("C%d:INSPECT? %q", d.channel, key))
		if err != nil {
			return nil, err
		}
		lines = append(lines, resp)
	}
	p, err := decode.ParsePreamble(strings.Join(lines, "\n"))
	if err != nil {
		return nil, err
	}
	d.Lock()
	d.preamble = p
	d.Unlock()
	return p, nil
}

// Preamble returns the most recently loaded waveform descriptor, or nil.
func (d *Driver) Preamble() *decode.Preamble {
	d.Lock()
	defer d.Unlock()
	return d.preamble
}

// Waveform captures one waveform from the scope channel, in volts, together
// with the preamble used to scale it.
func (d *Driver) Waveform(ctx context.Context) ([]float64, *decode.Preamble, error) {
	raw, err := d.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	traces, err := d.Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	return traces[0], d.Preamble(), nil
}

// Arm arms the scope trigger for a single acquisition.
func (d *Driver) Arm(ctx context.Context) error {
	return d.transport.Write(ctx, "ARM")
}

// ForceTrigger causes an immediate acquisition regardless of the trigger condition.
func (d *Driver) ForceTrigger(ctx context.Context) error {
	return d.transport.Write(ctx, "FRTR")
}
