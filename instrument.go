package daqstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/usnistgov/daqstream/decode"
	"github.com/usnistgov/daqstream/scpi"
)

// Dialect names the SCPI commands a Driver uses for its acquisition cycle.
type Dialect struct {
	StatusQuery string
	IsReady     func(status string) bool
	Fetch       string
	Run         string
	Stop        string
}

// Driver controls one instrument over a Transport. The decode strategy
// (16-bit DAQ blocks or 8-bit scope waveforms) is fixed at construction.
type Driver struct {
	transport scpi.Transport
	variant   decode.Variant
	dialect   Dialect

	// DAC16bit state
	scanlist decode.ScanList
	scale    float64

	// Scope8bit state
	channel  int
	preamble *decode.Preamble

	sync.Mutex // guards scanlist, scale and preamble
}

// Identify returns the instrument's *IDN? response.
func (d *Driver) Identify(ctx context.Context) (string, error) {
	return d.transport.Query(ctx, "*IDN?")
}

// Write sends a raw command to the instrument.
func (d *Driver) Write(ctx context.Context, command string) error {
	return d.transport.Write(ctx, command)
}

// Query sends a raw query to the instrument and returns its response line.
func (d *Driver) Query(ctx context.Context, command string) (string, error) {
	return d.transport.Query(ctx, command)
}

// Variant returns the decode strategy chosen at construction.
func (d *Driver) Variant() decode.Variant {
	return d.variant
}

// Run starts (or restarts) acquisition on the instrument.
func (d *Driver) Run(ctx context.Context) error {
	return d.transport.Write(ctx, d.dialect.Run)
}

// Stop halts acquisition on the instrument.
func (d *Driver) Stop(ctx context.Context) error {
	return d.transport.Write(ctx, d.dialect.Stop)
}

// Ready asks the instrument whether a data block is waiting.
func (d *Driver) Ready(ctx context.Context) (bool, error) {
	status, err := d.transport.Query(ctx, d.dialect.StatusQuery)
	if err != nil {
		return false, err
	}
	return d.dialect.IsReady(status), nil
}

// Fetch requests and reads one raw data block. For a scope, the waveform
// preamble is refreshed first so that Decode uses the current gain and offset.
func (d *Driver) Fetch(ctx context.Context) ([]byte, error) {
	if d.variant == decode.Scope8bit {
		if _, err := d.LoadPreamble(ctx); err != nil {
			return nil, err
		}
	}
	if err := d.transport.Write(ctx, d.dialect.Fetch); err != nil {
		return nil, err
	}
	return d.transport.ReadRaw(ctx)
}

// Decode converts a raw block into one sample slice per channel.
func (d *Driver) Decode(raw []byte) ([][]float64, error) {
	d.Lock()
	defer d.Unlock()
	switch d.variant {
	case decode.DAC16bit:
		return decode.DecodeDAC16(raw, d.scanlist, d.scale)
	case decode.Scope8bit:
		if d.preamble == nil {
			return nil, &decode.FormatError{Field: "preamble", Err: errors.New("no preamble loaded")}
		}
		payload, err := decode.ParseDefiniteBlock(raw)
		if err != nil {
			return nil, err
		}
		return [][]float64{decode.DecodeScope8(payload, d.preamble)}, nil
	}
	return nil, fmt.Errorf("driver has unknown variant %v", d.variant)
}

// Channels returns the channel ids whose traces Decode returns, in order.
func (d *Driver) Channels() []int {
	d.Lock()
	defer d.Unlock()
	if d.variant == decode.Scope8bit {
		return []int{d.channel}
	}
	return append([]int(nil), d.scanlist...)
}

// Close releases the transport.
func (d *Driver) Close() error {
	return d.transport.Close()
}

func (d *Driver) queryFloat(ctx context.Context, command string) (float64, error) {
	resp, err := d.transport.Query(ctx, command)
	if err != nil {
		return 0, err
	}
	return parseNumericResponse(command, resp)
}

// parseNumericResponse reads the last field of resp as a number, so both
// "5" and "INR 8193" forms are accepted.
func parseNumericResponse(command, resp string) (float64, error) {
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return 0, &decode.FormatError{Field: command, Value: resp, Err: errors.New("empty response")}
	}
	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, &decode.FormatError{Field: command, Value: resp, Err: err}
	}
	return v, nil
}
