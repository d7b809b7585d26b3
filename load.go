package daqstream

import (
	"context"
	"strconv"

	"github.com/usnistgov/daqstream/scpi"
)

// Load controls an SDL1020-style programmable electronic load.
type Load struct {
	transport scpi.Transport
}

// NewLoad returns a Load using transport t.
func NewLoad(t scpi.Transport) *Load {
	return &Load{transport: t}
}

// Identify returns the load's *IDN? response.
func (l *Load) Identify(ctx context.Context) (string, error) {
	return l.transport.Query(ctx, "*IDN?")
}

// SetCurrent sets the constant-current level in amperes.
func (l *Load) SetCurrent(ctx context.Context, amps float64) error {
	return l.transport.Write(ctx, "CURR "+strconv.FormatFloat(amps, 'f', -1, 64))
}

// SetVoltage sets the constant-voltage level in volts.
func (l *Load) SetVoltage(ctx context.Context, volts float64) error {
	return l.transport.Write(ctx, "VOLT "+strconv.FormatFloat(volts, 'f', -1, 64))
}

// MeasureCurrent reads the current drawn by the load.
func (l *Load) MeasureCurrent(ctx context.Context) (float64, error) {
	return l.queryFloat(ctx, "MEAS:CURR?")
}

// MeasureVoltage reads the voltage across the load.
func (l *Load) MeasureVoltage(ctx context.Context) (float64, error) {
	return l.queryFloat(ctx, "MEAS:VOLT?")
}

// EnableInput turns the load input on or off.
func (l *Load) EnableInput(ctx context.Context, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	return l.transport.Write(ctx, ":SOURce:INPut:STATe "+state)
}

// Close releases the transport.
func (l *Load) Close() error {
	return l.transport.Close()
}

func (l *Load) queryFloat(ctx context.Context, command string) (float64, error) {
	resp, err := l.transport.Query(ctx, command)
	if err != nil {
		return 0, err
	}
	return parseNumericResponse(command, resp)
}
