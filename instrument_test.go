package daqstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/daqstream/decode"
	"github.com/usnistgov/daqstream/scpi"
)

// scriptedTransport answers queries from a table and hands out raw blocks in
// order. Every command is recorded.
type scriptedTransport struct {
	responses map[string]string
	blocks    [][]byte
	sent      []string
	failOn    string
	closed    bool
	sync.Mutex
}

func newScriptedTransport(responses map[string]string) *scriptedTransport {
	if responses == nil {
		responses = make(map[string]string)
	}
	return &scriptedTransport{responses: responses}
}

func (st *scriptedTransport) fail(cmd string) error {
	if st.closed {
		return &scpi.TransportError{Op: "write", Command: cmd, Err: errors.New("closed")}
	}
	if st.failOn != "" && strings.HasPrefix(cmd, st.failOn) {
		return &scpi.TransportError{Op: "write", Command: cmd, Err: errors.New("scripted failure")}
	}
	return nil
}

func (st *scriptedTransport) Write(ctx context.Context, cmd string) error {
	st.Lock()
	defer st.Unlock()
	st.sent = append(st.sent, cmd)
	return st.fail(cmd)
}

func (st *scriptedTransport) Query(ctx context.Context, cmd string) (string, error) {
	st.Lock()
	defer st.Unlock()
	st.sent = append(st.sent, cmd)
	if err := st.fail(cmd); err != nil {
		return "", err
	}
	resp, ok := st.responses[cmd]
	if !ok {
		return "", &scpi.TransportError{Op: "query", Command: cmd, Err: errors.New("timeout")}
	}
	return resp, nil
}

func (st *scriptedTransport) ReadRaw(ctx context.Context) ([]byte, error) {
	st.Lock()
	defer st.Unlock()
	if len(st.blocks) == 0 {
		return nil, &scpi.TransportError{Op: "read", Err: errors.New("timeout")}
	}
	b := st.blocks[0]
	st.blocks = st.blocks[1:]
	return b, nil
}

func (st *scriptedTransport) Close() error {
	st.Lock()
	defer st.Unlock()
	st.closed = true
	return nil
}

func (st *scriptedTransport) Sent() []string {
	st.Lock()
	defer st.Unlock()
	return append([]string(nil), st.sent...)
}

// daqBlock builds a raw DAQ block from codes.
func daqBlock(codes ...uint16) []byte {
	payload := make([]byte, 2*len(codes))
	for i, c := range codes {
		binary.LittleEndian.PutUint16(payload[2*i:], c)
	}
	return append([]byte(fmt.Sprintf("#8%08d", len(payload))), payload...)
}

func TestDAQDriverConfigure(t *testing.T) {
	st := newScriptedTransport(map[string]string{
		"*IDN?":                  "Agilent Technologies,U2351A,TW50000000,1.0",
		"WAV:POIN?":              "500",
		"ACQuire:SRATe?":         "+5.00000000E+04",
		"ROUT:CHAN:RANG? (@102)": "5",
		"MEAS? (@101)":           "+1.23450000E+00",
	})
	d := NewDAQDriver(st, Range10V)
	ctx := context.Background()

	id, err := d.Identify(ctx)
	require.NoError(t, err)
	assert.Contains(t, id, "U2351A")
	assert.Equal(t, decode.DAC16bit, d.Variant())

	assert.Error(t, d.ConfigureScanList(ctx), "empty scan list")
	assert.Error(t, d.ConfigureScanList(ctx, 101, 101), "duplicate channels")
	require.NoError(t, d.ConfigureScanList(ctx, 101))
	assert.Equal(t, []int{101}, d.Channels())
	require.NoError(t, d.ConfigureScanList(ctx, AnalogChannel1, AnalogChannel2))
	assert.Equal(t, decode.ScanList{101, 102}, d.ScanList())

	require.NoError(t, d.ConfigureChannel(ctx, 102, Range2V5, Bipolar))
	require.NoError(t, d.SetSampleRate(ctx, 50000))
	rate, err := d.SampleRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, rate)

	rng, err := d.VoltageRange(ctx, 102)
	require.NoError(t, err)
	assert.Equal(t, Range5V, rng)

	v, err := d.Measure(ctx, 101)
	require.NoError(t, err)
	assert.InDelta(t, 1.2345, v, 1e-9)

	require.NoError(t, d.SetSamplePoints(ctx, 500))
	err = d.SetSamplePoints(ctx, 1000)
	require.Error(t, err)
	assert.True(t, IsConfigurationMismatch(err))
	mm := Mismatches(err)
	require.Len(t, mm, 1)
	assert.Equal(t, "1000", mm[0].Requested)
	assert.Equal(t, "500", mm[0].Actual)

	assert.Equal(t, []string{
		"*IDN?",
		"ROUT:SCAN (@101)",
		"ROUT:SCAN (@101,102)",
		"ROUT:CHAN:RANG 2.5, (@102)",
		"ROUT:CHAN:POL BIP, (@102)",
		"ACQuire:SRATe 50000",
		"ACQuire:SRATe?",
		"ROUT:CHAN:RANG? (@102)",
		"MEAS? (@101)",
		"WAV:POIN 500",
		"WAV:POIN?",
		"WAV:POIN 1000",
		"WAV:POIN?",
	}, st.Sent())
}

func TestDAQDriverAcquireCycle(t *testing.T) {
	st := newScriptedTransport(map[string]string{"WAV:STAT?": "DATA"})
	st.blocks = [][]byte{daqBlock(0x0000, 0x8000, 0x4000, 0xC000)}
	d := NewDAQDriver(st, Range10V)
	ctx := context.Background()
	require.NoError(t, d.ConfigureScanList(ctx, 101, 102))

	require.NoError(t, d.Run(ctx))
	ready, err := d.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ready)
	raw, err := d.Fetch(ctx)
	require.NoError(t, err)
	traces, err := d.Decode(raw)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, []float64{5, 7.5}, traces[0])
	assert.Equal(t, []float64{0, 2.5}, traces[1])
	require.NoError(t, d.Stop(ctx))

	st.responses["WAV:STAT?"] = "EPTY"
	ready, err = d.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, ready)

	sent := st.Sent()
	assert.Equal(t, []string{"ROUT:SCAN (@101,102)", "RUN", "WAV:STAT?", "WAV:DATA?", "STOP", "WAV:STAT?"}, sent)

	require.NoError(t, d.Close())
	assert.Error(t, d.Run(ctx))
}

func TestDAQDriverBadBlock(t *testing.T) {
	d := NewDAQDriver(newScriptedTransport(nil), Range5V)
	require.NoError(t, d.ConfigureScanList(context.Background(), 101))
	_, err := d.Decode([]byte("#8000000xx"))
	assert.True(t, IsFormatError(err))
	_, err = d.Decode(daqBlock(1, 2, 3)[:12])
	assert.True(t, IsFormatError(err), "short payload")
}

func TestDAQOnlyOperations(t *testing.T) {
	d := NewScopeDriver(newScriptedTransport(nil), 1)
	ctx := context.Background()
	assert.Error(t, d.ConfigureScanList(ctx, 101))
	assert.Error(t, d.ConfigureChannel(ctx, 101, Range10V, Unipolar))
	_, err := NewDAQDriver(newScriptedTransport(nil), Range10V).LoadPreamble(ctx)
	assert.Error(t, err)
}

func TestParsePolarity(t *testing.T) {
	for in, want := range map[string]Polarity{"unip": Unipolar, "UNIPOLAR": Unipolar, "": Unipolar, "bip": Bipolar, " Bipolar ": Bipolar} {
		got, err := ParsePolarity(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolarity("AC")
	assert.Error(t, err)
	assert.Equal(t, "1.25", Range1V25.String())
}

func scopeResponses(channel int) map[string]string {
	values := map[string]string{
		"HORIZ_INTERVAL":  "1e-06",
		"HORIZ_OFFSET":    "-5e-05",
		"VERTICAL_GAIN":   "0.01",
		"VERTICAL_OFFSET": "0.5",
		"PNTS_PER_SCREEN": "100",
		"MAX_VALUE":       "127",
		"MIN_VALUE":       "-128",
	}
	r := map[string]string{"INR?": "INR 8193"}
	for key, v := range values {
		r[fmt.Sprintf("C%d:INSPECT? %q", channel, key)] = fmt.Sprintf("C%d:INSP \"%-20s: %s\"", channel, key, v)
	}
	return r
}

func TestScopeDriverWaveform(t *testing.T) {
	st := newScriptedTransport(scopeResponses(2))
	st.blocks = [][]byte{append([]byte("DAT1,#14"), 0x00, 0x01, 0xFF, 0x80)}
	d := NewScopeDriver(st, 2)
	ctx := context.Background()
	assert.Equal(t, []int{2}, d.Channels())
	assert.Nil(t, d.Preamble())

	ready, err := d.Ready(ctx)
	require.NoError(t, err)
	assert.True(t, ready, "INR bit 0 set")

	trace, p, err := d.Waveform(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 0.01, p.VerticalGain)
	assert.Equal(t, -5e-05, p.HorizOffset)
	require.Len(t, trace, 4)
	assert.InDeltaSlice(t, []float64{-0.5, -0.49, -0.51, -1.78}, trace, 1e-9)

	sent := st.Sent()
	assert.Equal(t, "INR?", sent[0])
	assert.Equal(t, `C2:INSPECT? "HORIZ_INTERVAL"`, sent[1])
	assert.Equal(t, "C2:WF? DAT1", sent[len(sent)-1])

	require.NoError(t, d.Arm(ctx))
	require.NoError(t, d.ForceTrigger(ctx))
	require.NoError(t, d.Run(ctx))
	require.NoError(t, d.Stop(ctx))
	sent = st.Sent()
	assert.Equal(t, []string{"ARM", "FRTR", "TRMD NORM", "STOP"}, sent[len(sent)-4:])

	st.responses["INR?"] = "INR 8192"
	ready, err = d.Ready(ctx)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestScopeDriverBadPreamble(t *testing.T) {
	r := scopeResponses(1)
	r[`C1:INSPECT? "VERTICAL_GAIN"`] = `C1:INSP "VERTICAL_GAIN : n/a"`
	d := NewScopeDriver(newScriptedTransport(r), 1)
	_, err := d.Fetch(context.Background())
	assert.True(t, IsFormatError(err))

	_, err = d.Decode([]byte("#11x"))
	assert.True(t, IsFormatError(err), "no preamble loaded")
}

func TestLoad(t *testing.T) {
	st := newScriptedTransport(map[string]string{
		"*IDN?":      "Siglent Technologies,SDL1020X-E,SDL13GC,1.1.1.21",
		"MEAS:CURR?": "0.500012",
		"MEAS:VOLT?": "4.98",
	})
	l := NewLoad(st)
	ctx := context.Background()
	id, err := l.Identify(ctx)
	require.NoError(t, err)
	assert.Contains(t, id, "SDL1020")
	require.NoError(t, l.SetCurrent(ctx, 0.5))
	require.NoError(t, l.SetVoltage(ctx, 12))
	require.NoError(t, l.EnableInput(ctx, true))
	amps, err := l.MeasureCurrent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, amps, 1e-4)
	volts, err := l.MeasureVoltage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4.98, volts)
	require.NoError(t, l.EnableInput(ctx, false))
	assert.Equal(t, []string{"*IDN?", "CURR 0.5", "VOLT 12", ":SOURce:INPut:STATe ON",
		"MEAS:CURR?", "MEAS:VOLT?", ":SOURce:INPut:STATe OFF"}, st.Sent())

	st.responses["MEAS:VOLT?"] = "OVER"
	_, err = l.MeasureVoltage(ctx)
	assert.True(t, IsFormatError(err))
	require.NoError(t, l.Close())
}

func TestParseNumericResponse(t *testing.T) {
	v, err := parseNumericResponse("INR?", "INR 8193")
	require.NoError(t, err)
	assert.Equal(t, 8193.0, v)
	_, err = parseNumericResponse("X?", "  ")
	assert.True(t, IsFormatError(err))
}
