package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lecroyDescriptor = `C1:INSP "
DESCRIPTOR_NAME    : WAVEDESC
TEMPLATE_NAME      : LECROY_2_3
COMM_TYPE          : byte
PNTS_PER_SCREEN    : 1000
VERTICAL_GAIN      : 3.1250e-03
VERTICAL_OFFSET    : -1.0000e-01
MAX_VALUE          : 1.2700e+02
MIN_VALUE          : -1.2800e+02
HORIZ_INTERVAL     : 1.0000e-09
HORIZ_OFFSET       : -5.0000e-07
VERTUNIT           : UNIT_NAME V
"
`

func TestParsePreamble(t *testing.T) {
	p, err := ParsePreamble(lecroyDescriptor)
	require.NoError(t, err)
	assert.Equal(t, 1e-9, p.HorizInterval)
	assert.Equal(t, -5e-7, p.HorizOffset)
	assert.Equal(t, 3.125e-3, p.VerticalGain)
	assert.Equal(t, -0.1, p.VerticalOffset)
	assert.Equal(t, 1000, p.PointsPerScreen)
	assert.Equal(t, 1000, p.TotalPoints())
	assert.Equal(t, 127.0, p.MaxValue)
	assert.Equal(t, -128.0, p.MinValue)
	assert.Equal(t, "byte", p.Fields["COMM_TYPE"])
	assert.Equal(t, "UNIT_NAME V", p.Fields["VERTUNIT"])
	_, hasEcho := p.Fields["C1"]
	assert.False(t, hasEcho)

	lo, hi := p.VoltRange()
	assert.InDelta(t, -128*3.125e-3+0.1, lo, 1e-12)
	assert.InDelta(t, 127*3.125e-3+0.1, hi, 1e-12)

	axis := p.TimeAxis(3)
	assert.InDeltaSlice(t, []float64{-5e-7, -5e-7 + 1e-9, -5e-7 + 2e-9}, axis, 1e-18)
}

func TestParsePreambleErrors(t *testing.T) {
	missing := "VERTICAL_GAIN: 1\nVERTICAL_OFFSET: 0\n"
	_, err := ParsePreamble(missing)
	assert.True(t, IsFormatError(err))

	bad := `HORIZ_INTERVAL: fast
VERTICAL_GAIN: 1
VERTICAL_OFFSET: 0
PNTS_PER_SCREEN: 10
MAX_VALUE: 1
MIN_VALUE: -1
`
	_, err = ParsePreamble(bad)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "HORIZ_INTERVAL", fe.Field)
}

func TestParsePreambleSingleKeyResponses(t *testing.T) {
	text := `C1:INSP "HORIZ_INTERVAL     : 2.0000e-08        "
C1:INSP "VERTICAL_GAIN      : 1.0000e-02        "
C1:INSP "VERTICAL_OFFSET    : 0.0000e+00        "
C1:INSP "PNTS_PER_SCREEN    : 500               "
C1:INSP "MAX_VALUE          : 1.2700e+02        "
C1:INSP "MIN_VALUE          : -1.2800e+02       "`
	p, err := ParsePreamble(text)
	require.NoError(t, err)
	assert.Equal(t, 2e-8, p.HorizInterval)
	assert.Equal(t, 0.01, p.VerticalGain)
	assert.Equal(t, 500, p.PointsPerScreen)
	assert.Len(t, p.Fields, 6)
}
