package scpi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/daqstream/decode"
)

// echoInstrument answers each line it reads using the responses map.
// Commands without a response are recorded but not answered.
func echoInstrument(t *testing.T, responses map[string]string) (*Conn, <-chan string) {
	client, server := net.Pipe()
	seen := make(chan string, 100)
	go func() {
		defer server.Close()
		rd := bufio.NewReader(server)
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				close(seen)
				return
			}
			cmd := strings.TrimSpace(line)
			seen <- cmd
			if reply, ok := responses[cmd]; ok {
				if _, err := server.Write([]byte(reply)); err != nil {
					return
				}
			}
		}
	}()
	c := NewConn(client, time.Second)
	t.Cleanup(func() { c.Close() })
	return c, seen
}

func TestWriteAndQuery(t *testing.T) {
	c, seen := echoInstrument(t, map[string]string{
		"*IDN?":     "Keysight,U2351A,TW0000,1.0\r\n",
		"WAV:STAT?": "DATA\n",
	})
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "RUN"))
	assert.Equal(t, "RUN", <-seen)

	id, err := c.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "Keysight,U2351A,TW0000,1.0", id)
	assert.Equal(t, "*IDN?", <-seen)

	status, err := c.Query(ctx, "WAV:STAT?\n")
	require.NoError(t, err)
	assert.Equal(t, "DATA", status)
}

func TestReadRaw(t *testing.T) {
	block := "#800000004\x00\x40\xff\x7f\n"
	scope := "C1:WF DAT1,#14\x01\x02\x03\x04\n"
	c, _ := echoInstrument(t, map[string]string{
		"WAV:DATA?":   block,
		"C1:WF? DAT1": scope,
		"IND?":        "#0abc\n",
	})
	ctx := context.Background()

	var tests = []struct {
		cmd    string
		expect string
	}{
		{"WAV:DATA?", strings.TrimSuffix(block, "\n")},
		{"C1:WF? DAT1", strings.TrimSuffix(scope, "\n")},
		{"IND?", "#0abc"},
		{"WAV:DATA?", strings.TrimSuffix(block, "\n")},
	}
	for _, test := range tests {
		require.NoError(t, c.Write(ctx, test.cmd))
		raw, err := c.ReadRaw(ctx)
		require.NoError(t, err, test.cmd)
		assert.Equal(t, []byte(test.expect), raw, test.cmd)
	}
}

// TestReadRawBadHeader checks that a block header that does not parse is a
// format error, not a transport error, and that the rest of the bad response
// is discarded so the next block reads cleanly.
func TestReadRawBadHeader(t *testing.T) {
	good := "#800000002\x01\x02\n"
	c, _ := echoInstrument(t, map[string]string{
		"COUNT?":  "#8abcdefgh\n",
		"DIGITS?": "#x1234\n",
		"EMPTY?":  "EPTY\n",
		"GOOD?":   good,
	})
	ctx := context.Background()

	for _, cmd := range []string{"COUNT?", "DIGITS?", "EMPTY?"} {
		require.NoError(t, c.Write(ctx, cmd))
		_, err := c.ReadRaw(ctx)
		require.Error(t, err, cmd)
		assert.True(t, decode.IsFormatError(err), "%s: %v", cmd, err)
		assert.False(t, IsTransportError(err), cmd)

		require.NoError(t, c.Write(ctx, "GOOD?"))
		raw, err := c.ReadRaw(ctx)
		require.NoError(t, err, "block after %s", cmd)
		assert.Equal(t, []byte(strings.TrimSuffix(good, "\n")), raw)
	}
}

func TestTimeoutIsTransportError(t *testing.T) {
	c, _ := echoInstrument(t, map[string]string{})
	c.Timeout = 20 * time.Millisecond
	_, err := c.Query(context.Background(), "NOANSWER?")
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	var ne net.Error
	if assert.True(t, errors.As(err, &ne)) {
		assert.True(t, ne.Timeout())
	}
}

func TestContextDeadline(t *testing.T) {
	c, _ := echoInstrument(t, map[string]string{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Query(ctx, "NOANSWER?")
	assert.True(t, IsTransportError(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	err = c.Write(cancelled, "RUN")
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClosedConn(t *testing.T) {
	c, _ := echoInstrument(t, map[string]string{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	err := c.Write(context.Background(), "RUN")
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	_, err = Dial(context.Background(), addr, 100*time.Millisecond)
	assert.True(t, IsTransportError(err))
}

func TestDialDefaultPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		if conn, err := l.Accept(); err == nil {
			conn.Close()
		}
	}()
	c, err := Dial(context.Background(), l.Addr().String(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, l.Addr().String(), c.Address)
	c.Close()
}
