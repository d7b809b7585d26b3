package daqstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/daqstream/scpi"
)

func startSimulator(t *testing.T) *SimulatedDAQ {
	t.Helper()
	sim := NewSimulatedDAQ()
	require.NoError(t, sim.Listen("127.0.0.1:0"))
	t.Cleanup(func() { sim.Close() })
	return sim
}

func simConfig(address string) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Address = address
	cfg.Channels = []int{AnalogChannel1, AnalogChannel2}
	cfg.SampleRate = 100000
	cfg.Points = 50
	cfg.Timeout = 2 * time.Second
	cfg.BufferCapacity = 500
	cfg.Refresh = 5 * time.Millisecond
	return cfg
}

func waitForSamples(t *testing.T, s *Session, n uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if v := s.Viewer(); v != nil && v.Buffer().SamplesSeen(0) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("viewer did not receive %d samples in time", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSessionConfigValidate(t *testing.T) {
	good := simConfig("localhost")
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		modify func(*SessionConfig)
	}{
		{"no address", func(c *SessionConfig) { c.Address = " " }},
		{"bad variant", func(c *SessionConfig) { c.Variant = "FFT" }},
		{"no channels", func(c *SessionConfig) { c.Channels = nil }},
		{"duplicate channels", func(c *SessionConfig) { c.Channels = []int{101, 101} }},
		{"zero range", func(c *SessionConfig) { c.Range = 0 }},
		{"bad polarity", func(c *SessionConfig) { c.Polarity = "AC" }},
		{"no buffer", func(c *SessionConfig) { c.BufferCapacity = 0 }},
	}
	for _, test := range tests {
		cfg := simConfig("localhost")
		test.modify(&cfg)
		assert.Error(t, cfg.Validate(), test.name)
	}

	scope := simConfig("localhost")
	scope.Variant = "SCOPE8"
	scope.Channels = nil
	assert.NoError(t, scope.Validate(), "a scope session needs no scan list")
}

func TestSessionAcquire(t *testing.T) {
	sim := startSimulator(t)
	ctx := context.Background()
	s, err := OpenSession(ctx, simConfig(sim.Addr()), nil)
	require.NoError(t, err)
	defer s.Close()
	assert.NotZero(t, s.ID.Time())

	require.NoError(t, s.Configure(ctx))
	assert.Empty(t, s.Mismatches())
	assert.Error(t, s.Pause(), "Pause before Start")

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "only one acquisition per session")
	assert.Error(t, s.Configure(ctx), "no configuration while acquiring")
	waitForSamples(t, s, 200)

	require.NoError(t, s.Pause())
	assert.Equal(t, Paused.String(), s.Status().State)
	assert.Eventually(t, func() bool { return !sim.Running() }, time.Second, time.Millisecond)
	state, err := s.TogglePause()
	require.NoError(t, err)
	assert.Equal(t, Running, state)
	assert.Eventually(t, sim.Running, time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	status := s.Status()
	assert.Equal(t, Stopped.String(), status.State)
	assert.Greater(t, status.Stats.Batches, uint64(0))
	assert.Equal(t, status.Stats.Batches*100, status.Stats.Samples)
	assert.Equal(t, uint64(0), status.Stats.DecodeErrors)

	buffer := s.Viewer().Buffer()
	for c := 0; c < 2; c++ {
		trace, err := buffer.Snapshot(c)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(trace), 500)
		for _, v := range trace {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.Less(t, v, 10.0)
		}
	}
	assert.Equal(t, buffer.SamplesSeen(0), buffer.SamplesSeen(1))

	paths, err := s.SaveSnapshot(t.TempDir())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	saved, err := ReadSnapshotChannel(paths[1])
	require.NoError(t, err)
	want, _ := buffer.Snapshot(1)
	assert.Equal(t, want, saved)

	sums := s.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, AnalogChannel2, sums[1].Channel)

	cmds := sim.Commands()
	assert.Contains(t, cmds, "ROUT:SCAN (@101,102)")
	assert.Contains(t, cmds, "WAV:POIN 50")
	assert.Contains(t, cmds, "ROUT:CHAN:POL BIP, (@102)")

	// A second acquisition on the same session gets a fresh viewer.
	require.NoError(t, s.Start(ctx))
	waitForSamples(t, s, 50)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Status().Closed)
	assert.Error(t, s.Start(ctx))

	deadline := time.Now().Add(2 * time.Second)
	for sim.Connections() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 0, sim.Connections(), "Close must release the connection")
}

func TestSessionMismatch(t *testing.T) {
	sim := startSimulator(t)
	sim.MaxPoints = 20
	ctx := context.Background()
	s, err := OpenSession(ctx, simConfig(sim.Addr()), nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.Configure(ctx)
	require.Error(t, err)
	assert.True(t, IsConfigurationMismatch(err))
	mm := s.Mismatches()
	require.Len(t, mm, 1)
	assert.Equal(t, "sample points", mm[0].Setting)
	assert.Equal(t, "20", mm[0].Actual)
	assert.Len(t, s.Status().Mismatches, 1)

	// The session continues with the instrument's value.
	require.NoError(t, s.Start(ctx))
	waitForSamples(t, s, 40)
	require.NoError(t, s.Stop())
	stats := s.Status().Stats
	assert.Equal(t, stats.Batches*2*20, stats.Samples)
}

func TestSessionTransportLoss(t *testing.T) {
	sim := startSimulator(t)
	ctx := context.Background()
	s, err := OpenSession(ctx, simConfig(sim.Addr()), nil)
	require.NoError(t, err)
	require.NoError(t, s.Configure(ctx))
	require.NoError(t, s.Start(ctx))
	waitForSamples(t, s, 50)

	sim.DropConnections()
	err = s.Wait()
	require.Error(t, err)
	assert.True(t, IsTransportError(err))

	deadline := time.Now().Add(2 * time.Second)
	for s.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	status := s.Status()
	assert.True(t, status.Closed, "transport failure closes the session")
	assert.NotEmpty(t, status.Err)
	assert.NoError(t, s.Stop(), "stopping an ended acquisition is a no-op")
	assert.NoError(t, s.Close())
}

func TestOpenSessionFailures(t *testing.T) {
	ctx := context.Background()
	cfg := simConfig("localhost")
	cfg.Channels = nil
	_, err := OpenSession(ctx, cfg, nil)
	assert.Error(t, err)

	cfg = simConfig("127.0.0.1:1")
	_, err = OpenSession(ctx, cfg, nil)
	assert.True(t, IsTransportError(err))

	// A transport that never answers *IDN? must still be closed.
	st := newScriptedTransport(nil)
	dial := func(ctx context.Context, address string, timeout time.Duration) (scpi.Transport, error) {
		return st, nil
	}
	_, err = OpenSession(ctx, simConfig("anywhere"), dial)
	assert.Error(t, err)
	assert.True(t, st.closed)
}

func TestScopeSession(t *testing.T) {
	responses := scopeResponses(3)
	responses["*IDN?"] = "LECROY,WAVERUNNER,LCRY0000,9.0"
	st := newScriptedTransport(responses)
	block := append([]byte("DAT1,#14"), 10, 20, 30, 40)
	st.blocks = [][]byte{block, block, block}
	dial := func(ctx context.Context, address string, timeout time.Duration) (scpi.Transport, error) {
		return st, nil
	}

	cfg := simConfig("scope")
	cfg.Variant = "SCOPE8"
	cfg.ScopeChannel = 3
	ctx := context.Background()
	s, err := OpenSession(ctx, cfg, dial)
	require.NoError(t, err)
	require.NoError(t, s.Configure(ctx))
	assert.Equal(t, []int{3}, s.Status().Channels)
	require.NoError(t, s.Start(ctx))

	// The scripted scope runs out of blocks after three, which ends the loop
	// with a transport error.
	err = s.Wait()
	assert.True(t, IsTransportError(err))
	deadline := time.Now().Add(2 * time.Second)
	for s.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	st.Lock()
	closed := st.closed
	st.Unlock()
	assert.True(t, closed)
	assert.Equal(t, uint64(3), s.Status().Stats.Batches)

	require.NoError(t, s.Stop())
	trace, err := s.Viewer().Buffer().Snapshot(0)
	require.NoError(t, err)
	require.Len(t, trace, 12)
	assert.InDelta(t, 10*0.01-0.5, trace[0], 1e-12)
	assert.InDelta(t, 1e6, s.Viewer().Frame().SampleRate, 1e-3)
	assert.NoError(t, s.Close())
}
