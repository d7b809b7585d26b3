package daqstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/daqstream/decode"
	"github.com/usnistgov/daqstream/internal/sessiondb"
	"github.com/usnistgov/daqstream/scpi"
)

// SessionConfig holds everything needed to open, configure and run a session.
// It is stored under the "session" key of the config file.
type SessionConfig struct {
	Address        string        // host or host:port of the instrument's SCPI socket
	Variant        string        // "DAC16" (multi-channel DAQ) or "SCOPE8" (oscilloscope)
	Channels       []int         // DAQ scan list, e.g. [101, 102]
	ScopeChannel   int           // oscilloscope channel number
	Range          float64       // DAQ input range in volts
	Polarity       string        // DAQ polarity, UNIP or BIP
	SampleRate     float64       // DAQ samples per second per channel
	Points         int           // DAQ points per channel per block
	Timeout        time.Duration // per-command transport timeout
	PollInterval   time.Duration
	BufferCapacity int // samples kept per channel for display
	Refresh        time.Duration
	PlotPath       string // PNG written on each refresh, if not empty
	SnapshotDir    string
	SaveOnStop     bool
}

// DefaultSessionConfig returns the configuration used where the config file is silent.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Address:        "localhost",
		Variant:        decode.DAC16bit.String(),
		Channels:       []int{AnalogChannel1},
		ScopeChannel:   1,
		Range:          float64(Range10V),
		Polarity:       string(Bipolar),
		SampleRate:     1000,
		Points:         100,
		Timeout:        5 * time.Second,
		PollInterval:   DefaultPollInterval,
		BufferCapacity: 2000,
		Refresh:        DefaultRefresh,
		SnapshotDir:    ".",
	}
}

// Validate checks the parts of a configuration that need no instrument.
func (cfg *SessionConfig) Validate() error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("session needs an instrument address")
	}
	variant, err := decode.ParseVariant(cfg.Variant)
	if err != nil {
		return err
	}
	if variant == decode.DAC16bit {
		if err := decode.ScanList(cfg.Channels).Validate(); err != nil {
			return err
		}
		if cfg.Range <= 0 {
			return fmt.Errorf("voltage range must be positive, have %v", cfg.Range)
		}
		if _, err := ParsePolarity(cfg.Polarity); err != nil {
			return err
		}
	}
	if cfg.BufferCapacity < 1 {
		return fmt.Errorf("buffer capacity must be positive, have %d", cfg.BufferCapacity)
	}
	return nil
}

// Dialer opens the transport to an instrument.
type Dialer func(ctx context.Context, address string, timeout time.Duration) (scpi.Transport, error)

// DialTCP is the Dialer for instruments on a raw SCPI socket.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (scpi.Transport, error) {
	c, err := scpi.Dial(ctx, address, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// sessionDB records sessions; it does nothing unless SetSessionDB is called.
var sessionDB = sessiondb.DummyDBConnection()

// SetSessionDB makes every later session record itself in db.
func SetSessionDB(db *sessiondb.DBConnection) {
	sessionDB = db
}

// SessionStatus is a snapshot of a session's state, suitable for publishing.
type SessionStatus struct {
	ID         string
	Address    string
	Identity   string
	Variant    string
	Channels   []int
	State      string
	Stats      AcquisitionStats
	Mismatches []string
	Err        string
	Opened     time.Time
	Closed     bool
}

// Session owns one instrument connection and at most one acquisition on it.
// The connection is opened by OpenSession and closed by Close, or as soon as
// the acquisition ends on a transport error.
type Session struct {
	ID       ulid.ULID
	config   SessionConfig
	driver   *Driver
	identity string
	opened   time.Time

	loop       *AcquisitionLoop
	viewer     *Viewer
	viewerDone chan struct{}
	record     *sessiondb.SessionMessage
	mismatches []*ConfigurationMismatch
	failure    error

	closeOnce sync.Once
	closeErr  error
	closed    bool
	sync.Mutex
}

// OpenSession validates cfg, connects with dial and identifies the
// instrument. If any step after dialing fails, the transport is closed.
func OpenSession(ctx context.Context, cfg SessionConfig, dial Dialer) (s *Session, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DialTCP
	}
	transport, err := dial(ctx, cfg.Address, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			transport.Close()
		}
	}()

	variant, _ := decode.ParseVariant(cfg.Variant)
	var driver *Driver
	switch variant {
	case decode.DAC16bit:
		driver = NewDAQDriver(transport, VoltageRange(cfg.Range))
	case decode.Scope8bit:
		driver = NewScopeDriver(transport, cfg.ScopeChannel)
	}
	identity, err := driver.Identify(ctx)
	if err != nil {
		return nil, fmt.Errorf("identify instrument at %s: %w", cfg.Address, err)
	}

	s = &Session{
		ID:       ulid.Make(),
		config:   cfg,
		driver:   driver,
		identity: identity,
		opened:   time.Now(),
	}
	UpdateLogger.Printf("Session %s opened to %s (%s)", s.ID, cfg.Address, identity)
	return s, nil
}

// Config returns the session's configuration.
func (s *Session) Config() SessionConfig {
	return s.config
}

// Driver returns the instrument driver. It must not be used while an
// acquisition is running.
func (s *Session) Driver() *Driver {
	return s.driver
}

// Configure sends the configuration to the instrument and reads it back.
// Settings the instrument did not honor are returned as ConfigurationMismatch
// errors joined together; the session stays usable and decodes with the
// instrument's actual values. Any other error is returned at once.
func (s *Session) Configure(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	if err := s.requireIdle("Configure"); err != nil {
		return err
	}
	var mismatches []error
	var err error
	switch s.driver.Variant() {
	case decode.DAC16bit:
		mismatches, err = s.configureDAQ(ctx)
	case decode.Scope8bit:
		_, err = s.driver.LoadPreamble(ctx)
	}
	if err != nil {
		return err
	}
	s.mismatches = s.mismatches[:0]
	for _, m := range mismatches {
		cm := m.(*ConfigurationMismatch)
		s.mismatches = append(s.mismatches, cm)
		ProblemLogger.Printf("Session %s: %v", s.ID, cm)
	}
	return errors.Join(mismatches...)
}

func (s *Session) configureDAQ(ctx context.Context) ([]error, error) {
	cfg := s.config
	d := s.driver
	var mismatches []error
	collect := func(err error) error {
		if IsConfigurationMismatch(err) {
			mismatches = append(mismatches, err)
			return nil
		}
		return err
	}

	if err := d.ConfigureScanList(ctx, cfg.Channels...); err != nil {
		return nil, err
	}
	pol, _ := ParsePolarity(cfg.Polarity)
	rng := VoltageRange(cfg.Range)
	for _, ch := range cfg.Channels {
		if err := d.ConfigureChannel(ctx, ch, rng, pol); err != nil {
			return nil, err
		}
		actual, err := d.VoltageRange(ctx, ch)
		if err != nil {
			return nil, err
		}
		if actual != rng {
			collect(&ConfigurationMismatch{Setting: fmt.Sprintf("range of channel %d", ch),
				Requested: rng.String(), Actual: actual.String()})
			if actual > 0 {
				d.SetScale(actual)
			}
		}
	}
	if cfg.SampleRate > 0 {
		if err := d.SetSampleRate(ctx, cfg.SampleRate); err != nil {
			return nil, err
		}
		actual, err := d.SampleRate(ctx)
		if err != nil {
			return nil, err
		}
		if math.Abs(actual-cfg.SampleRate) > 1e-6*cfg.SampleRate {
			collect(&ConfigurationMismatch{Setting: "sample rate",
				Requested: fmt.Sprint(cfg.SampleRate), Actual: fmt.Sprint(actual)})
		}
	}
	if cfg.Points > 0 {
		if err := collect(d.SetSamplePoints(ctx, cfg.Points)); err != nil {
			return nil, err
		}
	}
	return mismatches, nil
}

// Mismatches returns the settings the instrument did not honor at the last Configure.
func (s *Session) Mismatches() []*ConfigurationMismatch {
	s.Lock()
	defer s.Unlock()
	return append([]*ConfigurationMismatch(nil), s.mismatches...)
}

func (s *Session) requireIdle(op string) error {
	if s.closed {
		return fmt.Errorf("cannot %s: session %s is closed", op, s.ID)
	}
	if s.loop != nil && s.loop.State() != Stopped {
		return fmt.Errorf("cannot %s: session %s is acquiring", op, s.ID)
	}
	return nil
}

// Start begins acquisition with a new AcquisitionLoop and a new Viewer.
// Cancelling ctx stops the acquisition.
func (s *Session) Start(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	if err := s.requireIdle("Start"); err != nil {
		return err
	}
	if s.viewerDone != nil {
		<-s.viewerDone
	}

	var renderer Renderer
	if s.config.PlotPath != "" {
		renderer = NewPlotRenderer(s.config.PlotPath)
	}
	loop := NewAcquisitionLoop(s.driver, s.config.PollInterval)
	viewer, err := NewViewer(s.driver.Channels(), s.sampleRate(), s.config.BufferCapacity, renderer, loop)
	if err != nil {
		return err
	}
	viewer.Refresh = s.config.Refresh
	UpdateLogger.Printf("Session %s starting acquisition with configuration:\n%s", s.ID, spew.Sdump(s.config))
	if err := loop.Start(ctx); err != nil {
		s.failed(err)
		return err
	}
	s.loop = loop
	s.viewer = viewer
	s.failure = nil
	s.viewerDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		viewer.Run(context.Background(), loop.Batches())
	}(s.viewerDone)
	go s.supervise(loop)

	s.record = &sessiondb.SessionMessage{
		ID:         s.ID.String(),
		Address:    s.config.Address,
		Identity:   s.identity,
		Variant:    s.driver.Variant().String(),
		Channels:   decode.ScanList(s.driver.Channels()).SCPI(),
		SampleRate: s.config.SampleRate,
		Points:     s.config.Points,
		Start:      time.Now(),
	}
	sessionDB.RecordSession(s.record)
	return nil
}

func (s *Session) sampleRate() float64 {
	if s.driver.Variant() == decode.Scope8bit {
		if p := s.driver.Preamble(); p != nil && p.HorizInterval > 0 {
			return 1 / p.HorizInterval
		}
		return 0
	}
	return s.config.SampleRate
}

// supervise waits for loop to end. A transport failure closes the session's
// transport, since the connection can no longer be trusted.
func (s *Session) supervise(loop *AcquisitionLoop) {
	err := loop.Wait()
	if err == nil {
		return
	}
	s.Lock()
	s.failed(err)
	s.Unlock()
}

// failed records a transport failure and closes the transport. Call with s locked.
func (s *Session) failed(err error) {
	if !IsTransportError(err) || s.failure != nil {
		return
	}
	s.failure = err
	ProblemLogger.Printf("Session %s lost its instrument: %v", s.ID, err)
	if cerr := s.driver.Close(); cerr != nil {
		ProblemLogger.Printf("Session %s closing transport: %v", s.ID, cerr)
	}
	s.closed = true
}

// Err returns the transport error that ended the session, if any.
func (s *Session) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.failure
}

func (s *Session) activeLoop(op string) (*AcquisitionLoop, error) {
	s.Lock()
	defer s.Unlock()
	if s.loop == nil {
		return nil, fmt.Errorf("cannot %s: session %s has not started", op, s.ID)
	}
	return s.loop, nil
}

// Pause suspends the acquisition.
func (s *Session) Pause() error {
	loop, err := s.activeLoop("Pause")
	if err != nil {
		return err
	}
	return loop.Pause()
}

// Resume continues a paused acquisition.
func (s *Session) Resume() error {
	loop, err := s.activeLoop("Resume")
	if err != nil {
		return err
	}
	return loop.Resume()
}

// TogglePause pauses a running acquisition or resumes a paused one.
func (s *Session) TogglePause() (AcquisitionState, error) {
	loop, err := s.activeLoop("TogglePause")
	if err != nil {
		return Stopped, err
	}
	return loop.TogglePause()
}

// Stop ends the acquisition, waits for the viewer to take every remaining
// batch and, if configured, saves a snapshot.
func (s *Session) Stop() error {
	loop, err := s.activeLoop("Stop")
	if err != nil {
		return err
	}
	err = loop.Stop()
	s.Lock()
	done := s.viewerDone
	s.Unlock()
	if done != nil {
		<-done
	}
	s.finishRecord(loop)
	UpdateLogger.Printf("Session %s stopped: %d batches, %d samples, %d decode errors",
		s.ID, loop.Stats().Batches, loop.Stats().Samples, loop.Stats().DecodeErrors)
	if s.config.SaveOnStop {
		if _, serr := s.SaveSnapshot(s.config.SnapshotDir); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return err
}

func (s *Session) finishRecord(loop *AcquisitionLoop) {
	s.Lock()
	defer s.Unlock()
	if s.record == nil {
		return
	}
	stats := loop.Stats()
	s.record.Batches = stats.Batches
	s.record.Samples = stats.Samples
	sessionDB.FinishSession(s.record)
	s.record = nil
}

// Wait blocks until the current acquisition ends and returns its error.
func (s *Session) Wait() error {
	loop, err := s.activeLoop("Wait")
	if err != nil {
		return err
	}
	return loop.Wait()
}

// Viewer returns the viewer of the current or most recent acquisition, or nil.
func (s *Session) Viewer() *Viewer {
	s.Lock()
	defer s.Unlock()
	return s.viewer
}

// SaveSnapshot writes the viewer's buffer to .npy files in dir, one per
// channel, named after the session ID.
func (s *Session) SaveSnapshot(dir string) ([]string, error) {
	viewer := s.Viewer()
	if viewer == nil {
		return nil, fmt.Errorf("session %s has no data to save", s.ID)
	}
	if dir == "" {
		dir = s.config.SnapshotDir
	}
	traces := viewer.Buffer().SnapshotAll()
	paths, err := WriteSnapshot(dir, s.ID.String(), viewer.channelIDs, traces)
	for i, path := range paths {
		sessionDB.RecordSnapshot(&sessiondb.SnapshotMessage{
			SessionID: s.ID.String(),
			Filename:  path,
			Channel:   viewer.channelIDs[i],
			Samples:   len(traces[i]),
			Time:      time.Now(),
		})
	}
	if err == nil {
		UpdateLogger.Printf("Session %s saved snapshot to %s", s.ID, strings.Join(paths, ", "))
	}
	return paths, err
}

// Summaries describes the samples currently displayed, or nil before Start.
func (s *Session) Summaries() []ChannelSummary {
	viewer := s.Viewer()
	if viewer == nil {
		return nil
	}
	return viewer.Summaries()
}

// Status reports the session's state.
func (s *Session) Status() SessionStatus {
	s.Lock()
	defer s.Unlock()
	st := SessionStatus{
		ID:       s.ID.String(),
		Address:  s.config.Address,
		Identity: s.identity,
		Variant:  s.driver.Variant().String(),
		Channels: s.driver.Channels(),
		State:    Stopped.String(),
		Opened:   s.opened,
		Closed:   s.closed,
	}
	if s.loop != nil {
		st.State = s.loop.State().String()
		st.Stats = s.loop.Stats()
	}
	for _, m := range s.mismatches {
		st.Mismatches = append(st.Mismatches, m.Error())
	}
	if s.failure != nil {
		st.Err = s.failure.Error()
	}
	return st
}

// Close stops any acquisition and closes the transport. It is safe to call
// more than once; later calls return the first call's result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.Lock()
		loop := s.loop
		s.Unlock()
		var errs []error
		if loop != nil && loop.State() != Stopped {
			errs = append(errs, s.Stop())
		}
		if loop != nil {
			s.finishRecord(loop)
		}
		s.Lock()
		defer s.Unlock()
		if !s.closed {
			errs = append(errs, s.driver.Close())
			s.closed = true
		}
		s.closeErr = errors.Join(errs...)
		UpdateLogger.Printf("Session %s closed", s.ID)
	})
	return s.closeErr
}
