package daqstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/usnistgov/daqstream/internal/unboundedchan"
)

// AcquisitionState is the run state of an AcquisitionLoop.
type AcquisitionState int

// Names for the possible values of AcquisitionState
const (
	Stopped AcquisitionState = iota // No loop is running; the instrument is idle
	Running                         // The loop polls the instrument and publishes batches
	Paused                          // The instrument is stopped and the loop waits for Resume or Stop
)

func (s AcquisitionState) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	}
	return fmt.Sprintf("AcquisitionState(%d)", int(s))
}

// DefaultPollInterval is the pause between status polls. Shorter intervals
// lower latency at the cost of CPU and transport load; they do not affect
// correctness.
const DefaultPollInterval = time.Millisecond

// Batch holds the decoded content of one raw block: one trace per channel,
// all covering the same time span.
type Batch struct {
	Seq      uint64 // 1 for the first batch of a loop, incremented per batch
	Time     time.Time
	Channels [][]float64
}

// Samples returns the total number of samples in the batch.
func (b *Batch) Samples() int {
	n := 0
	for _, trace := range b.Channels {
		n += len(trace)
	}
	return n
}

// Source is the instrument side of an AcquisitionLoop. *Driver satisfies it.
type Source interface {
	Ready(ctx context.Context) (bool, error)
	Fetch(ctx context.Context) ([]byte, error)
	Decode(raw []byte) ([][]float64, error)
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}

// AcquisitionStats counts the work done by an AcquisitionLoop.
type AcquisitionStats struct {
	Polls         uint64
	Batches       uint64
	Samples       uint64
	DecodeErrors  uint64
	QueueDepth    int
	MaxQueueDepth int
}

var errLoopFinished = errors.New("acquisition loop has finished")

// AcquisitionLoop polls a Source for data blocks on its own goroutine and
// publishes decoded batches to an unbounded FIFO read through Batches().
//
// The loop goroutine is the only user of the Source while it runs. Pause,
// Resume, TogglePause and Stop are requests executed by the loop goroutine
// between iterations, so no transport command is ever issued concurrently.
// A transport error ends the loop; Wait and Err report it. A block that fails
// to decode is dropped and polling continues. A loop can be started once.
type AcquisitionLoop struct {
	source       Source
	pollInterval time.Duration
	StopTimeout  time.Duration // bound on the stop-and-drain sequence

	ctx      context.Context
	requests chan func()
	queue    *unboundedchan.UnboundedChannel[*Batch]
	done     chan struct{}
	exit     bool // set only on the loop goroutine

	started   bool
	state     AcquisitionState
	err       error
	seq       uint64
	stats     AcquisitionStats
	stateLock sync.Mutex // guards started, state, err, seq and stats
}

// NewAcquisitionLoop creates a Stopped loop around source. A non-positive
// pollInterval means DefaultPollInterval.
func NewAcquisitionLoop(source Source, pollInterval time.Duration) *AcquisitionLoop {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &AcquisitionLoop{
		source:       source,
		pollInterval: pollInterval,
		StopTimeout:  2 * time.Second,
		requests:     make(chan func()),
		done:         make(chan struct{}),
	}
}

// Start issues the run command and launches the loop goroutine. Cancelling
// ctx later has the same effect as Stop.
func (al *AcquisitionLoop) Start(ctx context.Context) error {
	al.stateLock.Lock()
	if al.started {
		al.stateLock.Unlock()
		return fmt.Errorf("cannot Start() an AcquisitionLoop that has already been started")
	}
	al.started = true
	al.ctx = ctx
	al.queue = unboundedchan.NewUnboundedChannel[*Batch]()
	al.stateLock.Unlock()

	if err := al.source.Run(ctx); err != nil {
		al.setErr(err)
		close(al.queue.In())
		close(al.done)
		return err
	}
	al.setState(Running)
	go al.run()
	return nil
}

// Batches returns the channel of decoded batches, in decode order. It is
// closed after the loop ends and every batch has been received. It is nil
// before Start.
func (al *AcquisitionLoop) Batches() <-chan *Batch {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	if al.queue == nil {
		return nil
	}
	return al.queue.Out()
}

// Pause stops the instrument and suspends polling. Batches already queued
// stay queued.
func (al *AcquisitionLoop) Pause() error {
	return al.request(al.pause)
}

// Resume restarts the instrument and polling after Pause.
func (al *AcquisitionLoop) Resume() error {
	return al.request(al.resume)
}

// TogglePause pauses a Running loop or resumes a Paused one and returns the
// new state.
func (al *AcquisitionLoop) TogglePause() (AcquisitionState, error) {
	err := al.request(func() error {
		if al.State() == Paused {
			return al.resume()
		}
		return al.pause()
	})
	return al.State(), err
}

// Stop halts the instrument, drains one pending block if the instrument still
// reports data, and waits for the loop goroutine to end. Stopping a loop that
// has already ended returns nil; use Err for the reason it ended.
func (al *AcquisitionLoop) Stop() error {
	if !al.isStarted() {
		return fmt.Errorf("cannot Stop() an AcquisitionLoop that was never started")
	}
	err := al.request(func() error {
		al.exit = true
		return al.halt()
	})
	<-al.done
	if errors.Is(err, errLoopFinished) {
		return nil
	}
	return err
}

// Wait blocks until the loop ends and returns the error that ended it, if any.
func (al *AcquisitionLoop) Wait() error {
	if !al.isStarted() {
		return nil
	}
	<-al.done
	return al.Err()
}

// Done is closed when the loop goroutine has ended.
func (al *AcquisitionLoop) Done() <-chan struct{} {
	return al.done
}

// State returns the current AcquisitionState.
func (al *AcquisitionLoop) State() AcquisitionState {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	return al.state
}

// Err returns the transport error that ended the loop, if any.
func (al *AcquisitionLoop) Err() error {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	return al.err
}

// Stats returns a copy of the loop's counters.
func (al *AcquisitionLoop) Stats() AcquisitionStats {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	s := al.stats
	if al.queue != nil {
		s.QueueDepth = al.queue.Len()
		s.MaxQueueDepth = al.queue.MaxLen()
	}
	return s
}

func (al *AcquisitionLoop) isStarted() bool {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	return al.started
}

func (al *AcquisitionLoop) setState(s AcquisitionState) {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	al.state = s
}

func (al *AcquisitionLoop) setErr(err error) {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	if al.err == nil {
		al.err = err
	}
}

// request runs f on the loop goroutine and returns its error. A transport
// error from f ends the loop.
func (al *AcquisitionLoop) request(f func() error) error {
	if !al.isStarted() {
		return fmt.Errorf("AcquisitionLoop was never started")
	}
	result := make(chan error, 1)
	wrapped := func() {
		err := f()
		if IsTransportError(err) {
			al.setErr(err)
			al.exit = true
		}
		result <- err
	}
	select {
	case al.requests <- wrapped:
		return <-result
	case <-al.done:
		return errLoopFinished
	}
}

func (al *AcquisitionLoop) pause() error {
	if s := al.State(); s != Running {
		return fmt.Errorf("cannot Pause() an acquisition that is %v", s)
	}
	if err := al.source.Stop(al.ctx); err != nil {
		return err
	}
	al.setState(Paused)
	UpdateLogger.Println("acquisition paused")
	return nil
}

func (al *AcquisitionLoop) resume() error {
	if s := al.State(); s != Paused {
		return fmt.Errorf("cannot Resume() an acquisition that is %v", s)
	}
	if err := al.source.Run(al.ctx); err != nil {
		return err
	}
	al.setState(Running)
	UpdateLogger.Println("acquisition resumed")
	return nil
}

// halt stops the instrument and reads out one pending block, so the
// instrument is left idle. It runs even if the loop's context was cancelled.
func (al *AcquisitionLoop) halt() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(al.ctx), al.StopTimeout)
	defer cancel()
	if err := al.source.Stop(ctx); err != nil {
		return err
	}
	ready, err := al.source.Ready(ctx)
	if err != nil {
		return err
	}
	if ready {
		if _, err := al.source.Fetch(ctx); err != nil && !IsFormatError(err) {
			return err
		}
	}
	return nil
}

// run is the loop goroutine.
func (al *AcquisitionLoop) run() {
	defer func() {
		close(al.queue.In())
		al.setState(Stopped)
		close(al.done)
	}()

	for {
		var wait <-chan time.Time
		if al.State() == Running {
			if err := al.iterate(); err != nil {
				if al.ctx.Err() != nil {
					al.cancelled()
				} else {
					ProblemLogger.Printf("acquisition loop ends on error: %v", err)
					al.setErr(err)
				}
				return
			}
			wait = time.After(al.pollInterval)
		}

		// While Paused, wait is nil: only a request or cancellation wakes the loop.
		select {
		case req := <-al.requests:
			req()
			if al.exit {
				return
			}
		case <-al.ctx.Done():
			al.cancelled()
			return
		case <-wait:
		}
	}
}

func (al *AcquisitionLoop) cancelled() {
	if err := al.halt(); err != nil {
		ProblemLogger.Printf("acquisition loop could not halt the instrument after cancel: %v", err)
		al.setErr(err)
	}
}

// iterate polls once and, if a block is ready, fetches, decodes and publishes it.
func (al *AcquisitionLoop) iterate() error {
	al.stateLock.Lock()
	al.stats.Polls++
	al.stateLock.Unlock()

	ready, err := al.source.Ready(al.ctx)
	if err != nil || !ready {
		return err
	}
	raw, err := al.source.Fetch(al.ctx)
	if err != nil {
		return al.dropOrFail(err)
	}
	traces, err := al.source.Decode(raw)
	if err != nil {
		return al.dropOrFail(err)
	}
	al.publish(traces)
	return nil
}

// dropOrFail drops the current block on a format error and returns any other error.
func (al *AcquisitionLoop) dropOrFail(err error) error {
	if !IsFormatError(err) {
		return err
	}
	al.stateLock.Lock()
	al.stats.DecodeErrors++
	al.stateLock.Unlock()
	ProblemLogger.Printf("acquisition dropped a block: %v", err)
	return nil
}

func (al *AcquisitionLoop) publish(traces [][]float64) {
	al.stateLock.Lock()
	al.seq++
	batch := &Batch{Seq: al.seq, Time: time.Now(), Channels: traces}
	al.stats.Batches++
	al.stats.Samples += uint64(batch.Samples())
	al.stateLock.Unlock()
	al.queue.In() <- batch
}
