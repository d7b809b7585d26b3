package daqstream

import (
	"fmt"
	"sync"
)

// StreamBuffer keeps a sliding window of the most recent samples of each
// channel. Channels are addressed by their index in the scan list. Appending
// past the capacity discards the oldest samples first.
type StreamBuffer struct {
	traces      [][]float64
	capacity    int
	samplesSeen []uint64
	sync.RWMutex
}

// NewStreamBuffer returns an empty buffer of nchan channels holding at most
// capacity samples each.
func NewStreamBuffer(nchan, capacity int) (*StreamBuffer, error) {
	if nchan < 1 {
		return nil, fmt.Errorf("StreamBuffer needs at least 1 channel, have %d", nchan)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("StreamBuffer capacity must be positive, have %d", capacity)
	}
	sb := &StreamBuffer{
		traces:      make([][]float64, nchan),
		capacity:    capacity,
		samplesSeen: make([]uint64, nchan),
	}
	for i := range sb.traces {
		sb.traces[i] = make([]float64, 0, capacity)
	}
	return sb, nil
}

// Nchan returns the number of channels.
func (sb *StreamBuffer) Nchan() int {
	return len(sb.traces)
}

// Capacity returns the per-channel window length.
func (sb *StreamBuffer) Capacity() int {
	return sb.capacity
}

// Append adds samples to the end of one channel's window.
func (sb *StreamBuffer) Append(channel int, samples []float64) error {
	sb.Lock()
	defer sb.Unlock()
	if err := sb.checkChannel(channel); err != nil {
		return err
	}
	sb.appendLocked(channel, samples)
	return nil
}

// AppendBatch adds one decoded batch, trace i to channel i. Either every
// channel receives its trace or, on error, none does.
func (sb *StreamBuffer) AppendBatch(traces [][]float64) error {
	sb.Lock()
	defer sb.Unlock()
	if len(traces) != len(sb.traces) {
		return fmt.Errorf("batch has %d channels, StreamBuffer has %d", len(traces), len(sb.traces))
	}
	for i, samples := range traces {
		sb.appendLocked(i, samples)
	}
	return nil
}

// appendLocked appends then trims to capacity, keeping the newest samples.
func (sb *StreamBuffer) appendLocked(channel int, samples []float64) {
	sb.samplesSeen[channel] += uint64(len(samples))
	if len(samples) >= sb.capacity {
		sb.traces[channel] = append(sb.traces[channel][:0], samples[len(samples)-sb.capacity:]...)
		return
	}
	trace := sb.traces[channel]
	if overflow := len(trace) + len(samples) - sb.capacity; overflow > 0 {
		n := copy(trace, trace[overflow:])
		trace = trace[:n]
	}
	sb.traces[channel] = append(trace, samples...)
}

// Snapshot returns a copy of one channel's window, oldest sample first.
func (sb *StreamBuffer) Snapshot(channel int) ([]float64, error) {
	sb.RLock()
	defer sb.RUnlock()
	if err := sb.checkChannel(channel); err != nil {
		return nil, err
	}
	return append([]float64(nil), sb.traces[channel]...), nil
}

// SnapshotAll returns a copy of every channel's window.
func (sb *StreamBuffer) SnapshotAll() [][]float64 {
	sb.RLock()
	defer sb.RUnlock()
	result := make([][]float64, len(sb.traces))
	for i, trace := range sb.traces {
		result[i] = append([]float64(nil), trace...)
	}
	return result
}

// Len returns the number of samples currently held for one channel.
func (sb *StreamBuffer) Len(channel int) int {
	sb.RLock()
	defer sb.RUnlock()
	if sb.checkChannel(channel) != nil {
		return 0
	}
	return len(sb.traces[channel])
}

// SamplesSeen returns how many samples were ever appended to one channel.
func (sb *StreamBuffer) SamplesSeen(channel int) uint64 {
	sb.RLock()
	defer sb.RUnlock()
	if sb.checkChannel(channel) != nil {
		return 0
	}
	return sb.samplesSeen[channel]
}

// Reset empties every channel.
func (sb *StreamBuffer) Reset() {
	sb.Lock()
	defer sb.Unlock()
	for i := range sb.traces {
		sb.traces[i] = sb.traces[i][:0]
		sb.samplesSeen[i] = 0
	}
}

func (sb *StreamBuffer) checkChannel(channel int) error {
	if channel < 0 || channel >= len(sb.traces) {
		return fmt.Errorf("channel index %d out of range [0,%d)", channel, len(sb.traces))
	}
	return nil
}
