// Package unboundedchan provides a FIFO queue of unlimited depth whose ends are
// channels. It is the hand-off between a producer that must never stall (the
// acquisition loop) and a consumer that drains at its own pace (the viewer).
package unboundedchan

import "sync/atomic"

// UnboundedChannel represents an unbounded queue, but data are entered and removed via channels.
// Beware! You almost certainly want T to be a primitive type; use pointers for large objects.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	depth   atomic.Int64 // items accepted on in but not yet taken from out
	maxSeen atomic.Int64
}

// NewUnboundedChannel creates and initializes an UnboundedChannel
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:    make(chan T),
		out:   make(chan T),
		queue: make([]T, 0),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) accept(val T) {
	uc.queue = append(uc.queue, val)
	n := uc.depth.Add(1)
	if n > uc.maxSeen.Load() {
		uc.maxSeen.Store(n)
	}
}

func (uc *UnboundedChannel[T]) run() {
	var zero T
	for {
		if len(uc.queue) == 0 {
			// If queue is empty, only listen for new incoming data
			val, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.accept(val)
			continue
		}

		// If queue has data, try to send it and also listen for new incoming data
		select {
		case uc.out <- uc.queue[0]:
			uc.queue[0] = zero // let the sent item be collected
			uc.queue = uc.queue[1:]
			uc.depth.Add(-1)
		case val, ok := <-uc.in:
			if !ok {
				// Input closed: deliver everything still queued, then close the output.
				for _, item := range uc.queue {
					uc.out <- item
					uc.depth.Add(-1)
				}
				uc.queue = nil
				close(uc.out)
				return
			}
			uc.accept(val)
		}
	}
}

// In returns the input channel for sending data
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Len returns how many items are waiting to be received from Out.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.depth.Load())
}

// MaxLen returns the greatest queue depth seen so far.
func (uc *UnboundedChannel[T]) MaxLen() int {
	return int(uc.maxSeen.Load())
}
