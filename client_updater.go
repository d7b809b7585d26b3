package daqstream

// Contains the ClientUpdater, which publishes JSON-encoded messages giving
// the latest daqstream state.

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// Tags of the messages published by the ClientUpdater.
const (
	TagStatus   = "STATUS"
	TagSummary  = "SUMMARY"
	TagMismatch = "MISMATCH"
	TagConfig   = "CONFIG"
	TagSnapshot = "SNAPSHOT"
)

// lastMessages remembers the most recent message for each tag, so a client
// that connects late can ask for all of them again.
var lastMessages = struct {
	byTag map[string]interface{}
	sync.Mutex
}{byTag: make(map[string]interface{})}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, as a two-frame message [tag, JSON], to publish any
// information that clients need to know. It returns when messages is closed
// or abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("bind status publisher to %s: %w", hostname, err)
	}

	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-messages:
			if !ok {
				return nil
			}
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("ClientUpdater cannot encode %s message: %v", update.tag, err)
				continue
			}
			lastMessages.Lock()
			lastMessages.byTag[update.tag] = update.state
			lastMessages.Unlock()
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("ClientUpdater send %s: %v", update.tag, err)
			}
		}
	}
}

// publish queues a message for the ClientUpdater without blocking; if the
// queue is full the message is dropped, since a newer one will follow.
func publish(updates chan<- ClientUpdate, tag string, state interface{}) {
	if updates == nil {
		return
	}
	select {
	case updates <- ClientUpdate{tag: tag, state: state}:
	default:
		ProblemLogger.Printf("client update queue full; dropped %s message", tag)
	}
}

// resendAll queues the last message of every tag again.
func resendAll(updates chan<- ClientUpdate) {
	lastMessages.Lock()
	saved := make(map[string]interface{}, len(lastMessages.byTag))
	for tag, state := range lastMessages.byTag {
		saved[tag] = state
	}
	lastMessages.Unlock()
	for tag, state := range saved {
		publish(updates, tag, state)
	}
}
