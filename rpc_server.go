package daqstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// SessionControl is the sub-server that handles configuration and operation
// of the instrument session.
type SessionControl struct {
	config        SessionConfig
	session       *Session
	dial          Dialer
	clientUpdates chan<- ClientUpdate
	persist       bool // save accepted configurations to the config file
	sync.Mutex         // serializes RPC calls that change the session
}

// NewSessionControl returns a SessionControl that publishes on clientUpdates
// and opens instruments with dial (DialTCP if nil).
func NewSessionControl(clientUpdates chan<- ClientUpdate, dial Dialer) *SessionControl {
	if dial == nil {
		dial = DialTCP
	}
	return &SessionControl{
		config:        DefaultSessionConfig(),
		dial:          dial,
		clientUpdates: clientUpdates,
		persist:       true,
	}
}

// SetPersist sets whether accepted configurations are written to the config
// file. A session against a temporary instrument (the simulator) should not be.
func (s *SessionControl) SetPersist(persist bool) {
	s.Lock()
	defer s.Unlock()
	s.persist = persist
}

// ConfigureSession opens a session to the instrument in args and configures
// it, replacing any idle session. Settings the instrument did not honor are
// published with tag MISMATCH; they do not make the call fail.
func (s *SessionControl) ConfigureSession(args *SessionConfig, reply *bool) error {
	s.Lock()
	defer s.Unlock()
	*reply = false
	if s.session != nil && s.session.Status().State != Stopped.String() {
		return fmt.Errorf("cannot configure while acquiring; call Stop first")
	}
	cfg := *args
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Printf("ConfigureSession: %s %s channels %v\n", cfg.Variant, cfg.Address, cfg.Channels)
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	session, err := OpenSession(ctx, cfg, s.dial)
	if err != nil {
		return err
	}
	err = session.Configure(ctx)
	if err != nil && !IsConfigurationMismatch(err) {
		session.Close()
		return err
	}
	s.session = session
	s.config = cfg
	s.broadcastMismatches()
	publish(s.clientUpdates, TagConfig, cfg)
	s.broadcastStatus()

	if s.persist {
		viper.Set("session", cfg)
		if err := saveConfig(); err != nil {
			ProblemLogger.Printf("could not store session configuration: %v", err)
		}
	}
	*reply = true
	return nil
}

func saveConfig() error {
	if viper.ConfigFileUsed() == "" {
		return nil
	}
	return viper.WriteConfig()
}

func (s *SessionControl) requireSession() error {
	if s.session == nil {
		return fmt.Errorf("no session is configured")
	}
	return nil
}

// Start begins acquisition on the configured session.
func (s *SessionControl) Start(dummy *string, reply *bool) error {
	s.Lock()
	defer s.Unlock()
	*reply = false
	if err := s.requireSession(); err != nil {
		return err
	}
	log.Printf("Starting acquisition on session %s\n", s.session.ID)
	if err := s.session.Start(context.Background()); err != nil {
		s.broadcastStatus()
		return err
	}
	s.broadcastStatus()
	*reply = true
	return nil
}

// Pause suspends acquisition.
func (s *SessionControl) Pause(dummy *string, reply *bool) error {
	return s.control("Pause", func() error { return s.session.Pause() }, reply)
}

// Resume continues a paused acquisition.
func (s *SessionControl) Resume(dummy *string, reply *bool) error {
	return s.control("Resume", func() error { return s.session.Resume() }, reply)
}

// Stop ends acquisition.
func (s *SessionControl) Stop(dummy *string, reply *bool) error {
	return s.control("Stop", func() error { return s.session.Stop() }, reply)
}

func (s *SessionControl) control(name string, f func() error, reply *bool) error {
	s.Lock()
	defer s.Unlock()
	*reply = false
	if err := s.requireSession(); err != nil {
		return err
	}
	log.Printf("%s acquisition on session %s\n", name, s.session.ID)
	err := f()
	s.broadcastStatus()
	*reply = (err == nil)
	return err
}

// SaveSnapshot writes the displayed samples to .npy files in the directory
// *dir (the configured SnapshotDir if empty) and replies with their paths.
func (s *SessionControl) SaveSnapshot(dir *string, reply *[]string) error {
	s.Lock()
	defer s.Unlock()
	if err := s.requireSession(); err != nil {
		return err
	}
	paths, err := s.session.SaveSnapshot(*dir)
	*reply = paths
	if err == nil {
		publish(s.clientUpdates, TagSnapshot, paths)
	}
	return err
}

// Status replies with the current session status.
func (s *SessionControl) Status(dummy *string, reply *SessionStatus) error {
	s.Lock()
	defer s.Unlock()
	if err := s.requireSession(); err != nil {
		return err
	}
	*reply = s.session.Status()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info.
func (s *SessionControl) SendAllStatus(dummy *string, reply *bool) error {
	s.Lock()
	defer s.Unlock()
	resendAll(s.clientUpdates)
	publish(s.clientUpdates, TagConfig, s.config)
	s.broadcastStatus()
	s.broadcastMismatches()
	*reply = true
	return nil
}

// broadcastStatus publishes the session status and channel summaries. Call with s locked.
func (s *SessionControl) broadcastStatus() {
	if s.session == nil {
		return
	}
	publish(s.clientUpdates, TagStatus, s.session.Status())
	if summaries := s.session.Summaries(); summaries != nil {
		publish(s.clientUpdates, TagSummary, summaries)
	}
}

func (s *SessionControl) broadcastMismatches() {
	if s.session == nil {
		return
	}
	mm := s.session.Mismatches()
	if len(mm) > 0 {
		publish(s.clientUpdates, TagMismatch, mm)
	}
}

// Close closes the session, if any.
func (s *SessionControl) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

// StoredSessionConfig returns the session configuration in the config file,
// filled out with defaults, and whether one was stored there.
func StoredSessionConfig() (SessionConfig, bool, error) {
	cfg := DefaultSessionConfig()
	if err := viper.UnmarshalKey("session", &cfg); err != nil {
		return cfg, false, err
	}
	return cfg, viper.IsSet("session"), nil
}

// Restore configures the session from cfg. If the instrument does not accept
// it, cfg is still kept as the current configuration for clients to edit.
func (s *SessionControl) Restore(cfg SessionConfig) error {
	var okay bool
	err := s.ConfigureSession(&cfg, &okay)
	if err != nil {
		s.Lock()
		s.config = cfg
		s.Unlock()
	}
	return err
}

// RunRPCServer sets up and runs a permanent JSON-RPC server on portrpc. It
// loads the stored session configuration, opening and configuring the session
// if the instrument answers. If block, it runs until the listener fails;
// otherwise it serves in the background and returns once listening.
func RunRPCServer(messageChan chan<- ClientUpdate, portrpc int, dial Dialer, block bool) (*SessionControl, error) {
	sessionControl := NewSessionControl(messageChan, dial)

	// Load stored settings
	log.Printf("daqstream is using config file %s\n", viper.ConfigFileUsed())
	cfg, stored, err := StoredSessionConfig()
	if err != nil {
		ProblemLogger.Printf("stored session configuration is unreadable: %v", err)
	} else if stored {
		if err := sessionControl.Restore(cfg); err != nil {
			log.Printf("stored session configuration not applied: %v\n", err)
		}
	}
	return sessionControl, sessionControl.Serve(portrpc, block)
}

// Serve runs the JSON-RPC server for s on portrpc, broadcasting status every
// 2 seconds. If block, it runs until the listener fails; otherwise it serves
// in the background and returns once listening.
func (s *SessionControl) Serve(portrpc int, block bool) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return err
	}
	ticker := time.NewTicker(2 * time.Second)
	go func() {
		for range ticker.C {
			s.Lock()
			s.broadcastStatus()
			s.Unlock()
		}
	}()

	if block {
		defer ticker.Stop()
		return serveRPC(s, listener)
	}
	go func() {
		defer ticker.Stop()
		if err := serveRPC(s, listener); err != nil {
			ProblemLogger.Printf("RPC server stopped: %v", err)
		}
	}()
	return nil
}

// serveRPC accepts connections on listener until it is closed.
func serveRPC(sessionControl *SessionControl, listener net.Listener) error {
	server := rpc.NewServer()
	if err := server.Register(sessionControl); err != nil {
		return err
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		log.Printf("new connection established\n")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
