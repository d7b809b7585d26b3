package daqstream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/usnistgov/daqstream/decode"
)

// SimulatedDAQ is a TCP server that speaks the SCPI vocabulary of a 16-bit
// multi-channel DAQ and synthesizes sine waves on every scanned channel.
// A new block becomes ready each time points/rate seconds have elapsed
// while running. After STOP, a block that was ready stays readable once.
type SimulatedDAQ struct {
	Identity  string
	MaxPoints int // WAV:POIN requests above this are clamped

	running   bool
	pending   bool
	lastBlock time.Time
	blockSeq  int
	rate      float64
	points    int
	scan      []int
	ranges    map[int]float64
	polarity  map[int]string
	commands  []string
	stateLock sync.Mutex

	listener net.Listener
	conns    map[net.Conn]struct{}
	connLock sync.Mutex
	wg       sync.WaitGroup
}

// NewSimulatedDAQ returns a stopped simulator scanning channel 101 at 1 kHz.
func NewSimulatedDAQ() *SimulatedDAQ {
	s := &SimulatedDAQ{
		Identity:  "Agilent Technologies,U2351A,SIM0000001,daqstream-" + Build.Version,
		MaxPoints: 65536,
		conns:     make(map[net.Conn]struct{}),
	}
	s.reset()
	return s
}

func (s *SimulatedDAQ) reset() {
	s.running = false
	s.pending = false
	s.blockSeq = 0
	s.rate = 1000
	s.points = 100
	s.scan = []int{AnalogChannel1}
	s.ranges = make(map[int]float64)
	s.polarity = make(map[int]string)
}

// Listen starts serving on address, e.g. "127.0.0.1:0".
func (s *SimulatedDAQ) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the address the simulator listens on.
func (s *SimulatedDAQ) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// DropConnections closes every open client connection, as if the network failed.
func (s *SimulatedDAQ) DropConnections() {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops listening, drops all clients and waits for their handlers.
func (s *SimulatedDAQ) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.DropConnections()
	s.wg.Wait()
	return err
}

// Commands returns every command received so far.
func (s *SimulatedDAQ) Commands() []string {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return append([]string(nil), s.commands...)
}

// Running tells whether the simulator is acquiring.
func (s *SimulatedDAQ) Running() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.running
}

// Connections returns the number of open client connections.
func (s *SimulatedDAQ) Connections() int {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return len(s.conns)
}

func (s *SimulatedDAQ) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				ProblemLogger.Printf("SimulatedDAQ accept: %v", err)
			}
			return
		}
		s.connLock.Lock()
		s.conns[conn] = struct{}{}
		s.connLock.Unlock()
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *SimulatedDAQ) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.connLock.Lock()
		delete(s.conns, conn)
		s.connLock.Unlock()
		conn.Close()
	}()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		reply, ok := s.execute(line)
		if !ok {
			continue
		}
		if _, err := conn.Write(append(reply, '\n')); err != nil {
			return
		}
	}
}

var scpiLongForms = strings.NewReplacer(
	"ACQUIRE", "ACQ", "SRATE", "SRAT", "WAVEFORM", "WAV", "POINTS", "POIN",
	"STATUS", "STAT", "ROUTE", "ROUT", "CHANNEL", "CHAN", "RANGE", "RANG",
	"POLARITY", "POL", "MEASURE", "MEAS",
)

// execute runs one command and returns the response, if it has one.
func (s *SimulatedDAQ) execute(line string) ([]byte, bool) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.commands = append(s.commands, line)

	head, args, _ := strings.Cut(line, " ")
	head = scpiLongForms.Replace(strings.ToUpper(head))
	args = strings.TrimSpace(args)

	switch head {
	case "*IDN?":
		return []byte(s.Identity), true
	case "*RST":
		s.reset()
	case "RUN":
		s.running = true
		s.pending = false
		s.lastBlock = time.Now()
	case "STOP":
		if s.running && s.blockReady() {
			s.pending = true
		}
		s.running = false
	case "WAV:STAT?":
		if s.pending || (s.running && s.blockReady()) {
			return []byte("DATA"), true
		}
		return []byte("EPTY"), true
	case "WAV:DATA?":
		return s.nextBlock(), true
	case "ACQ:SRAT":
		if v, err := strconv.ParseFloat(args, 64); err == nil && v > 0 {
			s.rate = v
		}
	case "ACQ:SRAT?":
		return []byte(strconv.FormatFloat(s.rate, 'E', 8, 64)), true
	case "WAV:POIN":
		if n, err := strconv.Atoi(args); err == nil && n > 0 {
			s.points = min(n, s.MaxPoints)
		}
	case "WAV:POIN?":
		return []byte(strconv.Itoa(s.points)), true
	case "ROUT:SCAN":
		if chans, err := parseChannelList(args); err == nil && len(chans) > 0 {
			s.scan = chans
		}
	case "ROUT:SCAN?":
		return []byte(decode.ScanList(s.scan).SCPI()), true
	case "ROUT:CHAN:RANG":
		value, list, _ := strings.Cut(args, ",")
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		chans, cerr := parseChannelList(list)
		if err == nil && cerr == nil {
			for _, ch := range chans {
				s.ranges[ch] = v
			}
		}
	case "ROUT:CHAN:RANG?":
		if chans, err := parseChannelList(args); err == nil && len(chans) == 1 {
			return []byte(strconv.FormatFloat(s.channelRange(chans[0]), 'f', -1, 64)), true
		}
		return []byte("0"), true
	case "ROUT:CHAN:POL":
		value, list, _ := strings.Cut(args, ",")
		if chans, err := parseChannelList(list); err == nil {
			for _, ch := range chans {
				s.polarity[ch] = strings.ToUpper(strings.TrimSpace(value))
			}
		}
	case "MEAS?":
		if chans, err := parseChannelList(args); err == nil && len(chans) == 1 {
			v := s.waveform(chans[0], time.Since(StartTime).Seconds())
			return []byte(strconv.FormatFloat(v, 'E', 8, 64)), true
		}
		return []byte("0"), true
	default:
		if strings.HasSuffix(head, "?") {
			// Unknown queries get no answer, so the client times out as with real hardware.
			ProblemLogger.Printf("SimulatedDAQ ignoring unknown query %q", line)
		}
	}
	return nil, false
}

func (s *SimulatedDAQ) blockPeriod() time.Duration {
	return time.Duration(float64(s.points) / s.rate * float64(time.Second))
}

func (s *SimulatedDAQ) blockReady() bool {
	return time.Since(s.lastBlock) >= s.blockPeriod()
}

func (s *SimulatedDAQ) channelRange(ch int) float64 {
	if r, ok := s.ranges[ch]; ok {
		return r
	}
	return float64(Range10V)
}

// waveform is the simulated input of channel ch at time t: a sine centered
// in the channel's range, with a frequency that differs per channel.
func (s *SimulatedDAQ) waveform(ch int, t float64) float64 {
	scale := s.channelRange(ch)
	freq := 5 * float64(ch%100)
	return scale * (0.5 + 0.4*math.Sin(2*math.Pi*freq*t))
}

// nextBlock returns the next data block, or an empty block if none is ready.
func (s *SimulatedDAQ) nextBlock() []byte {
	ready := s.pending || (s.running && s.blockReady())
	if !ready {
		return []byte("#800000000")
	}
	s.pending = false
	if s.running {
		s.lastBlock = s.lastBlock.Add(s.blockPeriod())
		// Skip ahead rather than bursting after a long gap.
		if time.Since(s.lastBlock) > 4*s.blockPeriod() {
			s.lastBlock = time.Now()
		}
	}

	nchan := len(s.scan)
	payload := make([]byte, 2*s.points*nchan)
	first := s.blockSeq * s.points
	for j := 0; j < s.points; j++ {
		t := float64(first+j) / s.rate
		for c, ch := range s.scan {
			code := decode.Encode16(s.waveform(ch, t), s.channelRange(ch))
			binary.LittleEndian.PutUint16(payload[2*(j*nchan+c):], code)
		}
	}
	s.blockSeq++
	return append([]byte(fmt.Sprintf("#8%08d", len(payload))), payload...)
}

// parseChannelList parses "(@101,102)" or "(@101:104)".
func parseChannelList(text string) ([]int, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "(@") || !strings.HasSuffix(text, ")") {
		return nil, fmt.Errorf("channel list %q is not of the form (@...)", text)
	}
	var chans []int
	for _, item := range strings.Split(text[2:len(text)-1], ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(item), ":")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, err
			}
		}
		for ch := first; ch <= last; ch++ {
			chans = append(chans, ch)
		}
	}
	return chans, nil
}
