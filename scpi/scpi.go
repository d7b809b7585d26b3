// Package scpi provides a request/response transport to SCPI instruments
// reached over a raw TCP socket (LAN instruments normally listen on port 5025).
package scpi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/golaborate/comm"

	"github.com/usnistgov/daqstream/decode"
)

// DefaultPort is the raw-socket SCPI port used when an address has no port.
const DefaultPort = 5025

// DefaultTimeout bounds any single request when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Terminator ends every command sent and every line received.
const Terminator = '\n'

// errAbandoned retires a connection that arrived after its request gave up.
var errAbandoned = errors.New("connection arrived after the request gave up")

// idleTimeout is how long the pool keeps an unused connection open.
const idleTimeout = time.Hour

// Transport is a synchronous channel to one instrument. Only one request may
// be outstanding at a time.
type Transport interface {
	Write(ctx context.Context, command string) error
	Query(ctx context.Context, command string) (string, error)
	ReadRaw(ctx context.Context) ([]byte, error)
	Close() error
}

// lease is one connection checked out for one request. release returns it,
// and a non-nil error tells the owner the connection should not be reused.
type lease struct {
	rw      io.ReadWriter
	release func(error)
}

// Conn is a Transport over a TCP connection.
type Conn struct {
	Address string
	Timeout time.Duration

	acquire func() (lease, error)
	current io.ReadWriter
	rd      *bufio.Reader
	closed  bool
	sync.Mutex
}

// Dial opens a Conn to address (host or host:port). A zero timeout means
// DefaultTimeout. The connection comes from a single-connection comm.Pool,
// so a connection dropped after an I/O error is re-dialed with backoff on the
// next request.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultPort))
	}
	maker := comm.BackingOffTCPConnMaker(address, timeout)
	pool := comm.NewPool(1, idleTimeout, maker)
	c := &Conn{
		Address: address,
		Timeout: timeout,
		acquire: func() (lease, error) {
			conn, err := pool.Get()
			if err != nil {
				return lease{}, err
			}
			return lease{rw: conn, release: func(err error) { pool.ReturnWithError(conn, err) }}, nil
		},
	}

	// Check out the connection once, so an unreachable instrument fails here.
	l, err := c.checkout(ctx, c.deadline(ctx))
	if err != nil {
		return nil, &TransportError{Op: "dial", Command: address, Err: err}
	}
	c.use(l.rw)
	l.release(nil)
	return c, nil
}

// NewConn wraps an existing connection (a test pipe, a tunnel, ...).
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sc := &Conn{
		Address: c.RemoteAddr().String(),
		Timeout: timeout,
		acquire: func() (lease, error) {
			return lease{rw: c, release: func(error) {}}, nil
		},
	}
	sc.use(c)
	return sc
}

// Write sends one command; no response is expected.
func (c *Conn) Write(ctx context.Context, command string) error {
	c.Lock()
	defer c.Unlock()
	return c.do(ctx, "write", command, func(rw io.ReadWriter, rd *bufio.Reader) error {
		return send(rw, command)
	})
}

// Query sends one command and returns its single-line response without the
// line terminator.
func (c *Conn) Query(ctx context.Context, command string) (string, error) {
	c.Lock()
	defer c.Unlock()
	var line string
	err := c.do(ctx, "query", command, func(rw io.ReadWriter, rd *bufio.Reader) error {
		if err := send(rw, command); err != nil {
			return err
		}
		var err error
		line, err = rd.ReadString(Terminator)
		return err
	})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadRaw reads one pending binary block. The block is returned with any ASCII
// prefix (such as "C1:WF DAT1,") and its "#N<digits>" header intact; the
// trailing newline is consumed but not returned. A header that does not parse
// is a *decode.FormatError; the rest of that response line is discarded so
// the next request starts in step.
func (c *Conn) ReadRaw(ctx context.Context) ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	var raw []byte
	err := c.do(ctx, "read_raw", "", func(rw io.ReadWriter, rd *bufio.Reader) error {
		var err error
		raw, err = readBlock(rd)
		return err
	})
	return raw, err
}

// Close releases the connection. Closing twice is not an error.
func (c *Conn) Close() error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if closer, ok := c.current.(io.Closer); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return &TransportError{Op: "close", Err: err}
		}
	}
	return nil
}

// do runs one request on a leased connection within the request deadline.
// Format errors pass through unwrapped and leave the connection in service;
// every other failure is a *TransportError.
func (c *Conn) do(ctx context.Context, op, command string, f func(io.ReadWriter, *bufio.Reader) error) error {
	command = strings.TrimSpace(command)
	if c.closed {
		return &TransportError{Op: op, Command: command, Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: op, Command: command, Err: err}
	}
	deadline := c.deadline(ctx)
	l, err := c.checkout(ctx, deadline)
	if err != nil {
		return &TransportError{Op: "dial", Command: c.Address, Err: err}
	}
	c.use(l.rw)

	expired, stop, err := applyDeadline(l.rw, deadline)
	if err != nil {
		l.release(err)
		return &TransportError{Op: "deadline", Err: err}
	}
	err = f(l.rw, c.rd)
	stop()
	if err == nil || decode.IsFormatError(err) {
		l.release(nil)
		return err
	}
	if expired.Load() {
		err = fmt.Errorf("%w (%v)", os.ErrDeadlineExceeded, err)
	}
	l.release(err)
	return &TransportError{Op: op, Command: command, Err: err}
}

// deadline is the earlier of the context deadline and now+Timeout.
func (c *Conn) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// checkout leases the connection, giving up at deadline or when ctx is done.
func (c *Conn) checkout(ctx context.Context, deadline time.Time) (lease, error) {
	type result struct {
		l   lease
		err error
	}
	got := make(chan result, 1)
	go func() {
		l, err := c.acquire()
		got <- result{l, err}
	}()
	abandon := func() {
		if r := <-got; r.err == nil {
			r.l.release(errAbandoned)
		}
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r := <-got:
		return r.l, r.err
	case <-ctx.Done():
		go abandon()
		return lease{}, ctx.Err()
	case <-timer.C:
		go abandon()
		return lease{}, os.ErrDeadlineExceeded
	}
}

// use makes rw the current connection, starting a new reader if it changed.
func (c *Conn) use(rw io.ReadWriter) {
	if c.rd == nil || rw != c.current {
		c.current = rw
		c.rd = bufio.NewReaderSize(rw, 64*1024)
	}
}

// applyDeadline sets the I/O deadline on rw. A connection without deadline
// support is closed by a watchdog at the deadline instead; expired reports
// whether that happened. Call stop when the request is over.
func applyDeadline(rw io.ReadWriter, deadline time.Time) (expired *atomic.Bool, stop func(), err error) {
	expired = new(atomic.Bool)
	if d, ok := rw.(interface{ SetDeadline(time.Time) error }); ok {
		return expired, func() {}, d.SetDeadline(deadline)
	}
	closer, ok := rw.(io.Closer)
	if !ok {
		return expired, func() {}, nil
	}
	watchdog := time.AfterFunc(time.Until(deadline), func() {
		expired.Store(true)
		closer.Close()
	})
	return expired, func() { watchdog.Stop() }, nil
}

func send(w io.Writer, command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += string(Terminator)
	}
	_, err := io.WriteString(w, command)
	return err
}

// readBlock reads an optional ASCII prefix, then an IEEE 488.2 block.
func readBlock(rd *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		b, err := rd.ReadByte()
		if err != nil {
			return out, err
		}
		if b == Terminator {
			return out, &decode.FormatError{Field: "block header", Value: string(out),
				Err: errors.New("line ends before '#'")}
		}
		out = append(out, b)
		if b == '#' {
			break
		}
	}
	ndigits, err := rd.ReadByte()
	if err != nil {
		return out, err
	}
	out = append(out, ndigits)
	if ndigits < '0' || ndigits > '9' {
		return out, skipLine(rd, out, &decode.FormatError{Field: "block header digit count",
			Value: string(ndigits), Err: errors.New("not a digit")})
	}

	// "#0" is an indefinite-length block terminated by newline.
	if ndigits == '0' {
		rest, err := rd.ReadBytes(Terminator)
		out = append(out, bytes.TrimRight(rest, "\n")...)
		return out, err
	}

	digits := make([]byte, ndigits-'0')
	if _, err := io.ReadFull(rd, digits); err != nil {
		return out, err
	}
	out = append(out, digits...)
	count, err := strconv.Atoi(string(digits))
	if err != nil || count < 0 {
		return out, skipLine(rd, out, &decode.FormatError{Field: "block byte count",
			Value: string(digits), Err: errors.New("not a number")})
	}
	payload := make([]byte, count)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return out, err
	}
	out = append(out, payload...)

	// Swallow the terminator if the instrument sent one.
	if b, err := rd.Peek(1); err == nil && b[0] == '\n' {
		rd.ReadByte()
	} else if err == nil && b[0] == '\r' {
		if b2, err2 := rd.Peek(2); err2 == nil && b2[1] == '\n' {
			rd.Discard(2)
		}
	}
	return out, nil
}

// skipLine discards input through the next newline, unless the bad header
// already contained it, and then returns ferr. An I/O error while skipping
// is returned instead.
func skipLine(rd *bufio.Reader, consumed []byte, ferr error) error {
	if bytes.IndexByte(consumed, Terminator) >= 0 {
		return ferr
	}
	if _, err := rd.ReadBytes(Terminator); err != nil {
		return err
	}
	return ferr
}

// TransportError reports an I/O failure talking to an instrument.
type TransportError struct {
	Op      string
	Command string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("scpi %s %q: %v", e.Op, e.Command, e.Err)
	}
	return fmt.Sprintf("scpi %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError tells whether err (or anything it wraps) is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
