package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/moffa90/go-anchordfu/protocol"
)

var (
	// ErrTimeout is returned when no frame started arriving before the deadline.
	// The connection is still aligned on a frame boundary and may be reused.
	ErrTimeout = errors.New("receive timeout")

	// ErrPartialFrame is returned when a frame was cut short by a deadline or
	// by the peer. The stream is no longer aligned and must be closed.
	ErrPartialFrame = errors.New("partial frame")

	// ErrClosed is returned by Send and Receive after Close.
	ErrClosed = errors.New("connection closed")
)

// DefaultAddr listens on the fixed DFU port on all interfaces.
var DefaultAddr = ":" + strconv.Itoa(protocol.ServerPort)

// Listener waits for a single anchor to connect.
type Listener struct {
	ln net.Listener
}

// Listen binds addr for incoming anchor connections. An empty addr means
// DefaultAddr.
func Listen(ctx context.Context, addr string) (*Listener, error) {
	if addr == "" {
		addr = DefaultAddr
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for exactly one connection, then closes the listener.
// Cancelling ctx aborts the wait.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	defer func() { _ = l.ln.Close() }()

	type result struct {
		c   net.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("accept: %w", r.err)
		}
		return NewConn(r.c), nil
	case <-ctx.Done():
		_ = l.ln.Close()
		if r := <-done; r.c != nil {
			_ = r.c.Close()
		}
		return nil, fmt.Errorf("accept: %w", ctx.Err())
	}
}

// Close releases the listener without accepting.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Conn exchanges protocol frames over a byte stream.
type Conn struct {
	c   net.Conn
	buf [protocol.MaxFrameSize]byte

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn wraps an established stream.
func NewConn(c net.Conn) *Conn {
	return &Conn{c: c, closed: make(chan struct{})}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

// Send encodes msg and writes the whole frame.
func (c *Conn) Send(msg protocol.Message) error {
	if c.isClosed() {
		return ErrClosed
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendFrame(frame)
}

// SendFrame writes an already-encoded frame.
func (c *Conn) SendFrame(frame []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.c.Write(frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Receive reads and decodes one frame. The kind byte is read first and
// determines how many more bytes belong to the frame. A timeout of zero or
// less waits forever.
func (c *Conn) Receive(timeout time.Duration) (protocol.Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.c.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	if _, err := io.ReadFull(c.c, c.buf[:1]); err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w after %v: %w", ErrTimeout, timeout, err)
		}
		return nil, c.readError(err)
	}

	kind := protocol.Kind(c.buf[0])
	size, err := protocol.SizeOf(kind)
	if err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(c.c, c.buf[1:size]); err != nil {
		return nil, fmt.Errorf("%w: truncated %s frame: %w", ErrPartialFrame, kind, err)
	}

	return protocol.Decode(c.buf[:size])
}

// Close closes the stream. Calling it more than once is safe.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.c.Close()
	})
	return c.closeErr
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) readError(err error) error {
	if c.isClosed() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("receive frame: %w", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
