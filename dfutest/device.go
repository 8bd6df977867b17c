// Package dfutest provides a simulated anchor bootloader for exercising the
// host side of an update over a real connection.
package dfutest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/moffa90/go-anchordfu/firmware"
	"github.com/moffa90/go-anchordfu/protocol"
	"github.com/moffa90/go-anchordfu/transport"
)

// DefaultTimeout bounds each read on the device side.
const DefaultTimeout = 30 * time.Second

// Faults selects misbehaviour to inject into a session.
type Faults struct {
	// DropAck stores the chunk but suppresses its acknowledgement the given
	// number of times
	DropAck map[uint32]int

	// Nack reports a checksum failure for the chunk the given number of times
	Nack map[uint32]int

	// DelayAck holds back the first acknowledgement of the chunk
	DelayAck map[uint32]time.Duration

	// Reject answers the final Confirm with success=0
	Reject bool

	// WrongKind answers Metadata with Ready instead of Begin
	WrongKind bool

	// Stall goes silent after Metadata and waits for the host to hang up
	Stall bool
}

// Report describes what the device saw during a session.
type Report struct {
	Metadata protocol.Metadata

	// Flash is the simulated region contents after the transfer
	Flash []byte

	// Received counts every Chunk frame read, including resends
	Received int

	// Committed is true when a successful Confirm was sent
	Committed bool
}

// Device is a simulated anchor bootloader.
type Device struct {
	faults  Faults
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	report Report
}

// Option configures a Device.
type Option func(*Device)

// WithFaults sets the faults to inject.
func WithFaults(f Faults) Option {
	return func(d *Device) {
		d.faults = f
	}
}

// WithTimeout bounds every read on the device side.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.timeout = timeout
	}
}

// WithLogger makes the device log each frame it handles.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// NewDevice returns a device that behaves like the real bootloader unless
// faults are configured.
func NewDevice(opts ...Option) *Device {
	d := &Device{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	if d.faults.DropAck == nil {
		d.faults.DropAck = map[uint32]int{}
	}
	if d.faults.Nack == nil {
		d.faults.Nack = map[uint32]int{}
	}
	return d
}

// Report returns a snapshot of the last session.
func (d *Device) Report() Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.report
	r.Flash = bytes.Clone(d.report.Flash)
	return r
}

// Dial connects to the host at addr and serves one session, retrying the
// connection until ctx is done.
func (d *Device) Dial(ctx context.Context, addr string) error {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return d.Serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("dial %s: %w", addr, ctx.Err())
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("dial %s: %w", addr, ctx.Err())
		}
	}
}

// Serve runs the bootloader side of one session on conn and closes it.
func (d *Device) Serve(ctx context.Context, conn net.Conn) error {
	c := transport.NewConn(conn)
	defer func() { _ = c.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.Send(protocol.Ready{}); err != nil {
		return err
	}
	d.debug("sent ready")

	msg, err := d.expect(c, protocol.KindMetadata)
	if err != nil {
		return err
	}
	meta := msg.(protocol.Metadata)

	region, err := firmware.RegionFor(meta.UpdateKind)
	if err != nil {
		return err
	}
	// chunk k is written at page k, and the image checksum covers whole pages
	pages := uint64(meta.ChunkCount) * protocol.MaxChunkLen
	if meta.ChunkCount == 0 || meta.ImageLength > region.Size || pages > uint64(region.Size) {
		return fmt.Errorf("metadata out of range: %+v", meta)
	}
	flash := bytes.Repeat([]byte{firmware.FillByte}, int(pages))

	d.mu.Lock()
	d.report = Report{Metadata: meta, Flash: flash}
	d.mu.Unlock()
	d.debug("received metadata", "chunks", meta.ChunkCount, "bytes", meta.ImageLength)

	switch {
	case d.faults.Stall:
		_, err := c.Receive(0)
		if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	case d.faults.WrongKind:
		return c.Send(protocol.Ready{})
	}

	if err := c.Send(protocol.Begin{}); err != nil {
		return err
	}

	var next uint32
	for next < meta.ChunkCount {
		msg, err := d.expect(c, protocol.KindChunk)
		if err != nil {
			return err
		}
		chunk := msg.(protocol.Chunk)
		d.count()

		switch {
		case chunk.Index+1 == next:
			// resend of a chunk whose ack was lost
		case chunk.Index == next:
			if d.take(d.faults.Nack, chunk.Index) || !chunk.Verify() {
				d.debug("nack", "chunk", chunk.Index)
				if err := c.Send(protocol.ChunkAck{Success: false}); err != nil {
					return err
				}
				continue
			}
			d.mu.Lock()
			copy(flash[int(chunk.Index)*protocol.MaxChunkLen:], chunk.Data)
			d.mu.Unlock()
			next++
		default:
			return fmt.Errorf("chunk %d out of order, expected %d", chunk.Index, next)
		}

		if d.take(d.faults.DropAck, chunk.Index) {
			d.debug("dropping ack", "chunk", chunk.Index)
			if chunk.Index+1 == meta.ChunkCount {
				// keep waiting for the resend of the last chunk
				next--
			}
			continue
		}
		if delay, ok := d.delay(chunk.Index); ok {
			d.debug("delaying ack", "chunk", chunk.Index, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.Send(protocol.ChunkAck{Success: true}); err != nil {
			return err
		}
	}

	ok := protocol.Checksum(flash) == meta.ImageChecksum && !d.faults.Reject
	d.mu.Lock()
	d.report.Committed = ok
	d.mu.Unlock()
	d.debug("sending confirm", "success", ok)

	return c.Send(protocol.Confirm{Success: ok})
}

func (d *Device) expect(c *transport.Conn, want protocol.Kind) (protocol.Message, error) {
	msg, err := c.Receive(d.timeout)
	if err != nil {
		return nil, err
	}
	if msg.Kind() != want {
		return nil, fmt.Errorf("expected %s, got %s", want, msg.Kind())
	}
	return msg, nil
}

// take consumes one unit of a fault counter.
func (d *Device) take(m map[uint32]int, index uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m[index] > 0 {
		m[index]--
		return true
	}
	return false
}

// delay consumes the ack delay for a chunk.
func (d *Device) delay(index uint32) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delay, ok := d.faults.DelayAck[index]
	if ok {
		delete(d.faults.DelayAck, index)
	}
	return delay, ok
}

func (d *Device) count() {
	d.mu.Lock()
	d.report.Received++
	d.mu.Unlock()
}

func (d *Device) debug(msg string, args ...any) {
	if d.log != nil {
		d.log.Debug(msg, args...)
	}
}
