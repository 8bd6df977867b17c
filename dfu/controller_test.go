package dfu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/moffa90/go-anchordfu/firmware"
	"github.com/moffa90/go-anchordfu/protocol"
	"github.com/moffa90/go-anchordfu/transport"
	"github.com/moffa90/go-anchordfu/trigger"
)

// fakeDevice is a scripted bootloader. Replies are queued synchronously in
// Send; Receive pops them, reporting a timeout when the queue is empty.
type fakeDevice struct {
	mu     sync.Mutex
	queue  []protocol.Message
	sent   []protocol.Message
	frames map[uint32][][]byte
	late   []protocol.Message

	metadata protocol.Metadata
	closed   int
	done     chan struct{}

	ackReplace map[uint32]protocol.Message
	confirm    bool
	noConfirm  bool

	firstReply protocol.Message // replaces Ready
	beginReply protocol.Message // replaces Begin; nil with noBegin means silence
	noBegin    bool             // never send Begin
	dropAcks   map[uint32]int   // chunk -> number of acks to drop
	nacks      map[uint32]int   // chunk -> number of nacks to send
	lateAcks   map[uint32]int   // chunk -> number of acks delivered just after the deadline
	malformed  map[uint32]bool  // chunk -> reply with an undecodable frame
	stall      bool             // block in Receive after Metadata until closed
}

var errFakeMalformed = &protocol.DecodeError{Kind: 0x42, Reason: "invalid message kind"}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		queue:      []protocol.Message{protocol.Ready{}},
		frames:     make(map[uint32][][]byte),
		dropAcks:   make(map[uint32]int),
		nacks:      make(map[uint32]int),
		lateAcks:   make(map[uint32]int),
		ackReplace: make(map[uint32]protocol.Message),
		malformed:  make(map[uint32]bool),
		confirm:    true,
		done:       make(chan struct{}),
	}
}

func (d *fakeDevice) Send(msg protocol.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed > 0 {
		return transport.ErrClosed
	}
	d.sent = append(d.sent, msg)

	switch m := msg.(type) {
	case protocol.Metadata:
		d.metadata = m
		switch {
		case d.beginReply != nil:
			d.queue = append(d.queue, d.beginReply)
		case !d.noBegin && !d.stall:
			d.queue = append(d.queue, protocol.Begin{})
		}

	case protocol.Chunk:
		frame, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		d.frames[m.Index] = append(d.frames[m.Index], frame)

		switch {
		case d.malformed[m.Index]:
			d.queue = append(d.queue, nil)
		case d.ackReplace[m.Index] != nil:
			d.queue = append(d.queue, d.ackReplace[m.Index])
		case d.dropAcks[m.Index] > 0:
			d.dropAcks[m.Index]--
		case d.lateAcks[m.Index] > 0:
			d.lateAcks[m.Index]--
			d.late = append(d.late, protocol.ChunkAck{Success: m.Verify()})
		case d.nacks[m.Index] > 0:
			d.nacks[m.Index]--
			d.queue = append(d.queue, protocol.ChunkAck{Success: false})
		default:
			d.queue = append(d.queue, protocol.ChunkAck{Success: m.Verify()})
			if m.Index == d.metadata.ChunkCount-1 && !d.noConfirm {
				d.queue = append(d.queue, protocol.Confirm{Success: d.confirm})
			}
		}
	}
	return nil
}

func (d *fakeDevice) Receive(time.Duration) (protocol.Message, error) {
	d.mu.Lock()
	if d.closed > 0 {
		d.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if d.firstReply != nil {
		d.queue[0] = d.firstReply
		d.firstReply = nil
	}
	if len(d.queue) == 0 && len(d.late) > 0 {
		// the reply lands after this receive gives up
		d.queue = append(d.queue, d.late...)
		d.late = nil
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: reply in flight", ErrTimeout)
	}
	if len(d.queue) == 0 {
		stall := d.stall
		d.mu.Unlock()
		if stall {
			<-d.done
			return nil, transport.ErrClosed
		}
		return nil, fmt.Errorf("%w: nothing queued", ErrTimeout)
	}
	msg := d.queue[0]
	d.queue = d.queue[1:]
	d.mu.Unlock()

	if msg == nil {
		return nil, errFakeMalformed
	}
	return msg, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed == 0 {
		close(d.done)
	}
	d.closed++
	return nil
}

func (d *fakeDevice) kinds() []protocol.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Kind, 0, len(d.sent))
	for _, m := range d.sent {
		out = append(out, m.Kind())
	}
	return out
}

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

type triggerCall struct {
	device  uint8
	payload []byte
}

type harness struct {
	dev      *fakeDevice
	clock    *fakeClock
	triggers []triggerCall
	accepts  int
	progress []Progress
	ctrl     *Controller
}

func newHarness(dev *fakeDevice, opts ...Option) *harness {
	h := &harness{dev: dev, clock: newFakeClock()}

	acceptor := AcceptorFunc(func(context.Context) (Transport, error) {
		h.accepts++
		return dev, nil
	})
	notifier := trigger.Func(func(_ context.Context, id uint8, payload []byte) error {
		h.triggers = append(h.triggers, triggerCall{device: id, payload: payload})
		return nil
	})

	base := []Option{
		WithClock(h.clock),
		WithProgressCallback(func(p Progress) { h.progress = append(h.progress, p) }),
	}
	h.ctrl = New(acceptor, notifier, append(base, opts...)...)
	return h
}

func testImage(t *testing.T, pages int) *firmware.Image {
	t.Helper()
	data := make([]byte, pages*firmware.PageSize)
	for i := range data {
		data[i] = byte(i / 7)
	}
	img, err := firmware.NewImage(data, protocol.UpdateAppCode)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return img
}

func TestRunCommits(t *testing.T) {
	cv.Convey("a device that acknowledges everything ends the session committed", t, func() {
		img := testImage(t, 3)
		h := newHarness(newFakeDevice())

		res, err := h.ctrl.Run(context.Background(), 7, img)
		cv.So(err, cv.ShouldBeNil)
		cv.So(res.State, cv.ShouldEqual, StateCommitted)
		cv.So(res.History, cv.ShouldResemble, []State{
			StateIdle, StateTriggered, StateAwaitingReady, StateMetadataSent,
			StateAwaitingBegin, StateTransferring, StateAwaitingConfirm, StateCommitted,
		})

		cv.Convey("the trigger carries the encoded Request frame for the device", func() {
			cv.So(len(h.triggers), cv.ShouldEqual, 1)
			cv.So(h.triggers[0].device, cv.ShouldEqual, uint8(7))
			cv.So(h.triggers[0].payload, cv.ShouldResemble, []byte{0x00})
		})

		cv.Convey("the metadata describes the padded image", func() {
			m := h.dev.metadata
			cv.So(m.ImageChecksum, cv.ShouldEqual, img.Checksum())
			cv.So(m.ChunkCount, cv.ShouldEqual, uint32(3))
			cv.So(m.ImageLength, cv.ShouldEqual, uint32(3*firmware.PageSize))
			cv.So(m.UpdateKind, cv.ShouldEqual, protocol.UpdateAppCode)
		})

		cv.Convey("each chunk is sent once, in order", func() {
			cv.So(res.Sends, cv.ShouldResemble, []int{1, 1, 1})
			cv.So(res.Retries, cv.ShouldEqual, 0)
			cv.So(res.BytesSent, cv.ShouldEqual, img.Len())
			cv.So(h.dev.kinds(), cv.ShouldResemble, []protocol.Kind{
				protocol.KindMetadata, protocol.KindChunk, protocol.KindChunk, protocol.KindChunk,
			})
		})

		cv.Convey("the transport is closed", func() {
			cv.So(h.dev.closed, cv.ShouldBeGreaterThanOrEqualTo, 1)
		})

		cv.Convey("progress reaches 100% and the final event is committed", func() {
			last := h.progress[len(h.progress)-1]
			cv.So(last.State, cv.ShouldEqual, StateCommitted)
			cv.So(last.Percentage, cv.ShouldEqual, 100.0)
			prev := 0.0
			for _, p := range h.progress {
				cv.So(p.Percentage, cv.ShouldBeGreaterThanOrEqualTo, prev)
				prev = p.Percentage
			}
		})
	})
}

func TestRunDroppedAckResent(t *testing.T) {
	cv.Convey("in a 10-chunk image where chunk 4's ack is dropped twice", t, func() {
		dev := newFakeDevice()
		dev.dropAcks[4] = 2
		h := newHarness(dev, WithRetryDelay(250*time.Millisecond))

		res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 10))

		cv.So(err, cv.ShouldBeNil)
		cv.So(res.State, cv.ShouldEqual, StateCommitted)

		cv.Convey("chunk 4 is sent three times and every other chunk once", func() {
			cv.So(res.Sends, cv.ShouldResemble, []int{1, 1, 1, 1, 3, 1, 1, 1, 1, 1})
			cv.So(res.Retries, cv.ShouldEqual, 2)
		})

		cv.Convey("every resend is byte-identical to the first send", func() {
			frames := dev.frames[4]
			cv.So(len(frames), cv.ShouldEqual, 3)
			cv.So(bytes.Equal(frames[0], frames[1]), cv.ShouldBeTrue)
			cv.So(bytes.Equal(frames[0], frames[2]), cv.ShouldBeTrue)
		})

		cv.Convey("the session index does not advance until the ack arrives", func() {
			kinds := dev.kinds()
			chunkOrder := []uint32{}
			for i, m := range dev.sent {
				if kinds[i] == protocol.KindChunk {
					chunkOrder = append(chunkOrder, m.(protocol.Chunk).Index)
				}
			}
			cv.So(chunkOrder, cv.ShouldResemble, []uint32{0, 1, 2, 3, 4, 4, 4, 5, 6, 7, 8, 9})
		})

		cv.Convey("the retry delay runs on the injected clock", func() {
			cv.So(h.clock.slept, cv.ShouldResemble, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond})
			cv.So(res.Elapsed, cv.ShouldEqual, 500*time.Millisecond)
		})
	})
}

func TestRunNackedChunkResent(t *testing.T) {
	cv.Convey("a chunk nacked once is resent and the session commits", t, func() {
		dev := newFakeDevice()
		dev.nacks[1] = 1
		h := newHarness(dev)

		res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 3))
		cv.So(err, cv.ShouldBeNil)
		cv.So(res.Sends, cv.ShouldResemble, []int{1, 2, 1})
	})
}

func TestRunRetriesExhausted(t *testing.T) {
	cv.Convey("when chunk 2 is never acknowledged with a retry ceiling of 3", t, func() {
		dev := newFakeDevice()
		dev.dropAcks[2] = 100
		h := newHarness(dev, WithRetries(3))

		res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 5))

		cv.So(errors.Is(err, ErrTransferFailed), cv.ShouldBeTrue)
		cv.So(res.State, cv.ShouldEqual, StateAborted)

		var tf *TransferFailedError
		cv.So(errors.As(err, &tf), cv.ShouldBeTrue)
		cv.So(tf.Chunk, cv.ShouldEqual, uint32(2))
		cv.So(tf.Attempts, cv.ShouldEqual, 4)
		cv.So(errors.Is(err, ErrTimeout), cv.ShouldBeTrue)

		cv.Convey("no later chunk is sent and no Confirm is awaited", func() {
			cv.So(res.Sends, cv.ShouldResemble, []int{1, 1, 4, 0, 0})
			cv.So(res.History, cv.ShouldNotContain, StateAwaitingConfirm)
			cv.So(res.History, cv.ShouldNotContain, StateCommitted)
		})

		cv.Convey("the transport is closed", func() {
			cv.So(dev.closed, cv.ShouldBeGreaterThanOrEqualTo, 1)
		})
	})

	cv.Convey("a chunk nacked past the ceiling reports the nack as the cause", t, func() {
		dev := newFakeDevice()
		dev.nacks[0] = 100
		h := newHarness(dev, WithRetries(0))

		res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 2))
		cv.So(errors.Is(err, ErrTransferFailed), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrNack), cv.ShouldBeTrue)
		cv.So(res.Sends, cv.ShouldResemble, []int{1, 0})
		cv.So(res.State, cv.ShouldEqual, StateAborted)
	})
}

func TestRunRejected(t *testing.T) {
	cv.Convey("a Confirm with success=0 ends the session rejected, not committed", t, func() {
		dev := newFakeDevice()
		dev.confirm = false
		h := newHarness(dev)

		img := testImage(t, 2)
		res, err := h.ctrl.Run(context.Background(), 1, img)

		cv.So(errors.Is(err, ErrRejected), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrTransferFailed), cv.ShouldBeFalse)
		cv.So(res.State, cv.ShouldEqual, StateRejected)
		cv.So(res.History, cv.ShouldNotContain, StateCommitted)

		var rej *RejectedError
		cv.So(errors.As(err, &rej), cv.ShouldBeTrue)
		cv.So(rej.ImageChecksum, cv.ShouldEqual, img.Checksum())
		cv.So(dev.closed, cv.ShouldBeGreaterThanOrEqualTo, 1)
	})
}

func TestRunConfirmTimeout(t *testing.T) {
	cv.Convey("no Confirm within the timeout aborts: the device's disposition is unknown", t, func() {
		dev := newFakeDevice()
		dev.noConfirm = true
		h := newHarness(dev)

		res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 2))
		cv.So(errors.Is(err, ErrTimeout), cv.ShouldBeTrue)
		cv.So(errors.Is(err, ErrRejected), cv.ShouldBeFalse)
		cv.So(res.State, cv.ShouldEqual, StateAborted)
	})
}

func TestRunProtocolViolations(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(d *fakeDevice)
		state   State
		want    protocol.Kind
		noChunk bool
	}{
		{
			name:    "begin instead of ready",
			setup:   func(d *fakeDevice) { d.firstReply = protocol.Begin{} },
			state:   StateAwaitingReady,
			want:    protocol.KindReady,
			noChunk: true,
		},
		{
			name:    "ready instead of begin",
			setup:   func(d *fakeDevice) { d.beginReply = protocol.Ready{} },
			state:   StateAwaitingBegin,
			want:    protocol.KindBegin,
			noChunk: true,
		},
		{
			name:  "confirm instead of chunk ack",
			setup: func(d *fakeDevice) { d.ackReplace[1] = protocol.Confirm{Success: true} },
			state: StateTransferring,
			want:  protocol.KindChunkAck,
		},
		{
			name:  "undecodable ack",
			setup: func(d *fakeDevice) { d.malformed[0] = true },
			state: StateTransferring,
			want:  protocol.KindChunkAck,
		},
	}

	for _, tt := range tests {
		cv.Convey("an unexpected message aborts the session: "+tt.name, t, func() {
			dev := newFakeDevice()
			tt.setup(dev)
			h := newHarness(dev)

			res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 3))

			cv.So(errors.Is(err, ErrProtocolViolation), cv.ShouldBeTrue)
			cv.So(res.State, cv.ShouldEqual, StateAborted)

			var pv *ProtocolViolationError
			cv.So(errors.As(err, &pv), cv.ShouldBeTrue)
			cv.So(pv.State, cv.ShouldEqual, tt.state)
			cv.So(pv.Want, cv.ShouldEqual, tt.want)
			cv.So(dev.closed, cv.ShouldBeGreaterThanOrEqualTo, 1)

			if tt.noChunk {
				cv.So(dev.kinds(), cv.ShouldNotContain, protocol.KindChunk)
			}
		})
	}
}

func TestRunBeginTimeout(t *testing.T) {
	cv.Convey("no Begin after Metadata aborts before any chunk is sent", t, func() {
		dev := newFakeDevice()
		dev.noBegin = true
		h := newHarness(dev)

		res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 2))
		cv.So(errors.Is(err, ErrTimeout), cv.ShouldBeTrue)
		cv.So(res.State, cv.ShouldEqual, StateAborted)
		cv.So(res.Sends, cv.ShouldResemble, []int{0, 0})
	})
}

func TestRunSkipTrigger(t *testing.T) {
	cv.Convey("with the trigger skipped the session enters AwaitingReady directly", t, func() {
		h := newHarness(newFakeDevice(), WithSkipTrigger(true))

		res, err := h.ctrl.Run(context.Background(), 9, testImage(t, 1))
		cv.So(err, cv.ShouldBeNil)
		cv.So(res.TriggerSkipped, cv.ShouldBeTrue)
		cv.So(h.triggers, cv.ShouldBeEmpty)
		cv.So(res.History[:2], cv.ShouldResemble, []State{StateIdle, StateAwaitingReady})
		cv.So(res.History, cv.ShouldNotContain, StateTriggered)
		cv.So(res.State, cv.ShouldEqual, StateCommitted)
	})
}

func TestRunInvalidImage(t *testing.T) {
	cv.Convey("an invalid image fails before any network activity", t, func() {
		h := newHarness(newFakeDevice())

		res, err := h.ctrl.Run(context.Background(), 1, nil)
		cv.So(errors.Is(err, ErrInvalidImage), cv.ShouldBeTrue)
		cv.So(res.State, cv.ShouldEqual, StateAborted)
		cv.So(h.triggers, cv.ShouldBeEmpty)
		cv.So(h.accepts, cv.ShouldEqual, 0)
	})
}

func TestRunTriggerFailure(t *testing.T) {
	cv.Convey("a failed trigger aborts without waiting for a connection", t, func() {
		accepts := 0
		acceptor := AcceptorFunc(func(context.Context) (Transport, error) {
			accepts++
			return newFakeDevice(), nil
		})
		boom := errors.New("broker unreachable")
		notifier := trigger.Func(func(context.Context, uint8, []byte) error { return boom })

		res, err := New(acceptor, notifier).Run(context.Background(), 2, testImage(t, 1))
		cv.So(errors.Is(err, boom), cv.ShouldBeTrue)
		cv.So(res.State, cv.ShouldEqual, StateAborted)
		cv.So(accepts, cv.ShouldEqual, 0)
	})
}

func TestRunAcceptTimeout(t *testing.T) {
	cv.Convey("nobody connecting within the accept timeout is a timeout", t, func() {
		acceptor := AcceptorFunc(func(ctx context.Context) (Transport, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		ctrl := New(acceptor, nil, WithSkipTrigger(true), WithAcceptTimeout(10*time.Millisecond))
		res, err := ctrl.Run(context.Background(), 2, testImage(t, 1))
		cv.So(errors.Is(err, ErrTimeout), cv.ShouldBeTrue)
		cv.So(res.State, cv.ShouldEqual, StateAborted)
	})
}

func TestRunCancelled(t *testing.T) {
	cv.Convey("cancelling the context while blocked closes the transport and aborts", t, func() {
		dev := newFakeDevice()
		dev.stall = true
		h := newHarness(dev, WithBeginTimeout(time.Hour))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		res, err := h.ctrl.Run(ctx, 1, testImage(t, 1))
		cv.So(errors.Is(err, context.DeadlineExceeded), cv.ShouldBeTrue)
		cv.So(res.State, cv.ShouldEqual, StateAborted)
		cv.So(dev.closed, cv.ShouldBeGreaterThanOrEqualTo, 1)
	})
}

func TestChunksArePages(t *testing.T) {
	cv.Convey("every chunk but the last carries a full flash page", t, func() {
		img, err := firmware.NewImage(make([]byte, 2*firmware.PageSize+10), protocol.UpdateAppCode)
		cv.So(err, cv.ShouldBeNil)
		h := newHarness(newFakeDevice())

		res, err := h.ctrl.Run(context.Background(), 1, img)
		cv.So(err, cv.ShouldBeNil)
		cv.So(res.Chunks, cv.ShouldEqual, img.Len()/firmware.PageSize)
		cv.So(h.dev.metadata.ChunkCount, cv.ShouldEqual, uint32(res.Chunks))
		for _, m := range h.dev.sent {
			if c, ok := m.(protocol.Chunk); ok {
				cv.So(len(c.Data), cv.ShouldEqual, protocol.MaxChunkLen)
			}
		}
	})
}

func TestRunLateAck(t *testing.T) {
	cv.Convey("an ack that lands just after the ack timeout", t, func() {
		dev := newFakeDevice()
		dev.lateAcks[2] = 1

		cv.Convey("is picked up before resending and the chunk is not sent again", func() {
			h := newHarness(dev)
			res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 4))
			cv.So(err, cv.ShouldBeNil)
			cv.So(res.State, cv.ShouldEqual, StateCommitted)
			cv.So(res.Sends, cv.ShouldResemble, []int{1, 1, 1, 1})
			cv.So(res.Retries, cv.ShouldEqual, 0)
			cv.So(h.clock.slept, cv.ShouldBeEmpty)
		})

		cv.Convey("desynchronises the session when the drain window is disabled", func() {
			h := newHarness(dev, WithDrainTimeout(0))
			res, err := h.ctrl.Run(context.Background(), 1, testImage(t, 4))
			cv.So(errors.Is(err, ErrProtocolViolation), cv.ShouldBeTrue)
			var pv *ProtocolViolationError
			cv.So(errors.As(err, &pv), cv.ShouldBeTrue)
			cv.So(pv.State, cv.ShouldEqual, StateAwaitingConfirm)
			cv.So(pv.Got, cv.ShouldEqual, protocol.KindChunkAck)
			cv.So(res.State, cv.ShouldEqual, StateAborted)
		})
	})

	cv.Convey("a negative drain timeout is ignored", t, func() {
		cfg := defaultConfig()
		WithDrainTimeout(-time.Second)(&cfg)
		cv.So(cfg.DrainTimeout, cv.ShouldEqual, DefaultDrainTimeout)
	})
}
