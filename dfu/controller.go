package dfu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moffa90/go-anchordfu/firmware"
	"github.com/moffa90/go-anchordfu/protocol"
	"github.com/moffa90/go-anchordfu/transport"
	"github.com/moffa90/go-anchordfu/trigger"
)

// Transport is one session's connection to the anchor bootloader.
// *transport.Conn satisfies it.
type Transport interface {
	Send(msg protocol.Message) error

	// Receive returns the next message. It must return an error matching
	// ErrTimeout when nothing arrives within timeout.
	Receive(timeout time.Duration) (protocol.Message, error)

	// Close must be safe to call more than once.
	Close() error
}

// Acceptor yields the transport for a session once the anchor connects.
type Acceptor interface {
	Accept(ctx context.Context) (Transport, error)
}

// AcceptorFunc adapts a function to the Acceptor interface.
type AcceptorFunc func(ctx context.Context) (Transport, error)

func (f AcceptorFunc) Accept(ctx context.Context) (Transport, error) { return f(ctx) }

// ListenerAcceptor accepts the session connection from ln.
func ListenerAcceptor(ln *transport.Listener) Acceptor {
	return AcceptorFunc(func(ctx context.Context) (Transport, error) {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Result summarises a finished session. Run always returns one, even on error.
type Result struct {
	// SessionID identifies the session in logs
	SessionID uuid.UUID

	DeviceID uint8
	Kind     protocol.UpdateKind

	// State is the terminal state
	State State

	// History lists every state entered, in order, starting with Idle
	History []State

	// TriggerSkipped is true when the session started in AwaitingReady
	TriggerSkipped bool

	// ImageChecksum and ImageLength are the values sent in Metadata
	ImageChecksum uint32
	ImageLength   int

	// Chunks is the number of chunks in the image
	Chunks int

	// Sends counts how many times each chunk was sent
	Sends []int

	// Retries is the total number of resends across all chunks
	Retries int

	// BytesSent is the number of acknowledged image bytes
	BytesSent int

	Elapsed time.Duration
}

// Controller drives update sessions against one anchor at a time.
//
// A Controller holds no per-session state and may run several sessions
// concurrently, provided each uses its own Acceptor.
type Controller struct {
	acceptor Acceptor
	notifier trigger.Notifier
	config   Config
}

// New creates a Controller. A nil notifier is only valid together with
// WithSkipTrigger(true).
//
// Example:
//
//	ln, _ := transport.Listen(ctx, transport.DefaultAddr)
//	ctrl := dfu.New(dfu.ListenerAcceptor(ln), trigger.NewMQTT("192.168.8.2", 1883),
//	    dfu.WithLogger(slog.Default()),
//	    dfu.WithAckTimeout(5*time.Second),
//	)
func New(acceptor Acceptor, notifier trigger.Notifier, opts ...Option) *Controller {
	if acceptor == nil {
		panic("acceptor cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if notifier == nil {
		notifier = trigger.Nop{}
	}

	return &Controller{
		acceptor: acceptor,
		notifier: notifier,
		config:   cfg,
	}
}

// Run performs one complete update of img on deviceID:
//  1. Trigger the device into its bootloader (unless skipped)
//  2. Accept its connection and wait for Ready
//  3. Send Metadata and wait for Begin while the device erases flash
//  4. Send every chunk, resending on nack or timeout
//  5. Wait for Confirm
//
// The returned Result is never nil. The error is nil only when the session
// ends in StateCommitted. Cancelling ctx aborts the session and closes the
// transport.
//
// Example:
//
//	img, _ := firmware.Load("app.hex", protocol.UpdateAppCode)
//	res, err := ctrl.Run(ctx, 7, img)
//	if err != nil {
//	    log.Fatalf("update ended %s: %v", res.State, err)
//	}
func (c *Controller) Run(ctx context.Context, deviceID uint8, img *firmware.Image) (*Result, error) {
	s := &session{
		cfg:      &c.config,
		acceptor: c.acceptor,
		notifier: c.notifier,
		start:    c.config.Clock.Now(),
		res: &Result{
			SessionID: uuid.New(),
			DeviceID:  deviceID,
			State:     StateIdle,
			History:   []State{StateIdle},
		},
	}

	err := s.run(ctx, img)
	s.finish(err)
	return s.res, err
}

// session is the state of a single Run.
type session struct {
	cfg      *Config
	acceptor Acceptor
	notifier trigger.Notifier
	tr       Transport

	start  time.Time
	res    *Result
	chunks []firmware.Chunk
	acked  int
}

func (s *session) run(ctx context.Context, img *firmware.Image) error {
	if img == nil {
		return fmt.Errorf("%w: image cannot be nil", ErrInvalidImage)
	}
	chunks, err := firmware.Plan(img, protocol.MaxChunkLen)
	if err != nil {
		return err
	}
	s.chunks = chunks
	s.res.Kind = img.Kind()
	s.res.ImageChecksum = img.Checksum()
	s.res.ImageLength = img.Len()
	s.res.Chunks = len(chunks)
	s.res.Sends = make([]int, len(chunks))

	s.logInfo("starting update",
		"kind", img.Kind().String(),
		"bytes", img.Len(),
		"chunks", len(chunks),
		"checksum", fmt.Sprintf("0x%08X", img.Checksum()),
	)

	if s.cfg.SkipTrigger {
		s.res.TriggerSkipped = true
		s.logDebug("trigger skipped")
	} else {
		if err := s.trigger(ctx); err != nil {
			return err
		}
		s.transition(StateTriggered)
	}

	if err := s.accept(ctx); err != nil {
		return err
	}
	defer func() { _ = s.tr.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = s.tr.Close() })
	defer stop()

	s.transition(StateAwaitingReady)
	if _, err := s.await(ctx, protocol.KindReady, s.cfg.ReadyTimeout); err != nil {
		return err
	}

	meta := protocol.Metadata{
		ImageChecksum: img.Checksum(),
		ChunkCount:    uint32(len(chunks)),
		ImageLength:   uint32(img.Len()),
		UpdateKind:    img.Kind(),
	}
	if err := s.send(ctx, meta); err != nil {
		return err
	}
	s.transition(StateMetadataSent)

	s.transition(StateAwaitingBegin)
	if _, err := s.await(ctx, protocol.KindBegin, s.cfg.BeginTimeout); err != nil {
		return err
	}

	s.transition(StateTransferring)
	for _, ch := range chunks {
		if err := s.transfer(ctx, ch); err != nil {
			return err
		}
	}

	s.transition(StateAwaitingConfirm)
	msg, err := s.await(ctx, protocol.KindConfirm, s.cfg.ConfirmTimeout)
	if err != nil {
		return err
	}
	if !msg.(protocol.Confirm).Success {
		return &RejectedError{ImageChecksum: img.Checksum(), Kind: img.Kind()}
	}

	s.transition(StateCommitted)
	return nil
}

func (s *session) trigger(ctx context.Context) error {
	payload, err := protocol.Encode(protocol.Request{})
	if err != nil {
		return err
	}
	s.logDebug("sending trigger")
	if err := s.notifier.Notify(ctx, s.res.DeviceID, payload); err != nil {
		return fmt.Errorf("trigger device %d: %w", s.res.DeviceID, err)
	}
	return nil
}

func (s *session) accept(ctx context.Context) error {
	actx := ctx
	if s.cfg.AcceptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.cfg.AcceptTimeout)
		defer cancel()
	}

	tr, err := s.acceptor.Accept(actx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("accept: no connection within %v: %w", s.cfg.AcceptTimeout, ErrTimeout)
		}
		return fmt.Errorf("accept: %w", err)
	}
	s.tr = tr
	s.logDebug("device connected")
	return nil
}

// transfer sends one chunk until it is acknowledged or the retry budget is
// spent. The same message is resent each time, so index and checksum never
// change between attempts.
func (s *session) transfer(ctx context.Context, ch firmware.Chunk) error {
	msg := ch.Message()
	attempts := s.cfg.Retries + 1

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			s.res.Retries++
			s.logDebug("resending chunk",
				"chunk", ch.Index,
				"attempt", attempt,
				"reason", last.Error(),
			)
			if err := s.cfg.Clock.Sleep(ctx, s.cfg.RetryDelay); err != nil {
				return fmt.Errorf("%s: %w", s.res.State, err)
			}
		}

		if err := s.send(ctx, msg); err != nil {
			return err
		}
		s.res.Sends[ch.Index]++

		reply, err := s.tr.Receive(s.cfg.AckTimeout)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, ErrTimeout) {
				return s.receiveError(ctx, protocol.KindChunkAck, err)
			}
			last = err
			late, err := s.drain(ctx, ch.Index)
			if err != nil {
				return err
			}
			if late {
				s.acknowledged(ch, attempt)
				return nil
			}
			continue
		}

		ack, ok := reply.(protocol.ChunkAck)
		if !ok {
			return &ProtocolViolationError{State: s.res.State, Got: reply.Kind(), Want: protocol.KindChunkAck}
		}
		if !ack.Success {
			last = ErrNack
			continue
		}

		s.acknowledged(ch, attempt)
		return nil
	}

	return &TransferFailedError{Chunk: ch.Index, Attempts: attempts, Last: last}
}

func (s *session) acknowledged(ch firmware.Chunk, attempt int) {
	s.acked++
	s.res.BytesSent += len(ch.Data)
	s.report(attempt)
}

// drain reads replies that arrive within the drain window after an ack
// timeout, so a slow reply is never matched to the resend. It stops at the
// first positive ack and reports it; late nacks are discarded.
func (s *session) drain(ctx context.Context, index uint32) (bool, error) {
	if s.cfg.DrainTimeout <= 0 {
		return false, nil
	}
	for {
		reply, err := s.tr.Receive(s.cfg.DrainTimeout)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, ErrTimeout) {
				return false, nil
			}
			return false, s.receiveError(ctx, protocol.KindChunkAck, err)
		}
		ack, ok := reply.(protocol.ChunkAck)
		if !ok {
			return false, &ProtocolViolationError{State: s.res.State, Got: reply.Kind(), Want: protocol.KindChunkAck}
		}
		s.logDebug("late reply", "chunk", index, "success", ack.Success)
		if ack.Success {
			return true, nil
		}
	}
}

func (s *session) send(ctx context.Context, msg protocol.Message) error {
	if err := s.tr.Send(msg); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", s.res.State, ctx.Err())
		}
		return fmt.Errorf("%s: send %s: %w", s.res.State, msg.Kind(), err)
	}
	return nil
}

// await receives one message and requires it to be of kind want.
func (s *session) await(ctx context.Context, want protocol.Kind, timeout time.Duration) (protocol.Message, error) {
	msg, err := s.tr.Receive(timeout)
	if err != nil {
		return nil, s.receiveError(ctx, want, err)
	}
	if msg.Kind() != want {
		return nil, &ProtocolViolationError{State: s.res.State, Got: msg.Kind(), Want: want}
	}
	return msg, nil
}

func (s *session) receiveError(ctx context.Context, want protocol.Kind, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", s.res.State, ctx.Err())
	case errors.Is(err, protocol.ErrMalformed):
		return &ProtocolViolationError{State: s.res.State, Want: want, Err: err}
	default:
		return fmt.Errorf("%s: waiting for %s: %w", s.res.State, want, err)
	}
}

func (s *session) transition(to State) {
	from := s.res.State
	s.res.State = to
	s.res.History = append(s.res.History, to)

	s.logDebug("state change", "from", from.String(), "to", to.String())
	s.report(0)
}

// finish moves the session into a terminal state and records timing.
func (s *session) finish(err error) {
	s.res.Elapsed = s.cfg.Clock.Now().Sub(s.start)

	if err == nil {
		s.logInfo("update committed",
			"chunks", s.res.Chunks,
			"retries", s.res.Retries,
			"elapsed", s.res.Elapsed.String(),
		)
		return
	}

	to := StateAborted
	if errors.Is(err, ErrRejected) {
		to = StateRejected
	}
	s.transition(to)
	s.logError("update failed",
		"state", to.String(),
		"error", err.Error(),
		"retries", s.res.Retries,
	)
}

// report calls the progress callback if configured.
func (s *session) report(attempt int) {
	if s.cfg.ProgressCallback == nil {
		return
	}

	p := Progress{
		State:       s.res.State,
		Chunk:       s.acked,
		TotalChunks: s.res.Chunks,
		Attempt:     attempt,
		BytesSent:   s.res.BytesSent,
		ElapsedTime: s.cfg.Clock.Now().Sub(s.start),
	}
	if s.res.Chunks > 0 {
		p.Percentage = float64(s.acked) / float64(s.res.Chunks) * 100
	}
	s.cfg.ProgressCallback(p)
}

func (s *session) logDebug(msg string, keysAndValues ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug(msg, s.attrs(keysAndValues)...)
	}
}

func (s *session) logInfo(msg string, keysAndValues ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(msg, s.attrs(keysAndValues)...)
	}
}

func (s *session) logError(msg string, keysAndValues ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Error(msg, s.attrs(keysAndValues)...)
	}
}

func (s *session) attrs(keysAndValues []any) []any {
	return append([]any{"session", s.res.SessionID.String(), "device", s.res.DeviceID}, keysAndValues...)
}
