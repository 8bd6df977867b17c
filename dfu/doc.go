// Package dfu drives a firmware or configuration update of one anchor.
//
// # Overview
//
// A session walks the anchor bootloader through a fixed sequence:
//   - Publishing a trigger so the running application reboots into its bootloader
//   - Accepting the bootloader's TCP connection and waiting for Ready
//   - Sending Metadata and waiting for Begin while the device erases flash
//   - Sending each chunk and waiting for its acknowledgement, resending on
//     nack or timeout
//   - Waiting for Confirm, which the device sends after checking the
//     whole-image checksum
//
// # Basic Usage
//
//	img, err := firmware.Load("anchor_app.hex", protocol.UpdateAppCode)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ln, err := transport.Listen(ctx, transport.DefaultAddr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctrl := dfu.New(dfu.ListenerAcceptor(ln), trigger.NewMQTT("192.168.8.2", 1883))
//	res, err := ctrl.Run(ctx, 7, img)
//	if err != nil {
//	    log.Fatalf("update ended %s: %v", res.State, err)
//	}
//
// # Devices Already in the Bootloader
//
// WithSkipTrigger(true) starts the session in AwaitingReady and only waits
// for the connection:
//
//	ctrl := dfu.New(acceptor, nil, dfu.WithSkipTrigger(true))
//
// # Retry Policy
//
// Only chunk acknowledgements are retried. Each chunk may be resent
// WithRetries times (default 10) after a nack or an ack timeout, with
// WithRetryDelay between attempts. Resends carry the identical frame. Every
// other timeout, and any unexpected message, ends the session.
//
// After an ack timeout the controller reads for WithDrainTimeout before
// resending. An ack that arrives in that window completes the chunk.
//
// # Error Handling
//
// Failures are classified with errors.Is:
//
//	switch {
//	case errors.Is(err, dfu.ErrInvalidImage):
//	    // rejected before any network activity
//	case errors.Is(err, dfu.ErrProtocolViolation):
//	    // unexpected or undecodable message
//	case errors.Is(err, dfu.ErrTransferFailed):
//	    // a chunk exhausted its retries
//	case errors.Is(err, dfu.ErrRejected):
//	    // the device refused the complete image
//	case errors.Is(err, dfu.ErrTimeout):
//	    // the device went silent
//	}
//
// The session state is Committed only after an affirmative Confirm. The
// transport is closed on every exit path.
//
// # Logging
//
// Any logger with Debug, Info and Error methods taking key-value pairs can
// be passed to WithLogger, including *slog.Logger.
package dfu
