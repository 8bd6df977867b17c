// Package transport carries DFU frames over the anchor's TCP session.
//
// The host listens on port 6900 and the bootloader connects once per update:
//
//	ln, err := transport.Listen(ctx, transport.DefaultAddr)
//	conn, err := ln.Accept(ctx)
//	defer conn.Close()
//
//	msg, err := conn.Receive(10 * time.Second)
//
// Frames are fixed-size per kind, so Receive reads the kind byte and then
// exactly the rest of that frame. A deadline that expires before the first
// byte yields ErrTimeout and leaves the stream usable. A frame cut short
// yields ErrPartialFrame; the stream is then out of step and must be closed.
package transport
