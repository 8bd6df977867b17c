package dfu

import "time"

// Progress describes the session after a state transition or an
// acknowledged chunk. Passed to ProgressCallback.
type Progress struct {
	// State is the state the session just entered
	State State

	// Chunk is the number of chunks acknowledged so far
	Chunk int

	// TotalChunks is the number of chunks in the image
	TotalChunks int

	// Attempt is the send attempt that was acknowledged (1 = first try)
	Attempt int

	// Percentage is the share of chunks acknowledged (0.0 to 100.0)
	Percentage float64

	// BytesSent is the number of acknowledged image bytes
	BytesSent int

	// ElapsedTime is the time since the session started
	ElapsedTime time.Duration
}

// ProgressCallback is called synchronously from Run. It should return quickly.
//
// Example:
//
//	ctrl := dfu.New(acceptor, notifier,
//	    dfu.WithProgressCallback(func(p dfu.Progress) {
//	        fmt.Printf("[%s] %.1f%% - chunk %d/%d\n",
//	            p.State, p.Percentage, p.Chunk, p.TotalChunks)
//	    }),
//	)
type ProgressCallback func(Progress)

// Logger is an optional key-value logging interface. *slog.Logger satisfies it.
//
// Example:
//
//	ctrl := dfu.New(acceptor, notifier, dfu.WithLogger(slog.Default()))
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, keysAndValues ...any)

	// Info logs an info message with optional key-value pairs
	Info(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs
	Error(msg string, keysAndValues ...any)
}
