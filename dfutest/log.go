package dfutest

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

// TestingLog creates a writer that forwards to t.Log.
func TestingLog(t *testing.T) io.Writer { return (*testLog)(t) }

type testLog testing.T

// Write implements io.Writer.
func (t *testLog) Write(p []byte) (int, error) {
	(*testing.T)(t).Helper()
	t.Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}

// Logger returns a debug-level logger that writes to t.Log.
func Logger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(TestingLog(t), &slog.HandlerOptions{Level: slog.LevelDebug}))
}
