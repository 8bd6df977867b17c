package dfu

import "time"

// Default session timing.
const (
	DefaultAcceptTimeout  = 60 * time.Second
	DefaultReadyTimeout   = 10 * time.Second
	DefaultBeginTimeout   = 30 * time.Second
	DefaultAckTimeout     = 5 * time.Second
	DefaultConfirmTimeout = 30 * time.Second
	DefaultDrainTimeout   = 500 * time.Millisecond
	DefaultRetries        = 10
)

// Config holds the controller configuration.
type Config struct {
	// ProgressCallback is called on every transition and acknowledged chunk (optional)
	ProgressCallback ProgressCallback

	// Logger is used for logging session events (optional)
	Logger Logger

	// Clock provides time and retry sleeps
	Clock Clock

	// AcceptTimeout bounds the wait for the anchor to connect
	AcceptTimeout time.Duration

	// ReadyTimeout bounds the wait for Ready once connected
	ReadyTimeout time.Duration

	// BeginTimeout bounds the wait for Begin; the device erases its region first
	BeginTimeout time.Duration

	// AckTimeout bounds the wait for each ChunkAck
	AckTimeout time.Duration

	// ConfirmTimeout bounds the wait for the final Confirm
	ConfirmTimeout time.Duration

	// Retries is the number of resends allowed per chunk after the first send
	Retries int

	// RetryDelay is slept before each resend
	RetryDelay time.Duration

	// DrainTimeout is how long to keep reading for a late reply after an ack
	// timeout before resending. Zero resends immediately.
	DrainTimeout time.Duration

	// SkipTrigger starts the session in AwaitingReady, for devices already in
	// their bootloader
	SkipTrigger bool
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		Clock:          systemClock{},
		AcceptTimeout:  DefaultAcceptTimeout,
		ReadyTimeout:   DefaultReadyTimeout,
		BeginTimeout:   DefaultBeginTimeout,
		AckTimeout:     DefaultAckTimeout,
		ConfirmTimeout: DefaultConfirmTimeout,
		Retries:        DefaultRetries,
		DrainTimeout:   DefaultDrainTimeout,
	}
}

// Option is a functional option for configuring the Controller.
type Option func(*Config)

// WithProgressCallback sets a callback to track session progress.
//
// Example:
//
//	ctrl := dfu.New(acceptor, notifier,
//	    dfu.WithProgressCallback(func(p dfu.Progress) {
//	        fmt.Printf("%.1f%% complete\n", p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets a logger for session events.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

// WithAcceptTimeout sets how long to wait for the anchor to connect.
func WithAcceptTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AcceptTimeout = d
	}
}

// WithReadyTimeout sets how long to wait for Ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadyTimeout = d
	}
}

// WithBeginTimeout sets how long to wait for Begin after Metadata.
//
// Example:
//
//	ctrl := dfu.New(acceptor, notifier, dfu.WithBeginTimeout(time.Minute))
func WithBeginTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.BeginTimeout = d
	}
}

// WithAckTimeout sets how long to wait for each chunk acknowledgement
// before resending.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AckTimeout = d
	}
}

// WithConfirmTimeout sets how long to wait for Confirm.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConfirmTimeout = d
	}
}

// WithRetries sets the number of resends per chunk. A chunk is sent at most
// retries+1 times.
//
// Example:
//
//	ctrl := dfu.New(acceptor, notifier, dfu.WithRetries(3))
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithRetryDelay sets the pause before each resend.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.RetryDelay = d
		}
	}
}

// WithDrainTimeout sets how long a late reply is waited for after an ack
// timeout. Zero disables the wait.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.DrainTimeout = d
		}
	}
}

// WithSkipTrigger controls whether the trigger is sent. Skip it when the
// anchor is already running its bootloader.
func WithSkipTrigger(skip bool) Option {
	return func(c *Config) {
		c.SkipTrigger = skip
	}
}
