package seeknet

import (
	"time"
)

// ErrorAction defines the action to take when a protocol error occurs.
type ErrorAction int

const (
	// Continue drops the malformed message and waits for the next tag.
	Continue ErrorAction = iota
	// Disconnect closes the connection that sent the malformed message.
	Disconnect
)

func (a ErrorAction) String() string {
	if a == Disconnect {
		return "disconnect"
	}
	return "continue"
}

// Default configuration values.
const (
	// defaultReadChunkSize is the buffer a read request is streamed through (64KB).
	defaultReadChunkSize = 64 * 1024
)

// options holds the configuration for a server and its connections.
type options struct {
	logger Logger

	// onProtocolError decides what happens after a malformed message.
	onProtocolError func(error) ErrorAction

	idleTimeout     time.Duration // read deadline while awaiting a tag, write deadline per response
	shutdownTimeout time.Duration // grace period for open connections after ctx is canceled
	maxConnections  int           // concurrent connections, 0 means unbounded
	readChunkSize   int           // buffer size for streaming read payloads
	reusePort       bool
}

// Option is a function that configures server options.
type Option func(*options)

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OnProtocolErrorOption returns an Option that sets the protocol error policy.
// The callback receives ErrShortFrame, ErrInvalidOrigin or ErrUnknownTag
// (wrapped) and returns Continue to skip the message or Disconnect to close
// the connection. The default is to always Continue.
func OnProtocolErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onProtocolError = cb
	}
}

// IdleTimeoutOption returns an Option that bounds how long a connection may
// sit between requests and how long a response write may take.
// Zero, the default, disables deadlines.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// ShutdownTimeoutOption sets how long open connections may keep running after
// the Serve context is canceled. Default is 0 (close them immediately).
// Close() bypasses the remaining timeout.
func ShutdownTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = timeout
	}
}

// MaxConnectionsOption limits the number of connections served at once.
// Connections beyond the limit are closed right after accept.
func MaxConnectionsOption(n int) Option {
	return func(o *options) {
		o.maxConnections = n
	}
}

// ReadChunkSizeOption sets the buffer a read request is streamed through.
// It bounds per-connection memory; it does not limit how many bytes a read
// produces.
func ReadChunkSizeOption(size int) Option {
	return func(o *options) {
		o.readChunkSize = size
	}
}

// ReusePortOption binds the listener with SO_REUSEPORT so several server
// processes can share one address.
func ReusePortOption(enabled bool) Option {
	return func(o *options) {
		o.reusePort = enabled
	}
}

// checkOptions sets default values for server options.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.onProtocolError == nil {
		opts.onProtocolError = func(error) ErrorAction { return Continue }
	}

	if opts.readChunkSize <= 0 {
		opts.readChunkSize = defaultReadChunkSize
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.maxConnections < 0 {
		opts.maxConnections = 0
	}
}

// clientOptions holds the configuration for a Client.
type clientOptions struct {
	timeout     time.Duration
	dialTimeout time.Duration
	logger      Logger
}

// ClientOption is a function that configures client options.
type ClientOption func(*clientOptions)

// ClientTimeoutOption sets a deadline for each request/response exchange.
// Zero, the default, waits forever.
func ClientTimeoutOption(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// ClientDialTimeoutOption bounds how long Dial waits for the TCP handshake.
func ClientDialTimeoutOption(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.dialTimeout = timeout
	}
}

// ClientLoggerOption sets the client logger.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}
