package seeknet

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrSeekFailed is returned by Client.Seek when the server rejected the seek.
// The server sends no detail beyond the failure bit.
var ErrSeekFailed = errors.New("server returned error")

// Client is a remote view of a server's resource. It implements io.Reader
// and io.Seeker by sending one request per call and blocking for its
// response. Calls from multiple goroutines are serialized.
//
// A Client never retries or reconnects. After a transport error the stream
// can no longer be trusted to be aligned on message boundaries, so every
// later call fails with ErrConnectionClosed.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	logger Logger
	opts   clientOptions

	mu     sync.Mutex
	broken error
}

var (
	_ io.ReadSeeker = (*Client)(nil)
	_ io.Closer     = (*Client)(nil)
)

// Dial connects to a server at address.
func Dial(ctx context.Context, address string, opt ...ClientOption) (*Client, error) {
	opts := newClientOptions(opt)

	dialer := net.Dialer{Timeout: opts.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}

	return newClient(conn, opts), nil
}

// NewClient wraps an established connection to a server.
func NewClient(conn net.Conn, opt ...ClientOption) *Client {
	return newClient(conn, newClientOptions(opt))
}

func newClientOptions(opt []ClientOption) clientOptions {
	var opts clientOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
	return opts
}

func newClient(conn net.Conn, opts clientOptions) *Client {
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: opts.logger,
		opts:   opts,
	}
}

// Reposition moves the server's resource position and returns the new
// absolute position.
func (c *Client) Reposition(origin Origin, offset int64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(); err != nil {
		return 0, err
	}

	req := SeekRequest{Origin: origin, Offset: offset}
	if _, err := c.conn.Write(req.Encode()); err != nil {
		return 0, c.fail(errors.Wrap(err, "send seek request"))
	}

	resp, err := DecodeSeekResponse(c.reader)
	if err != nil {
		return 0, c.fail(errors.Wrap(err, "receive seek response"))
	}
	if resp.Failed {
		return 0, errors.Wrapf(ErrSeekFailed, "seek %s%+d", origin, offset)
	}
	return resp.Position, nil
}

// Seek implements io.Seeker.
func (c *Client) Seek(offset int64, whence int) (int64, error) {
	origin, err := OriginFromWhence(whence)
	if err != nil {
		return 0, err
	}

	pos, err := c.Reposition(origin, offset)
	if err != nil {
		return 0, err
	}
	return int64(pos), nil
}

// Read implements io.Reader. It asks the server for len(p) bytes and returns
// how many of them are real; p[n:] holds zero filler. At the end of the
// resource Read returns 0, io.EOF.
func (c *Client) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(); err != nil {
		return 0, err
	}

	req := ReadRequest{Amount: uint64(len(p))}
	if _, err := c.conn.Write(req.Encode()); err != nil {
		return 0, c.fail(errors.Wrap(err, "send read request"))
	}

	produced, err := DecodeReadResponse(c.reader, p)
	if err != nil {
		return 0, c.fail(errors.Wrap(err, "receive read response"))
	}
	if produced == 0 {
		return 0, io.EOF
	}
	return int(produced), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken == nil {
		c.broken = ErrConnectionClosed
	}
	return c.conn.Close()
}

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// begin checks the connection is usable and arms the per-call deadline.
func (c *Client) begin() error {
	switch {
	case c.broken == ErrConnectionClosed:
		return ErrConnectionClosed
	case c.broken != nil:
		return errors.Wrap(ErrConnectionClosed, c.broken.Error())
	}
	if c.opts.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.opts.timeout))
	}
	return nil
}

// fail poisons the client after a transport error.
func (c *Client) fail(err error) error {
	c.broken = err
	c.logger.Debug("client connection broken", "addr", c.conn.RemoteAddr(), "error", err)
	_ = c.conn.Close()
	return err
}
