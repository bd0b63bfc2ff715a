// Package seeknet serves random-access reads of one seekable byte source over
// TCP. A Server owns the source and answers seek and read requests; a Client
// forwards io.Reader and io.Seeker calls to it, one request at a time.
package seeknet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// connState is the position of a connection in its request cycle.
type connState int32

const (
	stateAwaitTag connState = iota
	stateAwaitBody
	stateDispatch
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaitTag:
		return "await_tag"
	case stateAwaitBody:
		return "await_body"
	case stateDispatch:
		return "dispatch"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Conn is the server side of one client connection. It reads one request at
// a time, executes it against the shared resource and writes the response
// before reading the next tag.
type Conn struct {
	rawConn  *net.TCPConn
	reader   *bufio.Reader
	writer   *bufio.Writer
	resource *lockedResource
	logger   Logger

	opts *options

	state  atomic.Int32
	closed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc

	scratch []byte
}

func newConn(c *net.TCPConn, resource *lockedResource, opts *options) *Conn {
	return &Conn{
		rawConn:  c,
		reader:   bufio.NewReader(c),
		writer:   bufio.NewWriter(c),
		resource: resource,
		logger:   opts.logger,
		opts:     opts,
	}
}

// Run serves requests until the peer closes the connection, an I/O error
// occurs, the protocol error policy asks for a disconnect, or ctx is canceled.
// The connection is closed when Run returns. A clean close by the peer
// returns nil.
func (c *Conn) Run(ctx context.Context) (err error) {
	c.logger.Info("connection established", "addr", c.Addr())

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.closed.Load() {
		cancel()
	}
	group, child := errgroup.WithContext(ctx)

	group.Go(func() (err error) {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic recovered: %v\nstack:\n%s", r, debug.Stack())
			}
		}()
		return c.readLoop(child)
	})

	// Unblocks readLoop when ctx is canceled from outside.
	group.Go(func() error {
		<-child.Done()
		c.closeConn()
		return nil
	})

	err = group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.setState(stateClosed)
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

func (c *Conn) setState(s connState) {
	c.state.Store(int32(s))
}

func (c *Conn) currentState() connState {
	return connState(c.state.Load())
}

// readLoop drives awaitTag -> awaitBody -> dispatch -> awaitTag.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		c.setState(stateAwaitTag)
		c.setReadDeadline()

		tag, err := c.reader.ReadByte()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read tag")
		}

		c.setState(stateAwaitBody)
		req, err := ReadRequestBody(tag, c.reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.protocolError(tag, err) == Disconnect {
				return err
			}
			continue
		}

		c.setState(stateDispatch)
		if err := c.dispatch(req); err != nil {
			return err
		}
	}
}

// protocolError logs and counts a malformed message and asks the policy what
// to do with the connection.
func (c *Conn) protocolError(tag byte, err error) ErrorAction {
	observeProtocolError(err)
	action := c.opts.onProtocolError(err)
	c.logger.Warn("protocol error", "addr", c.Addr(),
		"tag", fmt.Sprintf("0x%02x", tag),
		"error", err,
		"action", action)
	return action
}

func (c *Conn) dispatch(req Request) error {
	switch r := req.(type) {
	case SeekRequest:
		return c.handleSeek(r)
	case ReadRequest:
		return c.handleRead(r)
	default:
		return errors.Errorf("unhandled request %T", req)
	}
}

func (c *Conn) handleSeek(req SeekRequest) error {
	var resp SeekResponse
	pos, err := c.resource.Seek(req.Origin, req.Offset)
	if err != nil {
		c.logger.Debug("seek rejected", "addr", c.Addr(),
			"origin", req.Origin, "offset", req.Offset, "error", err)
		resp.Failed = true
	} else {
		resp.Position = pos
	}
	observeSeek(resp.Failed)

	c.setWriteDeadline()
	if _, err := c.writer.Write(resp.Encode()); err != nil {
		return errors.Wrap(err, "write seek response")
	}
	return errors.Wrap(c.writer.Flush(), "write seek response")
}

func (c *Conn) handleRead(req ReadRequest) error {
	chunk := uint64(c.opts.readChunkSize)
	if req.Amount < chunk {
		chunk = req.Amount
	}
	buf := c.buffer(int(chunk))

	var writeErr error
	produced, err := c.resource.ReadTo(req.Amount, buf, func(p []byte) error {
		c.setWriteDeadline()
		_, writeErr = c.writer.Write(p)
		return writeErr
	})
	if writeErr != nil {
		return errors.Wrap(writeErr, "write read payload")
	}
	if err != nil {
		c.logger.Warn("resource read failed", "addr", c.Addr(),
			"amount", req.Amount, "produced", produced, "error", err)
	}
	observeRead(produced, err != nil)

	c.setWriteDeadline()
	if err := writeZeros(c.writer, req.Amount-produced); err != nil {
		return errors.Wrap(err, "write read padding")
	}
	if err := writeReadTrailer(c.writer, produced); err != nil {
		return errors.Wrap(err, "write read count")
	}
	return errors.Wrap(c.writer.Flush(), "write read response")
}

// buffer returns a scratch slice of n bytes, reused across requests.
func (c *Conn) buffer(n int) []byte {
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	return c.scratch[:n]
}

func (c *Conn) setReadDeadline() {
	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
	}
}

func (c *Conn) setWriteDeadline() {
	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
	}
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	if c.closed.Swap(true) {
		return
	}
	c.setState(stateClosed)
	_ = c.rawConn.Close()
}

// protocolErrorKind names a protocol error for metrics.
func protocolErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrShortFrame):
		return "short_frame"
	case errors.Is(err, ErrInvalidOrigin):
		return "invalid_origin"
	case errors.Is(err, ErrUnknownTag):
		return "unknown_tag"
	default:
		return "other"
	}
}
