package seeknet

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// BindError is returned by Listen when the address cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Server serves one seekable resource to any number of TCP clients.
type Server struct {
	listener *net.TCPListener
	resource *lockedResource
	logger   Logger
	opts     options

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// Listen binds address and returns a Server that will serve resource once
// Serve is called. The server owns resource from now on; callers must not
// read or seek it concurrently.
// Returns a *BindError if the address cannot be bound.
func Listen(resource io.ReadSeeker, address string, opt ...Option) (*Server, error) {
	if resource == nil {
		return nil, errors.New("nil resource")
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	listener, err := listenTCP(address, opts.reusePort)
	if err != nil {
		return nil, &BindError{Addr: address, Err: err}
	}

	return &Server{
		listener:    listener,
		resource:    newLockedResource(resource),
		logger:      opts.logger,
		opts:        opts,
		shutdownNow: make(chan struct{}, 1),
	}, nil
}

func listenTCP(address string, reusePort bool) (*net.TCPListener, error) {
	if !reusePort {
		addr, err := net.ResolveTCPAddr("tcp", address)
		if err != nil {
			return nil, err
		}
		return net.ListenTCP("tcp", addr)
	}

	l, err := reuseport.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tcp, ok := l.(*net.TCPListener)
	if !ok {
		_ = l.Close()
		return nil, errors.Errorf("reuseport returned %T, want *net.TCPListener", l)
	}
	return tcp, nil
}

// Serve accepts connections and serves each one in its own goroutine.
// It blocks until the context is canceled, Close is called, or accepting
// fails. A failure inside one connection only closes that connection.
//
// When the context is canceled the server stops accepting at once. Open
// connections get the ShutdownTimeoutOption grace period and are then closed.
// Serve returns ctx.Err() after cancellation and nil after Close.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	var group errgroup.Group
	if s.opts.maxConnections > 0 {
		group.SetLimit(s.opts.maxConnections)
	}

	// Connections outlive ctx by up to shutdownTimeout, so they get their own.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	acceptErr := s.acceptLoop(connCtx, &group)
	_ = s.listener.Close()

	s.drain(&group)
	cancelConns()
	_ = group.Wait()

	if acceptErr != nil {
		return acceptErr
	}
	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, group *errgroup.Group) error {
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		if !group.TryGo(func() error {
			s.handle(ctx, conn)
			return nil
		}) {
			connectionsRejected.Inc()
			s.logger.Warn("connection limit reached", "remote_addr", conn.RemoteAddr(),
				"max_connections", s.opts.maxConnections)
			_ = conn.Close()
		}
	}
}

// handle is the failure boundary of one connection: nothing it does can stop
// the accept loop or other connections.
func (s *Server) handle(ctx context.Context, conn *net.TCPConn) {
	connectionsActive.Inc()
	defer connectionsActive.Dec()

	c := newConn(conn, s.resource, &s.opts)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("connection handler finished", "remote_addr", conn.RemoteAddr(), "error", err)
	}
}

// drain waits up to shutdownTimeout for open connections to finish on their own.
func (s *Server) drain(group *errgroup.Group) {
	if s.opts.shutdownTimeout <= 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	s.logger.Info("graceful shutdown initiated", "timeout", s.opts.shutdownTimeout)
	select {
	case <-done:
	case <-time.After(s.opts.shutdownTimeout):
	case <-s.shutdownNow:
		s.logger.Debug("shutdown timeout bypassed via Close()")
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
// Open connections are closed when Serve returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
