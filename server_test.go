package seeknet

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const loopback = "127.0.0.1:0"

// startServer serves data on a loopback port until the test ends.
func startServer(t *testing.T, data []byte, opt ...Option) *Server {
	t.Helper()

	server, err := Listen(bytes.NewReader(data), loopback, opt...)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("timeout waiting for Serve to return")
		}
	})
	return server
}

func dialServer(t *testing.T, server *Server) *net.TCPConn {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestListen(t *testing.T) {
	server, err := Listen(bytes.NewReader(nil), loopback)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
	if server.resource == nil {
		t.Error("resource is nil")
	}
}

func TestListen_NilResource(t *testing.T) {
	if _, err := Listen(nil, loopback); err == nil {
		t.Error("expected error for nil resource")
	}
}

func TestListen_InvalidAddr(t *testing.T) {
	// First create a listener to occupy a port
	server1, err := Listen(bytes.NewReader(nil), loopback)
	if err != nil {
		t.Fatalf("first Listen failed: %v", err)
	}
	defer server1.Close()

	// Try to listen on the same port - should fail
	_, err = Listen(bytes.NewReader(nil), server1.Addr().String())
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *BindError, got %v", err)
	}
	if bindErr.Addr != server1.Addr().String() {
		t.Errorf("BindError.Addr = %s, want %s", bindErr.Addr, server1.Addr())
	}
}

func TestListen_Unresolvable(t *testing.T) {
	_, err := Listen(bytes.NewReader(nil), "not an address")
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *BindError, got %v", err)
	}
}

func TestListen_ReusePort(t *testing.T) {
	server1, err := Listen(bytes.NewReader(nil), loopback, ReusePortOption(true))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server1.Close()

	server2, err := Listen(bytes.NewReader(nil), server1.Addr().String(), ReusePortOption(true))
	if err != nil {
		t.Fatalf("second Listen on a reused port failed: %v", err)
	}
	defer server2.Close()
}

func TestServer_Close(t *testing.T) {
	server, err := Listen(bytes.NewReader(nil), loopback)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	err = server.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// Verify listener is closed by trying to accept
	_, err = server.listener.AcceptTCP()
	if err == nil {
		t.Error("expected error after close")
	}
}

func TestServer_Addr(t *testing.T) {
	server, err := Listen(bytes.NewReader(nil), loopback)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	if server.Addr() == nil {
		t.Error("Addr returned nil")
	}
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	server, err := Listen(bytes.NewReader(nil), loopback)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Start serving in goroutine
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	// Cancel context
	cancel()

	// Wait for Serve to return
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_CloseReturnsNil(t *testing.T) {
	server, err := Listen(bytes.NewReader(nil), loopback)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background())
	}()

	time.Sleep(time.Millisecond * 50)
	server.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_Serve_ClosesOpenConnections(t *testing.T) {
	server, err := Listen(bytes.NewReader([]byte("12345")), loopback)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	client := dialServer(t, server)
	writeRaw(t, client, ReadRequest{Amount: 1}.Encode())
	readRaw(t, client, 1+8)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}

	// The server side is gone, so the next read sees EOF.
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected connection to be closed by shutdown")
	}
}

func TestServer_Serve_ShutdownTimeoutDrains(t *testing.T) {
	server, err := Listen(bytes.NewReader([]byte("12345")), loopback,
		ShutdownTimeoutOption(5*time.Second))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()

	client := dialServer(t, server)
	writeRaw(t, client, ReadRequest{Amount: 1}.Encode())
	readRaw(t, client, 1+8)

	cancel()
	time.Sleep(50 * time.Millisecond)

	// Still served during the grace period.
	writeRaw(t, client, ReadRequest{Amount: 1}.Encode())
	if resp := readRaw(t, client, 1+8); resp[0] != '2' {
		t.Errorf("payload = %q, want '2'", resp[0])
	}

	// Serve returns once the last connection finishes.
	client.Close()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Serve did not return after the last connection closed")
	}
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	server := startServer(t, []byte("0123456789"))

	// Connect multiple clients
	numClients := 5
	clients := make([]*net.TCPConn, numClients)
	for i := range clients {
		clients[i] = dialServer(t, server)
	}

	for i, client := range clients {
		writeRaw(t, client, SeekRequest{Origin: OriginStart, Offset: int64(i)}.Encode())
		resp := readRaw(t, client, 9)
		if pos := binary.BigEndian.Uint64(resp[1:]); pos != uint64(i) {
			t.Errorf("client %d: position = %d, want %d", i, pos, i)
		}
	}
}

func TestServer_BadClientDoesNotAffectOthers(t *testing.T) {
	server := startServer(t, []byte("12345"),
		OnProtocolErrorOption(func(error) ErrorAction { return Disconnect }))

	good := dialServer(t, server)
	bad := dialServer(t, server)

	// unknown tag; the policy closes this connection only
	writeRaw(t, bad, []byte{0x00, 0x01, 0x02})
	_ = bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := bad.Read(make([]byte, 1)); err == nil {
		t.Error("expected bad connection to be closed")
	}

	// a client that vanishes mid-response
	vanishing := dialServer(t, server)
	writeRaw(t, vanishing, ReadRequest{Amount: 64 << 20}.Encode())
	readRaw(t, vanishing, 1)
	vanishing.Close()

	writeRaw(t, good, SeekRequest{Origin: OriginStart, Offset: 1}.Encode())
	readRaw(t, good, 9)
	writeRaw(t, good, ReadRequest{Amount: 4}.Encode())
	if resp := readRaw(t, good, 4+8); string(resp[:4]) != "2345" {
		t.Errorf("payload = %q, want %q", resp[:4], "2345")
	}

	// and the server still accepts
	late := dialServer(t, server)
	writeRaw(t, late, SeekRequest{Origin: OriginEnd, Offset: 0}.Encode())
	if resp := readRaw(t, late, 9); binary.BigEndian.Uint64(resp[1:]) != 5 {
		t.Errorf("late client position = %d, want 5", binary.BigEndian.Uint64(resp[1:]))
	}
}

func TestServer_MaxConnections(t *testing.T) {
	before := testutil.ToFloat64(connectionsRejected)
	server := startServer(t, []byte("12345"), MaxConnectionsOption(1))

	first := dialServer(t, server)
	writeRaw(t, first, SeekRequest{Origin: OriginStart, Offset: 0}.Encode())
	readRaw(t, first, 9)

	second := dialServer(t, server)
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("expected connection beyond the limit to be closed")
	}

	if got := testutil.ToFloat64(connectionsRejected) - before; got != 1 {
		t.Errorf("rejected connections = %v, want 1", got)
	}

	// the first connection is unaffected
	writeRaw(t, first, SeekRequest{Origin: OriginEnd, Offset: 0}.Encode())
	readRaw(t, first, 9)
}

func TestServer_Metrics(t *testing.T) {
	seeksOK := testutil.ToFloat64(requestsTotal.WithLabelValues("seek", statusLabelOK))
	seeksFailed := testutil.ToFloat64(requestsTotal.WithLabelValues("seek", statusLabelFailed))
	readBytes := testutil.ToFloat64(readBytesTotal)
	unknownTags := testutil.ToFloat64(protocolErrorsTotal.WithLabelValues("unknown_tag"))

	server := startServer(t, []byte("12345"))
	client := dialServer(t, server)

	writeRaw(t, client, SeekRequest{Origin: OriginStart, Offset: 2}.Encode())
	readRaw(t, client, 9)
	writeRaw(t, client, SeekRequest{Origin: OriginStart, Offset: 99}.Encode())
	readRaw(t, client, 1)
	writeRaw(t, client, []byte{0x10})
	writeRaw(t, client, ReadRequest{Amount: 8}.Encode())
	readRaw(t, client, 8+8)

	if got := testutil.ToFloat64(requestsTotal.WithLabelValues("seek", statusLabelOK)) - seeksOK; got != 1 {
		t.Errorf("ok seeks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(requestsTotal.WithLabelValues("seek", statusLabelFailed)) - seeksFailed; got != 1 {
		t.Errorf("failed seeks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(readBytesTotal) - readBytes; got != 3 {
		t.Errorf("read bytes = %v, want 3", got)
	}
	if got := testutil.ToFloat64(protocolErrorsTotal.WithLabelValues("unknown_tag")) - unknownTags; got != 1 {
		t.Errorf("unknown tags = %v, want 1", got)
	}
}
