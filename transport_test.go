package aioloop

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func atoiMust(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

// echoProtocol writes every received chunk straight back.
type echoProtocol struct {
	BaseProtocol

	mu        sync.Mutex
	transport Transport
	received  [][]byte
	lostCount int
	lostErr   error
	lost      chan struct{}
	eofKeep   bool
	gotEOF    bool
}

func newEchoProtocol() *echoProtocol {
	return &echoProtocol{lost: make(chan struct{})}
}

func (p *echoProtocol) ConnectionMade(t Transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
}

func (p *echoProtocol) DataReceived(data []byte) {
	p.mu.Lock()
	p.received = append(p.received, data)
	tr := p.transport
	p.mu.Unlock()
	_ = tr.Write(data)
}

func (p *echoProtocol) getTransport() Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

func (p *echoProtocol) EOFReceived() bool {
	p.mu.Lock()
	p.gotEOF = true
	keep := p.eofKeep
	p.mu.Unlock()
	return keep
}

func (p *echoProtocol) ConnectionLost(err error) {
	p.mu.Lock()
	p.lostCount++
	p.lostErr = err
	first := p.lostCount == 1
	p.mu.Unlock()
	if first {
		close(p.lost)
	}
}

// startReactor runs the loop on a background goroutine for the duration
// of the test.
func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.RunForever() }()
	waitRunning(t, r)
	t.Cleanup(func() {
		r.Stop()
		<-done
		_ = r.Close()
	})
	return r
}

func startEchoServer(t *testing.T, r *Reactor) (*Server, *sync.Map) {
	t.Helper()
	protos := &sync.Map{}
	srv, err := r.CreateServer(ServerConfig{
		Host: "127.0.0.1",
		Factory: func() StreamProtocol {
			p := newEchoProtocol()
			protos.Store(p, struct{}{})
			return p
		},
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, protos
}

func TestServerEcho(t *testing.T) {
	r := startReactor(t)
	srv, _ := startEchoServer(t, r)

	conn, err := net.Dial("tcp", srv.Addrs()[0].String())
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("hello, world")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestConnectionLostExactlyOnce(t *testing.T) {
	r := startReactor(t)
	srv, protos := startEchoServer(t, r)

	conn, err := net.Dial("tcp", srv.Addrs()[0].String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)
	// Let the server observe the connection before dropping it.
	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	var proto *echoProtocol
	protos.Range(func(k, _ any) bool {
		proto = k.(*echoProtocol)
		return false
	})
	require.NotNil(t, proto)

	select {
	case <-proto.lost:
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectionLost never delivered")
	}
	// Give a duplicate delivery a chance to surface.
	time.Sleep(50 * time.Millisecond)
	proto.mu.Lock()
	defer proto.mu.Unlock()
	require.Equal(t, 1, proto.lostCount)
}

func TestClientConnection(t *testing.T) {
	r := startReactor(t)
	srv, _ := startEchoServer(t, r)
	_, portStr, err := net.SplitHostPort(srv.Addrs()[0].String())
	require.NoError(t, err)

	client := newEchoProtocol()
	fut, err := r.CreateConnection(ConnectConfig{
		Host:    "127.0.0.1",
		Port:    atoiMust(t, portStr),
		Factory: func() StreamProtocol { return client },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := fut.Await(ctx)
	require.NoError(t, err)
	res := v.(ConnResult)
	require.Same(t, client, res.Protocol.(*echoProtocol))

	require.NoError(t, res.Transport.Write([]byte("ping")))
	drained, err := res.Transport.Drain().Await(ctx)
	require.NoError(t, err)
	require.Nil(t, drained)

	// The echo comes back through the client protocol.
	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.received)
		client.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no echo received")
		}
		time.Sleep(time.Millisecond)
	}
	client.mu.Lock()
	require.Equal(t, []byte("ping"), bytes.Join(client.received, nil))
	client.mu.Unlock()

	res.Transport.Close()
	select {
	case <-client.lost:
	case <-time.After(2 * time.Second):
		t.Fatal("clean close never delivered ConnectionLost")
	}
	client.mu.Lock()
	require.NoError(t, client.lostErr)
	client.mu.Unlock()
	require.True(t, res.Transport.IsClosing())
	require.ErrorIs(t, res.Transport.Write([]byte("late")), ErrTransportClosed)
}

func TestConnectValidation(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	factory := func() StreamProtocol { return newEchoProtocol() }

	_, err = r.CreateConnection(ConnectConfig{Host: "h", Port: 1})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = r.CreateConnection(ConnectConfig{Factory: factory})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = r.CreateConnection(ConnectConfig{
		Factory: factory, Host: "h", Port: 1, Sock: &net.TCPConn{},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = r.CreateConnection(ConnectConfig{
		Factory: factory, Host: "h", Port: 1, ServerHostname: "h",
	})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = r.CreateConnection(ConnectConfig{
		Factory: factory, Host: "h", Port: 1, TLS: &tls.Config{},
	})
	require.ErrorIs(t, err, ErrTLSNotSupported)
}

func TestConnectRefused(t *testing.T) {
	r := startReactor(t)

	// Bind and immediately close to get a port with no listener.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	fut, err := r.CreateConnection(ConnectConfig{
		Host:    "127.0.0.1",
		Port:    atoiMust(t, portStr),
		Factory: func() StreamProtocol { return newEchoProtocol() },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = fut.Await(ctx)
	require.Error(t, err)
	var ce *ConnError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindConnectionRefused, ce.Kind)
}

func TestConnectEmptyResolution(t *testing.T) {
	r := startReactor(t)

	// An IPv4 literal filtered to IPv6 resolves to nothing; the
	// connection attempt is what turns that into an error.
	fut, err := r.CreateConnection(ConnectConfig{
		Host:    "127.0.0.1",
		Port:    80,
		Family:  unix.AF_INET6,
		Factory: func() StreamProtocol { return newEchoProtocol() },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = fut.Await(ctx)
	var le *LookupError
	require.ErrorAs(t, err, &le)
	require.ErrorIs(t, err, errEmptyResolution)
}

func TestConnectLocalAddr(t *testing.T) {
	r := startReactor(t)
	srv, _ := startEchoServer(t, r)
	_, portStr, err := net.SplitHostPort(srv.Addrs()[0].String())
	require.NoError(t, err)
	port := atoiMust(t, portStr)
	factory := func() StreamProtocol { return newEchoProtocol() }

	fut, err := r.CreateConnection(ConnectConfig{
		Host:      "127.0.0.1",
		Port:      port,
		LocalAddr: "127.0.0.1:0",
		Factory:   factory,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := fut.Await(ctx)
	require.NoError(t, err)
	tr := v.(ConnResult).Transport
	defer tr.Close()

	local, ok := tr.GetExtraInfo("sockname", nil).(net.Addr)
	require.True(t, ok)
	host, _, err := net.SplitHostPort(local.String())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)

	// A local address the host does not own fails the dial.
	fut, err = r.CreateConnection(ConnectConfig{
		Host:      "127.0.0.1",
		Port:      port,
		LocalAddr: "203.0.113.1:0",
		Factory:   factory,
	})
	require.NoError(t, err)
	_, err = fut.Await(ctx)
	require.Error(t, err)
}

func TestEOFKeepsWriteSideOpen(t *testing.T) {
	r := startReactor(t)
	protos := &sync.Map{}
	srv, err := r.CreateServer(ServerConfig{
		Host: "127.0.0.1",
		Factory: func() StreamProtocol {
			p := newEchoProtocol()
			p.eofKeep = true
			protos.Store(p, struct{}{})
			return p
		},
	})
	require.NoError(t, err)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addrs()[0].String())
	require.NoError(t, err)
	defer conn.Close()
	tcp := conn.(*net.TCPConn)
	require.NoError(t, tcp.CloseWrite())

	// Server sees EOF, keeps the transport, and can still write to us.
	deadline := time.Now().Add(2 * time.Second)
	var proto *echoProtocol
	for proto == nil || !proto.eofObserved() {
		protos.Range(func(k, _ any) bool {
			proto = k.(*echoProtocol)
			return false
		})
		if time.Now().After(deadline) {
			t.Fatal("EOF never observed")
		}
		time.Sleep(time.Millisecond)
	}

	fut := r.CreateFuture()
	_, err = r.CallSoon(func(...any) {
		_ = fut.SetResult(proto.getTransport().Write([]byte("still here")))
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := fut.Await(ctx)
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, len("still here"))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, "still here", string(got))
}

func (p *echoProtocol) eofObserved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotEOF
}

func TestServerValidation(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	_, err = r.CreateServer(ServerConfig{Host: "127.0.0.1"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = r.CreateServer(ServerConfig{
		Host:    "127.0.0.1",
		Factory: func() StreamProtocol { return newEchoProtocol() },
		TLS:     &tls.Config{},
	})
	require.ErrorIs(t, err, ErrTLSNotSupported)
}

func TestServerCloseIdempotent(t *testing.T) {
	r := startReactor(t)
	srv, _ := startEchoServer(t, r)
	srv.Close()
	srv.Close()

	fut := srv.WaitClosed()
	require.True(t, fut.IsDone())

	_, err := net.DialTimeout("tcp", srv.Addrs()[0].String(), 500*time.Millisecond)
	require.Error(t, err)
}

func TestZstdCodecOverTCP(t *testing.T) {
	r := startReactor(t)
	protos := &sync.Map{}
	srv, err := r.CreateServer(ServerConfig{
		Host: "127.0.0.1",
		Factory: func() StreamProtocol {
			p := newEchoProtocol()
			protos.Store(p, struct{}{})
			return p
		},
		CodecFactory: func() FrameCodec { return NewZstdCodec() },
	})
	require.NoError(t, err)
	defer srv.Close()
	_, portStr, err := net.SplitHostPort(srv.Addrs()[0].String())
	require.NoError(t, err)

	client := newEchoProtocol()
	fut, err := r.CreateConnection(ConnectConfig{
		Host:    "127.0.0.1",
		Port:    atoiMust(t, portStr),
		Factory: func() StreamProtocol { return client },
		Codec:   NewZstdCodec(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := fut.Await(ctx)
	require.NoError(t, err)
	res := v.(ConnResult)
	defer res.Transport.Close()

	payload := bytes.Repeat([]byte("compressible payload "), 100)
	require.NoError(t, res.Transport.Write(payload))

	deadline := time.Now().Add(2 * time.Second)
	for {
		client.mu.Lock()
		got := bytes.Join(client.received, nil)
		client.mu.Unlock()
		if bytes.Equal(got, payload) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("echo mismatch: got %d bytes, want %d", len(got), len(payload))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestServerBindConflictAndReusePort(t *testing.T) {
	r := startReactor(t)
	factory := func() StreamProtocol { return newEchoProtocol() }

	first, err := r.CreateServer(ServerConfig{
		Host:      "127.0.0.1",
		Factory:   factory,
		ReusePort: true,
	})
	require.NoError(t, err)
	defer first.Close()
	_, portStr, err := net.SplitHostPort(first.Addrs()[0].String())
	require.NoError(t, err)
	port := atoiMust(t, portStr)

	// Same endpoint without SO_REUSEPORT fails with an OS error.
	_, err = r.CreateServer(ServerConfig{
		Host:    "127.0.0.1",
		Port:    port,
		Factory: factory,
	})
	require.Error(t, err)

	// With SO_REUSEPORT on both, the parallel bind succeeds.
	second, err := r.CreateServer(ServerConfig{
		Host:      "127.0.0.1",
		Port:      port,
		Factory:   factory,
		ReusePort: true,
	})
	require.NoError(t, err)
	second.Close()
}

// collectProtocol records total bytes until end-of-stream.
type collectProtocol struct {
	BaseProtocol

	mu    sync.Mutex
	total int
	done  chan struct{}
}

func (p *collectProtocol) DataReceived(data []byte) {
	p.mu.Lock()
	p.total += len(data)
	p.mu.Unlock()
}

func (p *collectProtocol) EOFReceived() bool {
	close(p.done)
	return false
}

func TestWriteThenCloseDeliversEveryByte(t *testing.T) {
	r := startReactor(t)

	collector := &collectProtocol{done: make(chan struct{})}
	srv, err := r.CreateServer(ServerConfig{
		Host:    "127.0.0.1",
		Factory: func() StreamProtocol { return collector },
	})
	require.NoError(t, err)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addrs()[0].String())
	require.NoError(t, err)

	// Well past a single read buffer, so delivery spans many chunks.
	const n = readBufferSize*3 + 12345
	payload := bytes.Repeat([]byte{0xAB}, n)
	_, err = conn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case <-collector.done:
	case <-time.After(5 * time.Second):
		t.Fatal("end of stream never observed")
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	require.Equal(t, n, collector.total)
}

func TestGetExtraInfo(t *testing.T) {
	r := startReactor(t)
	srv, _ := startEchoServer(t, r)
	_, portStr, err := net.SplitHostPort(srv.Addrs()[0].String())
	require.NoError(t, err)

	client := newEchoProtocol()
	fut, err := r.CreateConnection(ConnectConfig{
		Host:    "127.0.0.1",
		Port:    atoiMust(t, portStr),
		Factory: func() StreamProtocol { return client },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := fut.Await(ctx)
	require.NoError(t, err)
	tr := v.(ConnResult).Transport
	defer tr.Close()

	peer, ok := tr.GetExtraInfo("peername", nil).(net.Addr)
	require.True(t, ok)
	require.Contains(t, peer.String(), portStr)
	require.NotNil(t, tr.GetExtraInfo("sockname", nil))
	require.NotNil(t, tr.GetExtraInfo("socket", nil))
	require.Equal(t, "fallback", tr.GetExtraInfo("unknown", "fallback"))
}
