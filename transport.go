// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/eapache/queue"
)

// readBufferSize is the reader pump's scratch buffer. One Read never
// surfaces more than this many raw bytes as a single chunk.
const readBufferSize = 64 * 1024

// writeCmd is one entry in the transport's ordered write intake. Exactly
// one of the fields is meaningful.
type writeCmd struct {
	data  []byte
	drain *Future
	close bool
}

// TCPTransport is the stream transport for a single TCP connection.
//
// Two pump goroutines service the socket: the reader delivers decoded
// chunks to the protocol via the loop, the writer drains the intake queue
// one buffer at a time. A blocked peer therefore halts draining without
// blocking callers: Write only appends to the intake.
type TCPTransport struct {
	r     *Reactor
	conn  net.Conn
	proto StreamProtocol
	codec FrameCodec

	mu      sync.Mutex
	intake  *queue.Queue // of writeCmd
	closing bool

	// wakeWriter nudges the writer pump after an intake push. Capacity 1;
	// a pending wake covers any number of pushes.
	wakeWriter chan struct{}
	// done is closed exactly once when the connection is lost.
	done     chan struct{}
	lostOnce sync.Once
}

// newTCPTransport wires a connection to a protocol. ConnectionMade is
// queued onto the loop before the pumps start, so it precedes every data
// callback.
func newTCPTransport(r *Reactor, conn net.Conn, proto StreamProtocol, codec FrameCodec) *TCPTransport {
	if codec == nil {
		codec = RawCodec{}
	}
	t := &TCPTransport{
		r:          r,
		conn:       conn,
		proto:      proto,
		codec:      codec,
		intake:     queue.New(),
		wakeWriter: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	r.core.submit(newHandle(func(...any) { proto.ConnectionMade(t) }, nil))
	go t.readerPump()
	go t.writerPump()
	logDebug("transport established",
		Field{"reactor_id", r.core.id},
		Field{"peer", conn.RemoteAddr()},
	)
	return t
}

// Write queues data for ordered delivery. Never blocks on the peer.
func (t *TCPTransport) Write(data []byte) error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.intake.Add(writeCmd{data: data})
	t.mu.Unlock()
	t.notifyWriter()
	return nil
}

// Drain returns a future settled once every write queued before the call
// has been handed to the socket, or with [ErrTransportClosed] if the
// connection goes away first.
func (t *TCPTransport) Drain() *Future {
	fut := t.r.CreateFuture()
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		_ = fut.SetError(ErrTransportClosed)
		return fut
	}
	t.intake.Add(writeCmd{drain: fut})
	t.mu.Unlock()
	t.notifyWriter()
	return fut
}

// Close requests closure: pending writes are dropped, the in-flight write
// (if any) finishes, then the connection closes and ConnectionLost(nil)
// is delivered. Idempotent.
func (t *TCPTransport) Close() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	dropped := t.drainIntakeLocked()
	t.intake.Add(writeCmd{close: true})
	t.mu.Unlock()
	failDrains(dropped, ErrTransportClosed)
	t.notifyWriter()
}

// Abort tears the connection down immediately, interrupting any in-flight
// write.
func (t *TCPTransport) Abort() {
	t.lost(nil)
}

// IsClosing reports whether closure has been requested or the connection
// is gone.
func (t *TCPTransport) IsClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

// GetExtraInfo returns transport metadata: "peername" and "sockname" as
// net.Addr, "socket" as the underlying net.Conn.
func (t *TCPTransport) GetExtraInfo(name string, def any) any {
	switch name {
	case "peername":
		return t.conn.RemoteAddr()
	case "sockname":
		return t.conn.LocalAddr()
	case "socket":
		return t.conn
	default:
		return def
	}
}

func (t *TCPTransport) notifyWriter() {
	select {
	case t.wakeWriter <- struct{}{}:
	default:
	}
}

func (t *TCPTransport) popCmd() (writeCmd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intake.Length() == 0 {
		return writeCmd{}, false
	}
	return t.intake.Remove().(writeCmd), true
}

// drainIntakeLocked empties the intake, returning any queued drain
// futures so the caller can settle them outside the lock.
// CALLER MUST HOLD t.mu.
func (t *TCPTransport) drainIntakeLocked() []*Future {
	var drains []*Future
	for t.intake.Length() > 0 {
		if cmd := t.intake.Remove().(writeCmd); cmd.drain != nil {
			drains = append(drains, cmd.drain)
		}
	}
	return drains
}

func failDrains(drains []*Future, err error) {
	for _, fut := range drains {
		_ = fut.SetError(err)
	}
}

// writerPump drains the intake one buffer at a time. One conn.Write in
// flight at most; a blocked sink halts draining.
func (t *TCPTransport) writerPump() {
	var encBuf []byte
	for {
		cmd, ok := t.popCmd()
		if !ok {
			select {
			case <-t.wakeWriter:
				continue
			case <-t.done:
				return
			}
		}
		switch {
		case cmd.close:
			t.lost(nil)
			return
		case cmd.drain != nil:
			_ = cmd.drain.SetResult(nil)
		default:
			var err error
			encBuf, err = t.codec.Encode(encBuf[:0], cmd.data)
			if err != nil {
				t.lost(err)
				return
			}
			if _, err := t.conn.Write(encBuf); err != nil {
				t.lost(err)
				return
			}
		}
	}
}

// readerPump drains the socket, delivering decoded chunks to the protocol
// on the loop. EOF stops reads permanently without touching the write
// side.
func (t *TCPTransport) readerPump() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			decoded, derr := t.codec.Decode(nil, buf[:n])
			if derr != nil {
				t.lost(derr)
				return
			}
			if len(decoded) > 0 {
				t.r.core.submit(newHandle(func(...any) {
					t.proto.DataReceived(decoded)
				}, nil))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.r.core.submit(newHandle(func(...any) {
					if !t.proto.EOFReceived() {
						t.Close()
					}
				}, nil))
				return
			}
			t.lost(err)
			return
		}
	}
}

// lost finalizes the transport exactly once: closes the socket, fails
// outstanding drains, and delivers ConnectionLost on the loop with the
// classified error (nil for clean closure).
func (t *TCPTransport) lost(err error) {
	t.lostOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		dropped := t.drainIntakeLocked()
		t.mu.Unlock()
		close(t.done)
		_ = t.conn.Close()
		failDrains(dropped, ErrTransportClosed)

		var connErr error
		if err != nil {
			connErr = newConnError(err)
			logDebug("connection lost",
				Field{"reactor_id", t.r.core.id},
				Field{"peer", t.conn.RemoteAddr()},
				Field{"error", connErr},
			)
		}
		t.r.core.submit(newHandle(func(...any) {
			t.proto.ConnectionLost(connErr)
		}, nil))
	})
}

var _ Transport = (*TCPTransport)(nil)
