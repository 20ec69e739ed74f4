// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

// Transport is the write side of an established connection, handed to a
// protocol via ConnectionMade. All methods are safe from any goroutine;
// Write and Close are asynchronous and never block on the peer.
type Transport interface {
	// Write queues data for ordered delivery. The byte slice is owned by
	// the transport after the call. Returns ErrTransportClosed once the
	// transport is closing.
	Write(data []byte) error

	// Drain returns a future that settles once every write queued before
	// the call has been handed to the socket. Settles with an error if the
	// connection is lost first.
	Drain() *Future

	// Close flushes nothing: writes queued but not yet in flight are
	// dropped, the connection closes, and ConnectionLost(nil) is
	// delivered. Idempotent.
	Close()

	// Abort closes the connection immediately, like Close but without
	// waiting for an in-flight write to finish.
	Abort()

	// IsClosing reports whether Close or Abort has been requested or the
	// connection has been lost.
	IsClosing() bool

	// GetExtraInfo returns transport metadata by name, or def when the
	// name is unknown. Names: "peername", "sockname", "socket".
	GetExtraInfo(name string, def any) any
}

// Protocol receives connection lifecycle callbacks. All callbacks run on
// the loop goroutine.
type Protocol interface {
	// ConnectionMade is called exactly once when the transport is ready,
	// before any data callback.
	ConnectionMade(t Transport)

	// ConnectionLost is called exactly once when the connection is gone.
	// err is nil on clean closure and a classified *ConnError on failure.
	ConnectionLost(err error)
}

// StreamProtocol is a Protocol that consumes a byte stream.
type StreamProtocol interface {
	Protocol

	// DataReceived delivers one decoded chunk. Chunk boundaries carry no
	// meaning; any available byte run may arrive as one chunk.
	DataReceived(data []byte)

	// EOFReceived is called once when the peer half-closes. Returning
	// true keeps the transport open for further writes; returning false
	// closes it. Reads stop permanently either way.
	EOFReceived() bool
}

// ProtocolFactory builds a fresh protocol per accepted or established
// connection. Invoked on the loop goroutine.
type ProtocolFactory func() StreamProtocol

// BaseProtocol is a no-op StreamProtocol for embedding, so protocol
// implementations only override the callbacks they care about.
type BaseProtocol struct{}

func (BaseProtocol) ConnectionMade(Transport) {}
func (BaseProtocol) ConnectionLost(error)     {}
func (BaseProtocol) DataReceived([]byte)      {}
func (BaseProtocol) EOFReceived() bool        { return false }
