// Package aioloop provides an asyncio-style reactor for Go: a
// single-goroutine event loop with thread-safe scheduling primitives,
// callback-driven TCP transports, and a per-connection HTTP request
// dispatcher. It is designed as the native I/O engine for embedding
// single-threaded cooperative scripting runtimes, where every protocol
// callback must execute on exactly one goroutine in a deterministic order.
//
// # Architecture
//
// The [Reactor] owns a private core that is driven by exactly one goroutine
// (OS-thread-locked while running). Work enters the core only through
// message passing: [Reactor.CallSoon] enqueues fire-once callbacks onto a
// FIFO ingress queue, [Reactor.CallLater] and [Reactor.CallAt] schedule
// them onto a timer min-heap. Both return cancellable handles.
//
// Socket pumps run on ordinary goroutines (the Go runtime's netpoller
// supplies readiness) but never touch consumer state directly: every
// ConnectionMade/DataReceived/ConnectionLost callback is submitted to the
// reactor's ingress queue, so consumers observe a strictly single-threaded,
// FIFO-ordered world.
//
// # Execution Model
//
// Callback priority within each loop iteration:
//  1. Expired timer callbacks (earliest deadline first; ties unspecified)
//  2. Ingress callbacks ([Reactor.CallSoon], in submission order)
//
// The loop then sleeps until the next timer deadline, a wakeup from a
// producer, a [Reactor.Stop] signal, or (by default) SIGINT.
//
// # Components
//
//   - [Reactor]: scheduling core; also hosts the resolver worker pool
//     behind [Reactor.Getaddrinfo].
//   - [TCPTransport]: duplex pump between a socket and a [StreamProtocol],
//     with an ordered write queue and single-slot backpressure.
//   - [Server]: multi-listener acceptor with idempotent fan-out shutdown.
//   - [HTTPTransport]: per-connection bounded-concurrency request
//     dispatcher layered on a TCP connection.
//   - [Future] and [Task]: one-shot completion values settled on the loop.
//
// # Thread Safety
//
//   - [Reactor.CallSoon], [Reactor.CallLater], [Reactor.CallAt],
//     [Reactor.Stop], and handle cancellation are safe from any goroutine.
//   - In debug mode ([Reactor.SetDebug]), mutating calls from a goroutine
//     other than the reactor's owner fail fast with [AffinityError]
//     instead of corrupting the core.
//   - Transport methods ([TCPTransport.Write], [TCPTransport.Drain],
//     [TCPTransport.Close]) are safe from any goroutine; protocol
//     callbacks always arrive on the loop.
//
// # Usage
//
//	r, err := aioloop.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer r.Close()
//
//	r.CallSoon(func(args ...any) {
//		fmt.Println("runs first")
//	})
//	r.CallLater(100*time.Millisecond, func(args ...any) {
//		fmt.Println("runs later")
//		r.Stop()
//	})
//
//	if err := r.RunForever(); err != nil {
//		log.Fatal(err)
//	}
package aioloop
