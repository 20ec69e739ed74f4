// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/eapache/queue"
)

// defaultHTTPConcurrency is the per-connection inflight handler ceiling.
// One means strictly sequential dispatch: a request waits for the
// previous handler to complete before its handler starts.
const defaultHTTPConcurrency = 1

// Request is one fully received HTTP request. The body is buffered in
// full before the handler is dispatched; Payload exposes the same bytes
// as a reader for handlers written against a streaming surface.
type Request struct {
	Method     string
	URL        *url.URL
	Proto      string
	Header     http.Header
	Body       []byte
	Payload    *PayloadReader
	RemoteAddr net.Addr

	wantClose bool
}

// Response is the handler's reply. A zero Status means 200. The
// Content-Length header is derived from Body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// HTTPHandler services one request. It runs as a task on its own
// goroutine and may block; returning an error closes the connection and
// discards requests queued behind this one.
type HTTPHandler func(r *Reactor, req *Request) (*Response, error)

// HTTPServerConfig describes an HTTP listening endpoint. Binding
// semantics match [ServerConfig].
type HTTPServerConfig struct {
	Host string
	Port int
	// Handler services each request. Required.
	Handler HTTPHandler
	// Concurrency caps inflight handlers per connection. Zero means 1.
	Concurrency int
	// OnConnectionLost, if set, is called on the loop exactly once per
	// connection when it goes away: a classified *ConnError on failure,
	// nil on clean closure.
	OnConnectionLost func(err error)
	Family           int
	ReuseAddress     *bool
	ReusePort        bool
	// TLS is rejected: the handshake is not implemented.
	TLS *tls.Config
}

// CreateHTTPServer binds like [Reactor.CreateServer] and dispatches
// parsed requests to the handler with per-connection ordering: responses
// are written in request order regardless of handler completion order,
// and at most Concurrency handlers run per connection.
func (r *Reactor) CreateHTTPServer(cfg HTTPServerConfig) (*Server, error) {
	if err := r.core.checkOpen(); err != nil {
		return nil, err
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("%w: http server requires a handler", ErrInvalidConfig)
	}
	if cfg.Concurrency < 0 {
		return nil, fmt.Errorf("%w: http concurrency must be non-negative, got %d", ErrInvalidConfig, cfg.Concurrency)
	}
	if cfg.TLS != nil {
		return nil, ErrTLSNotSupported
	}
	ceiling := cfg.Concurrency
	if ceiling == 0 {
		ceiling = defaultHTTPConcurrency
	}
	s, err := r.bindServer(cfg.Host, cfg.Port, cfg.Family, cfg.ReuseAddress, cfg.ReusePort)
	if err != nil {
		return nil, err
	}
	s.handleConn = func(conn net.Conn) {
		newHTTPTransport(r, conn, cfg.Handler, ceiling, cfg.OnConnectionLost)
	}
	s.start()
	return s, nil
}

// httpExchange pairs a request with the channel its response arrives on.
// The writer consumes exchanges in request order, so responses cannot
// overtake each other even when handlers complete out of order.
type httpExchange struct {
	seq uint64
	req *Request
	enc chan *Response
}

// HTTPTransport multiplexes one connection's request stream into handler
// tasks under an inflight ceiling.
//
// Dispatch state (counter, inflight, pending) is touched only on the loop
// goroutine. The reader pump parses and buffers requests; the writer pump
// encodes responses in request order.
type HTTPTransport struct {
	r       *Reactor
	conn    net.Conn
	handler HTTPHandler
	ceiling int
	onLost  func(err error)

	// Loop-confined dispatch state.
	counter  uint64
	inflight int
	pending  *queue.Queue // of *httpExchange
	closed   bool

	// order carries exchanges to the writer in request order. The bound
	// applies backpressure to pipelined peers.
	order    chan *httpExchange
	done     chan struct{}
	lostOnce sync.Once
}

func newHTTPTransport(r *Reactor, conn net.Conn, handler HTTPHandler, ceiling int, onLost func(error)) *HTTPTransport {
	t := &HTTPTransport{
		r:       r,
		conn:    conn,
		handler: handler,
		ceiling: ceiling,
		onLost:  onLost,
		pending: queue.New(),
		order:   make(chan *httpExchange, 16),
		done:    make(chan struct{}),
	}
	go t.readerPump()
	go t.writerPump()
	logDebug("http connection established",
		Field{"reactor_id", r.core.id},
		Field{"peer", conn.RemoteAddr()},
	)
	return t
}

// readerPump parses requests off the wire, buffering each body in full,
// and hands them to the loop for dispatch.
func (t *HTTPTransport) readerPump() {
	br := bufio.NewReader(t.conn)
	for {
		hreq, err := http.ReadRequest(br)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				t.lost(nil)
			} else {
				t.lost(err)
			}
			return
		}
		body, err := io.ReadAll(hreq.Body)
		_ = hreq.Body.Close()
		if err != nil {
			t.lost(err)
			return
		}

		payload := newPayloadReader()
		payload.push(body)
		payload.closeEOF()
		req := &Request{
			Method:     hreq.Method,
			URL:        hreq.URL,
			Proto:      hreq.Proto,
			Header:     hreq.Header,
			Body:       body,
			Payload:    payload,
			RemoteAddr: t.conn.RemoteAddr(),
			wantClose:  hreq.Close,
		}
		ex := &httpExchange{req: req, enc: make(chan *Response, 1)}
		select {
		case t.order <- ex:
		case <-t.done:
			return
		}
		t.r.core.submit(newHandle(func(...any) { t.dispatch(ex) }, nil))
	}
}

// dispatch admits a parsed request: straight into the handler slot when
// under the ceiling, otherwise onto the pending queue. Loop goroutine
// only.
func (t *HTTPTransport) dispatch(ex *httpExchange) {
	if t.closed {
		return
	}
	t.counter++
	ex.seq = t.counter
	logDebug("http request received",
		Field{"reactor_id", t.r.core.id},
		Field{"peer", t.conn.RemoteAddr()},
		Field{"seq", ex.seq},
		Field{"method", ex.req.Method},
		Field{"path", ex.req.URL.Path},
	)
	if t.inflight < t.ceiling {
		t.inflight++
		t.startHandler(ex)
		return
	}
	t.pending.Add(ex)
}

// startHandler runs the handler as a task. Completion chains the oldest
// pending request into the freed slot. Loop goroutine only.
func (t *HTTPTransport) startHandler(ex *httpExchange) {
	task := t.r.CreateTask(func(r *Reactor) (any, error) {
		return t.handler(r, ex.req)
	})
	task.AddDoneCallback(func(fut *Future) {
		v, err := fut.Result()
		if err != nil {
			t.handlerFailed(ex, err)
			return
		}
		resp, _ := v.(*Response)
		if resp == nil {
			resp = &Response{Status: http.StatusNoContent}
		}
		ex.enc <- resp
		t.handlerDone()
	})
}

// handlerDone frees the slot or chains the next pending request into it.
// Loop goroutine only.
func (t *HTTPTransport) handlerDone() {
	if t.closed {
		return
	}
	if t.pending.Length() > 0 {
		t.startHandler(t.pending.Remove().(*httpExchange))
		return
	}
	t.inflight--
}

// handlerFailed closes the connection through the error path. Pending
// requests are discarded; the peer sees the connection drop. Loop
// goroutine only.
func (t *HTTPTransport) handlerFailed(ex *httpExchange, err error) {
	t.r.CallExceptionHandler(ExceptionContext{
		Message:   "http handler failed",
		Error:     err,
		Transport: t,
	})
	t.lost(fmt.Errorf("aioloop: http handler for %s %s: %w", ex.req.Method, ex.req.URL, err))
}

// writerPump encodes responses in request order. A response is written
// only when its exchange reaches the head of the order stream, so a slow
// early handler holds back later completions.
func (t *HTTPTransport) writerPump() {
	bw := bufio.NewWriter(t.conn)
	for {
		var ex *httpExchange
		select {
		case ex = <-t.order:
		case <-t.done:
			return
		}
		var resp *Response
		select {
		case resp = <-ex.enc:
		case <-t.done:
			return
		}
		if err := writeResponse(bw, resp); err != nil {
			t.lost(err)
			return
		}
		if ex.req.wantClose {
			t.lost(nil)
			return
		}
	}
}

func writeResponse(bw *bufio.Writer, resp *Response) error {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return err
	}
	for name, values := range resp.Header {
		for _, v := range values {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n\r\n", len(resp.Body)); err != nil {
		return err
	}
	if _, err := bw.Write(resp.Body); err != nil {
		return err
	}
	return bw.Flush()
}

// lost finalizes the connection exactly once: pending requests are
// discarded on the loop and the loss is reported with a classified error
// (nil for clean closure).
func (t *HTTPTransport) lost(err error) {
	t.lostOnce.Do(func() {
		close(t.done)
		_ = t.conn.Close()

		var connErr error
		if err != nil {
			connErr = newConnError(err)
		}
		t.r.core.submit(newHandle(func(...any) {
			t.closed = true
			for t.pending.Length() > 0 {
				t.pending.Remove()
			}
			logDebug("http connection lost",
				Field{"reactor_id", t.r.core.id},
				Field{"peer", t.conn.RemoteAddr()},
				Field{"requests", t.counter},
				Field{"error", connErr},
			)
			if t.onLost != nil {
				t.onLost(connErr)
			}
		}, nil))
	})
}

// PayloadReader exposes a request body as an ordered chunk stream. With
// full-body buffering the stream is fed once and terminated before the
// handler starts, so Read never blocks.
type PayloadReader struct {
	mu     sync.Mutex
	chunks *queue.Queue // of []byte
	head   []byte
	eof    bool
}

func newPayloadReader() *PayloadReader {
	return &PayloadReader{chunks: queue.New()}
}

func (p *PayloadReader) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks.Add(chunk)
}

func (p *PayloadReader) closeEOF() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
}

// Read implements io.Reader over the buffered chunks.
func (p *PayloadReader) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.head) == 0 {
		if p.chunks.Length() == 0 {
			if p.eof {
				return 0, io.EOF
			}
			return 0, nil
		}
		p.head = p.chunks.Remove().([]byte)
	}
	n := copy(b, p.head)
	p.head = p.head[n:]
	return n, nil
}
