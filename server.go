// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// ServerConfig describes a listening endpoint.
type ServerConfig struct {
	// Host to bind. Empty binds the wildcard address for every supported
	// family.
	Host string
	// Port to bind. Zero picks an ephemeral port.
	Port int
	// Factory builds one protocol per accepted connection. Required.
	Factory ProtocolFactory
	// CodecFactory builds a per-connection frame codec. Nil means the
	// pass-through [RawCodec]. Stateful codecs (e.g. [ZstdCodec]) need a
	// fresh value per connection, hence a factory rather than a value.
	CodecFactory func() FrameCodec
	// Family restricts binding to unix.AF_INET or unix.AF_INET6;
	// unix.AF_UNSPEC (zero) binds both where resolvable.
	Family int
	// ReuseAddress controls SO_REUSEADDR. Nil means enabled.
	ReuseAddress *bool
	// ReusePort enables SO_REUSEPORT, allowing parallel binds of the same
	// endpoint.
	ReusePort bool
	// TLS is rejected: the handshake is not implemented. Any non-nil
	// value fails fast with [ErrTLSNotSupported].
	TLS *tls.Config
}

// Server owns one or more listening sockets accepting connections onto
// the reactor.
type Server struct {
	r          *Reactor
	handleConn func(net.Conn)

	listeners []net.Listener
	stops     []chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// CreateServer resolves, binds, and starts listening per the config,
// blocking until every listener is established. Resolution produces one
// listener per resolved address; families the host does not support are
// skipped. Any bind or listen failure closes the listeners already
// opened and fails the whole call.
func (r *Reactor) CreateServer(cfg ServerConfig) (*Server, error) {
	if err := r.core.checkOpen(); err != nil {
		return nil, err
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("%w: server requires a protocol factory", ErrInvalidConfig)
	}
	if cfg.TLS != nil {
		return nil, ErrTLSNotSupported
	}
	s, err := r.bindServer(cfg.Host, cfg.Port, cfg.Family, cfg.ReuseAddress, cfg.ReusePort)
	if err != nil {
		return nil, err
	}
	s.handleConn = func(conn net.Conn) {
		r.core.submit(newHandle(func(...any) {
			var codec FrameCodec
			if cfg.CodecFactory != nil {
				codec = cfg.CodecFactory()
			}
			newTCPTransport(r, conn, cfg.Factory(), codec)
		}, nil))
	}
	s.start()
	return s, nil
}

// bindServer resolves the endpoint and binds one listener per resolved
// address. Shared by the stream and HTTP server constructors.
func (r *Reactor) bindServer(host string, port, family int, reuseAddress *bool, reusePort bool) (*Server, error) {
	infos, err := resolveAddrInfo(context.Background(), AddrInfoRequest{
		Host:     host,
		Port:     port,
		Family:   family,
		SockType: unix.SOCK_STREAM,
		Flags:    AI_PASSIVE,
	})
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, &LookupError{Host: host, Err: errEmptyResolution}
	}

	reuseAddr := reuseAddress == nil || *reuseAddress
	lc := net.ListenConfig{Control: sockoptControl(reuseAddr, reusePort)}

	s := &Server{r: r}
	for _, info := range infos {
		network := "tcp4"
		if info.Family == unix.AF_INET6 {
			network = "tcp6"
		}
		ln, err := lc.Listen(context.Background(), network, info.Addr())
		if err != nil {
			if errors.Is(err, unix.EAFNOSUPPORT) {
				continue
			}
			s.closeListeners()
			return nil, fmt.Errorf("aioloop: bind %s: %w", info.Addr(), err)
		}
		s.listeners = append(s.listeners, ln)
	}
	if len(s.listeners) == 0 {
		return nil, fmt.Errorf("aioloop: no supported address family for %q", host)
	}
	return s, nil
}

// start spawns one accept goroutine per listener. CALLER MUST HAVE SET
// handleConn.
func (s *Server) start() {
	for _, ln := range s.listeners {
		stop := make(chan struct{})
		s.stops = append(s.stops, stop)
		s.wg.Add(1)
		go s.acceptLoop(ln, stop)
	}
	logInfo("server listening",
		Field{"reactor_id", s.r.core.id},
		Field{"addrs", s.Addrs()},
	)
}

// Addrs returns the bound listener addresses, useful with an ephemeral
// port.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Close stops accepting. Established connections are unaffected.
// Idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		for _, stop := range s.stops {
			close(stop)
		}
		s.closeListeners()
	})
}

// WaitClosed returns an immediately settled future. Accept loops observe
// their stop tokens asynchronously; there is nothing further to wait for
// once Close has been requested.
func (s *Server) WaitClosed() *Future {
	fut := s.r.CreateFuture()
	_ = fut.SetResult(nil)
	return fut
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

// acceptLoop services one listener until its stop token fires or Accept
// fails. Accept errors end the loop and are logged, never propagated.
func (s *Server) acceptLoop(ln net.Listener, stop chan struct{}) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
			default:
				logError("accept failed",
					Field{"reactor_id", s.r.core.id},
					Field{"addr", ln.Addr()},
					Field{"error", err},
				)
			}
			return
		}
		s.handleConn(conn)
	}
}
