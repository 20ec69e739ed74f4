// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import (
	"crypto/tls"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ConnectConfig describes an outbound connection.
type ConnectConfig struct {
	// Host and Port name the remote endpoint. Mutually exclusive with
	// Sock.
	Host string
	Port int
	// Sock is a pre-established connection to adopt instead of dialing.
	Sock net.Conn
	// LocalAddr, if non-empty, is the local host:port to bind before
	// dialing. A zero port picks an ephemeral one.
	LocalAddr string
	// Factory builds the protocol for the connection. Required.
	Factory ProtocolFactory
	// Codec is the frame codec for the connection. Nil means [RawCodec].
	Codec FrameCodec
	// Family restricts resolution to unix.AF_INET or unix.AF_INET6.
	Family int
	// TLS is rejected: the handshake is not implemented.
	TLS *tls.Config
	// ServerHostname overrides the certificate hostname and is only
	// meaningful together with TLS.
	ServerHostname string
}

// ConnResult is the settled value of [Reactor.CreateConnection].
type ConnResult struct {
	Transport *TCPTransport
	Protocol  StreamProtocol
}

// CreateConnection establishes an outbound connection, returning a future
// that settles with a [ConnResult] once the transport is up (after
// ConnectionMade is queued), or with the dial or resolution error.
//
// Configuration contradictions fail synchronously: a server hostname
// without TLS, both an endpoint and a socket, or neither. Resolved
// addresses are tried in resolver order; the first successful dial wins.
func (r *Reactor) CreateConnection(cfg ConnectConfig) (*Future, error) {
	if err := r.core.checkOpen(); err != nil {
		return nil, err
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("%w: connection requires a protocol factory", ErrInvalidConfig)
	}
	if cfg.ServerHostname != "" && cfg.TLS == nil {
		return nil, fmt.Errorf("%w: server hostname is only meaningful with tls", ErrInvalidConfig)
	}
	if cfg.TLS != nil {
		return nil, ErrTLSNotSupported
	}
	if cfg.Sock != nil && (cfg.Host != "" || cfg.Port != 0) {
		return nil, fmt.Errorf("%w: host/port and sock can not be specified at the same time", ErrInvalidConfig)
	}
	if cfg.Sock == nil && cfg.Host == "" {
		return nil, fmt.Errorf("%w: host and port was not specified and no sock specified", ErrInvalidConfig)
	}

	fut := r.CreateFuture()

	if cfg.Sock != nil {
		r.core.submit(newHandle(func(...any) {
			proto := cfg.Factory()
			t := newTCPTransport(r, cfg.Sock, proto, cfg.Codec)
			_ = fut.SetResult(ConnResult{Transport: t, Protocol: proto})
		}, nil))
		return fut, nil
	}

	r.CreateTask(func(r *Reactor) (any, error) {
		infos, err := resolveAddrInfo(r.core.resolver.ctx, AddrInfoRequest{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Family:   cfg.Family,
			SockType: unix.SOCK_STREAM,
		})
		if err != nil {
			_ = fut.SetError(err)
			return nil, nil
		}
		if len(infos) == 0 {
			_ = fut.SetError(&LookupError{Host: cfg.Host, Err: errEmptyResolution})
			return nil, nil
		}
		var dialErr error
		for _, info := range infos {
			network := "tcp4"
			if info.Family == unix.AF_INET6 {
				network = "tcp6"
			}
			var dialer net.Dialer
			if cfg.LocalAddr != "" {
				laddr, err := net.ResolveTCPAddr(network, cfg.LocalAddr)
				if err != nil {
					dialErr = err
					continue
				}
				dialer.LocalAddr = laddr
			}
			conn, err := dialer.Dial(network, info.Addr())
			if err != nil {
				dialErr = err
				continue
			}
			r.core.submit(newHandle(func(...any) {
				proto := cfg.Factory()
				t := newTCPTransport(r, conn, proto, cfg.Codec)
				_ = fut.SetResult(ConnResult{Transport: t, Protocol: proto})
			}, nil))
			return nil, nil
		}
		_ = fut.SetError(newConnError(dialErr))
		return nil, nil
	})
	return fut, nil
}
