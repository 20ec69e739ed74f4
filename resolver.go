// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Address-info flags, with the libc values. The addrinfo interface is a
// libc concept and the kernel-constant packages do not define these.
const (
	AI_PASSIVE   = 0x1
	AI_CANONNAME = 0x2
)

// defaultResolverWorkers is the size of the name resolution pool. Lookups
// beyond the pool size queue behind in-flight ones.
const defaultResolverWorkers = 5

// errEmptyResolution matches the canonical getaddrinfo failure text for an
// answer with no usable records.
var errEmptyResolution = errors.New("getaddrinfo() returned empty list")

// AddrInfoRequest describes a name resolution query in getaddrinfo terms.
type AddrInfoRequest struct {
	// Host is the name or literal address to resolve. Empty means the
	// loopback host, or the wildcard address with AI_PASSIVE set.
	Host string
	// Port is attached verbatim to every result.
	Port int
	// Family filters results: unix.AF_INET, unix.AF_INET6, or
	// unix.AF_UNSPEC (zero) for both.
	Family int
	// SockType is copied onto results, defaulting to unix.SOCK_STREAM.
	SockType int
	// Flags holds AI_* modifiers. AI_PASSIVE selects wildcard binding
	// for an empty host and AI_CANONNAME fills in CanonName; the rest
	// are accepted and ignored.
	Flags int
}

// AddrInfo is one resolved endpoint. CanonName is only populated when
// the request carried AI_CANONNAME. Flowinfo and Zone are the extra
// IPv6 sockaddr members; Zone names the scope and is empty for IPv4 and
// global IPv6 addresses.
type AddrInfo struct {
	Family    int
	SockType  int
	Proto     int
	CanonName string
	IP        net.IP
	Port      int
	Flowinfo  uint32
	Zone      string
}

// Addr returns the endpoint in host:port form, suitable for net.Dial.
// Scoped IPv6 addresses carry their %zone suffix.
func (a *AddrInfo) Addr() string {
	host := a.IP.String()
	if a.Zone != "" {
		host += "%" + a.Zone
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

type resolverJob struct {
	r   *Reactor
	req AddrInfoRequest
	fut *Future
}

// resolverPool is a fixed set of worker goroutines servicing blocking
// name lookups so the loop goroutine never blocks on DNS.
type resolverPool struct {
	jobs      chan resolverJob
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newResolverPool(workers int) *resolverPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &resolverPool{
		jobs:   make(chan resolverJob),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *resolverPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.serve(job)
		}
	}
}

func (p *resolverPool) serve(job resolverJob) {
	infos, err := resolveAddrInfo(p.ctx, job.req)
	if err != nil {
		_ = job.fut.SetError(err)
		return
	}
	_ = job.fut.SetResult(infos)
}

// lookup queues a resolution, settling fut with []*AddrInfo or a
// [LookupError]. Never blocks the caller beyond handing the job off.
func (p *resolverPool) lookup(r *Reactor, req AddrInfoRequest, fut *Future) {
	go func() {
		select {
		case p.jobs <- resolverJob{r: r, req: req, fut: fut}:
		case <-p.ctx.Done():
			_ = fut.SetError(noLoopError())
		case <-fut.Done():
		}
	}()
}

func (p *resolverPool) close() {
	p.closeOnce.Do(func() {
		p.cancel()
	})
}

// resolveAddrInfo resolves a single request. An empty result set is a
// valid outcome (e.g. a family filter excluding every record); callers
// that cannot proceed without addresses raise their own error.
func resolveAddrInfo(ctx context.Context, req AddrInfoRequest) ([]*AddrInfo, error) {
	host := req.Host
	if host == "" {
		if req.Flags&AI_PASSIVE != 0 {
			return passiveAddrInfo(req), nil
		}
		host = "localhost"
	}

	sockType := req.SockType
	if sockType == 0 {
		sockType = unix.SOCK_STREAM
	}

	var (
		infos   []*AddrInfo
		addrs   []net.IPAddr
		literal bool
	)
	if ip, zone := parseIPZone(host); ip != nil {
		addrs = []net.IPAddr{{IP: ip, Zone: zone}}
		literal = true
	} else {
		var err error
		addrs, err = net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, &LookupError{Host: req.Host, Err: err}
		}
	}

	var canonical string
	if req.Flags&AI_CANONNAME != 0 {
		canonical = host
		if !literal {
			if cname, err := net.DefaultResolver.LookupCNAME(ctx, host); err == nil {
				canonical = strings.TrimSuffix(cname, ".")
			}
		}
	}

	for _, addr := range addrs {
		family := unix.AF_INET6
		if v4 := addr.IP.To4(); v4 != nil {
			family = unix.AF_INET
		}
		if req.Family != unix.AF_UNSPEC && req.Family != family {
			continue
		}
		infos = append(infos, &AddrInfo{
			Family:    family,
			SockType:  sockType,
			Proto:     protoFor(sockType),
			CanonName: canonical,
			IP:        addr.IP,
			Port:      req.Port,
			Zone:      addr.Zone,
		})
	}
	return infos, nil
}

// parseIPZone splits an optional %zone suffix off a literal address.
// A nil IP means host is not a literal.
func parseIPZone(host string) (net.IP, string) {
	if i := strings.IndexByte(host, '%'); i >= 0 {
		return net.ParseIP(host[:i]), host[i+1:]
	}
	return net.ParseIP(host), ""
}

// passiveAddrInfo returns the wildcard endpoints for a listening socket,
// honoring the family filter.
func passiveAddrInfo(req AddrInfoRequest) []*AddrInfo {
	sockType := req.SockType
	if sockType == 0 {
		sockType = unix.SOCK_STREAM
	}
	var infos []*AddrInfo
	if req.Family == unix.AF_UNSPEC || req.Family == unix.AF_INET {
		infos = append(infos, &AddrInfo{
			Family:   unix.AF_INET,
			SockType: sockType,
			Proto:    protoFor(sockType),
			IP:       net.IPv4zero,
			Port:     req.Port,
		})
	}
	if req.Family == unix.AF_UNSPEC || req.Family == unix.AF_INET6 {
		infos = append(infos, &AddrInfo{
			Family:   unix.AF_INET6,
			SockType: sockType,
			Proto:    protoFor(sockType),
			IP:       net.IPv6zero,
			Port:     req.Port,
		})
	}
	return infos
}

func protoFor(sockType int) int {
	switch sockType {
	case unix.SOCK_DGRAM:
		return unix.IPPROTO_UDP
	default:
		return unix.IPPROTO_TCP
	}
}
