// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aioloop

import "fmt"

// reactorOptions holds configuration options for Reactor creation.
type reactorOptions struct {
	resolverWorkers int
	debug           bool
}

// Option configures a Reactor instance.
type Option interface {
	applyReactor(*reactorOptions) error
}

type optionImpl struct {
	applyReactorFunc func(*reactorOptions) error
}

func (o *optionImpl) applyReactor(opts *reactorOptions) error {
	return o.applyReactorFunc(opts)
}

// WithResolverWorkers sets the size of the fixed resolver worker pool
// backing [Reactor.Getaddrinfo]. The default is 5.
func WithResolverWorkers(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n <= 0 {
			return fmt.Errorf("%w: resolver workers must be positive, got %d", ErrInvalidConfig, n)
		}
		opts.resolverWorkers = n
		return nil
	}}
}

// WithDebug enables debug mode at creation, equivalent to calling
// [Reactor.SetDebug] immediately. Debug mode enforces goroutine-affinity
// checks on mutating calls.
func WithDebug(enabled bool) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.debug = enabled
		return nil
	}}
}

func resolveReactorOptions(opts []Option) (*reactorOptions, error) {
	cfg := &reactorOptions{
		resolverWorkers: defaultResolverWorkers,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyReactor(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// runOptions holds configuration for a single run of the loop.
type runOptions struct {
	stopOnInterrupt bool
}

// RunOption configures [Reactor.RunForever] and
// [Reactor.RunUntilComplete].
type RunOption interface {
	applyRun(*runOptions)
}

type runOptionImpl struct {
	applyRunFunc func(*runOptions)
}

func (o *runOptionImpl) applyRun(opts *runOptions) {
	o.applyRunFunc(opts)
}

// WithStopOnInterrupt controls whether SIGINT races against the stop
// signal and ends the run normally. Enabled by default.
func WithStopOnInterrupt(enabled bool) RunOption {
	return &runOptionImpl{func(opts *runOptions) {
		opts.stopOnInterrupt = enabled
	}}
}

func resolveRunOptions(opts []RunOption) *runOptions {
	cfg := &runOptions{stopOnInterrupt: true}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyRun(cfg)
	}
	return cfg
}
