// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package shim exposes Caffe-style solvers, nets, layers and blobs, computed
// by Born, to a host environment through opaque handles.
//
// Every operation is a named command:
//
//	s := shim.New()
//	out, err := s.Call("get_net", "deploy.yaml", "test")
//	h := out[0].(shim.Handle)
//	_, err = s.Call("net_forward", h)
//
// The shim owns every solver and stand-alone net it creates. Handles are
// weak: they carry the generation key that was current when they were
// issued, and the "reset" command releases all owned objects and advances
// the key so that every outstanding handle is rejected from then on.
//
// Host arrays are column-major, so their dims are the blob shape reversed.
// Call serialises commands with a mutex; a Shim may be shared between
// goroutines but commands never run concurrently.
package shim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/born-ml/bornbind/internal/device"
	"github.com/born-ml/bornbind/internal/handle"
	"github.com/born-ml/bornbind/internal/host"
	"github.com/born-ml/bornbind/internal/log"
)

// Version is reported by the "version" command.
var Version = "v0.1.0-dev"

// Call errors.
var (
	ErrUsage          = errors.New("wrong arguments")
	ErrUnknownCommand = errors.New("unknown command")
	ErrFileNotFound   = errors.New("could not open file")

	ErrStaleHandle   = handle.ErrStaleHandle
	ErrInvalidHandle = handle.ErrInvalidHandle
	ErrWrongKind     = handle.ErrWrongKind
	ErrNoGPU         = device.ErrNoGPU
)

// CallError is returned by Call for every failed command.
type CallError struct {
	Cmd   string
	Err   error
	Panic bool // the failure was a recovered panic inside the framework
}

func (e *CallError) Error() string {
	if e.Panic {
		return fmt.Sprintf("%s: panic: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Shim is a command dispatcher with its own registry and device state.
type Shim struct {
	mu       sync.Mutex
	reg      *handle.Registry
	dev      *device.Manager
	tracer   trace.Tracer
	order    host.Order
	closeLog func()
}

// Option configures a Shim.
type Option func(*Shim)

// WithTracer runs every command inside a span named "bornbind.<cmd>".
func WithTracer(t trace.Tracer) Option {
	return func(s *Shim) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithArrayOrder sets the memory order of arrays returned by the blob
// getters and read_mean. The default is ColumnMajor.
func WithArrayOrder(o Order) Option {
	return func(s *Shim) { s.order = o }
}

// WithInitKey starts the registry at key instead of a random value.
func WithInitKey(key Key) Option {
	return func(s *Shim) { s.reg = handle.NewRegistryWithKey(key) }
}

// New returns a shim in CPU mode with an empty registry.
func New(opts ...Option) *Shim {
	s := &Shim{
		reg:    handle.NewRegistry(),
		dev:    device.NewManager(),
		tracer: noop.NewTracerProvider().Tracer("bornbind"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	defaultOnce sync.Once
	defaultShim *Shim
)

// Default returns the process-wide shim used by the package-level Call.
func Default() *Shim {
	defaultOnce.Do(func() { defaultShim = New() })
	return defaultShim
}

// Call dispatches cmd on the process-wide shim.
func Call(cmd string, args ...any) ([]any, error) {
	return Default().Call(cmd, args...)
}

// Call runs the command named cmd with args and returns its results.
// Every failure is returned as a *CallError wrapping the cause.
func (s *Shim) Call(cmd string, args ...any) (out []any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, span := s.tracer.Start(context.Background(), "bornbind."+cmd,
		trace.WithAttributes(
			attribute.String("bornbind.command", cmd),
			attribute.Int("bornbind.args", len(args)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	c := lookup(cmd)
	if c == nil {
		return nil, &CallError{Cmd: cmd, Err: fmt.Errorf("%w '%s'", ErrUnknownCommand, cmd)}
	}
	log.Debug(log.CatShim, "dispatch", "cmd", cmd, "args", len(args))

	defer func() {
		if r := recover(); r != nil {
			err = &CallError{Cmd: cmd, Err: fmt.Errorf("%v", r), Panic: true}
			log.Error(log.CatShim, "command panicked", "cmd", cmd, "panic", r)
		}
	}()
	out, err = c.run(s, args)
	if err != nil {
		return nil, &CallError{Cmd: cmd, Err: err}
	}
	return out, nil
}

// Commands returns the command names in dispatch order.
func Commands() []string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.name
	}
	return names
}

// Usage returns the usage line of cmd, or "" for an unknown command.
func Usage(cmd string) string {
	if c := lookup(cmd); c != nil {
		return c.usage
	}
	return ""
}

// Close resets the registry and releases device resources.
func (s *Shim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.reset()
	s.dev.Close()
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
	return err
}

// reset releases owned objects and returns the solver and net counts.
func (s *Shim) reset() ([2]int, error) {
	counts, err := s.reg.Reset()
	n := [2]int{counts[handle.KindSolver], counts[handle.KindNet]}
	log.Info(log.CatHandle, fmt.Sprintf("Cleared %d solvers and %d stand-alone nets", n[0], n[1]))
	return n, err
}
