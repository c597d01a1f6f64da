// Package local runs execution units as goroutines inside the current process.
//
// A local unit executes a unit.Handler for every payload. Handlers signal the
// two non-completion outcomes through sentinel wrappers:
//
//	return nil, local.Fault(err)  // unit-level fault, unit keeps running
//	return nil, local.Exit(err)   // unit terminates abnormally
//
// A handler panic is reported as a fault.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fluxorio/unitpool/pkg/core/concurrency"
	"github.com/fluxorio/unitpool/pkg/unit"
)

type faultError struct{ err error }

func (e *faultError) Error() string { return e.err.Error() }
func (e *faultError) Unwrap() error { return e.err }

type exitError struct{ err error }

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Fault marks err as a unit-level fault
func Fault(err error) error { return &faultError{err: err} }

// Exit marks err as an abnormal unit termination
func Exit(err error) error { return &exitError{err: err} }

// Option configures a Spawner
type Option func(*Spawner)

// WithProbe overrides the reachability check
func WithProbe(probe func(ctx context.Context) error) Option {
	return func(s *Spawner) { s.probe = probe }
}

// WithSpawnHook is called before every spawn with the 1-based spawn sequence
// number; a non-nil error fails that spawn.
func WithSpawnHook(hook func(seq int) error) Option {
	return func(s *Spawner) { s.spawnHook = hook }
}

// Spawner creates goroutine units running the same handler
type Spawner struct {
	name      string
	handler   unit.Handler
	probe     func(ctx context.Context) error
	spawnHook func(seq int) error

	seq   atomic.Int64
	mu    sync.Mutex
	units []*Unit
}

// NewSpawner creates a spawner for handler h identified by name
func NewSpawner(name string, h unit.Handler, opts ...Option) *Spawner {
	s := &Spawner{name: name, handler: h}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resource implements unit.Spawner
func (s *Spawner) Resource() string { return "local:" + s.name }

// Probe implements unit.Spawner
func (s *Spawner) Probe(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("no handler registered")
	}
	if s.probe != nil {
		return s.probe(ctx)
	}
	return nil
}

// Spawn implements unit.Spawner
func (s *Spawner) Spawn(ctx context.Context) (unit.Unit, error) {
	seq := int(s.seq.Add(1))
	if s.spawnHook != nil {
		if err := s.spawnHook(seq); err != nil {
			return nil, err
		}
	}
	u := newUnit(fmt.Sprintf("%s-%d", s.name, seq), s.handler)
	s.mu.Lock()
	s.units = append(s.units, u)
	s.mu.Unlock()
	go u.run()
	return u, nil
}

// Units returns every unit spawned so far, in spawn order
func (s *Spawner) Units() []*Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Unit(nil), s.units...)
}

// Spawned returns how many units were spawned
func (s *Spawner) Spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// Unit is a goroutine-backed execution unit
type Unit struct {
	id          string
	handler     unit.Handler
	inbox       concurrency.Mailbox[interface{}]
	completions chan unit.Completion
	faults      chan error
	exited      chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc

	exitOnce sync.Once
	exit     unit.Exit
}

func newUnit(id string, h unit.Handler) *Unit {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Unit{
		id:          id,
		handler:     h,
		inbox:       concurrency.NewBoundedMailbox[interface{}](1),
		completions: make(chan unit.Completion, 1),
		faults:      make(chan error, 1),
		exited:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (u *Unit) run() {
	exit := unit.Exit{}
	defer func() {
		u.inbox.Close()
		u.finish(exit)
	}()
	for {
		payload, err := u.inbox.Receive(u.ctx)
		if err != nil {
			exit = u.stopped()
			return
		}
		result, err := unit.Invoke(u.ctx, u.handler, payload)
		if u.ctx.Err() != nil {
			// outcome of a unit that is going away is never reported
			exit = u.stopped()
			return
		}
		var panicErr *unit.PanicError
		switch {
		case err == nil:
			if !u.emit(unit.Success(result)) {
				return
			}
		case isExit(err):
			exit = unit.Exit{Code: 1, Err: err}
			return
		case isFault(err), errors.As(err, &panicErr):
			select {
			case u.faults <- err:
			case <-u.ctx.Done():
				exit = u.stopped()
				return
			}
		default:
			if !u.emit(unit.Failure(err)) {
				return
			}
		}
	}
}

// stopped derives the exit status from the cancellation cause
func (u *Unit) stopped() unit.Exit {
	if cause := context.Cause(u.ctx); isExit(cause) {
		return unit.Exit{Code: 1, Err: cause}
	}
	return unit.Exit{}
}

func (u *Unit) emit(c unit.Completion) bool {
	select {
	case u.completions <- c:
		return true
	case <-u.ctx.Done():
		return false
	}
}

func (u *Unit) finish(exit unit.Exit) {
	u.exitOnce.Do(func() {
		u.exit = exit
		close(u.exited)
	})
}

func isFault(err error) bool {
	var f *faultError
	return errors.As(err, &f)
}

func isExit(err error) bool {
	var e *exitError
	return errors.As(err, &e)
}

// ID implements unit.Unit
func (u *Unit) ID() string { return u.id }

// Send implements unit.Unit
func (u *Unit) Send(payload interface{}) error {
	select {
	case <-u.exited:
		return unit.ErrTerminated
	default:
	}
	switch err := u.inbox.Send(payload); {
	case errors.Is(err, concurrency.ErrMailboxFull):
		return unit.ErrBusy
	case errors.Is(err, concurrency.ErrMailboxClosed):
		return unit.ErrTerminated
	default:
		return err
	}
}

// Completions implements unit.Unit
func (u *Unit) Completions() <-chan unit.Completion { return u.completions }

// Faults implements unit.Unit
func (u *Unit) Faults() <-chan error { return u.faults }

// Exited implements unit.Unit
func (u *Unit) Exited() <-chan struct{} { return u.exited }

// ExitStatus implements unit.Unit
func (u *Unit) ExitStatus() unit.Exit {
	select {
	case <-u.exited:
		return u.exit
	default:
		return unit.Exit{}
	}
}

// Terminate implements unit.Unit
func (u *Unit) Terminate(ctx context.Context) error {
	u.cancel(nil)
	select {
	case <-u.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Crash makes the unit exit abnormally with err, as if its runtime died.
// An in-flight handler sees its context cancelled and its outcome is discarded.
func (u *Unit) Crash(err error) {
	u.cancel(Exit(err))
}
