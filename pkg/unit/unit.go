// Package unit defines the execution-unit contract consumed by the pool.
//
// An execution unit is an independently running worker that accepts one
// payload at a time and eventually emits exactly one Completion for it, or
// terminates. The pool never looks inside a unit: it only sends payloads,
// reads the three signal channels and asks the unit to terminate.
//
// Three implementations ship with the module:
//
//	local     goroutine running a Go handler (tests, embedding)
//	process   OS subprocess speaking JSON lines on stdin/stdout
//	natsunit  remote worker reached over NATS request/reply
package unit

import (
	"context"
	"errors"
)

// ErrBusy is returned by Send when the unit already holds a payload
var ErrBusy = errors.New("unit already holds a payload")

// ErrTerminated is returned by Send after the unit has exited
var ErrTerminated = errors.New("unit terminated")

// Completion is the message a unit emits once per assigned payload
type Completion struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Exit describes how a unit stopped. Err is nil only when the stop was
// requested through Terminate.
type Exit struct {
	Code int
	Err  error
}

// Unit is a running execution unit
type Unit interface {
	// ID returns a unique identifier for logging and metrics
	ID() string

	// Send hands one payload to the unit. It must not block.
	Send(payload interface{}) error

	// Completions delivers at most one Completion per payload
	Completions() <-chan Completion

	// Faults delivers unit-level faults for the payload in flight. The unit
	// keeps running but emits no Completion for that payload afterwards.
	Faults() <-chan error

	// Exited is closed once the unit stopped; ExitStatus is valid afterwards
	Exited() <-chan struct{}

	// ExitStatus reports why the unit stopped
	ExitStatus() Exit

	// Terminate stops the unit and returns once it has exited
	Terminate(ctx context.Context) error
}

// Spawner provisions units for a single resource
type Spawner interface {
	// Resource returns the resource identifier units are spawned from
	Resource() string

	// Probe verifies the resource is reachable without spawning a unit
	Probe(ctx context.Context) error

	// Spawn starts one unit
	Spawn(ctx context.Context) (Unit, error)
}
