package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Handler executes one payload inside a unit
type Handler func(ctx context.Context, payload interface{}) (interface{}, error)

// PanicError carries a value recovered from a handler panic
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// Invoke calls h, turning a panic into a *PanicError
func Invoke(ctx context.Context, h Handler, payload interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &PanicError{Value: r}
		}
	}()
	return h(ctx, payload)
}

// Run invokes h and converts its outcome, including a panic, into a Completion
func Run(ctx context.Context, h Handler, payload interface{}) Completion {
	result, err := Invoke(ctx, h, payload)
	if err != nil {
		return Failure(err)
	}
	return Success(result)
}

// ServeLines is the unit-side loop of the line protocol: it reads one Job per
// line from r, runs h and writes one Reply carrying the job's ID to w. It returns nil when r
// reaches EOF (the pool closed stdin) or ctx is done.
func ServeLines(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	dec := NewDecoder(r)
	enc := NewEncoder(w)
	for {
		if ctx.Err() != nil {
			return nil
		}
		var job Job
		err := dec.Decode(&job)
		if errors.Is(err, io.EOF) {
			return nil
		}
		var decErr *DecodeError
		if errors.As(err, &decErr) {
			// a malformed line is a unit-level fault, the unit keeps serving
			if encErr := enc.Encode(Reply{Fault: err.Error()}); encErr != nil {
				return encErr
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(Reply{ID: job.ID, Completion: Run(ctx, h, job.Payload)}); err != nil {
			return err
		}
	}
}
