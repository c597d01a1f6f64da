// Package process runs execution units as OS subprocesses.
//
// A process unit talks the unit line protocol: the pool writes one
// {"id": N, "payload": ...} line to the child's stdin per task and the child
// answers with one {"id": N, "success": ..., "result": ..., "error": ...} line
// on stdout, or a {"fault": ...} line for a unit-level fault. Closing stdin
// asks the child to exit; unit.ServeLines implements the child side.
//
// A fault, including an undecodable stdout line, abandons the job in flight:
// a reply for it that arrives later is dropped, as is any reply whose id is
// not the job in flight. Faults while no job is in flight are written to the
// stderr writer, if any, and not reported.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fluxorio/unitpool/pkg/unit"
)

// DefaultGracePeriod is how long Terminate waits after SIGTERM before SIGKILL
const DefaultGracePeriod = 5 * time.Second

// Option configures a Spawner
type Option func(*Spawner)

// WithArgs sets the arguments passed to every spawned process
func WithArgs(args ...string) Option {
	return func(s *Spawner) { s.args = args }
}

// WithEnv appends KEY=VALUE pairs to the inherited environment
func WithEnv(env ...string) Option {
	return func(s *Spawner) { s.env = append(s.env, env...) }
}

// WithGracePeriod overrides DefaultGracePeriod
func WithGracePeriod(d time.Duration) Option {
	return func(s *Spawner) { s.grace = d }
}

// WithStderr forwards the children's stderr to w
func WithStderr(w io.Writer) Option {
	return func(s *Spawner) { s.stderr = w }
}

// Spawner starts units from one executable
type Spawner struct {
	path   string
	args   []string
	env    []string
	grace  time.Duration
	stderr io.Writer
	seq    atomic.Int64
}

// NewSpawner creates a spawner for the executable at path. A path without a
// separator is resolved through $PATH.
func NewSpawner(path string, opts ...Option) *Spawner {
	s := &Spawner{path: path, grace: DefaultGracePeriod}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resource implements unit.Spawner
func (s *Spawner) Resource() string { return s.path }

// Probe implements unit.Spawner. It checks that the executable exists and is
// runnable without starting it.
func (s *Spawner) Probe(ctx context.Context) error {
	if s.path == "" {
		return errors.New("executable path is empty")
	}
	if !strings.ContainsRune(s.path, filepath.Separator) {
		if _, err := exec.LookPath(s.path); err != nil {
			return err
		}
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", s.path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", s.path)
	}
	return nil
}

// Spawn implements unit.Spawner
func (s *Spawner) Spawn(ctx context.Context) (unit.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(s.path, s.args...)
	cmd.Env = append(os.Environ(), s.env...)
	if s.stderr != nil {
		cmd.Stderr = s.stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	id := fmt.Sprintf("%s-%d[%d]", filepath.Base(s.path), s.seq.Add(1), cmd.Process.Pid)
	u := &Unit{
		id:          id,
		cmd:         cmd,
		stdin:       stdin,
		grace:       s.grace,
		diag:        s.stderr,
		inbox:       make(chan unit.Job, 1),
		completions: make(chan unit.Completion, 1),
		faults:      make(chan error, 1),
		exited:      make(chan struct{}),
		stop:        make(chan struct{}),
	}
	readerDone := make(chan struct{})
	go u.writeLoop()
	go u.readLoop(stdout, readerDone)
	go u.wait(readerDone)
	return u, nil
}

// Unit is a subprocess-backed execution unit
type Unit struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	grace time.Duration
	diag  io.Writer

	jobs     atomic.Uint64
	inflight atomic.Uint64 // id of the job awaiting a reply, 0 when idle

	inbox       chan unit.Job
	completions chan unit.Completion
	faults      chan error
	exited      chan struct{}

	stop       chan struct{}
	stopOnce   sync.Once
	stdinOnce  sync.Once
	terminated atomic.Bool

	exit unit.Exit
}

func (u *Unit) writeLoop() {
	enc := unit.NewEncoder(u.stdin)
	for {
		select {
		case job := <-u.inbox:
			if err := enc.Encode(job); err != nil {
				// broken pipe: the child is gone and wait reports it
				return
			}
		case <-u.stop:
			return
		case <-u.exited:
			return
		}
	}
}

func (u *Unit) readLoop(stdout io.Reader, done chan<- struct{}) {
	defer close(done)
	dec := unit.NewDecoder(stdout)
	for {
		var reply unit.Reply
		err := dec.Decode(&reply)
		if errors.Is(err, io.EOF) {
			return
		}
		var decErr *unit.DecodeError
		switch {
		case errors.As(err, &decErr):
			u.fault(decErr)
		case err != nil:
			u.fault(err)
			// keep the child from blocking on a full pipe until it exits
			_, _ = io.Copy(io.Discard, stdout)
			return
		case reply.Fault != "":
			u.fault(errors.New(reply.Fault))
		case reply.ID == 0 || !u.inflight.CompareAndSwap(reply.ID, 0):
			u.note("dropped reply for job %d, in flight: %d", reply.ID, u.inflight.Load())
		default:
			select {
			case u.completions <- reply.Completion:
			case <-u.stop:
			}
		}
	}
}

// fault abandons the job in flight and reports err against it
func (u *Unit) fault(err error) {
	if u.inflight.Swap(0) == 0 {
		u.note("fault while idle: %v", err)
		return
	}
	select {
	case u.faults <- err:
	case <-u.stop:
	}
}

func (u *Unit) note(format string, args ...interface{}) {
	if u.diag != nil {
		fmt.Fprintf(u.diag, "unit %s: "+format+"\n", append([]interface{}{u.id}, args...)...)
	}
}

// wait reaps the child once stdout is drained, so buffered replies are
// delivered before Exited closes.
func (u *Unit) wait(readerDone <-chan struct{}) {
	<-readerDone
	err := u.cmd.Wait()
	u.exit = exitStatus(err, u.terminated.Load())
	close(u.exited)
}

func exitStatus(err error, requested bool) unit.Exit {
	if requested {
		return unit.Exit{Code: exitCode(err)}
	}
	if err == nil {
		return unit.Exit{Code: 0, Err: errors.New("unit exited unexpectedly with code 0")}
	}
	return unit.Exit{Code: exitCode(err), Err: fmt.Errorf("unit exited: %w", err)}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// ID implements unit.Unit
func (u *Unit) ID() string { return u.id }

// Pid returns the child's process id
func (u *Unit) Pid() int { return u.cmd.Process.Pid }

// Send implements unit.Unit
func (u *Unit) Send(payload interface{}) error {
	select {
	case <-u.exited:
		return unit.ErrTerminated
	case <-u.stop:
		return unit.ErrTerminated
	default:
	}
	id := u.jobs.Add(1)
	if !u.inflight.CompareAndSwap(0, id) {
		return unit.ErrBusy
	}
	select {
	case u.inbox <- unit.Job{ID: id, Payload: payload}:
		return nil
	default:
		u.inflight.CompareAndSwap(id, 0)
		return unit.ErrBusy
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

// Terminate implements unit.Unit. It closes stdin, sends SIGTERM and
// escalates to SIGKILL once the grace period or ctx runs out.
func (u *Unit) Terminate(ctx context.Context) error {
	u.terminated.Store(true)
	u.stopOnce.Do(func() { close(u.stop) })
	u.stdinOnce.Do(func() { _ = u.stdin.Close() })

	if err := u.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	timer := time.NewTimer(u.grace)
	defer timer.Stop()
	select {
	case <-u.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := u.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	select {
	case <-u.exited:
		return ctx.Err()
	case <-time.After(time.Second):
		return errors.New("process did not exit after SIGKILL")
	}
}

// Kill sends SIGKILL without marking the stop as requested, so the unit
// reports an abnormal exit.
func (u *Unit) Kill() error {
	return u.cmd.Process.Kill()
}
