// Package natsunit reaches execution units over NATS request/reply.
//
// Every unit owns one NATS connection and sends each payload as a request on
// a subject served by a queue group of workers (see Serve). Reconnects are
// disabled: a lost connection is the unit's exit, and the pool spawns a
// replacement.
package natsunit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/unit"
	"github.com/nats-io/nats.go"
)

const (
	// HeaderRequestID correlates a request with its reply in logs
	HeaderRequestID = "X-Request-ID"

	// HeaderProbe marks a reachability probe; Serve answers it without running the handler
	HeaderProbe = "X-Unit-Probe"

	defaultPrefix  = "unitpool"
	defaultTimeout = 30 * time.Second
	probeTimeout   = 2 * time.Second
)

// Config configures NATS-backed units
type Config struct {
	// URL is the NATS server URL. Default: nats.DefaultURL
	URL string

	// Subject the workers serve, e.g. "unitpool.bsp". Default: "unitpool.jobs"
	Subject string

	// Name is the connection name prefix
	Name string

	// RequestTimeout bounds a single request. A timeout is reported as a fault.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = defaultPrefix + ".jobs"
	}
	if c.Name == "" {
		c.Name = defaultPrefix
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultTimeout
	}
	return c
}

// Spawner connects units to a NATS subject
type Spawner struct {
	cfg Config
	seq atomic.Int64
}

// NewSpawner creates a spawner for cfg
func NewSpawner(cfg Config) *Spawner {
	return &Spawner{cfg: cfg.withDefaults()}
}

// Resource implements unit.Spawner
func (s *Spawner) Resource() string { return s.cfg.URL + "/" + s.cfg.Subject }

func (s *Spawner) connect(name string, closed nats.ConnHandler) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.NoReconnect(),
	}
	if closed != nil {
		opts = append(opts, nats.ClosedHandler(closed))
	}
	return nats.Connect(s.cfg.URL, opts...)
}

// Probe implements unit.Spawner. It fails when the server is unreachable or
// nobody serves the subject.
func (s *Spawner) Probe(ctx context.Context) error {
	nc, err := s.connect(s.cfg.Name+"-probe", nil)
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	msg := nats.NewMsg(s.cfg.Subject)
	msg.Header.Set(HeaderProbe, "1")
	if _, err := nc.RequestMsgWithContext(ctx, msg); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("no workers serve %s: %w", s.cfg.Subject, err)
		}
		return err
	}
	return nil
}

// Spawn implements unit.Spawner
func (s *Spawner) Spawn(ctx context.Context) (unit.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u := &Unit{
		id:          fmt.Sprintf("%s-%d", s.cfg.Name, s.seq.Add(1)),
		subject:     s.cfg.Subject,
		timeout:     s.cfg.RequestTimeout,
		inbox:       make(chan interface{}, 1),
		completions: make(chan unit.Completion, 1),
		faults:      make(chan error, 1),
		exited:      make(chan struct{}),
	}
	nc, err := s.connect(u.id, func(*nats.Conn) { u.closed() })
	if err != nil {
		return nil, err
	}
	u.nc = nc
	go u.loop()
	return u, nil
}

// Unit is one logical worker reached through its own NATS connection
type Unit struct {
	id      string
	subject string
	timeout time.Duration
	nc      *nats.Conn
	jobs    atomic.Uint64

	inbox       chan interface{}
	completions chan unit.Completion
	faults      chan error
	exited      chan struct{}

	exitOnce   sync.Once
	terminated atomic.Bool
	exit       unit.Exit
}

func (u *Unit) loop() {
	for {
		select {
		case payload := <-u.inbox:
			if !u.request(payload) {
				return
			}
		case <-u.exited:
			return
		}
	}
}

// request performs one round trip; it returns false once the connection is gone
func (u *Unit) request(payload interface{}) bool {
	job := unit.Job{ID: u.jobs.Add(1), Payload: payload}
	data, err := core.JSONEncode(job)
	if err != nil {
		return u.emitFault(fmt.Errorf("encode payload: %w", err))
	}
	msg := nats.NewMsg(u.subject)
	msg.Data = data
	msg.Header.Set(HeaderRequestID, core.GenerateRequestID())

	resp, err := u.nc.RequestMsg(msg, u.timeout)
	switch {
	case errors.Is(err, nats.ErrConnectionClosed):
		return false
	case err != nil:
		return u.emitFault(err)
	}

	var reply unit.Reply
	if err := core.JSONDecode(resp.Data, &reply); err != nil {
		return u.emitFault(&unit.DecodeError{Line: resp.Data, Err: err})
	}
	if reply.Fault != "" {
		return u.emitFault(errors.New(reply.Fault))
	}
	if reply.ID != job.ID {
		return u.emitFault(fmt.Errorf("reply for job %d while awaiting job %d", reply.ID, job.ID))
	}
	select {
	case u.completions <- reply.Completion:
		return true
	case <-u.exited:
		return false
	}
}

func (u *Unit) emitFault(err error) bool {
	select {
	case u.faults <- err:
		return true
	case <-u.exited:
		return false
	}
}

func (u *Unit) closed() {
	u.exitOnce.Do(func() {
		if !u.terminated.Load() {
			u.exit = unit.Exit{Code: -1, Err: errors.New("nats connection closed")}
		}
		close(u.exited)
	})
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
	select {
	case u.inbox <- payload:
		return nil
	default:
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

// Terminate implements unit.Unit
func (u *Unit) Terminate(ctx context.Context) error {
	u.terminated.Store(true)
	u.nc.Close()
	select {
	case <-u.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve answers unit requests on subject with h until ctx is done. Workers
// sharing a queue name split the load.
func Serve(ctx context.Context, nc *nats.Conn, subject, queue string, h unit.Handler) error {
	sub, err := nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		if m.Reply == "" {
			return
		}
		if m.Header.Get(HeaderProbe) != "" {
			_ = m.Respond(nil)
			return
		}
		var reply unit.Reply
		var job unit.Job
		if err := core.JSONDecode(m.Data, &job); err != nil {
			reply.Fault = (&unit.DecodeError{Line: m.Data, Err: err}).Error()
		} else {
			reply.ID = job.ID
			reply.Completion = unit.Run(core.WithRequestID(ctx, m.Header.Get(HeaderRequestID)), h, job.Payload)
		}
		data, err := core.JSONEncode(reply)
		if err != nil {
			data, _ = core.JSONEncode(unit.Reply{Fault: err.Error()})
		}
		_ = m.Respond(data)
	})
	if err != nil {
		return err
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	<-ctx.Done()
	return sub.Drain()
}
