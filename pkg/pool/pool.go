// Package pool dispatches opaque work items to a bounded set of execution
// units and correlates their completions back to the submitters.
//
// All pool state is owned by one control-loop goroutine. Callers and the
// per-unit forwarder goroutines talk to it through a single event channel,
// so the pool itself never locks. Units run in parallel and share nothing
// with the loop but their channels.
//
// A pool whose units cannot be provisioned is still returned by New; it is
// degraded, IsAvailable reports false and every submission fails with
// ErrUnavailable so the caller can fall back to non-pooled execution.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/core/failfast"
	"github.com/fluxorio/unitpool/pkg/unit"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/fluxorio/unitpool/pkg/pool"

// Pool is a bounded pool of execution units
type Pool struct {
	name    string
	spawner unit.Spawner
	cfg     Config
	logger  core.Logger
	opts    options
	tracer  trace.Tracer

	events chan event
	quit   chan struct{} // closed when shutdown starts; aborts pending respawns
	done   chan struct{} // closed when the loop has exited

	ctx    context.Context // spawn context, cancelled at shutdown
	cancel context.CancelFunc

	shutdownOnce sync.Once

	// loop-owned state
	slots           []*slot
	queue           []*task
	nextID          uint64
	shuttingDown    bool
	degraded        bool
	degradeReason   string
	pendingRespawns int
	crashStreak     int
	respawns        int
	terminations    int
	terminateErr    error

	// written by the loop before done is closed
	final Stats
}

type event interface{}

type (
	submitEvent struct {
		payloads []interface{}
		handles  []*Handle
		batch    bool
		reply    chan error
	}
	statsEvent      struct{ reply chan Stats }
	shutdownEvent   struct{ ctx context.Context }
	completionEvent struct {
		slot       *slot
		completion unit.Completion
	}
	faultEvent struct {
		slot *slot
		err  error
	}
	exitEvent struct {
		slot   *slot
		status unit.Exit
	}
	spawnedEvent struct {
		unit unit.Unit
		err  error
	}
	terminatedEvent struct{ err error }
)

// New creates a pool of units from spawner. It never fails: when the
// resource cannot be probed or a unit cannot be spawned the pool comes up
// degraded. A nil spawner is a programming error and panics.
func New(spawner unit.Spawner, opts ...Option) *Pool {
	failfast.NotNil(spawner, "spawner")

	o := options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	o.config = o.config.withDefaults()
	if o.name == "" {
		o.name = uuid.New().String()[:8]
	}
	if o.logger == nil {
		o.logger = core.NewDefaultLogger()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    o.name,
		spawner: spawner,
		cfg:     o.config,
		logger:  o.logger.WithField("pool", o.name),
		opts:    o,
		tracer:  o.tracer,
		events:  make(chan event),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.provision()
	for _, s := range p.slots {
		go p.forward(s)
	}
	p.observe()
	go p.run()
	return p
}

// provision probes the resource and spawns the initial units. Any failure
// leaves the pool degraded with no slots.
func (p *Pool) provision() {
	probeCtx, cancel := context.WithTimeout(p.ctx, p.cfg.ProbeTimeout)
	defer cancel()
	if err := p.spawner.Probe(probeCtx); err != nil {
		p.degrade(&ProvisioningError{Resource: p.spawner.Resource(), Err: err})
		return
	}

	for i := 0; i < p.cfg.Size; i++ {
		u, err := p.spawner.Spawn(p.ctx)
		if err != nil {
			p.discardSlots()
			p.degrade(&ProvisioningError{Resource: p.spawner.Resource(), Err: err})
			return
		}
		p.slots = append(p.slots, newSlot(u))
	}
	p.logger.Infof("started %d units from %s", len(p.slots), p.spawner.Resource())
}

// discardSlots terminates partially created units so that degraded always
// means zero slots
func (p *Pool) discardSlots() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.slots {
		u := s.unit
		g.Go(func() error { return u.Terminate(ctx) })
	}
	if err := g.Wait(); err != nil {
		p.logger.Warnf("terminating partially provisioned units: %v", err)
	}
	p.slots = nil
}

func (p *Pool) degrade(err error) {
	p.degraded = true
	p.degradeReason = err.Error()
	p.logger.Warnf("pool degraded: %s", p.degradeReason)
	if p.opts.metrics != nil {
		p.opts.metrics.RecordDegraded(p.name)
	}
}

// post delivers ev to the loop unless the loop has exited
func (p *Pool) post(ev event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// forward relays one unit's signals into the loop
func (p *Pool) forward(s *slot) {
	u := s.unit
	for {
		select {
		case c := <-u.Completions():
			if !p.post(completionEvent{slot: s, completion: c}) {
				return
			}
		case err := <-u.Faults():
			if !p.post(faultEvent{slot: s, err: err}) {
				return
			}
		case <-u.Exited():
			// signals emitted before the exit are delivered first
			for {
				select {
				case c := <-u.Completions():
					if !p.post(completionEvent{slot: s, completion: c}) {
						return
					}
					continue
				case err := <-u.Faults():
					if !p.post(faultEvent{slot: s, err: err}) {
						return
					}
					continue
				default:
				}
				break
			}
			p.post(exitEvent{slot: s, status: u.ExitStatus()})
			return
		case <-p.done:
			return
		}
	}
}

func (p *Pool) run() {
	for {
		ev := <-p.events
		switch ev := ev.(type) {
		case submitEvent:
			ev.reply <- p.onSubmit(ev)
		case statsEvent:
			ev.reply <- p.snapshot()
		case shutdownEvent:
			p.onShutdown(ev.ctx)
		case completionEvent:
			p.onCompletion(ev.slot, ev.completion)
		case faultEvent:
			p.onFault(ev.slot, ev.err)
		case exitEvent:
			p.onExit(ev.slot, ev.status)
		case spawnedEvent:
			p.onSpawned(ev.unit, ev.err)
		case terminatedEvent:
			p.terminations--
			if ev.err != nil && p.terminateErr == nil {
				p.terminateErr = ev.err
			}
		}
		p.observe()
		if p.shuttingDown && p.terminations == 0 && p.pendingRespawns == 0 {
			p.final = p.snapshot()
			close(p.done)
			p.logger.Info("pool shut down")
			return
		}
	}
}

func (p *Pool) available() bool {
	return !p.shuttingDown && !p.degraded && len(p.slots) > 0
}

func (p *Pool) onSubmit(ev submitEvent) error {
	switch {
	case p.shuttingDown:
		return ErrShutdown
	case !p.available():
		return ErrUnavailable
	}
	for i, payload := range ev.payloads {
		p.nextID++
		h := newHandle(p.nextID)
		ev.handles[i] = h
		_, span := p.tracer.Start(context.Background(), "pool.task",
			trace.WithAttributes(
				attribute.String("pool.name", p.name),
				attribute.Int64("task.id", int64(h.id)),
				attribute.Bool("task.batch", ev.batch),
			))
		p.queue = append(p.queue, &task{
			id:        h.id,
			payload:   payload,
			handle:    h,
			submitted: time.Now(),
			span:      span,
		})
		p.place()
	}
	return nil
}

// place assigns the earliest pending task to the first idle slot. It makes
// at most one assignment.
func (p *Pool) place() {
	if p.shuttingDown {
		return
	}
	var next *task
	for _, t := range p.queue {
		if !t.dispatched {
			next = t
			break
		}
	}
	if next == nil {
		return
	}
	for _, s := range p.slots {
		if s.idle() {
			p.assign(s, next)
			return
		}
	}
}

func (p *Pool) assign(s *slot, t *task) {
	s.state = busyState{taskID: t.id}
	t.dispatched = true
	t.slot = s.id()
	t.span.AddEvent("dispatched", trace.WithAttributes(attribute.String("unit.id", t.slot)))

	err := s.unit.Send(t.payload)
	if err == nil {
		return
	}
	if errors.Is(err, unit.ErrTerminated) {
		// the exit event is on its way; handle it now so the slot is not picked again
		p.onExit(s, s.unit.ExitStatus())
		return
	}
	s.state = idleState{}
	p.remove(t.id)
	p.settle(t, "rejected", nil, &TaskError{TaskID: t.id, Slot: t.slot, Reason: "dispatch failed: " + err.Error(), Err: err})
	p.place()
}

// remove takes the task with id out of the queue
func (p *Pool) remove(id uint64) *task {
	for i, t := range p.queue {
		if t.id == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return t
		}
	}
	return nil
}

func (p *Pool) settle(t *task, outcome string, result interface{}, err error) {
	if !t.handle.settle(result, err) {
		return
	}
	if err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
	} else {
		t.span.SetStatus(codes.Ok, "")
	}
	t.span.SetAttributes(attribute.String("task.outcome", outcome))
	t.span.End()
	if p.opts.metrics != nil {
		p.opts.metrics.RecordTask(p.name, outcome, time.Since(t.submitted))
	}
}

func (p *Pool) onCompletion(s *slot, c unit.Completion) {
	if s.removed {
		return
	}
	id, busy := s.current()
	if !busy {
		p.logger.WithField("slot", s.id()).Debug("ignoring completion from idle unit")
		return
	}
	t := p.remove(id)
	s.state = idleState{}
	s.processed++
	p.crashStreak = 0

	if t != nil {
		if c.Success {
			p.settle(t, "success", c.Result, nil)
		} else {
			reason := c.Error
			if reason == "" {
				reason = DefaultFailureReason
			}
			p.settle(t, "failure", nil, &TaskError{TaskID: t.id, Slot: s.id(), Reason: reason})
		}
	}
	p.replenish()
	p.place()
}

func (p *Pool) onFault(s *slot, err error) {
	if s.removed {
		return
	}
	log := p.logger.WithField("slot", s.id())
	id, busy := s.current()
	if !busy {
		log.Warnf("unit fault while idle: %v", err)
		return
	}
	log.WithField("task", id).Warnf("unit fault: %v", err)
	s.state = idleState{}
	if t := p.remove(id); t != nil {
		p.settle(t, "fault", nil, &TaskError{TaskID: t.id, Slot: s.id(), Reason: err.Error(), Err: err})
	}
	p.place()
}

func (p *Pool) onExit(s *slot, status unit.Exit) {
	if s.removed {
		return
	}
	s.removed = true
	for i, live := range p.slots {
		if live == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}

	log := p.logger.WithField("slot", s.id())
	reason := "unit exited"
	if status.Err != nil {
		reason = status.Err.Error()
	}
	if id, busy := s.current(); busy {
		if t := p.remove(id); t != nil {
			err := fmt.Errorf("%w: %s", ErrUnitCrashed, reason)
			p.settle(t, "crashed", nil, &TaskError{TaskID: t.id, Slot: s.id(), Reason: err.Error(), Err: err})
		}
	}
	s.state = idleState{}
	if p.opts.metrics != nil {
		p.opts.metrics.RecordUnitExit(p.name, status.Err != nil)
	}
	if p.shuttingDown {
		return
	}

	log.Warnf("unit exited (code %d): %s", status.Code, reason)
	p.crashStreak++
	p.replenish()
	p.place()
}

// replenish schedules respawns until live plus pending units reach the
// target, unless the crash streak exhausted the respawn budget
func (p *Pool) replenish() {
	if p.shuttingDown || p.degraded {
		return
	}
	if p.crashStreak > p.cfg.RespawnLimit {
		if len(p.slots) == 0 && p.pendingRespawns == 0 {
			p.degrade(fmt.Errorf("respawn limit of %d reached", p.cfg.RespawnLimit))
			p.failPending(ErrUnavailable)
		}
		return
	}
	for len(p.slots)+p.pendingRespawns < p.cfg.Size {
		p.respawn(p.cfg.respawnDelay(p.crashStreak))
	}
}

func (p *Pool) respawn(delay time.Duration) {
	p.pendingRespawns++
	p.respawns++
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-p.quit:
				timer.Stop()
				p.post(spawnedEvent{err: ErrShutdown})
				return
			}
		}
		u, err := p.spawner.Spawn(p.ctx)
		p.post(spawnedEvent{unit: u, err: err})
	}()
}

func (p *Pool) onSpawned(u unit.Unit, err error) {
	p.pendingRespawns--
	if p.opts.metrics != nil {
		p.opts.metrics.RecordRespawn(p.name, err == nil)
	}
	if err != nil {
		if p.shuttingDown {
			return
		}
		p.logger.Warnf("respawn failed: %v", err)
		p.crashStreak++
		p.replenish()
		return
	}
	if p.shuttingDown {
		p.terminate(context.Background(), []unit.Unit{u})
		return
	}
	s := newSlot(u)
	p.slots = append(p.slots, s)
	go p.forward(s)
	p.logger.WithField("slot", s.id()).Info("unit respawned")
	p.place()
}

// failPending rejects every queued task; used when no unit will ever run them
func (p *Pool) failPending(err error) {
	queue := p.queue
	p.queue = nil
	for _, t := range queue {
		p.settle(t, "rejected", nil, err)
	}
}

func (p *Pool) onShutdown(ctx context.Context) {
	if p.shuttingDown {
		return
	}
	p.shuttingDown = true
	close(p.quit)
	p.cancel()

	queued := len(p.queue)
	queue := p.queue
	p.queue = nil
	for _, t := range queue {
		p.settle(t, "shutdown", nil, ErrShutdown)
	}

	units := make([]unit.Unit, 0, len(p.slots))
	for _, s := range p.slots {
		s.removed = true
		units = append(units, s.unit)
	}
	p.slots = nil
	p.logger.Infof("shutting down: %d units, %d queued tasks rejected", len(units), queued)
	if len(units) > 0 {
		p.terminate(ctx, units)
	}
}

// terminate stops units concurrently and reports back with a terminatedEvent
func (p *Pool) terminate(ctx context.Context, units []unit.Unit) {
	p.terminations++
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		for _, u := range units {
			g.Go(func() error {
				if err := u.Terminate(gctx); err != nil {
					return fmt.Errorf("terminate %s: %w", u.ID(), err)
				}
				return nil
			})
		}
		p.post(terminatedEvent{err: g.Wait()})
	}()
}

func (p *Pool) observe() {
	if p.opts.metrics == nil {
		return
	}
	st := p.snapshot()
	p.opts.metrics.UpdatePool(p.name, st.Slots, st.Busy, st.Queued, st.Pending, st.Available)
}

// Name returns the pool's label in logs and metrics
func (p *Pool) Name() string { return p.name }

// Resource returns the resource units are spawned from
func (p *Pool) Resource() string { return p.spawner.Resource() }

// Submit enqueues payload and returns its handle immediately. The handle is
// already rejected with ErrShutdown or ErrUnavailable when the pool cannot
// accept work.
func (p *Pool) Submit(payload interface{}) *Handle {
	handles, err := p.submit([]interface{}{payload}, false)
	if err != nil {
		return rejectedHandle(err)
	}
	return handles[0]
}

func (p *Pool) submit(payloads []interface{}, batch bool) ([]*Handle, error) {
	ev := submitEvent{
		payloads: payloads,
		handles:  make([]*Handle, len(payloads)),
		batch:    batch,
		reply:    make(chan error, 1),
	}
	if !p.post(ev) {
		return nil, ErrShutdown
	}
	if err := <-ev.reply; err != nil {
		return nil, err
	}
	return ev.handles, nil
}

// SubmitBatch submits all payloads at once and waits for every result.
// Availability is checked once for the whole batch. The first failure in
// completion order is returned; sibling tasks keep running. ctx only bounds
// the wait.
func (p *Pool) SubmitBatch(ctx context.Context, payloads []interface{}) ([]interface{}, error) {
	handles, err := p.submit(payloads, true)
	if err != nil {
		return nil, err
	}
	results := make([]interface{}, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		g.Go(func() error {
			v, err := h.Wait(gctx)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Stats returns a snapshot of the pool. After shutdown it returns the final
// snapshot.
func (p *Pool) Stats() Stats {
	ev := statsEvent{reply: make(chan Stats, 1)}
	if !p.post(ev) {
		return p.final
	}
	return <-ev.reply
}

// IsAvailable reports whether submissions are accepted
func (p *Pool) IsAvailable() bool {
	return p.Stats().Available
}

// Shutdown rejects every queued task with ErrShutdown, terminates all units
// and waits until they acknowledged. It returns early with ctx's error if ctx
// ends first; the shutdown still completes in the background. Calling it
// again waits for the same shutdown.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.post(shutdownEvent{ctx: context.WithoutCancel(ctx)})
	})
	select {
	case <-p.done:
		return p.terminateErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the pool has fully shut down
func (p *Pool) Done() <-chan struct{} { return p.done }
