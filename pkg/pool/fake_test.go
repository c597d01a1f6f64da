package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/unitpool/pkg/unit"
	"github.com/stretchr/testify/require"
)

// fakeUnit is a unit driven entirely by the test
type fakeUnit struct {
	id          string
	sent        chan interface{}
	completions chan unit.Completion
	faults      chan error
	exited      chan struct{}
	exitOnce    sync.Once
	exit        unit.Exit
}

func newFakeUnit(id string) *fakeUnit {
	return &fakeUnit{
		id:          id,
		sent:        make(chan interface{}, 16),
		completions: make(chan unit.Completion),
		faults:      make(chan error),
		exited:      make(chan struct{}),
	}
}

func (u *fakeUnit) ID() string { return u.id }

func (u *fakeUnit) Send(payload interface{}) error {
	select {
	case <-u.exited:
		return unit.ErrTerminated
	default:
	}
	u.sent <- payload
	return nil
}

func (u *fakeUnit) Completions() <-chan unit.Completion { return u.completions }
func (u *fakeUnit) Faults() <-chan error                { return u.faults }
func (u *fakeUnit) Exited() <-chan struct{}             { return u.exited }

func (u *fakeUnit) ExitStatus() unit.Exit {
	select {
	case <-u.exited:
		return u.exit
	default:
		return unit.Exit{}
	}
}

func (u *fakeUnit) Terminate(context.Context) error {
	u.finish(unit.Exit{})
	return nil
}

func (u *fakeUnit) crash(err error) {
	u.finish(unit.Exit{Code: 1, Err: err})
}

func (u *fakeUnit) finish(exit unit.Exit) {
	u.exitOnce.Do(func() {
		u.exit = exit
		close(u.exited)
	})
}

func (u *fakeUnit) terminated() bool {
	select {
	case <-u.exited:
		return true
	default:
		return false
	}
}

// complete delivers c as if the unit finished its payload
func (u *fakeUnit) complete(t *testing.T, c unit.Completion) {
	t.Helper()
	select {
	case u.completions <- c:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: completion not consumed", u.id)
	}
}

func (u *fakeUnit) fault(t *testing.T, err error) {
	t.Helper()
	select {
	case u.faults <- err:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: fault not consumed", u.id)
	}
}

// received returns the next payload sent to the unit
func (u *fakeUnit) received(t *testing.T) interface{} {
	t.Helper()
	select {
	case p := <-u.sent:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no payload received", u.id)
		return nil
	}
}

// fakeSpawner hands out fakeUnits and records them in spawn order
type fakeSpawner struct {
	mu       sync.Mutex
	units    []*fakeUnit
	seq      int
	probeErr error
	spawnErr func(seq int) error
}

func (s *fakeSpawner) Resource() string { return "fake" }

func (s *fakeSpawner) Probe(context.Context) error { return s.probeErr }

func (s *fakeSpawner) Spawn(context.Context) (unit.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if s.spawnErr != nil {
		if err := s.spawnErr(s.seq); err != nil {
			return nil, err
		}
	}
	u := newFakeUnit(fmt.Sprintf("fake-%d", s.seq))
	s.units = append(s.units, u)
	return u, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// unit waits for the i-th spawned unit (0-based)
func (s *fakeSpawner) unit(t *testing.T, i int) *fakeUnit {
	t.Helper()
	require.Eventually(t, func() bool { return s.spawned() > i }, 2*time.Second, 5*time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[i]
}
