package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxorio/unitpool/pkg/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(ctx context.Context, payload interface{}) (interface{}, error) {
	switch p := payload.(type) {
	case string:
		switch p {
		case "fail":
			return nil, errors.New("bad input")
		case "fault":
			return nil, Fault(errors.New("oom"))
		case "exit":
			return nil, Exit(errors.New("segfault"))
		case "panic":
			panic("boom")
		case "block":
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	return payload, nil
}

func spawn(t *testing.T, s *Spawner) *Unit {
	t.Helper()
	u, err := s.Spawn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = u.Terminate(ctx)
	})
	return u.(*Unit)
}

func waitCompletion(t *testing.T, u unit.Unit) unit.Completion {
	t.Helper()
	select {
	case c := <-u.Completions():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return unit.Completion{}
	}
}

func TestUnit_Completion(t *testing.T) {
	u := spawn(t, NewSpawner("echo", echo))

	require.NoError(t, u.Send("A"))
	assert.Equal(t, unit.Completion{Success: true, Result: "A"}, waitCompletion(t, u))

	require.NoError(t, u.Send("fail"))
	assert.Equal(t, unit.Completion{Success: false, Error: "bad input"}, waitCompletion(t, u))
}

func TestUnit_SendWhileBusy(t *testing.T) {
	u := spawn(t, NewSpawner("echo", echo))

	require.NoError(t, u.Send("block"))
	// the handler may not have dequeued yet, so either the first or second extra send is rejected
	err := u.Send("x")
	if err == nil {
		err = u.Send("y")
	}
	assert.ErrorIs(t, err, unit.ErrBusy)
}

func TestUnit_FaultKeepsRunning(t *testing.T) {
	u := spawn(t, NewSpawner("echo", echo))

	require.NoError(t, u.Send("fault"))
	select {
	case err := <-u.Faults():
		assert.EqualError(t, err, "oom")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fault")
	}

	require.NoError(t, u.Send("B"))
	assert.Equal(t, "B", waitCompletion(t, u).Result)
}

func TestUnit_PanicIsFault(t *testing.T) {
	u := spawn(t, NewSpawner("echo", echo))

	require.NoError(t, u.Send("panic"))
	select {
	case err := <-u.Faults():
		var panicErr *unit.PanicError
		assert.ErrorAs(t, err, &panicErr)
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fault")
	}
}

func TestUnit_ExitAbnormal(t *testing.T) {
	u := spawn(t, NewSpawner("echo", echo))

	require.NoError(t, u.Send("exit"))
	select {
	case <-u.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not exit")
	}
	status := u.ExitStatus()
	assert.Equal(t, 1, status.Code)
	assert.EqualError(t, status.Err, "segfault")
	assert.ErrorIs(t, u.Send("A"), unit.ErrTerminated)
}

func TestUnit_CrashWhileBusy(t *testing.T) {
	u := spawn(t, NewSpawner("echo", echo))

	require.NoError(t, u.Send("block"))
	u.Crash(errors.New("killed"))

	select {
	case <-u.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not exit")
	}
	assert.EqualError(t, u.ExitStatus().Err, "killed")
	assert.Empty(t, u.Completions())
}

func TestUnit_TerminateIsRequestedExit(t *testing.T) {
	u := spawn(t, NewSpawner("echo", echo))

	require.NoError(t, u.Terminate(context.Background()))
	assert.Equal(t, unit.Exit{}, u.ExitStatus())
}

func TestSpawner(t *testing.T) {
	s := NewSpawner("echo", echo, WithSpawnHook(func(seq int) error {
		if seq == 2 {
			return errors.New("no capacity")
		}
		return nil
	}))

	assert.Equal(t, "local:echo", s.Resource())
	assert.NoError(t, s.Probe(context.Background()))

	u1 := spawn(t, s)
	assert.Equal(t, "echo-1", u1.ID())

	_, err := s.Spawn(context.Background())
	assert.EqualError(t, err, "no capacity")

	u3 := spawn(t, s)
	assert.Equal(t, "echo-3", u3.ID())
	assert.Equal(t, 2, s.Spawned())
}

func TestSpawner_Probe(t *testing.T) {
	s := NewSpawner("nil", nil)
	assert.Error(t, s.Probe(context.Background()))

	s = NewSpawner("down", echo, WithProbe(func(context.Context) error {
		return errors.New("resource missing")
	}))
	assert.EqualError(t, s.Probe(context.Background()), "resource missing")
}
