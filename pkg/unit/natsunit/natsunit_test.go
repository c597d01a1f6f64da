package natsunit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fluxorio/unitpool/pkg/core"
	"github.com/fluxorio/unitpool/pkg/unit"
	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	s, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	require.NoError(t, err)
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func upper(_ context.Context, p interface{}) (interface{}, error) {
	s, ok := p.(string)
	if !ok {
		return nil, errors.New("payload must be a string")
	}
	return strings.ToUpper(s), nil
}

func startWorker(t *testing.T, url, subject string) {
	t.Helper()
	startHandler(t, url, subject, upper)
}

func startHandler(t *testing.T, url, subject string, h unit.Handler) {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, nc, subject, "workers", h) }()
	t.Cleanup(func() {
		cancel()
		<-done
		nc.Close()
	})
	// Serve subscribes asynchronously; wait until a probe is answered
	s := NewSpawner(Config{URL: url, Subject: subject})
	require.Eventually(t, func() bool { return s.Probe(context.Background()) == nil }, 5*time.Second, 20*time.Millisecond)
}

func spawn(t *testing.T, s *Spawner) *Unit {
	t.Helper()
	u, err := s.Spawn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Terminate(context.Background()) })
	return u.(*Unit)
}

func TestUnit_RequestReply(t *testing.T) {
	srv := runTestNATSServer(t)
	startWorker(t, srv.ClientURL(), "unitpool.test")

	u := spawn(t, NewSpawner(Config{URL: srv.ClientURL(), Subject: "unitpool.test", RequestTimeout: 2 * time.Second}))

	require.NoError(t, u.Send("abc"))
	select {
	case c := <-u.Completions():
		assert.Equal(t, unit.Completion{Success: true, Result: "ABC"}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	require.NoError(t, u.Send(42))
	select {
	case c := <-u.Completions():
		assert.False(t, c.Success)
		assert.Equal(t, "payload must be a string", c.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestUnit_NoRespondersIsFault(t *testing.T) {
	srv := runTestNATSServer(t)
	u := spawn(t, NewSpawner(Config{URL: srv.ClientURL(), Subject: "unitpool.nobody"}))

	require.NoError(t, u.Send("abc"))
	select {
	case err := <-u.Faults():
		assert.ErrorIs(t, err, nats.ErrNoResponders)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fault")
	}
}

func TestUnit_ServerShutdownIsAbnormalExit(t *testing.T) {
	srv := runTestNATSServer(t)
	u := spawn(t, NewSpawner(Config{URL: srv.ClientURL()}))

	srv.Shutdown()
	select {
	case <-u.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("unit did not exit")
	}
	assert.Error(t, u.ExitStatus().Err)
	assert.ErrorIs(t, u.Send("abc"), unit.ErrTerminated)
}

func TestUnit_TerminateIsRequestedExit(t *testing.T) {
	srv := runTestNATSServer(t)
	u := spawn(t, NewSpawner(Config{URL: srv.ClientURL()}))

	require.NoError(t, u.Terminate(context.Background()))
	assert.NoError(t, u.ExitStatus().Err)
}

func TestSpawner_Probe(t *testing.T) {
	srv := runTestNATSServer(t)

	err := NewSpawner(Config{URL: srv.ClientURL(), Subject: "unitpool.nobody"}).Probe(context.Background())
	assert.ErrorIs(t, err, nats.ErrNoResponders)

	err = NewSpawner(Config{URL: "nats://127.0.0.1:1"}).Probe(context.Background())
	assert.Error(t, err)
}

func TestServe_MalformedRequestIsFault(t *testing.T) {
	srv := runTestNATSServer(t)
	startWorker(t, srv.ClientURL(), "unitpool.raw")

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	resp, err := nc.Request("unitpool.raw", []byte("not-json"), 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(resp.Data), `"fault"`)
}

func TestUnit_ReplyForOtherJobIsFault(t *testing.T) {
	srv := runTestNATSServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	_, err = nc.Subscribe("unitpool.stale", func(m *nats.Msg) {
		_ = m.Respond([]byte(`{"id":999,"success":true,"result":"stale"}`))
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	u := spawn(t, NewSpawner(Config{URL: srv.ClientURL(), Subject: "unitpool.stale", RequestTimeout: 2 * time.Second}))
	require.NoError(t, u.Send("abc"))
	select {
	case err := <-u.Faults():
		assert.ErrorContains(t, err, "reply for job 999")
	case c := <-u.Completions():
		t.Fatalf("unexpected completion %+v", c)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fault")
	}
}

func TestServe_EchoesJobID(t *testing.T) {
	srv := runTestNATSServer(t)
	startWorker(t, srv.ClientURL(), "unitpool.echo")

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	resp, err := nc.Request("unitpool.echo", []byte(`{"id":7,"payload":"x"}`), 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"success":true,"result":"X"}`, string(resp.Data))
}

func TestServe_HandlerSeesRequestID(t *testing.T) {
	srv := runTestNATSServer(t)
	startHandler(t, srv.ClientURL(), "unitpool.rid", func(ctx context.Context, _ interface{}) (interface{}, error) {
		return core.GetRequestID(ctx), nil
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msg := nats.NewMsg("unitpool.rid")
	msg.Data = []byte(`{"id":1,"payload":null}`)
	msg.Header.Set(HeaderRequestID, "req-7")
	resp, err := nc.RequestMsg(msg, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"success":true,"result":"req-7"}`, string(resp.Data))

	// units stamp a fresh ID on every request
	u := spawn(t, NewSpawner(Config{URL: srv.ClientURL(), Subject: "unitpool.rid"}))
	var ids []string
	for i := 0; i < 2; i++ {
		require.NoError(t, u.Send("x"))
		select {
		case c := <-u.Completions():
			require.True(t, c.Success)
			ids = append(ids, c.Result.(string))
		case <-time.After(2 * time.Second):
			t.Fatal("no completion")
		}
	}
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}
