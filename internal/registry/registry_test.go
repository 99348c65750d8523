package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudcodex/gateway/internal/domain"
)

type fakeAgent struct {
	startErr error
	initErr  error

	started atomic.Int32
	stopped atomic.Int32
	hooks   Hooks
}

func (f *fakeAgent) Start(ctx context.Context) error {
	f.started.Add(1)
	return f.startErr
}

func (f *fakeAgent) Initialize(ctx context.Context, clientInfo map[string]any) error {
	return f.initErr
}

func (f *fakeAgent) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeAgent) Stop() error {
	f.stopped.Add(1)
	return nil
}

type testEnv struct {
	registry *Registry
	agents   []*fakeAgent
	mu       sync.Mutex
	creates  atomic.Int32
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = t.TempDir()
	}
	env := &testEnv{}
	env.registry = New(cfg, func(sessionID, userID, workDir string, hooks Hooks) AgentProcess {
		env.creates.Add(1)
		agent := &fakeAgent{hooks: hooks}
		env.mu.Lock()
		env.agents = append(env.agents, agent)
		env.mu.Unlock()
		return agent
	})
	t.Cleanup(env.registry.Shutdown)
	return env
}

func TestGetOrCreateReusesSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	first, err := env.registry.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateReady, first.State())
	assert.DirExists(t, first.WorkingDirectory)

	second, err := env.registry.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), env.creates.Load())
}

func TestConcurrentGetOrCreateYieldsOneSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := env.registry.GetOrCreate(ctx, "u1")
			assert.NoError(t, err)
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, int32(1), env.creates.Load())
	assert.Equal(t, 1, env.registry.Count())
}

func TestDistinctUsersGetDistinctSessions(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	a, err := env.registry.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	b, err := env.registry.GetOrCreate(ctx, "u2")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.WorkingDirectory, b.WorkingDirectory)
	assert.Equal(t, 2, env.registry.Count())
}

func TestFailedHandshakeIsNotRetained(t *testing.T) {
	root := t.TempDir()
	reg := New(Config{WorkspaceRoot: root}, func(sessionID, userID, workDir string, hooks Hooks) AgentProcess {
		return &fakeAgent{initErr: fmt.Errorf("handshake refused")}
	})
	t.Cleanup(reg.Shutdown)

	_, err := reg.GetOrCreate(context.Background(), "u1")
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Count())

	// The next attempt starts fresh rather than reusing the failed entry.
	_, err = reg.GetOrCreate(context.Background(), "u1")
	assert.Error(t, err)
}

func TestDestroyStopsAgentAndRemovesWorkspace(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	sess, err := env.registry.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	workDir := sess.WorkingDirectory

	require.NoError(t, env.registry.Destroy(sess.ID))
	assert.Equal(t, int32(1), env.agents[0].stopped.Load())
	assert.Equal(t, domain.SessionStateClosed, sess.State())
	_, statErr := os.Stat(workDir)
	assert.True(t, os.IsNotExist(statErr))

	_, err = env.registry.Get(sess.ID)
	assert.Error(t, err)
}

func TestEventHooksTrackBusyAndActivity(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	var events []domain.RawEvent
	env.registry.SetListener(Listener{
		OnSessionEvent: func(sessionID, userID string, ev domain.RawEvent) {
			events = append(events, ev)
		},
	})

	sess, err := env.registry.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	hooks := env.agents[0].hooks

	before := sess.LastActiveAt()
	time.Sleep(5 * time.Millisecond)

	hooks.OnEvent(domain.RawEvent{ID: "e1", Type: "turn/started", ThreadID: "t1"})
	assert.Equal(t, domain.SessionStateBusy, sess.State())
	assert.True(t, sess.LastActiveAt().After(before))

	hooks.OnEvent(domain.RawEvent{ID: "e2", Type: "turn/completed", ThreadID: "t1"})
	assert.Equal(t, domain.SessionStateReady, sess.State())

	assert.Len(t, events, 2)
}

func TestAgentExitDropsSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	exits := make(chan int, 1)
	env.registry.SetListener(Listener{
		OnExit: func(sessionID, userID string, exitCode int) { exits <- exitCode },
	})

	sess, err := env.registry.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	env.agents[0].hooks.OnExit(1)
	assert.Equal(t, 1, <-exits)

	_, err = env.registry.Get(sess.ID)
	assert.Error(t, err)
	assert.Equal(t, 0, env.registry.Count())
}

func TestIdleSweepSkipsBusySessions(t *testing.T) {
	env := newTestEnv(t, Config{
		IdleTimeout:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	idle, err := env.registry.GetOrCreate(ctx, "idle-user")
	require.NoError(t, err)
	busy, err := env.registry.GetOrCreate(ctx, "busy-user")
	require.NoError(t, err)
	busy.setState(domain.SessionStateBusy)

	env.registry.StartSweeper()

	assert.Eventually(t, func() bool {
		_, err := env.registry.Get(idle.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond)

	_, err = env.registry.Get(busy.ID)
	assert.NoError(t, err)
}

func TestCallAgentMarksTurnStartBusy(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	sess, err := env.registry.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	result, err := env.registry.CallAgent(ctx, sess.ID, "turn/start", map[string]any{"input": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, domain.SessionStateBusy, sess.State())
}
