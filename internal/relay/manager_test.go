package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerLifecycle(t *testing.T) {
	obs := newRecordingObserver()
	mgr := NewManager(ManagerConfig{}, WithObservers(obs))
	defer mgr.Stop()
	ctx := context.Background()

	stream := mgr.Open()
	require.NotEmpty(t, stream.ID)
	assert.Equal(t, 1, mgr.Len())

	res, err := mgr.Push(ctx, stream.ID, "Hi\n```tool_call\n{\"tool\": \"Write\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Hi\n", res.Output)
	assert.Equal(t, "[tool_call] Write", res.ToolIndicator)

	res, err = mgr.Push(ctx, stream.ID, "\n```go\nx")
	require.NoError(t, err)
	assert.Equal(t, "\n```go\nx", res.Output)

	info := stream.Info()
	assert.Equal(t, StatusActive, info.Status)
	assert.Equal(t, "normal", info.Phase)
	assert.Equal(t, 2, info.Stats.Chunks)

	out, err := mgr.Finish(ctx, stream.ID)
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, StatusFinished, stream.Info().Status)

	_, err = mgr.Push(ctx, stream.ID, "late")
	assert.ErrorIs(t, err, ErrStreamFinished)
	_, err = mgr.Finish(ctx, stream.ID)
	assert.ErrorIs(t, err, ErrStreamFinished)

	require.NoError(t, mgr.Reset(stream.ID))
	res, err = mgr.Push(ctx, stream.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, "again", res.Output)

	require.NoError(t, mgr.Close(ctx, stream.ID))
	assert.Equal(t, 0, mgr.Len())
	assert.ErrorIs(t, mgr.Close(ctx, stream.ID), ErrStreamNotFound)

	assert.Equal(t, []string{"Write"}, obs.tools)
	assert.Contains(t, obs.finished, stream.ID)
}

func TestManagerUnknownStream(t *testing.T) {
	mgr := NewManager(ManagerConfig{})
	defer mgr.Stop()

	_, err := mgr.Push(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrStreamNotFound)
	_, err = mgr.Finish(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
	assert.ErrorIs(t, mgr.Reset("missing"), ErrStreamNotFound)
}

func TestManagerStreamsAreIsolated(t *testing.T) {
	mgr := NewManager(ManagerConfig{})
	defer mgr.Stop()
	ctx := context.Background()

	a := mgr.Open()
	b := mgr.Open()

	_, err := mgr.Push(ctx, a.ID, "```tool_call\n{\"tool\": \"A\"}")
	require.NoError(t, err)
	res, err := mgr.Push(ctx, b.ID, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", res.Output)

	infos := mgr.List()
	require.Len(t, infos, 2)
	phases := map[string]string{}
	for _, info := range infos {
		phases[info.ID] = info.Phase
	}
	assert.Equal(t, "in_tool_block", phases[a.ID])
	assert.Equal(t, "normal", phases[b.ID])
}

func TestManagerExpireIdle(t *testing.T) {
	obs := newRecordingObserver()
	mgr := NewManager(ManagerConfig{Timeout: time.Minute, CleanupInterval: time.Hour}, WithObservers(obs))
	defer mgr.Stop()

	old := mgr.Open()
	fresh := mgr.Open()
	old.mu.Lock()
	old.lastActivity = time.Now().Add(-2 * time.Minute)
	old.mu.Unlock()

	assert.Equal(t, 1, mgr.expireIdle(time.Now()))
	_, ok := mgr.Get(old.ID)
	assert.False(t, ok)
	_, ok = mgr.Get(fresh.ID)
	assert.True(t, ok)
	assert.Contains(t, obs.finished, old.ID)
}

func TestManagerConcurrentPush(t *testing.T) {
	mgr := NewManager(ManagerConfig{})
	defer mgr.Stop()
	stream := mgr.Open()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := mgr.Push(context.Background(), stream.ID, "word ")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, stream.Info().Stats.Chunks)
}

func TestManagerStopFinishesStreams(t *testing.T) {
	obs := newRecordingObserver()
	mgr := NewManager(ManagerConfig{Timeout: time.Minute}, WithObservers(obs))
	s := mgr.Open()

	mgr.Stop()
	mgr.Stop()
	assert.Equal(t, 0, mgr.Len())
	assert.Contains(t, obs.finished, s.ID)
}
