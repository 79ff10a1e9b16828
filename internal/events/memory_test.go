package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemory_FilterByExecution(t *testing.T) {
	b := NewMemory(8)
	defer b.Close()
	ctx := context.Background()

	all, err := b.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	one, err := b.Subscribe(ctx, Filter{ExecutionID: "a"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, New(KindExecutionStarted, "b")))
	require.NoError(t, b.Publish(ctx, New(KindExecutionStarted, "a")))

	assert.Equal(t, "b", recv(t, all).ExecutionID)
	assert.Equal(t, "a", recv(t, all).ExecutionID)
	assert.Equal(t, "a", recv(t, one).ExecutionID)

	select {
	case e := <-one.Events():
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestMemory_PreservesOrder(t *testing.T) {
	b := NewMemory(16)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, Filter{ExecutionID: "x"})
	require.NoError(t, err)

	kinds := []Kind{KindExecutionStarted, KindStepCompleted, KindStepCompleted, KindExecutionCompleted}
	for _, k := range kinds {
		require.NoError(t, b.Publish(ctx, New(k, "x")))
	}
	for _, want := range kinds {
		assert.Equal(t, want, recv(t, sub).Kind)
	}
}

func TestMemory_SlowSubscriberDrops(t *testing.T) {
	b := NewMemory(1)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, New(KindStepStarted, "x")))
	}
	assert.Equal(t, uint64(4), b.Dropped())
	recv(t, sub)
}

func TestMemory_ContextCancelCloses(t *testing.T) {
	b := NewMemory(4)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers())
}

func TestMemory_ConcurrentPublishAndClose(t *testing.T) {
	b := NewMemory(4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub, err := b.Subscribe(ctx, Filter{})
		require.NoError(t, err)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Publish(ctx, New(KindStepStarted, "x"))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
			sub.Close()
		}()
	}
	wg.Wait()

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, New(KindStepStarted, "x")), ErrClosed)
}

func TestNATS_Subject(t *testing.T) {
	n := NewNATSFromConn(nil, "orch.exec", 0)
	e := New(KindStepCompleted, "abc.def")
	assert.Equal(t, "orch.exec.abc_def.step_completed", n.Subject(e))
}
