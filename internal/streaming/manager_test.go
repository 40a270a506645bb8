package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	// ring holds seq 2,3,4 after overflow
	evs := r.since(0)
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("unexpected ring contents: %+v", evs)
	}
	evs = r.since(2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("unexpected replay since 2: %+v", evs)
	}
}

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	runID := "run-1"

	ch := m.Subscribe(runID, 10)
	defer m.Unsubscribe(runID, ch)

	m.Publish(runID, Event{Type: "stage_changed", Stage: "PLAN", Message: "planning"})
	m.Publish(runID, Event{Type: "task_started", TaskID: "iter1-task1", Iteration: 1})

	select {
	case e := <-ch:
		assert.Equal(t, "stage_changed", e.Type)
		assert.Equal(t, "PLAN", e.Stage)
		assert.Equal(t, runID, e.RunID)
		assert.NotZero(t, e.Seq)
		assert.NotZero(t, e.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case e := <-ch:
		assert.Equal(t, "task_started", e.Type)
		assert.Equal(t, "iter1-task1", e.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for second event")
	}
}

func TestReplaySinceSkipsDelivered(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	runID := "run-replay"

	for i := 0; i < 5; i++ {
		m.Publish(runID, Event{Type: "event"})
	}

	all := m.ReplaySince(runID, 0)
	require.Len(t, all, 5)

	tail := m.ReplaySince(runID, all[2].Seq)
	require.Len(t, tail, 2)
	for _, e := range tail {
		assert.Greater(t, e.Seq, all[2].Seq)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	runID := "run-slow"

	ch := m.Subscribe(runID, 1)
	defer m.Unsubscribe(runID, ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			m.Publish(runID, Event{Type: "burst"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRedisMirrorAndTail(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewManager(rdb, zap.NewNop())
	runID := "run-mirror"

	m.Publish(runID, Event{Type: "stage_changed", Stage: "SEARCH"})
	m.Publish(runID, Event{Type: "task_completed", TaskID: "iter1-task2"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out := make(chan Event, 10)
	go func() { _ = m.Tail(ctx, runID, out) }()

	var got []Event
	for len(got) < 2 {
		select {
		case e := <-out:
			got = append(got, e)
		case <-ctx.Done():
			t.Fatalf("timeout tailing mirror, got %d events", len(got))
		}
	}
	assert.Equal(t, "stage_changed", got[0].Type)
	assert.Equal(t, "SEARCH", got[0].Stage)
	assert.Equal(t, "task_completed", got[1].Type)
	assert.Equal(t, runID, got[1].RunID)
}

func TestCloseStreamsDropsHistory(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewManager(rdb, zap.NewNop())
	runID := "run-close"

	m.Publish(runID, Event{Type: "event"})
	require.Len(t, m.ReplaySince(runID, 0), 1)

	m.CloseStreams(runID)
	assert.Empty(t, m.ReplaySince(runID, 0))
}
