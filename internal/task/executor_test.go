package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsInOrder(t *testing.T) {
	e := NewExecutor(0)
	defer e.Stop()

	var mu sync.Mutex
	var got []int
	for i := range 20 {
		require.NoError(t, e.Submit(QueueEncode, func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	e.WaitIdle()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestQueuesAreIndependent(t *testing.T) {
	e := NewExecutor(0)
	defer e.Stop()

	block := make(chan struct{})
	require.NoError(t, e.Submit(QueueEncode, func() { <-block }))

	done := make(chan struct{})
	require.NoError(t, e.Submit(QueueDecode, func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("decode queue blocked by encode queue")
	}
	close(block)
}

func TestPurgeDropsPendingOnly(t *testing.T) {
	e := NewExecutor(4)
	defer e.Stop()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, e.Submit(QueueDecode, func() {
		close(started)
		<-block
	}))
	<-started

	var ran int
	var mu sync.Mutex
	for range 3 {
		require.NoError(t, e.Submit(QueueDecode, func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}

	e.Purge(QueueDecode)
	close(block)
	e.WaitIdle()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, ran, "pending jobs must not run after purge")
}

func TestSubmitBlocksWhenFull(t *testing.T) {
	e := NewExecutor(1)
	defer e.Stop()

	block := make(chan struct{})
	require.NoError(t, e.Submit(QueueEncode, func() { <-block }))
	require.NoError(t, e.Submit(QueueEncode, func() {})) // fills the queue

	submitted := make(chan struct{})
	go func() {
		_ = e.Submit(QueueEncode, func() {})
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("submit should block while the queue is full")
	case <-time.After(100 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("submit never unblocked")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	e := NewExecutor(0)
	e.Stop()
	assert.ErrorIs(t, e.Submit(QueueEncode, func() {}), ErrStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	e := NewExecutor(0)
	e.Stop()
	e.Stop()
}
