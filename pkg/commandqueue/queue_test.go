package commandqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueue(t *testing.T) {
	t.Run("should run a task and return its result", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		got, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (interface{}, error) {
			return "done", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "done", got)
	})

	t.Run("should preserve arrival order within a lane", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		var (
			mu    sync.Mutex
			order []int
		)
		record := func(n int) Task {
			return func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil, nil
			}
		}

		gate := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (interface{}, error) {
				<-gate
				return record(1)(ctx)
			})
		}()
		waitFor(t, func() bool { return cq.Running("session-a") == 1 })

		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "session-a", record(2))
		}()
		waitFor(t, func() bool { return cq.Size("session-a") == 1 })

		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "session-a", record(3))
		}()
		waitFor(t, func() bool { return cq.Size("session-a") == 2 })

		close(gate)
		wg.Wait()

		assert.Equal(t, []int{1, 2, 3}, order)
	})

	t.Run("should never run two tasks of the same lane concurrently", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		var (
			mu      sync.Mutex
			active  int
			maxSeen int
		)
		task := func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return nil, nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = cq.Enqueue(context.Background(), "session-a", task)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, maxSeen)
	})

	t.Run("should run lanes independently of each other", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		gate := make(chan struct{})
		go func() {
			_, _ = cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (interface{}, error) {
				<-gate
				return nil, nil
			})
		}()
		waitFor(t, func() bool { return cq.Running("session-a") == 1 })

		done := make(chan struct{})
		go func() {
			_, _ = cq.Enqueue(context.Background(), "session-b", func(ctx context.Context) (interface{}, error) {
				return nil, nil
			})
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("lane b blocked behind lane a")
		}
		close(gate)
	})
}

func TestAbort(t *testing.T) {
	t.Run("should cancel the running task and reject queued ones", func(t *testing.T) {
		cq := New()
		defer cq.Close()

		started := make(chan struct{})
		runErr := make(chan error, 1)
		go func() {
			_, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (interface{}, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			})
			runErr <- err
		}()
		<-started

		queuedErr := make(chan error, 1)
		go func() {
			_, err := cq.Enqueue(context.Background(), "session-a", func(ctx context.Context) (interface{}, error) {
				return nil, nil
			})
			queuedErr <- err
		}()
		waitFor(t, func() bool { return cq.Size("session-a") == 1 })

		rejected := cq.Abort("session-a")
		assert.Equal(t, 1, rejected)

		assert.ErrorIs(t, <-runErr, context.Canceled)
		assert.ErrorContains(t, <-queuedErr, "aborted")
	})

	t.Run("should be a no-op on an unknown lane", func(t *testing.T) {
		cq := New()
		defer cq.Close()
		assert.Equal(t, 0, cq.Abort("nope"))
	})
}
