package spdy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutorRunsWork(t *testing.T) {
	exec, err := NewPoolExecutor(4)
	require.NoError(t, err)
	defer exec.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			mu.Lock()
			count++
			mu.Unlock()
		}
		// The pool is nonblocking: with all workers busy, Submit refuses the
		// task, so resubmit until a worker frees up.
		err := exec.Submit(task)
		for errors.Is(err, ErrExecutorSaturated) {
			time.Sleep(time.Millisecond)
			err = exec.Submit(task)
		}
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, 16, count)
}

func TestPoolExecutorRejectsWhenSaturated(t *testing.T) {
	exec, err := NewPoolExecutor(1)
	require.NoError(t, err)
	defer exec.Close()

	block := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, exec.Submit(func() {
		close(running)
		<-block
	}))
	<-running

	err = exec.Submit(func() {})
	assert.ErrorIs(t, err, ErrExecutorSaturated)
	close(block)

	// A freed worker accepts again.
	deadline := time.After(time.Second)
	for {
		if err := exec.Submit(func() {}); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("executor never recovered after saturation")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolExecutorRejectsBadSize(t *testing.T) {
	_, err := NewPoolExecutor(0)
	assert.Error(t, err)
}
