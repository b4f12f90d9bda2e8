package spdy

import (
	"errors"
	"fmt"

	"github.com/panjf2000/ants/v2"
)

// ErrExecutorSaturated is returned by PoolExecutor.Submit when every worker
// is busy. The session answers it with RST_STREAM REFUSED_STREAM.
var ErrExecutorSaturated = errors.New("spdy: executor saturated")

// PoolExecutor is the production Executor: a fixed-size goroutine pool.
// Submission is nonblocking so a saturated pool surfaces as a refused
// stream instead of stalling the session's ingress loop.
//
// The executor's lifetime belongs to whoever constructs it, never to the
// sessions that borrow it. Close after every session using it has returned.
type PoolExecutor struct {
	pool *ants.Pool
}

// NewPoolExecutor creates a pool of exactly size workers.
func NewPoolExecutor(size int) (*PoolExecutor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("executor size must be positive, got %d", size)
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	return &PoolExecutor{pool: pool}, nil
}

// Submit schedules task on a pool worker.
func (e *PoolExecutor) Submit(task func()) error {
	if err := e.pool.Submit(task); err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrExecutorSaturated
		}
		return err
	}
	return nil
}

// Close releases the pool's workers.
func (e *PoolExecutor) Close() {
	e.pool.Release()
}
