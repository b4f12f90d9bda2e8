package spdy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBridge(id StreamID, pri Priority) *Bridge {
	b := &Bridge{id: id, priority: pri}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func mustEnqueue(t *testing.T, s *scheduler, b *Bridge, of outFrame) {
	t.Helper()
	require.NoError(t, s.enqueueStream(b, of))
}

func drainOrder(t *testing.T, s *scheduler, n int) []Frame {
	t.Helper()
	out := make([]Frame, 0, n)
	for len(out) < n {
		of, _, ok := s.next()
		require.True(t, ok)
		if of.frame != nil {
			out = append(out, of.frame)
		}
	}
	return out
}

func TestSchedulerControlFramesFirst(t *testing.T) {
	s := newScheduler(1 << 20)
	b := testBridge(1, 0)
	mustEnqueue(t, s, b, outFrame{frame: &DataFrame{StreamID: 1}})
	s.enqueueControl(&PingFrame{ID: 1})
	s.enqueueControl(&GoAwayFrame{})

	frames := drainOrder(t, s, 3)
	assert.IsType(t, &PingFrame{}, frames[0])
	assert.IsType(t, &GoAwayFrame{}, frames[1])
	assert.IsType(t, &DataFrame{}, frames[2])
}

func TestSchedulerPriorityOrder(t *testing.T) {
	s := newScheduler(1 << 20)
	low := testBridge(1, 3)
	high := testBridge(3, 0)
	mid := testBridge(5, 1)
	mustEnqueue(t, s, low, outFrame{frame: &DataFrame{StreamID: 1}})
	mustEnqueue(t, s, mid, outFrame{frame: &DataFrame{StreamID: 5}})
	mustEnqueue(t, s, high, outFrame{frame: &DataFrame{StreamID: 3}})

	frames := drainOrder(t, s, 3)
	ids := []StreamID{
		frames[0].(*DataFrame).StreamID,
		frames[1].(*DataFrame).StreamID,
		frames[2].(*DataFrame).StreamID,
	}
	assert.Equal(t, []StreamID{3, 5, 1}, ids)
}

func TestSchedulerRoundRobinWithinBand(t *testing.T) {
	s := newScheduler(1 << 20)
	a := testBridge(1, 0)
	b := testBridge(3, 0)
	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, a, outFrame{frame: &DataFrame{StreamID: 1}})
	}
	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, b, outFrame{frame: &DataFrame{StreamID: 3}})
	}

	frames := drainOrder(t, s, 6)
	var ids []StreamID
	for _, f := range frames {
		ids = append(ids, f.(*DataFrame).StreamID)
	}
	// One frame per stream per turn.
	assert.Equal(t, []StreamID{1, 3, 1, 3, 1, 3}, ids)
}

func TestSchedulerKeepsPerStreamOrder(t *testing.T) {
	s := newScheduler(1 << 20)
	b := testBridge(1, 2)
	payloads := []string{"one", "two", "three", "four"}
	for _, p := range payloads {
		mustEnqueue(t, s, b, outFrame{frame: &DataFrame{StreamID: 1, Data: []byte(p)}})
	}
	frames := drainOrder(t, s, len(payloads))
	for i, f := range frames {
		assert.Equal(t, payloads[i], string(f.(*DataFrame).Data))
	}
}

func TestSchedulerHighWaterBlocksProducer(t *testing.T) {
	s := newScheduler(100)
	b := testBridge(1, 0)
	mustEnqueue(t, s, b, outFrame{frame: &DataFrame{StreamID: 1}, size: 90})

	blocked := make(chan error, 1)
	go func() {
		blocked <- s.enqueueStream(b, outFrame{frame: &DataFrame{StreamID: 1}, size: 90})
	}()
	select {
	case <-blocked:
		t.Fatal("producer should block while over the high-water mark")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one frame makes room.
	_, _, ok := s.next()
	require.True(t, ok)
	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer did not unblock after drain")
	}
}

func TestSchedulerCloseUnblocksProducer(t *testing.T) {
	s := newScheduler(10)
	b := testBridge(1, 0)
	mustEnqueue(t, s, b, outFrame{frame: &DataFrame{StreamID: 1}, size: 10})
	blocked := make(chan error, 1)
	go func() {
		blocked <- s.enqueueStream(b, outFrame{frame: &DataFrame{StreamID: 1}, size: 10})
	}()
	time.Sleep(20 * time.Millisecond)
	s.close()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("producer did not observe close")
	}
}

func TestSchedulerDropStreamDiscardsFrames(t *testing.T) {
	s := newScheduler(1 << 20)
	doomed := testBridge(1, 0)
	alive := testBridge(3, 0)
	mustEnqueue(t, s, doomed, outFrame{frame: &DataFrame{StreamID: 1}, size: 10})
	mustEnqueue(t, s, doomed, outFrame{frame: &DataFrame{StreamID: 1}, size: 10})
	mustEnqueue(t, s, alive, outFrame{frame: &DataFrame{StreamID: 3}, size: 10})

	doomed.cancel(ErrStreamCancelled)
	s.dropStream(doomed)

	frames := drainOrder(t, s, 1)
	assert.Equal(t, StreamID(3), frames[0].(*DataFrame).StreamID)
	assert.True(t, s.empty())
}

func TestSchedulerCancelledProducerFails(t *testing.T) {
	s := newScheduler(1 << 20)
	b := testBridge(1, 0)
	b.cancel(ErrStreamCancelled)
	err := s.enqueueStream(b, outFrame{frame: &DataFrame{StreamID: 1}})
	assert.ErrorIs(t, err, ErrStreamCancelled)
}
