package spdy

import (
	"sync"
)

// outFrame is one queued egress frame plus its scheduling metadata.
type outFrame struct {
	frame Frame
	// size is the number of bytes charged against the egress high-water
	// mark. Only stream frames are charged; session control frames are
	// small and must never block the ingress loop.
	size int
	// closes marks the final frame of a stream: after it reaches the wire
	// the stream is removed from the session map.
	closes bool
}

// scheduler is the priority-ordered egress queue of a session.
//
// Session control frames (PING, SETTINGS, GOAWAY, RST_STREAM) drain first in
// FIFO order. Among streams the numerically lowest non-empty priority band is
// served next, round-robin within the band, one frame per stream per turn so
// a deep queue cannot monopolize its band. Frames of one stream always leave
// in enqueue order.
type scheduler struct {
	mu         sync.Mutex
	frameAvail *sync.Cond // writer side: work queued or scheduler closed
	spaceAvail *sync.Cond // producer side: buffered dropped below the mark

	control   []outFrame
	rings     [MaxPriority + 1][]*Bridge // round-robin order per priority band
	buffered  int
	highWater int
	closed    bool
	nudged    bool
}

func newScheduler(highWater int) *scheduler {
	s := &scheduler{highWater: highWater}
	s.frameAvail = sync.NewCond(&s.mu)
	s.spaceAvail = sync.NewCond(&s.mu)
	return s
}

// enqueueControl queues a session-level control frame. It never blocks.
func (s *scheduler) enqueueControl(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.control = append(s.control, outFrame{frame: f})
	s.frameAvail.Signal()
	return true
}

// enqueueStream queues a frame for one stream, blocking while adding it would
// push the total buffered egress above the high-water mark (a frame is always
// admitted when nothing is buffered). It returns
// ErrSessionClosed once the scheduler has shut down and ErrStreamCancelled
// if the stream was cancelled while waiting.
func (s *scheduler) enqueueStream(b *Bridge, of outFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && !b.isCancelled() && s.buffered+of.size > s.highWater && s.buffered > 0 {
		s.spaceAvail.Wait()
	}
	if s.closed {
		return ErrSessionClosed
	}
	if b.isCancelled() {
		return ErrStreamCancelled
	}
	if len(b.egress) == 0 {
		s.rings[b.priority] = append(s.rings[b.priority], b)
	}
	b.egress = append(b.egress, of)
	s.buffered += of.size
	s.frameAvail.Signal()
	return nil
}

// next blocks until a frame is schedulable and returns it together with the
// owning bridge (nil for session control frames). ok is false once the
// scheduler is closed. A wake() shows up as ok with a nil frame so the
// writer can re-check session-level conditions.
func (s *scheduler) next() (of outFrame, b *Bridge, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return outFrame{}, nil, false
		}
		if s.nudged {
			s.nudged = false
			return outFrame{}, nil, true
		}
		if len(s.control) > 0 {
			of = s.control[0]
			s.control = s.control[1:]
			return of, nil, true
		}
		for pri := range s.rings {
			ring := s.rings[pri]
			if len(ring) == 0 {
				continue
			}
			b = ring[0]
			of = b.egress[0]
			b.egress = b.egress[1:]
			if len(b.egress) > 0 {
				// One frame per turn: rotate to the back of the band.
				s.rings[pri] = append(ring[1:], b)
			} else {
				s.rings[pri] = ring[1:]
			}
			s.buffered -= of.size
			s.spaceAvail.Broadcast()
			return of, b, true
		}
		s.frameAvail.Wait()
	}
}

// empty reports whether nothing is queued.
func (s *scheduler) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.control) > 0 {
		return false
	}
	for _, ring := range s.rings {
		if len(ring) > 0 {
			return false
		}
	}
	return true
}

// dropStream discards every queued frame of b. Used on RST so that no frame
// of a cancelled stream reaches the wire afterwards.
func (s *scheduler) dropStream(b *Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(b.egress) > 0 {
		for _, of := range b.egress {
			s.buffered -= of.size
		}
		b.egress = nil
		ring := s.rings[b.priority]
		for i, other := range ring {
			if other == b {
				s.rings[b.priority] = append(ring[:i:i], ring[i+1:]...)
				break
			}
		}
	}
	// Wake producers blocked in enqueueStream so they observe cancellation.
	s.spaceAvail.Broadcast()
}

// close shuts the scheduler down. Blocked producers and the writer wake up
// and observe the closed state; queued frames are abandoned.
func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.frameAvail.Broadcast()
	s.spaceAvail.Broadcast()
}

// wake pokes the writer loop so it can re-check session-level conditions
// (drain completion) even when no frame is queued.
func (s *scheduler) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nudged = true
	s.frameAvail.Broadcast()
}
