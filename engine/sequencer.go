package engine

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrBridgeTimeout is returned when a synchronous request to the
// orchestration context is not serviced within the configured timeout
var ErrBridgeTimeout = errors.New("orchestration context did not respond in time")

// ErrStopped is returned for requests made after shutdown
var ErrStopped = errors.New("orchestrator stopped")

// sequencer is the single logical owner context for all orchestration state.
// Every mutation of the live-call set runs as a task on its one goroutine;
// callers from arbitrary goroutines marshal in via post or postWait.
//
// post never blocks: the queue is unbounded so a provider reporting from
// within a sequencer task cannot deadlock the loop.
type sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
	timeout time.Duration
}

func newSequencer(timeout time.Duration) *sequencer {
	s := &sequencer{
		done:    make(chan struct{}),
		timeout: timeout,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *sequencer) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.stopped {
			s.mu.Unlock()
			close(s.done)
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// post enqueues fn for asynchronous execution on the owner context
func (s *sequencer) post(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
	return nil
}

// postWait enqueues fn and blocks until it has run. Must not be called from
// the owner context itself. The wait is bounded by the configured timeout so
// a stalled provider callback cannot hang external callers forever.
func (s *sequencer) postWait(fn func()) error {
	ran := make(chan struct{})
	if err := s.post(func() {
		fn()
		close(ran)
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-time.After(s.timeout):
		return ErrBridgeTimeout
	}
}

// stop drains queued tasks and waits for the owner goroutine to exit
func (s *sequencer) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}
