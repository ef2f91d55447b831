package engine

import (
	"testing"
	"time"
)

func TestSequencerRunsTasksInOrder(t *testing.T) {
	s := newSequencer(time.Second)
	defer s.stop()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		if err := s.post(func() { got = append(got, i) }); err != nil {
			t.Fatalf("post failed: %v", err)
		}
	}
	if err := s.postWait(func() {}); err != nil {
		t.Fatalf("postWait failed: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order %v", got)
		}
	}
}

func TestSequencerPostFromTaskDoesNotDeadlock(t *testing.T) {
	s := newSequencer(time.Second)
	defer s.stop()

	done := make(chan struct{})
	err := s.post(func() {
		// A task queueing more work must never block the loop.
		_ = s.post(func() { close(done) })
	})
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestSequencerPostWaitTimesOut(t *testing.T) {
	s := newSequencer(50 * time.Millisecond)

	block := make(chan struct{})
	_ = s.post(func() { <-block })

	if err := s.postWait(func() {}); err != ErrBridgeTimeout {
		t.Fatalf("err = %v, want ErrBridgeTimeout", err)
	}
	close(block)
	s.stop()
}

func TestSequencerStopDrainsQueue(t *testing.T) {
	s := newSequencer(time.Second)

	ran := 0
	for i := 0; i < 5; i++ {
		_ = s.post(func() { ran++ })
	}
	s.stop()
	if ran != 5 {
		t.Fatalf("ran = %d, want 5", ran)
	}

	if err := s.post(func() {}); err != ErrStopped {
		t.Fatalf("post after stop = %v, want ErrStopped", err)
	}
	if err := s.postWait(func() {}); err != ErrStopped {
		t.Fatalf("postWait after stop = %v, want ErrStopped", err)
	}
}

func TestCallIDMapperNeverReusesIDs(t *testing.T) {
	m := NewCallIDMapper()

	a := &Call{}
	first := m.Register(a)
	if first == 0 {
		t.Fatal("assigned zero id")
	}
	if again := m.Register(a); again != first {
		t.Fatalf("re-registration changed id: %d then %d", first, again)
	}

	m.Release(a)
	if _, ok := m.ByID(first); ok {
		t.Fatal("released id still resolves")
	}

	b := &Call{}
	second := m.Register(b)
	if second == first {
		t.Fatal("released id was reused")
	}
	if c, ok := m.ByID(second); !ok || c != b {
		t.Fatal("lookup failed for registered call")
	}
}
