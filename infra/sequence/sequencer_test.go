package sequence

import (
	"sync"
	"testing"
)

func TestNextIsMonotonic(t *testing.T) {
	s := New(0)
	for want := uint64(1); want <= 100; want++ {
		if got := s.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
	if s.Current() != 100 {
		t.Fatalf("Current() = %d, want 100", s.Current())
	}
}

func TestResumeAfterReplay(t *testing.T) {
	s := New(42)
	if got := s.Next(); got != 43 {
		t.Fatalf("first id after resume = %d, want 43", got)
	}
	s.Reset(1000)
	if got := s.Next(); got != 1001 {
		t.Fatalf("first id after reset = %d, want 1001", got)
	}
}

func TestConcurrentNextIsUnique(t *testing.T) {
	s := New(0)
	const workers, perWorker = 8, 1000

	ids := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool, workers*perWorker)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d issued twice", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("issued %d ids, want %d", len(seen), workers*perWorker)
	}
}
