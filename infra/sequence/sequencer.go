package sequence

import "sync/atomic"

// Sequencer hands out strictly monotonic ids. Fresh systems start at zero;
// after replay it is reset to the highest id seen in the log so ids never
// repeat across restarts.
type Sequencer struct {
	next atomic.Uint64
}

func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued id.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Reset positions the sequencer; only valid immediately after replay.
func (s *Sequencer) Reset(v uint64) {
	s.next.Store(v)
}
