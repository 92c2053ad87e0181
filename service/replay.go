package service

import (
	"fmt"

	"fenrir/domain/book"
	"fenrir/domain/match"
)

// EventLog is the append-and-iterate contract the core requires from its
// durable log. Sequence numbers are minted exclusively by the appends, and
// AppendBatch must persist a command's events all or nothing.
type EventLog interface {
	Append(ev *match.Event) (uint64, error)
	AppendBatch(events []*match.Event) ([]uint64, error)
	Iterate(fromSeq uint64, fn func(*match.Event) error) error
}

// RecoveredState is everything replay reconstructs from the log: the books,
// the client-order-id dedup index, and the id high-water marks used to
// resume the per-instrument sequencers.
type RecoveredState struct {
	Books      map[string]*book.OrderBook
	Acks       map[string]map[string]*Ack
	MaxOrderID map[string]uint64
	LastSeq    uint64
	Count      int
}

// Rebuild folds the entire event log, from sequence zero, through
// match.Evolve into fresh books. Replay and live processing share that one
// transition function. It must complete before any new command is accepted.
func Rebuild(log EventLog) (*RecoveredState, error) {
	st := &RecoveredState{
		Books:      make(map[string]*book.OrderBook),
		Acks:       make(map[string]map[string]*Ack),
		MaxOrderID: make(map[string]uint64),
	}

	err := log.Iterate(0, func(ev *match.Event) error {
		b, ok := st.Books[ev.Instrument]
		if !ok {
			b = book.NewOrderBook()
			st.Books[ev.Instrument] = b
			st.Acks[ev.Instrument] = make(map[string]*Ack)
		}

		if err := match.Evolve(b, ev); err != nil {
			return fmt.Errorf("replay seq %d: %w", ev.Seq, err)
		}

		if ev.Type == match.EventOrderAccepted && ev.Accepted.OrderID > st.MaxOrderID[ev.Instrument] {
			st.MaxOrderID[ev.Instrument] = ev.Accepted.OrderID
		}
		if clientID := ev.ClientOrderID(); clientID != "" {
			ack, ok := st.Acks[ev.Instrument][clientID]
			if !ok {
				ack = &Ack{ClientOrderID: clientID}
				st.Acks[ev.Instrument][clientID] = ack
			}
			if ev.Type == match.EventOrderAccepted {
				ack.OrderID = ev.Accepted.OrderID
			}
			if ev.Type == match.EventOrderRejected {
				ack.Rejected = true
				ack.Reason = ev.Rejected.Reason
			}
		}

		st.LastSeq = ev.Seq
		st.Count++
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A replayed book must satisfy the same invariant as a live one.
	for instrument, b := range st.Books {
		if err := match.CheckInvariant(b); err != nil {
			return nil, fmt.Errorf("instrument %s: %w", instrument, err)
		}
	}
	return st, nil
}
