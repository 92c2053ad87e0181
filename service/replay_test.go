package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fenrir/domain/book"
	"fenrir/domain/match"
)

// memLog is an in-memory EventLog for replay tests.
type memLog struct {
	events []*match.Event
}

func (l *memLog) Append(ev *match.Event) (uint64, error) {
	ev.Seq = uint64(len(l.events) + 1)
	l.events = append(l.events, ev)
	return ev.Seq, nil
}

func (l *memLog) AppendBatch(events []*match.Event) ([]uint64, error) {
	seqs := make([]uint64, 0, len(events))
	for _, ev := range events {
		seq, _ := l.Append(ev)
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func (l *memLog) Iterate(fromSeq uint64, fn func(*match.Event) error) error {
	for _, ev := range l.events {
		if ev.Seq <= fromSeq {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func appendAccepted(t *testing.T, l *memLog, instrument string, id uint64, clientID string, side book.Side, price, qty int64) {
	t.Helper()
	_, err := l.Append(&match.Event{
		Type:       match.EventOrderAccepted,
		Instrument: instrument,
		Accepted: &match.OrderAccepted{
			OrderID:       id,
			ClientOrderID: clientID,
			Side:          side,
			Price:         price,
			Quantity:      qty,
			OrderSeq:      id,
		},
	})
	require.NoError(t, err)
}

func TestRebuildEmptyLog(t *testing.T) {
	st, err := Rebuild(&memLog{})
	require.NoError(t, err)
	require.Empty(t, st.Books)
	require.Zero(t, st.LastSeq)
	require.Zero(t, st.Count)
}

func TestRebuildBooksAndIndexes(t *testing.T) {
	l := &memLog{}
	appendAccepted(t, l, "BTC_USD", 1, "c1", book.Buy, 100, 5)
	appendAccepted(t, l, "BTC_USD", 2, "c2", book.Sell, 105, 3)
	appendAccepted(t, l, "ETH_USD", 7, "c3", book.Buy, 50, 2)
	_, err := l.Append(&match.Event{
		Type:       match.EventOrderRejected,
		Instrument: "BTC_USD",
		Rejected:   &match.OrderRejected{ClientOrderID: "c4", Reason: "non-positive quantity"},
	})
	require.NoError(t, err)

	st, err := Rebuild(l)
	require.NoError(t, err)
	require.Len(t, st.Books, 2)
	require.Equal(t, uint64(4), st.LastSeq)
	require.Equal(t, 4, st.Count)

	btc := st.Books["BTC_USD"]
	require.Equal(t, 2, btc.Len())
	require.Equal(t, int64(100), btc.BestBid().Price)
	require.Equal(t, int64(105), btc.BestAsk().Price)

	// Id high-water marks are per instrument.
	require.Equal(t, uint64(2), st.MaxOrderID["BTC_USD"])
	require.Equal(t, uint64(7), st.MaxOrderID["ETH_USD"])

	// Every client order id in the log resolves to an ack.
	require.Equal(t, uint64(1), st.Acks["BTC_USD"]["c1"].OrderID)
	require.True(t, st.Acks["BTC_USD"]["c4"].Rejected)
	require.Equal(t, "non-positive quantity", st.Acks["BTC_USD"]["c4"].Reason)
	require.NotContains(t, st.Acks["BTC_USD"], "c3")
}

func TestRebuildAppliesTradesAndCancels(t *testing.T) {
	l := &memLog{}
	appendAccepted(t, l, "BTC_USD", 1, "s1", book.Sell, 100, 5)
	appendAccepted(t, l, "BTC_USD", 2, "b1", book.Buy, 100, 3)
	_, err := l.Append(&match.Event{
		Type:       match.EventTradeExecuted,
		Instrument: "BTC_USD",
		Trade:      &match.TradeExecuted{BuyOrderID: 2, SellOrderID: 1, Price: 100, Quantity: 3, TakerSeq: 2},
	})
	require.NoError(t, err)
	_, err = l.Append(&match.Event{
		Type:       match.EventOrderFullyFilled,
		Instrument: "BTC_USD",
		Filled:     &match.OrderFullyFilled{OrderID: 2},
	})
	require.NoError(t, err)

	st, err := Rebuild(l)
	require.NoError(t, err)
	b := st.Books["BTC_USD"]
	require.Equal(t, 1, b.Len())
	require.Equal(t, int64(2), b.Order(1).Remaining)
	require.Nil(t, b.Order(2))
}

func TestRebuildRejectsCorruptHistory(t *testing.T) {
	l := &memLog{}
	appendAccepted(t, l, "BTC_USD", 1, "s1", book.Sell, 100, 5)
	// A cancel of an order the log never admitted cannot replay.
	_, err := l.Append(&match.Event{
		Type:       match.EventOrderCancelled,
		Instrument: "BTC_USD",
		Cancelled:  &match.OrderCancelled{OrderID: 404, ClientOrderID: "x"},
	})
	require.NoError(t, err)

	_, err = Rebuild(l)
	require.ErrorIs(t, err, match.ErrOrderNotFound)
}

func TestRebuildRejectsCrossedBook(t *testing.T) {
	l := &memLog{}
	appendAccepted(t, l, "BTC_USD", 1, "b1", book.Buy, 100, 5)
	appendAccepted(t, l, "BTC_USD", 2, "s1", book.Sell, 100, 5)

	_, err := Rebuild(l)
	require.ErrorIs(t, err, match.ErrInvariantViolation)
}
