package match

import (
	"fmt"

	"fenrir/domain/book"
)

// IDSource mints order ids. Ids double as admission sequence numbers, so the
// source must be strictly monotonic and reset from the log after replay.
type IDSource interface {
	Next() uint64
}

// Decide applies one command against one instrument's book and returns the
// events it gives rise to, without mutating the book. State changes happen
// only through Evolve, the same fold recovery replays the log with.
//
// Validation failures return an OrderRejected event, not an error. Errors are
// reserved for outcomes that must not reach the log (cancel of an unknown
// order, malformed reduce).
func Decide(b *book.OrderBook, cmd Command, ids IDSource, now int64) ([]*Event, error) {
	if cmd.ClientOrderID == "" {
		return nil, ErrMissingClientID
	}
	switch cmd.Kind {
	case CmdPlaceOrder:
		return decidePlace(b, cmd, ids, now), nil
	case CmdCancelOrder:
		return decideCancel(b, cmd, now)
	case CmdReduceOrder:
		return decideReduce(b, cmd, now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
}

func decidePlace(b *book.OrderBook, cmd Command, ids IDSource, now int64) []*Event {
	if cmd.Price <= 0 {
		return []*Event{reject(cmd, "non-positive price", now)}
	}
	if cmd.Quantity <= 0 {
		return []*Event{reject(cmd, "non-positive quantity", now)}
	}

	id := ids.Next()
	events := []*Event{{
		Type:       EventOrderAccepted,
		Instrument: cmd.Instrument,
		Time:       now,
		Accepted: &OrderAccepted{
			OrderID:       id,
			ClientOrderID: cmd.ClientOrderID,
			Side:          cmd.Side,
			Price:         cmd.Price,
			Quantity:      cmd.Quantity,
			OrderSeq:      id,
		},
	}}

	remaining := cmd.Quantity
	b.WalkSide(cmd.Side.Opposite(), func(maker *book.Order) bool {
		if !crosses(cmd.Side, cmd.Price, maker.Price) {
			return false
		}

		fill := min(remaining, maker.Remaining)
		buyID, sellID := id, maker.ID
		if cmd.Side == book.Sell {
			buyID, sellID = maker.ID, id
		}
		events = append(events, &Event{
			Type:       EventTradeExecuted,
			Instrument: cmd.Instrument,
			Time:       now,
			Trade: &TradeExecuted{
				BuyOrderID:         buyID,
				SellOrderID:        sellID,
				Price:              maker.Price, // maker's price, always
				Quantity:           fill,
				TakerSeq:           id,
				TakerClientOrderID: cmd.ClientOrderID,
			},
		})

		remaining -= fill
		if fill == maker.Remaining {
			events = append(events, fullyFilled(cmd.Instrument, maker.ID, maker.ClientOrderID, now))
		}
		if remaining == 0 {
			events = append(events, fullyFilled(cmd.Instrument, id, cmd.ClientOrderID, now))
			return false
		}
		return true
	})

	return events
}

func decideCancel(b *book.OrderBook, cmd Command, now int64) ([]*Event, error) {
	if b.Order(cmd.OrderID) == nil {
		return nil, fmt.Errorf("cancel order %d: %w", cmd.OrderID, ErrOrderNotFound)
	}
	return []*Event{{
		Type:       EventOrderCancelled,
		Instrument: cmd.Instrument,
		Time:       now,
		Cancelled: &OrderCancelled{
			OrderID:       cmd.OrderID,
			ClientOrderID: cmd.ClientOrderID,
		},
	}}, nil
}

func decideReduce(b *book.OrderBook, cmd Command, now int64) ([]*Event, error) {
	o := b.Order(cmd.OrderID)
	if o == nil {
		return nil, fmt.Errorf("reduce order %d: %w", cmd.OrderID, ErrOrderNotFound)
	}
	if cmd.NewQuantity <= 0 || cmd.NewQuantity >= o.Remaining {
		return nil, ErrInvalidReduce
	}
	return []*Event{{
		Type:       EventOrderReduced,
		Instrument: cmd.Instrument,
		Time:       now,
		Reduced: &OrderReduced{
			OrderID:       cmd.OrderID,
			ClientOrderID: cmd.ClientOrderID,
			NewRemaining:  cmd.NewQuantity,
		},
	}}, nil
}

// Evolve folds one event into the book. Live processing and recovery replay
// run this exact function; it must stay deterministic with respect to the
// event alone.
func Evolve(b *book.OrderBook, e *Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	switch e.Type {
	case EventOrderAccepted:
		a := e.Accepted
		return b.Insert(&book.Order{
			ID:            a.OrderID,
			ClientOrderID: a.ClientOrderID,
			Side:          a.Side,
			Price:         a.Price,
			Quantity:      a.Quantity,
			Remaining:     a.Quantity,
			Seq:           a.OrderSeq,
			Time:          e.Time,
		})

	case EventTradeExecuted:
		t := e.Trade
		if _, err := b.DecrementRemaining(t.BuyOrderID, t.Quantity); err != nil {
			return fmt.Errorf("trade seq %d buy leg: %w", e.Seq, err)
		}
		if _, err := b.DecrementRemaining(t.SellOrderID, t.Quantity); err != nil {
			return fmt.Errorf("trade seq %d sell leg: %w", e.Seq, err)
		}
		return nil

	case EventOrderFullyFilled:
		// The closing trade's decrement already detached the order; removal
		// here only covers logs written by future engine versions.
		if b.Order(e.Filled.OrderID) != nil {
			_, err := b.Remove(e.Filled.OrderID)
			return err
		}
		return nil

	case EventOrderCancelled:
		if _, err := b.Remove(e.Cancelled.OrderID); err != nil {
			return fmt.Errorf("cancelled event seq %d: %w", e.Seq, err)
		}
		return nil

	case EventOrderReduced:
		r := e.Reduced
		o := b.Order(r.OrderID)
		if o == nil {
			return fmt.Errorf("reduced event seq %d: %w", e.Seq, ErrOrderNotFound)
		}
		if r.NewRemaining <= 0 || r.NewRemaining >= o.Remaining {
			return fmt.Errorf("reduced event seq %d: %w", e.Seq, ErrInvalidReduce)
		}
		_, err := b.DecrementRemaining(r.OrderID, o.Remaining-r.NewRemaining)
		return err

	case EventOrderRejected:
		return nil

	default:
		return fmt.Errorf("unknown event type %d", e.Type)
	}
}

// CheckInvariant verifies the no-crossed-book property. A violation is an
// internal consistency bug; the caller must halt the instrument's stream.
func CheckInvariant(b *book.OrderBook) error {
	if b.Crossed() {
		return fmt.Errorf("%w: best bid %d >= best ask %d",
			ErrInvariantViolation, b.BestBid().Price, b.BestAsk().Price)
	}
	return nil
}

func reject(cmd Command, reason string, now int64) *Event {
	return &Event{
		Type:       EventOrderRejected,
		Instrument: cmd.Instrument,
		Time:       now,
		Rejected: &OrderRejected{
			ClientOrderID: cmd.ClientOrderID,
			Reason:        reason,
		},
	}
}

func fullyFilled(instrument string, orderID uint64, clientID string, now int64) *Event {
	return &Event{
		Type:       EventOrderFullyFilled,
		Instrument: instrument,
		Time:       now,
		Filled:     &OrderFullyFilled{OrderID: orderID, ClientOrderID: clientID},
	}
}

func crosses(taker book.Side, takerPrice, makerPrice int64) bool {
	if taker == book.Buy {
		return takerPrice >= makerPrice
	}
	return takerPrice <= makerPrice
}
