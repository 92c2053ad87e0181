package match

import (
	"encoding/json"
	"fmt"

	"fenrir/domain/book"
)

type EventType uint8

const (
	EventOrderAccepted EventType = iota + 1
	EventOrderRejected
	EventTradeExecuted
	EventOrderCancelled
	EventOrderFullyFilled
	EventOrderReduced
)

func (t EventType) String() string {
	switch t {
	case EventOrderAccepted:
		return "order_accepted"
	case EventOrderRejected:
		return "order_rejected"
	case EventTradeExecuted:
		return "trade_executed"
	case EventOrderCancelled:
		return "order_cancelled"
	case EventOrderFullyFilled:
		return "order_fully_filled"
	case EventOrderReduced:
		return "order_reduced"
	default:
		return "unknown"
	}
}

// Event is an immutable fact appended to the event log. Seq is assigned by
// the log at append time and is the authoritative replay order; it is zero
// until then. Exactly one payload pointer is non-nil, selected by Type.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	Instrument string    `json:"instrument"`
	Time       int64     `json:"ts"`

	Accepted  *OrderAccepted   `json:"order_accepted,omitempty"`
	Rejected  *OrderRejected   `json:"order_rejected,omitempty"`
	Trade     *TradeExecuted   `json:"trade_executed,omitempty"`
	Cancelled *OrderCancelled  `json:"order_cancelled,omitempty"`
	Filled    *OrderFullyFilled `json:"order_fully_filled,omitempty"`
	Reduced   *OrderReduced    `json:"order_reduced,omitempty"`
}

// OrderAccepted carries the full admitted order so replay can re-derive the
// resting state without consulting anything but the log.
type OrderAccepted struct {
	OrderID       uint64    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          book.Side `json:"side"`
	Price         int64     `json:"price"`
	Quantity      int64     `json:"quantity"`
	OrderSeq      uint64    `json:"order_seq"`
}

type OrderRejected struct {
	ClientOrderID string `json:"client_order_id"`
	Reason        string `json:"reason"`
}

// TradeExecuted records a fill at the maker's price. TakerClientOrderID
// correlates the trade back to the placement that caused it.
type TradeExecuted struct {
	BuyOrderID         uint64 `json:"buy_order_id"`
	SellOrderID        uint64 `json:"sell_order_id"`
	Price              int64  `json:"price"`
	Quantity           int64  `json:"quantity"`
	TakerSeq           uint64 `json:"taker_seq"`
	TakerClientOrderID string `json:"taker_client_order_id,omitempty"`
}

type OrderCancelled struct {
	OrderID       uint64 `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

// OrderFullyFilled carries the client order id of the filled order so
// subscribers can correlate the terminal state without an id lookup.
type OrderFullyFilled struct {
	OrderID       uint64 `json:"order_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type OrderReduced struct {
	OrderID       uint64 `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	NewRemaining  int64  `json:"new_remaining"`
}

// ClientOrderID returns the idempotency key of the command this event
// opens, or "" for events that do not open one. Trades and fills carry
// their correlation ids in the payload instead; returning them here would
// feed the dedup index.
func (e *Event) ClientOrderID() string {
	switch e.Type {
	case EventOrderAccepted:
		return e.Accepted.ClientOrderID
	case EventOrderRejected:
		return e.Rejected.ClientOrderID
	case EventOrderCancelled:
		return e.Cancelled.ClientOrderID
	case EventOrderReduced:
		return e.Reduced.ClientOrderID
	default:
		return ""
	}
}

func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Event) validate() error {
	var ok bool
	switch e.Type {
	case EventOrderAccepted:
		ok = e.Accepted != nil
	case EventOrderRejected:
		ok = e.Rejected != nil
	case EventTradeExecuted:
		ok = e.Trade != nil
	case EventOrderCancelled:
		ok = e.Cancelled != nil
	case EventOrderFullyFilled:
		ok = e.Filled != nil
	case EventOrderReduced:
		ok = e.Reduced != nil
	default:
		return fmt.Errorf("unknown event type %d", e.Type)
	}
	if !ok {
		return fmt.Errorf("event type %s missing payload", e.Type)
	}
	return nil
}
