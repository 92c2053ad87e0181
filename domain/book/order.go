package book

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "buy":
		*s = Buy
	case "sell":
		*s = Sell
	default:
		return fmt.Errorf("invalid side %q", v)
	}
	return nil
}

// Opposite returns the side a taker order matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrDuplicateID   = errors.New("duplicate order id")
)

// Order is a resting limit order. Prices and quantities are integer tick
// units; matching never touches floating point.
type Order struct {
	ID            uint64
	ClientOrderID string
	Side          Side
	Price         int64
	Quantity      int64
	Remaining     int64
	Seq           uint64
	Time          int64

	level *PriceLevel
	next  *Order
	prev  *Order
}

// Next walks the FIFO queue within a price level.
func (o *Order) Next() *Order {
	return o.next
}
