package match

import (
	"errors"

	"fenrir/domain/book"
)

type CommandKind string

const (
	CmdPlaceOrder  CommandKind = "place_order"
	CmdCancelOrder CommandKind = "cancel_order"
	CmdReduceOrder CommandKind = "reduce_order"
)

var (
	ErrOrderNotFound      = book.ErrOrderNotFound
	ErrUnknownCommand     = errors.New("unknown command kind")
	ErrInvalidReduce      = errors.New("reduce must lower remaining quantity to a positive value")
	ErrMissingClientID    = errors.New("client order id is required")
	ErrInvariantViolation = errors.New("order book crossed after matching")
)

// Command is an inbound instruction, exactly one per transport message.
// Kind selects which fields are meaningful.
type Command struct {
	Kind          CommandKind `json:"kind"`
	ClientOrderID string      `json:"client_order_id"`
	Instrument    string      `json:"instrument"`

	// place_order
	Side     book.Side `json:"side,omitempty"`
	Price    int64     `json:"price,omitempty"`
	Quantity int64     `json:"quantity,omitempty"`

	// cancel_order / reduce_order
	OrderID uint64 `json:"order_id,omitempty"`

	// reduce_order
	NewQuantity int64 `json:"new_quantity,omitempty"`
}
