package book

// OrderBook holds the resting orders of a single instrument. It is
// single-writer: exactly one goroutine may mutate it (the instrument's
// dispatcher worker, or the replayer before the worker starts).
type OrderBook struct {
	bids   *RBTree
	asks   *RBTree
	orders map[uint64]*Order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:   NewRBTree(),
		asks:   NewRBTree(),
		orders: make(map[uint64]*Order),
	}
}

func (b *OrderBook) tree(s Side) *RBTree {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

// Insert rests an order at the tail of its price level.
func (b *OrderBook) Insert(o *Order) error {
	if _, ok := b.orders[o.ID]; ok {
		return ErrDuplicateID
	}
	b.tree(o.Side).UpsertLevel(o.Price).enqueue(o)
	b.orders[o.ID] = o
	return nil
}

// Order returns the resting order with the given id, or nil.
func (b *OrderBook) Order(id uint64) *Order {
	return b.orders[id]
}

// BestOpposite returns the highest-priority resting order on the side a
// taker of the given side would match against, or nil if that side is empty.
func (b *OrderBook) BestOpposite(taker Side) *Order {
	var lvl *PriceLevel
	if taker == Buy {
		lvl = b.asks.MinLevel()
	} else {
		lvl = b.bids.MaxLevel()
	}
	if lvl == nil {
		return nil
	}
	return lvl.Head()
}

// Remove deletes a resting order, dropping its price level if it empties.
func (b *OrderBook) Remove(id uint64) (*Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	b.detach(o)
	return o, nil
}

// DecrementRemaining reduces an order's remaining quantity, removing the
// order when it reaches zero. Returns whether the order was removed.
func (b *OrderBook) DecrementRemaining(id uint64, qty int64) (removed bool, err error) {
	o, ok := b.orders[id]
	if !ok {
		return false, ErrOrderNotFound
	}
	o.Remaining -= qty
	o.level.TotalQty -= qty
	if o.Remaining <= 0 {
		b.detach(o)
		return true, nil
	}
	return false, nil
}

func (b *OrderBook) detach(o *Order) {
	lvl := o.level
	lvl.unlink(o)
	if lvl.Empty() {
		b.tree(o.Side).DeleteLevel(lvl.Price)
	}
	delete(b.orders, o.ID)
}

// WalkSide visits resting orders on one side in matching priority:
// best price first, then FIFO within each level. Returning false stops.
func (b *OrderBook) WalkSide(s Side, fn func(*Order) bool) {
	visit := func(lvl *PriceLevel) bool {
		for o := lvl.Head(); o != nil; o = o.Next() {
			if !fn(o) {
				return false
			}
		}
		return true
	}
	if s == Buy {
		b.bids.ForEachDescending(visit)
	} else {
		b.asks.ForEachAscending(visit)
	}
}

func (b *OrderBook) BestBid() *PriceLevel { return b.bids.MaxLevel() }
func (b *OrderBook) BestAsk() *PriceLevel { return b.asks.MinLevel() }

// Crossed reports whether the best bid price has reached the best ask price.
// A valid book is never crossed once a command has fully applied.
func (b *OrderBook) Crossed() bool {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == nil || ask == nil {
		return false
	}
	return bid.Price >= ask.Price
}

func (b *OrderBook) Len() int { return len(b.orders) }

// DepthEntry is one aggregated price level of a depth view.
type DepthEntry struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

// Depth is a point-in-time aggregated view of the book, best levels first.
type Depth struct {
	Bids []DepthEntry `json:"bids"`
	Asks []DepthEntry `json:"asks"`
}

// DepthSnapshot aggregates up to maxLevels price levels per side.
// maxLevels <= 0 means all levels.
func (b *OrderBook) DepthSnapshot(maxLevels int) *Depth {
	d := &Depth{}
	collect := func(dst *[]DepthEntry) func(*PriceLevel) bool {
		return func(lvl *PriceLevel) bool {
			*dst = append(*dst, DepthEntry{
				Price:    lvl.Price,
				Quantity: lvl.TotalQty,
				Orders:   lvl.OrderCount,
			})
			return maxLevels <= 0 || len(*dst) < maxLevels
		}
	}
	b.bids.ForEachDescending(collect(&d.Bids))
	b.asks.ForEachAscending(collect(&d.Asks))
	return d
}
