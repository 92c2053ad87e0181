package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fenrir/domain/book"
	"fenrir/domain/match"
	"fenrir/infra/sequence"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrInstrumentHalted  = errors.New("instrument stream halted")
)

// EventSink receives every durably logged event for outward publication.
type EventSink interface {
	Enqueue(seq uint64, payload []byte) error
}

// DepthWriter caches the post-command depth view. Failures are logged, never
// fatal: the cache is derived state.
type DepthWriter interface {
	SetDepth(ctx context.Context, instrument string, d *book.Depth) error
}

// Ack is the dispatcher's reply to one command.
type Ack struct {
	ClientOrderID string
	OrderID       uint64
	Rejected      bool
	Reason        string
	Duplicate     bool
	Events        []*match.Event
}

// Dispatcher serializes each instrument's commands into a single worker
// goroutine that exclusively owns that instrument's book. Per command it
// deduplicates by client order id, decides, appends the decided events to
// the log as one atomic batch, folds them into the book, checks the book
// invariant and stages the events for publication. A log append failure or
// an invariant violation halts the affected instrument only.
type Dispatcher struct {
	logger *zap.Logger
	log    EventLog
	sink   EventSink
	depth  DepthWriter

	// mu orders rejections for instruments that have no worker and guards
	// their dedup index.
	mu           sync.Mutex
	unregistered map[string]*Ack

	workers map[string]*worker
}

// NewDispatcher replays the full event log before returning; no command is
// accepted until recovery completes.
func NewDispatcher(log EventLog, sink EventSink, depth DepthWriter, instruments []string, logger *zap.Logger) (*Dispatcher, error) {
	st, err := Rebuild(log)
	if err != nil {
		return nil, fmt.Errorf("recovery replay: %w", err)
	}
	logger.Info("recovery replay complete",
		zap.Uint64("last_seq", st.LastSeq),
		zap.Int("events", st.Count))

	d := &Dispatcher{
		logger:       logger,
		log:          log,
		sink:         sink,
		depth:        depth,
		unregistered: make(map[string]*Ack),
		workers:      make(map[string]*worker),
	}

	for _, instrument := range instruments {
		b, ok := st.Books[instrument]
		if !ok {
			b = book.NewOrderBook()
		}
		seen := st.Acks[instrument]
		if seen == nil {
			seen = make(map[string]*Ack)
		}
		w := &worker{
			d:          d,
			instrument: instrument,
			book:       b,
			ids:        sequence.New(st.MaxOrderID[instrument]),
			seen:       seen,
			reqs:       make(chan request, 256),
		}
		d.workers[instrument] = w
		go w.run()
	}

	// Rejections logged for instruments that carry no worker still count
	// toward idempotence; redelivery must not append them again.
	for instrument, acks := range st.Acks {
		if _, ok := d.workers[instrument]; ok {
			continue
		}
		for clientID, ack := range acks {
			d.unregistered[clientID] = ack
		}
	}
	return d, nil
}

// Apply routes one command into its instrument's stream and waits for the
// outcome. A command whose client order id is already reflected in the log
// is acknowledged without reapplying.
func (d *Dispatcher) Apply(ctx context.Context, cmd match.Command) (*Ack, error) {
	w, ok := d.workers[cmd.Instrument]
	if !ok {
		return d.rejectUnknownInstrument(cmd)
	}
	resp, err := w.submit(ctx, request{cmd: &cmd})
	if err != nil {
		return nil, err
	}
	return resp.ack, resp.err
}

// Depth returns an aggregated view of the book, serialized through the same
// worker that mutates it. Reads are allowed on a halted instrument; its
// frozen book is still consistent.
func (d *Dispatcher) Depth(ctx context.Context, instrument string, maxLevels int) (*book.Depth, error) {
	w, ok := d.workers[instrument]
	if !ok {
		return nil, ErrUnknownInstrument
	}
	resp, err := w.submit(ctx, request{depthLevels: maxLevels, depth: true})
	if err != nil {
		return nil, err
	}
	return resp.depth, resp.err
}

// Instruments lists the registered instruments.
func (d *Dispatcher) Instruments() []string {
	out := make([]string, 0, len(d.workers))
	for instrument := range d.workers {
		out = append(out, instrument)
	}
	return out
}

// Halted reports whether an instrument's stream has stopped, and why.
func (d *Dispatcher) Halted(instrument string) error {
	w, ok := d.workers[instrument]
	if !ok {
		return ErrUnknownInstrument
	}
	w.haltMu.Lock()
	defer w.haltMu.Unlock()
	return w.haltErr
}

// rejectUnknownInstrument logs and publishes the rejection so the outcome is
// observable like any other; there is no per-instrument stream to serialize
// through, so a dispatcher-level mutex orders these appends.
func (d *Dispatcher) rejectUnknownInstrument(cmd match.Command) (*Ack, error) {
	if cmd.Kind != match.CmdPlaceOrder {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, cmd.Instrument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.unregistered[cmd.ClientOrderID]; ok && cmd.ClientOrderID != "" {
		dup := *prev
		dup.Duplicate = true
		return &dup, nil
	}

	ev := &match.Event{
		Type:       match.EventOrderRejected,
		Instrument: cmd.Instrument,
		Time:       time.Now().UnixNano(),
		Rejected: &match.OrderRejected{
			ClientOrderID: cmd.ClientOrderID,
			Reason:        "unknown instrument",
		},
	}
	if err := d.logAndStage(ev); err != nil {
		return nil, err
	}
	ack := &Ack{
		ClientOrderID: cmd.ClientOrderID,
		Rejected:      true,
		Reason:        ev.Rejected.Reason,
		Events:        []*match.Event{ev},
	}
	if cmd.ClientOrderID != "" {
		d.unregistered[cmd.ClientOrderID] = ack
	}
	return ack, nil
}

func (d *Dispatcher) logAndStage(ev *match.Event) error {
	seq, err := d.log.Append(ev)
	if err != nil {
		return fmt.Errorf("event log append: %w", err)
	}
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	if err := d.sink.Enqueue(seq, payload); err != nil {
		return fmt.Errorf("outbox enqueue seq %d: %w", seq, err)
	}
	return nil
}

// ---- per-instrument worker ----

type request struct {
	cmd         *match.Command
	depth       bool
	depthLevels int
	reply       chan response
}

type response struct {
	ack   *Ack
	depth *book.Depth
	err   error
}

type worker struct {
	d          *Dispatcher
	instrument string
	book       *book.OrderBook
	ids        *sequence.Sequencer
	seen       map[string]*Ack
	reqs       chan request

	haltMu  sync.Mutex
	haltErr error
}

func (w *worker) submit(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (w *worker) run() {
	for req := range w.reqs {
		if req.depth {
			req.reply <- response{depth: w.book.DepthSnapshot(req.depthLevels)}
			continue
		}
		if err := w.halted(); err != nil {
			req.reply <- response{err: err}
			continue
		}
		ack, err := w.process(*req.cmd)
		req.reply <- response{ack: ack, err: err}
	}
}

func (w *worker) process(cmd match.Command) (*Ack, error) {
	if prev, ok := w.seen[cmd.ClientOrderID]; ok && cmd.ClientOrderID != "" {
		dup := *prev
		dup.Duplicate = true
		return &dup, nil
	}

	events, err := match.Decide(w.book, cmd, w.ids, time.Now().UnixNano())
	if err != nil {
		// Not-found and malformed commands mutate nothing and append
		// nothing; the caller gets the error and that is final.
		return nil, err
	}

	// The batch lands durably in one piece before any fold; a crash can
	// never leave the log holding a prefix of this command's events.
	if _, err := w.d.log.AppendBatch(events); err != nil {
		return nil, w.halt(fmt.Errorf("event log append: %w", err))
	}
	for _, ev := range events {
		if err := match.Evolve(w.book, ev); err != nil {
			return nil, w.halt(fmt.Errorf("apply seq %d: %w", ev.Seq, err))
		}
	}

	if err := match.CheckInvariant(w.book); err != nil {
		return nil, w.halt(err)
	}

	for _, ev := range events {
		payload, err := ev.Marshal()
		if err != nil {
			return nil, w.halt(err)
		}
		if err := w.d.sink.Enqueue(ev.Seq, payload); err != nil {
			return nil, w.halt(fmt.Errorf("outbox enqueue seq %d: %w", ev.Seq, err))
		}
	}

	w.refreshDepth()

	ack := ackFromEvents(cmd, events)
	if cmd.ClientOrderID != "" {
		w.seen[cmd.ClientOrderID] = ack
	}
	return ack, nil
}

func (w *worker) refreshDepth() {
	if w.d.depth == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.d.depth.SetDepth(ctx, w.instrument, w.book.DepthSnapshot(0)); err != nil {
		w.d.logger.Warn("depth cache update failed",
			zap.String("instrument", w.instrument),
			zap.Error(err))
	}
}

// halt stops this instrument's stream permanently; other instruments are
// unaffected. The cause is surfaced loudly, never repaired in place.
func (w *worker) halt(cause error) error {
	w.haltMu.Lock()
	w.haltErr = cause
	w.haltMu.Unlock()

	w.d.logger.Error("instrument stream halted",
		zap.String("instrument", w.instrument),
		zap.Error(cause))
	return fmt.Errorf("%w: %v", ErrInstrumentHalted, cause)
}

func (w *worker) halted() error {
	w.haltMu.Lock()
	defer w.haltMu.Unlock()
	if w.haltErr != nil {
		return fmt.Errorf("%w: %v", ErrInstrumentHalted, w.haltErr)
	}
	return nil
}

func ackFromEvents(cmd match.Command, events []*match.Event) *Ack {
	ack := &Ack{ClientOrderID: cmd.ClientOrderID, Events: events}
	for _, ev := range events {
		switch ev.Type {
		case match.EventOrderAccepted:
			ack.OrderID = ev.Accepted.OrderID
		case match.EventOrderRejected:
			ack.Rejected = true
			ack.Reason = ev.Rejected.Reason
		case match.EventOrderCancelled:
			ack.OrderID = ev.Cancelled.OrderID
		case match.EventOrderReduced:
			ack.OrderID = ev.Reduced.OrderID
		}
	}
	return ack
}
