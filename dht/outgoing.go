package dht

import (
	"sync"
)

const (
	pendingCap    = 20
	queryTicks    = 5 // 5 * 100ms = 500ms deadline
	tickInterval  = 100 // milliseconds, documented for readers; actual ticker lives in node.go
)

// Continuation is invoked exactly once per outgoing query: ok=false and a
// zero Value mean the query timed out or the socket was closed.
type Continuation func(resp Value, ok bool)

type pendingQuery struct {
	txID  string
	dest  Location
	ticks uint8
	cont  Continuation
}

type queuedQuery struct {
	dest Location
	q    string
	args map[string]Value
	cont Continuation
}

// OutgoingQueries multiplexes this node's in-flight requests by 16-bit
// transaction id, with a hard cap on concurrently pending queries and a
// FIFO for the overflow. Grounded on spec.md §4.4; no direct teacher
// analogue (the teacher's sendCommand is fire-and-forget with no reply
// matching).
type OutgoingQueries struct {
	mu      sync.Mutex
	nextID  uint16
	pending map[string]*pendingQuery
	waiting []*queuedQuery
	send    func(loc Location, msg Value) error
	onRTT   func(Contact) // insert a successful responder into routing
}

// NewOutgoingQueries builds the transaction table. send performs the actual
// wire write; onRTT is called with the responder as a fresh contact whenever
// a query succeeds.
func NewOutgoingQueries(send func(Location, Value) error, onRTT func(Contact)) *OutgoingQueries {
	return &OutgoingQueries{
		pending: make(map[string]*pendingQuery),
		send:    send,
		onRTT:   onRTT,
	}
}

func (o *OutgoingQueries) allocTxID() string {
	id := o.nextID
	o.nextID++
	return string([]byte{byte(id >> 8), byte(id)})
}

// Query sends verb with args to dest and arranges for cont to be invoked
// with the eventual response (or the failure sentinel on timeout). If the
// pending table is full, the query is parked in the waiting FIFO until a
// slot frees up.
func (o *OutgoingQueries) Query(dest Location, verb string, args map[string]Value, cont Continuation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) >= pendingCap {
		o.waiting = append(o.waiting, &queuedQuery{dest: dest, q: verb, args: args, cont: cont})
		return
	}
	o.dispatchLocked(dest, verb, args, cont)
}

func (o *OutgoingQueries) dispatchLocked(dest Location, verb string, args map[string]Value, cont Continuation) {
	txID := o.allocTxID()
	msg := buildQuery(txID, verb, args)
	o.pending[txID] = &pendingQuery{txID: txID, dest: dest, ticks: queryTicks, cont: cont}
	if err := o.send(dest, msg); err != nil {
		delete(o.pending, txID)
		if cont != nil {
			cont(Value{}, false)
		}
		return
	}
}

// Tick decrements every pending query's remaining ticks by one, expiring
// (and invoking the failure continuation for) any that reach zero, then
// promotes from the waiting queue while slots are free.
func (o *OutgoingQueries) Tick() {
	o.mu.Lock()
	var expired []*pendingQuery
	for id, p := range o.pending {
		if p.ticks == 0 {
			continue
		}
		p.ticks--
		if p.ticks == 0 {
			expired = append(expired, p)
			delete(o.pending, id)
		}
	}
	for len(o.pending) < pendingCap && len(o.waiting) > 0 {
		next := o.waiting[0]
		o.waiting = o.waiting[1:]
		o.dispatchLocked(next.dest, next.q, next.args, next.cont)
	}
	o.mu.Unlock()

	for _, p := range expired {
		if p.cont != nil {
			p.cont(Value{}, false)
		}
	}
}

// Recv is fed every message the transport decodes that is not a query
// (y=r or y=e). It matches the transaction id against the pending table,
// removes the entry, contributes a successful responder as a routing
// contact, and invokes the continuation. onError is called for y=e
// messages in addition to the failure continuation.
func (o *OutgoingQueries) Recv(msg *parsedMessage, from Location, onError func(txID string, code int64, message string)) {
	o.mu.Lock()
	p, ok := o.pending[msg.T]
	if ok {
		delete(o.pending, msg.T)
	}
	for len(o.pending) < pendingCap && len(o.waiting) > 0 {
		next := o.waiting[0]
		o.waiting = o.waiting[1:]
		o.dispatchLocked(next.dest, next.q, next.args, next.cont)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	switch msg.Y {
	case "r":
		if id, idOK := argID(msg.R); idOK && o.onRTT != nil {
			o.onRTT(Contact{ID: id, Loc: from})
		}
		if p.cont != nil {
			p.cont(Dict(msg.R), true)
		}
	case "e":
		if onError != nil {
			onError(msg.T, msg.Code, msg.EMsg)
		}
		if p.cont != nil {
			p.cont(Value{}, false)
		}
	}
}

// StopAll expires every pending and waiting query with the failure
// sentinel, used when the transport shuts down.
func (o *OutgoingQueries) StopAll() {
	o.mu.Lock()
	pending := o.pending
	o.pending = make(map[string]*pendingQuery)
	waiting := o.waiting
	o.waiting = nil
	o.mu.Unlock()

	for _, p := range pending {
		if p.cont != nil {
			p.cont(Value{}, false)
		}
	}
	for _, w := range waiting {
		if w.cont != nil {
			w.cont(Value{}, false)
		}
	}
}
