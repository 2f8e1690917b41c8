package dht

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const housekeepingInterval = 5 * time.Minute

// Config collects NewDht's options.
type Config struct {
	Port       int
	ID         *ID
	Seed       *[32]byte
	Bootstrap  []Location
	ExternalIP net.IP
	Log        *slog.Logger
}

// Option configures a Dht at construction time.
type Option func(*Config)

func WithPort(port int) Option           { return func(c *Config) { c.Port = port } }
func WithID(id ID) Option                { return func(c *Config) { c.ID = &id } }
func WithSeed(seed [32]byte) Option      { return func(c *Config) { c.Seed = &seed } }
func WithBootstrap(locs []Location) Option { return func(c *Config) { c.Bootstrap = locs } }
func WithExternalIP(ip net.IP) Option    { return func(c *Config) { c.ExternalIP = ip } }
func WithLogger(l *slog.Logger) Option   { return func(c *Config) { c.Log = l } }

// Dht owns every mutable piece of a Mainline DHT node: routing table,
// pending outgoing queries, peer and data stores, node identity, and the
// UDP socket. There are no package-level globals (the source's `go, sr, my,
// oq, iq, ps, ds, ut` singletons collapse into this one struct, per the
// Design Notes), and every mutation to shared state funnels through mu,
// the single logical lock spec.md §5 calls for.
type Dht struct {
	log *slog.Logger

	mu      sync.Mutex
	id      ID
	keypair Keypair
	table   *RoutingTable
	peers   *PeerStore
	data    *DataStore
	secret  TokenSecret

	transport *UDPTransport
	outgoing  *OutgoingQueries
	incoming  *IncomingQueries
	lookup    *LookupEngine

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bootstrap []Location
}

// NewDht constructs, binds, and starts a Dht. It returns once the socket is
// bound; bootstrap population continues in the background and is reported
// via the Events channel (EventReady).
func NewDht(opts ...Option) (*Dht, error) {
	cfg := Config{Port: 0}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	id := resolveID(cfg)
	kp, err := resolveKeypair(cfg)
	if err != nil {
		return nil, fmt.Errorf("dht: keypair: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dht{
		log:       cfg.Log.With("component", "dht", "id", fmt.Sprintf("%x", id[:4])),
		id:        id,
		keypair:   kp,
		table:     NewRoutingTable(id),
		peers:     NewPeerStore(),
		data:      NewDataStore(),
		secret:    TokenSecret{Current: randomSecret(), Previous: randomSecret()},
		events:    make(chan Event, 256),
		ctx:       ctx,
		cancel:    cancel,
		bootstrap: cfg.Bootstrap,
	}

	d.emit(EventID{ID: id})
	d.emit(EventPublicKey{Key: kp.PublicBytes()})

	transport, err := NewUDPTransport(cfg.Port, cfg.Log)
	if err != nil {
		d.emit(EventUDPFail{Port: cfg.Port, Err: err})
		cancel()
		return nil, err
	}
	d.transport = transport

	d.outgoing = NewOutgoingQueries(transport.Send, d.onRTT)
	d.incoming = NewIncomingQueries(
		cfg.Log, d.localID, d.tokenSecret,
		d.closestTo, d.peerGet, d.peerPut, d.dataGet, d.dataPut,
		transport.Send, d.emit, d.onIncomingContact,
	)
	d.lookup = NewLookupEngine(d.syncQuery, id)

	d.wg.Add(2)
	go d.outgoingTickLoop()
	go d.recvLoop()

	d.emit(EventListening{Port: transport.LocalPort()})

	d.wg.Add(2)
	go d.bootstrapAndReady()
	go d.housekeepingLoop()

	return d, nil
}

func resolveID(cfg Config) ID {
	if cfg.ID != nil {
		return *cfg.ID
	}
	if cfg.ExternalIP != nil {
		if id, ok := DeriveBEP42ID(cfg.ExternalIP, randomByte()); ok {
			return id
		}
	}
	return randomID()
}

func resolveKeypair(cfg Config) (Keypair, error) {
	if cfg.Seed != nil {
		return KeypairFromSeed(*cfg.Seed), nil
	}
	return NewKeypair()
}

func (d *Dht) localID() ID { return d.id }

func (d *Dht) tokenSecret() TokenSecret {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secret
}

func (d *Dht) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("event channel full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// Events returns the channel of host-visible events. It is the only
// observable output besides socket traffic (spec.md §6).
func (d *Dht) Events() <-chan Event { return d.events }

func (d *Dht) onRTT(c Contact) {
	c.LastSeen = time.Now()
	d.mu.Lock()
	d.table.Add(c)
	d.mu.Unlock()
}

func (d *Dht) onIncomingContact(c Contact) {
	d.onRTT(c)
}

func (d *Dht) closestTo(target ID) []Contact {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.MakeTemporary(target).Closest()
}

func (d *Dht) peerGet(hash ID) []Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers.Get(hash)
}

func (d *Dht) peerPut(hash ID, loc Location) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers.Put(hash, loc, time.Now())
}

func (d *Dht) dataGet(target ID) (*Datum, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data.Get(target)
}

func (d *Dht) dataPut(target ID, dat *Datum) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data.Put(target, dat)
}

// syncQuery adapts OutgoingQueries' continuation style to LookupEngine's
// blocking queryFunc via a one-shot channel.
func (d *Dht) syncQuery(dest Location, verb string, args map[string]Value) (Value, bool) {
	type result struct {
		v  Value
		ok bool
	}
	ch := make(chan result, 1)
	d.outgoing.Query(dest, verb, args, func(v Value, ok bool) {
		ch <- result{v, ok}
	})
	select {
	case r := <-ch:
		return r.v, r.ok
	case <-d.ctx.Done():
		return Value{}, false
	}
}

func (d *Dht) outgoingTickLoop() {
	defer d.wg.Done()
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			d.outgoing.StopAll()
			return
		case <-t.C:
			d.outgoing.Tick()
		}
	}
}

func (d *Dht) recvLoop() {
	defer d.wg.Done()
	for {
		msg, from, err := d.transport.Recv(func(source string) { d.emit(EventSpam{Source: source}) })
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				d.log.Debug("recv error", "err", err)
				continue
			}
		}
		if msg == nil {
			continue
		}
		switch msg.Y {
		case "q":
			d.incoming.Handle(msg, from)
		case "r", "e":
			d.outgoing.Recv(msg, from, func(txID string, code int64, message string) {
				d.emit(EventError{TransactionID: txID, Code: code, Message: message})
			})
		}
	}
}

func (d *Dht) bootstrapAndReady() {
	defer d.wg.Done()
	d.mu.Lock()
	scratch := d.table.MakeTemporary(d.id)
	d.mu.Unlock()

	visited := d.lookup.Populate(scratch, d.bootstrap)
	d.emit(EventReady{NumVisited: visited})

	d.mu.Lock()
	all := d.table.All()
	closest := d.table.Closest()
	d.mu.Unlock()
	d.emit(EventNodes{Contacts: all})
	d.emit(EventClosest{Contacts: closest})
}

func (d *Dht) housekeepingLoop() {
	defer d.wg.Done()
	t := time.NewTicker(housekeepingInterval)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.houseKeep()
		}
	}
}

func (d *Dht) houseKeep() {
	d.transport.ResetSpam()

	d.mu.Lock()
	d.secret.Rotate(randomSecret())
	d.mu.Unlock()

	d.mu.Lock()
	d.table.Refresh(func(c Contact) {
		go d.syncQuery(c.Loc, "ping", map[string]Value{"id": String(d.id[:])})
	}, func(c Contact) {
		d.emit(EventDropNode{Contact: c})
	})
	d.mu.Unlock()

	d.mu.Lock()
	droppedPeers := d.peers.Sweep(time.Now())
	peerCount := len(d.peers.byHash)
	droppedData := d.data.Sweep(time.Now())
	dataCount := len(d.data.byTarget)
	d.mu.Unlock()

	for _, dp := range droppedPeers {
		d.emit(EventDropPeer{DroppedPeer: dp})
	}
	for _, target := range droppedData {
		d.emit(EventDropData{Target: target})
	}
	d.emit(EventPeers{Count: peerCount})
	d.emit(EventData{Count: dataCount})
}

// Stop halts both timers and closes the socket, which surfaces as failed
// continuations for any still-pending queries. It blocks until every
// background goroutine has exited.
func (d *Dht) Stop() error {
	d.cancel()
	var errs []error
	if err := d.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	d.wg.Wait()
	close(d.events)
	return errors.Join(errs...)
}

// Snapshot is a point-in-time view of node state, intended for a host-side
// admin surface (out of scope here per spec.md §1) to render.
type Snapshot struct {
	ID           ID
	RoutingSize  int
	PeerHashes   int
	DataEntries  int
	ClosestCount int
}

// Snapshot returns the current node state for host-side introspection.
func (d *Dht) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:           d.id,
		RoutingSize:  len(d.table.All()),
		PeerHashes:   len(d.peers.byHash),
		DataEntries:  len(d.data.byTarget),
		ClosestCount: len(d.table.Closest()),
	}
}
