package dht

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// spamThreshold is the per-source datagram count that trips throttling.
// The window it's counted over is whatever cadence the caller resets on by
// calling ResetSpam (the housekeeping tick, per spec.md §4.7), not a
// constant owned by the transport itself.
const spamThreshold = 10

// UDPTransport owns the node's single bound IPv4 UDP socket, adapted from
// the teacher's node.Start/sendCommand/ReceiveCommand trio: the teacher
// dialed a fresh socket per send (node/send.go sendCommand), which cannot
// share a fixed source port with the listener. BEP5 requires every
// datagram to originate from the node's one advertised port, so sends here
// go out the bound listener conn instead.
type UDPTransport struct {
	log  *slog.Logger
	conn *net.UDPConn

	mu        sync.Mutex
	spamCount map[string]int
}

// NewUDPTransport binds an IPv4 UDP socket on port. port=0 picks an
// ephemeral port.
func NewUDPTransport(port int, log *slog.Logger) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("udp bind: %w", err)
	}
	return &UDPTransport{
		log:       log.With("component", "transport"),
		conn:      conn,
		spamCount: make(map[string]int),
	}, nil
}

// LocalPort returns the bound socket's port.
func (t *UDPTransport) LocalPort() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send marshals and writes a bencode message to loc.
func (t *UDPTransport) Send(loc Location, msg Value) error {
	_, err := t.conn.WriteToUDP(Encode(msg), loc.UDPAddr())
	return err
}

// Close closes the underlying socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// ResetSpam clears the per-source counters. Called at the housekeeping tick.
func (t *UDPTransport) ResetSpam() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.spamCount)
}

// Recv blocks for one datagram, decodes it, and applies IPv4 filtering and
// spam throttling. onSpam is invoked exactly once per source per window
// when the threshold is first crossed. Returns a nil message and a nil error
// for datagrams that were dropped (non-IPv4 sender, spam, or decode failure)
// so the caller's loop can simply continue; the Location is the sender's,
// or zero for a non-IPv4 sender.
func (t *UDPTransport) Recv(onSpam func(source string)) (*parsedMessage, Location, error) {
	buf := make([]byte, 4096)
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, Location{}, err
	}
	loc, ok := NewLocation(addr.IP, addr.Port)
	if !ok {
		return nil, Location{}, nil // non-IPv4 sender, drop
	}
	key := addr.String()
	t.mu.Lock()
	t.spamCount[key]++
	count := t.spamCount[key]
	t.mu.Unlock()
	if count == spamThreshold {
		if onSpam != nil {
			onSpam(key)
		}
	}
	if count >= spamThreshold {
		return nil, loc, nil
	}
	v, _, err := Decode(buf[:n])
	if err != nil {
		t.log.Debug("dropping malformed datagram", "from", key, "err", err)
		return nil, loc, nil
	}
	msg, err := parseMessage(v)
	if err != nil {
		t.log.Debug("dropping unparseable message", "from", key, "err", err)
		return nil, loc, nil
	}
	return msg, loc, nil
}
