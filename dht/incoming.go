package dht

import (
	"crypto/ed25519"
	"crypto/sha1"
	"log/slog"
	"time"
)

// TokenSecret holds the current and previous 20-byte announce/put token
// nonces. Rotated every 5 minutes; both are accepted during the overlap
// window (spec.md §3, §4.5).
type TokenSecret struct {
	Current  [20]byte
	Previous [20]byte
}

// Rotate replaces Previous with Current and Current with fresh.
func (s *TokenSecret) Rotate(fresh [20]byte) {
	s.Previous = s.Current
	s.Current = fresh
}

func nodeBytes(id ID, loc Location) []byte {
	n := packNode(id, loc)
	return n[:]
}

// mintToken computes SHA1(nodeBytes ∥ secret).
func mintToken(id ID, loc Location, secret [20]byte) []byte {
	h := sha1.New()
	h.Write(nodeBytes(id, loc))
	h.Write(secret[:])
	return h.Sum(nil)
}

// validToken accepts a token minted from either the current or previous
// secret.
func validToken(token []byte, id ID, loc Location, secret TokenSecret) bool {
	return string(token) == string(mintToken(id, loc, secret.Current)) ||
		string(token) == string(mintToken(id, loc, secret.Previous))
}

// IncomingQueries dispatches decoded queries to per-verb handlers. It is
// handed everything it needs at construction time rather than reaching for
// package state, per the no-globals redesign rule. Every field that touches
// the live routing table or stores is a closure so the owning *Dht can
// funnel all mutation through its single logical lock (spec.md §5); nothing
// here holds a raw pointer into shared state.
type IncomingQueries struct {
	log *slog.Logger

	localID func() ID
	secret  func() TokenSecret
	closest func(target ID) []Contact
	peerGet func(ID) []Location
	peerPut func(ID, Location)
	dataGet func(ID) (*Datum, bool)
	dataPut func(ID, *Datum)
	send    func(Location, Value) error
	onEvent func(Event)
	addPeer func(Contact)
}

// NewIncomingQueries wires an IncomingQueries dispatcher.
func NewIncomingQueries(
	log *slog.Logger,
	localID func() ID,
	secret func() TokenSecret,
	closest func(ID) []Contact,
	peerGet func(ID) []Location,
	peerPut func(ID, Location),
	dataGet func(ID) (*Datum, bool),
	dataPut func(ID, *Datum),
	send func(Location, Value) error,
	onEvent func(Event),
	addPeer func(Contact),
) *IncomingQueries {
	return &IncomingQueries{
		log: log.With("component", "incoming"), localID: localID, secret: secret,
		closest: closest, peerGet: peerGet, peerPut: peerPut, dataGet: dataGet, dataPut: dataPut,
		send: send, onEvent: onEvent, addPeer: addPeer,
	}
}

// Handle dispatches one decoded query from `from`.
func (iq *IncomingQueries) Handle(msg *parsedMessage, from Location) {
	senderID, ok := argID(msg.Args)
	if !ok {
		iq.reject(from, msg.T, ErrCodeProtocol, "missing or invalid id")
		return
	}

	if iq.onEvent != nil {
		iq.onEvent(EventIncoming{Verb: msg.Verb, From: from})
	}
	if iq.addPeer != nil {
		iq.addPeer(Contact{ID: senderID, Loc: from, LastSeen: time.Now()})
	}

	switch msg.Verb {
	case "ping":
		iq.handlePing(msg, from, senderID)
	case "find_node":
		iq.handleFindNode(msg, from, senderID)
	case "get_peers":
		iq.handleGetPeers(msg, from, senderID)
	case "announce_peer":
		iq.handleAnnouncePeer(msg, from, senderID)
	case "get":
		iq.handleGet(msg, from, senderID)
	case "put":
		iq.handlePut(msg, from, senderID)
	default:
		iq.reject(from, msg.T, ErrCodeUnknownMethod, "unknown method")
	}
}

func (iq *IncomingQueries) reject(to Location, t string, code int64, message string) {
	_ = iq.send(to, buildError(t, code, message))
}

func (iq *IncomingQueries) respondID(to Location, t string, extra map[string]Value) {
	fields := map[string]Value{"id": String(iq.localID().bytes())}
	for k, v := range extra {
		fields[k] = v
	}
	_ = iq.send(to, buildResponse(t, fields))
}

func (id ID) bytes() []byte { b := id; return b[:] }

func (iq *IncomingQueries) handlePing(msg *parsedMessage, from Location, _ ID) {
	iq.respondID(from, msg.T, nil)
}

func (iq *IncomingQueries) handleFindNode(msg *parsedMessage, from Location, _ ID) {
	target, ok := argTarget(msg.Args, "target")
	if !ok {
		iq.reject(from, msg.T, ErrCodeProtocol, "missing target")
		return
	}
	closest := iq.closest(target)
	iq.respondID(from, msg.T, map[string]Value{"nodes": String(PackNodes(closest))})
}

func (iq *IncomingQueries) handleGetPeers(msg *parsedMessage, from Location, senderID ID) {
	infoHash, ok := argTarget(msg.Args, "info_hash")
	if !ok {
		iq.reject(from, msg.T, ErrCodeProtocol, "missing info_hash")
		return
	}
	token := mintToken(senderID, from, iq.secret().Current)
	extra := map[string]Value{"token": String(token)}
	if peerLocs := iq.peerGet(infoHash); len(peerLocs) > 0 {
		values := make([]Value, len(peerLocs))
		for i, l := range peerLocs {
			loc := l
			values[i] = String(loc[:])
		}
		extra["values"] = List(values...)
	} else {
		closest := iq.closest(infoHash)
		extra["nodes"] = String(PackNodes(closest))
	}
	iq.respondID(from, msg.T, extra)
}

func (iq *IncomingQueries) handleAnnouncePeer(msg *parsedMessage, from Location, senderID ID) {
	infoHash, ok := argTarget(msg.Args, "info_hash")
	if !ok {
		iq.reject(from, msg.T, ErrCodeProtocol, "missing info_hash")
		return
	}
	tokenV, ok := msg.Args["token"]
	if !ok {
		iq.reject(from, msg.T, ErrCodeProtocol, "missing token")
		return
	}
	token, ok := tokenV.AsString()
	if !ok || !validToken(token, senderID, from, iq.secret()) {
		iq.reject(from, msg.T, ErrCodeProtocol, "bad token")
		return
	}
	if !prefixMatches(infoHash, iq.localID()) {
		return // anti-spam insertion filter: silently ignore
	}

	loc := from
	impliedPort := false
	if v, ok := msg.Args["implied_port"]; ok {
		if n, ok := v.AsInt(); ok && n == 1 {
			impliedPort = true
		}
	}
	if !impliedPort {
		portV, ok := msg.Args["port"]
		if !ok {
			iq.reject(from, msg.T, ErrCodeProtocol, "missing port")
			return
		}
		port, ok := portV.AsInt()
		if !ok {
			iq.reject(from, msg.T, ErrCodeProtocol, "bad port")
			return
		}
		l, ok := NewLocation(from.UDPAddr().IP, int(port))
		if !ok {
			iq.reject(from, msg.T, ErrCodeProtocol, "bad port")
			return
		}
		loc = l
	}
	iq.peerPut(infoHash, loc)
	iq.respondID(from, msg.T, nil)
}

func (iq *IncomingQueries) handleGet(msg *parsedMessage, from Location, senderID ID) {
	target, ok := argTarget(msg.Args, "target")
	if !ok {
		iq.reject(from, msg.T, ErrCodeProtocol, "missing target")
		return
	}
	token := mintToken(senderID, from, iq.secret().Current)
	extra := map[string]Value{"token": String(token)}
	closest := iq.closest(target)
	extra["nodes"] = String(PackNodes(closest))

	if d, ok := iq.dataGet(target); ok {
		include := true
		if seqV, ok := msg.Args["seq"]; ok {
			if wantSeq, ok := seqV.AsInt(); ok && d.Seq != nil && *d.Seq <= wantSeq {
				include = false
			}
		}
		if include {
			extra["v"] = d.V
			if d.K != nil {
				extra["k"] = String(d.K[:])
				extra["seq"] = Int(*d.Seq)
				extra["sig"] = String(d.Sig[:])
			}
		}
	}
	iq.respondID(from, msg.T, extra)
}

func (iq *IncomingQueries) handlePut(msg *parsedMessage, from Location, senderID ID) {
	tokenV, ok := msg.Args["token"]
	if !ok {
		iq.reject(from, msg.T, ErrCodeProtocol, "missing token")
		return
	}
	token, ok := tokenV.AsString()
	if !ok || !validToken(token, senderID, from, iq.secret()) {
		iq.reject(from, msg.T, ErrCodeProtocol, "bad token")
		return
	}
	v, ok := msg.Args["v"]
	if !ok {
		iq.reject(from, msg.T, ErrCodeProtocol, "missing v")
		return
	}
	if len(Encode(v)) > maxValueSize {
		iq.reject(from, msg.T, ErrCodeMessageTooBig, "v too big")
		return
	}

	kV, hasK := msg.Args["k"]
	seqV, hasSeq := msg.Args["seq"]
	sigV, hasSig := msg.Args["sig"]
	if hasK || hasSeq || hasSig {
		if !(hasK && hasSeq && hasSig) {
			iq.reject(from, msg.T, ErrCodeProtocol, "k/seq/sig must all be present")
			return
		}
		iq.handlePutMutable(msg, from, v, kV, seqV, sigV)
		return
	}
	iq.handlePutImmutable(msg, from, v)
}

func (iq *IncomingQueries) handlePutImmutable(msg *parsedMessage, from Location, v Value) {
	target := ID(sha1.Sum(Encode(v)))
	if !prefixMatches(target, iq.localID()) {
		iq.respondID(from, msg.T, nil)
		return
	}
	iq.dataPut(target, &Datum{V: v, StoredAt: time.Now()})
	iq.respondID(from, msg.T, nil)
}

func (iq *IncomingQueries) handlePutMutable(msg *parsedMessage, from Location, v, kV, seqV, sigV Value) {
	kBytes, ok := kV.AsString()
	if !ok || len(kBytes) != 32 {
		iq.reject(from, msg.T, ErrCodeProtocol, "bad k")
		return
	}
	seq, ok := seqV.AsInt()
	if !ok || seq < 0 {
		iq.reject(from, msg.T, ErrCodeProtocol, "bad seq")
		return
	}
	sigBytes, ok := sigV.AsString()
	if !ok || len(sigBytes) != 64 {
		iq.reject(from, msg.T, ErrCodeProtocol, "bad sig")
		return
	}
	var salt []byte
	if saltV, ok := msg.Args["salt"]; ok {
		s, ok := saltV.AsString()
		if !ok {
			iq.reject(from, msg.T, ErrCodeProtocol, "bad salt")
			return
		}
		if len(s) > 64 {
			iq.reject(from, msg.T, ErrCodeSaltTooBig, "salt too big")
			return
		}
		salt = s
	}

	msgToVerify := PackSeqSalt(seq, v, salt)
	if !ed25519.Verify(ed25519.PublicKey(kBytes), msgToVerify, sigBytes) {
		iq.reject(from, msg.T, ErrCodeInvalidSig, "invalid signature")
		return
	}

	target := mutableTarget(kBytes, salt)

	if existing, ok := iq.dataGet(target); ok && existing.Seq != nil {
		if casV, ok := msg.Args["cas"]; ok {
			if cas, ok := casV.AsInt(); ok && cas != *existing.Seq {
				iq.reject(from, msg.T, ErrCodeCASMismatch, "cas mismatch")
				return
			}
		}
		if *existing.Seq > seq {
			iq.reject(from, msg.T, ErrCodeSeqTooLow, "seq too low")
			return
		}
		if *existing.Seq == seq && string(Encode(existing.V)) != string(Encode(v)) {
			iq.reject(from, msg.T, ErrCodeSeqTooLow, "seq unchanged, value differs")
			return
		}
	}

	if !prefixMatches(target, iq.localID()) {
		iq.respondID(from, msg.T, nil)
		return
	}

	var k [32]byte
	copy(k[:], kBytes)
	var sig [64]byte
	copy(sig[:], sigBytes)
	iq.dataPut(target, &Datum{V: v, K: &k, Seq: &seq, Sig: &sig, Salt: salt, StoredAt: time.Now()})
	iq.respondID(from, msg.T, nil)
}

// mutableTarget computes SHA1(k ∥ salt), or SHA1(k) when salt is empty.
func mutableTarget(k, salt []byte) ID {
	h := sha1.New()
	h.Write(k)
	h.Write(salt)
	return ID(h.Sum(nil))
}

// prefixMatches enforces the anti-spam insertion guard: a target/infohash's
// first two bytes must match the local id's first two bytes.
func prefixMatches(target, local ID) bool {
	return target[0] == local[0] && target[1] == local[1]
}
