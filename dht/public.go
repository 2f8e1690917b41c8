package dht

import (
	"crypto/sha1"
	"time"
)

// normalizeSalt implements spec.md §6's dynamic mutableSalt recognition:
// nil/false/empty → immutable; true → mutable with no salt; a non-empty
// byte-string (or Go string) ≤ 64 bytes → mutable with that salt, longer
// values truncated.
func normalizeSalt(mutableSalt any) (mutable bool, salt []byte) {
	switch s := mutableSalt.(type) {
	case nil:
		return false, nil
	case bool:
		return s, nil
	case []byte:
		if len(s) == 0 {
			return false, nil
		}
		if len(s) > 64 {
			s = s[:64]
		}
		return true, s
	case string:
		if s == "" {
			return false, nil
		}
		b := []byte(s)
		if len(b) > 64 {
			b = b[:64]
		}
		return true, b
	default:
		return false, nil
	}
}

// AnnouncePeer runs the get_peers/announce_peer compound operation for
// infohash, announcing this node's own listening port (or the sender's
// source port, when impliedPort is set) to every contact that returns a
// token. done is invoked exactly once, after every sub-operation settles.
func (d *Dht) AnnouncePeer(infohash ID, impliedPort bool, done func(ActResult), onV func(Value)) {
	go func() {
		d.mu.Lock()
		table := d.table.MakeTemporary(infohash)
		d.mu.Unlock()

		postArgs := map[string]Value{"info_hash": String(infohash[:])}
		if impliedPort {
			postArgs["implied_port"] = Int(1)
		} else {
			postArgs["port"] = Int(int64(d.transport.LocalPort()))
		}

		result := d.lookup.Act(ActParams{
			PreVerb:  "get_peers",
			Target:   infohash,
			PostVerb: "announce_peer",
			PostArgs: postArgs,
			OnV:      onV,
			Table:    table,
			SelfID:   d.localID,
		})
		if done != nil {
			done(result)
		}
	}()
}

// GetPeers runs the get_peers lookup for infohash without any post-verb.
func (d *Dht) GetPeers(infohash ID, done func(ActResult), onV func(Value)) {
	go func() {
		d.mu.Lock()
		table := d.table.MakeTemporary(infohash)
		d.mu.Unlock()

		result := d.lookup.Act(ActParams{
			PreVerb: "get_peers",
			Target:  infohash,
			OnV:     onV,
			Table:   table,
			SelfID:  d.localID,
		})
		if done != nil {
			done(result)
		}
	}()
}

// PutData stores v under a target derived per mutableSalt and resetTarget
// (spec.md §4.6 step 1):
//
//   - resetTarget set: the mutable-reset path. Target is resetTarget
//     itself; a "get" lookup discovers each contact's own k/seq/sig/v,
//     which are adopted verbatim into that contact's "put" (with
//     cas = discovered seq) rather than a value computed locally.
//   - resetTarget nil, mutableSalt truthy: the mutable-fresh path. This
//     node signs a new seq = now, target = SHA1(k ∥ salt).
//   - otherwise: the immutable path. target = SHA1(encode(v)).
func (d *Dht) PutData(v Value, mutableSalt any, resetTarget *ID, done func(ActResult), onV func(Value)) {
	go func() {
		mutable, salt := normalizeSalt(mutableSalt)

		var target ID
		var postArgs map[string]Value
		var derivePostArgs func(map[string]Value) (map[string]Value, bool)
		var freshK *[32]byte
		var freshSeq *int64

		switch {
		case resetTarget != nil:
			target = *resetTarget
			derivePostArgs = func(r map[string]Value) (map[string]Value, bool) {
				kV, hasK := r["k"]
				seqV, hasSeq := r["seq"]
				sigV, hasSig := r["sig"]
				vV, hasV := r["v"]
				if !hasK || !hasSeq || !hasSig || !hasV {
					return nil, false
				}
				return map[string]Value{
					"v":   vV,
					"k":   kV,
					"seq": seqV,
					"sig": sigV,
					"cas": seqV,
				}, true
			}
		case mutable:
			seq := time.Now().Unix()
			k := d.keypair.PublicBytes()
			sig := d.keypair.Sign(PackSeqSalt(seq, v, salt))
			target = mutableTarget(k[:], salt)
			postArgs = map[string]Value{
				"v":   v,
				"k":   String(k[:]),
				"seq": Int(seq),
				"sig": String(sig[:]),
			}
			if len(salt) > 0 {
				postArgs["salt"] = String(salt)
			}
			freshK, freshSeq = &k, &seq
		default:
			target = ID(sha1.Sum(Encode(v)))
			postArgs = map[string]Value{"v": v}
		}

		d.mu.Lock()
		table := d.table.MakeTemporary(target)
		d.mu.Unlock()

		result := d.lookup.Act(ActParams{
			PreVerb:        "get",
			Target:         target,
			PostVerb:       "put",
			PostArgs:       postArgs,
			DerivePostArgs: derivePostArgs,
			OnV:            onV,
			Table:          table,
			SelfID:         d.localID,
			Salt:           salt,
		})
		result.Salt = salt
		// A fresh mutable put has no pre-existing datum to discover, so
		// Act's "get" response parsing never populates these; report the
		// value this node itself just signed instead.
		if freshK != nil {
			result.K = freshK
			result.Seq = freshSeq
			result.V = v
		}
		if done != nil {
			done(result)
		}
	}()
}

// GetData runs the get lookup for target, verifying each response against
// mutableSalt (needed to reconstruct pack_seq_salt for mutable items).
func (d *Dht) GetData(target ID, mutableSalt any, done func(ActResult), onV func(Value)) {
	go func() {
		_, salt := normalizeSalt(mutableSalt)

		d.mu.Lock()
		table := d.table.MakeTemporary(target)
		d.mu.Unlock()

		result := d.lookup.Act(ActParams{
			PreVerb: "get",
			Target:  target,
			OnV:     onV,
			Table:   table,
			SelfID:  d.localID,
			Salt:    salt,
		})
		result.Salt = salt
		if done != nil {
			done(result)
		}
	}()
}

// MakeMutableTarget computes the BEP44 mutable target for public key k
// under mutableSalt, without touching the network.
func (d *Dht) MakeMutableTarget(k [32]byte, mutableSalt any) ID {
	_, salt := normalizeSalt(mutableSalt)
	return mutableTarget(k[:], salt)
}

// MakeImmutableTarget computes the BEP44 immutable target for v, without
// touching the network.
func (d *Dht) MakeImmutableTarget(v Value) ID {
	return ID(sha1.Sum(Encode(v)))
}
