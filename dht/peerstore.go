package dht

import "time"

const (
	peerTTL      = 30 * time.Minute
	peerCapacity = 150
)

// PeerStore holds announced BitTorrent peers per infohash, evicted by TTL.
// Grounded on the teacher's flat table+Expires pattern (dht/types.go
// Value.Expires, swept in node/send.go's Broadcast), split per-infohash
// since peers and BEP44 data have different keys, shapes, and TTLs.
type PeerStore struct {
	byHash map[ID]map[Location]time.Time
}

// NewPeerStore returns an empty peer store.
func NewPeerStore() *PeerStore {
	return &PeerStore{byHash: make(map[ID]map[Location]time.Time)}
}

// Put records loc as an announced peer of infohash at time now.
func (s *PeerStore) Put(infohash ID, loc Location, now time.Time) {
	set, ok := s.byHash[infohash]
	if !ok {
		set = make(map[Location]time.Time)
		s.byHash[infohash] = set
	}
	set[loc] = now
}

// Get returns up to peerCapacity peer locations announced for infohash.
func (s *PeerStore) Get(infohash ID) []Location {
	set, ok := s.byHash[infohash]
	if !ok {
		return nil
	}
	out := make([]Location, 0, len(set))
	for loc := range set {
		out = append(out, loc)
		if len(out) == peerCapacity {
			break
		}
	}
	return out
}

// DroppedPeer names a peer evicted by Sweep.
type DroppedPeer struct {
	InfoHash ID
	Loc      Location
}

// Sweep removes peer entries older than peerTTL, returning what was dropped.
func (s *PeerStore) Sweep(now time.Time) []DroppedPeer {
	var dropped []DroppedPeer
	for hash, set := range s.byHash {
		for loc, seen := range set {
			if now.Sub(seen) > peerTTL {
				delete(set, loc)
				dropped = append(dropped, DroppedPeer{InfoHash: hash, Loc: loc})
			}
		}
		if len(set) == 0 {
			delete(s.byHash, hash)
		}
	}
	return dropped
}
