package dht

import "time"

const (
	dataTTL      = 120 * time.Minute
	maxValueSize = 1000
)

// Datum is a stored BEP44 value. K, Seq, and Sig are nil for immutable
// items and all present for mutable ones.
type Datum struct {
	V        Value
	K        *[32]byte
	Seq      *int64
	Sig      *[64]byte
	Salt     []byte
	StoredAt time.Time
}

// DataStore holds BEP44 values keyed by target, evicted by TTL. Same
// grounding as PeerStore.
type DataStore struct {
	byTarget map[ID]*Datum
}

// NewDataStore returns an empty data store.
func NewDataStore() *DataStore {
	return &DataStore{byTarget: make(map[ID]*Datum)}
}

// Put stores or replaces the datum at target.
func (s *DataStore) Put(target ID, d *Datum) {
	s.byTarget[target] = d
}

// Get returns the datum stored at target, if any.
func (s *DataStore) Get(target ID) (*Datum, bool) {
	d, ok := s.byTarget[target]
	return d, ok
}

// Sweep removes data older than dataTTL, returning the dropped targets.
func (s *DataStore) Sweep(now time.Time) []ID {
	var dropped []ID
	for target, d := range s.byTarget {
		if now.Sub(d.StoredAt) > dataTTL {
			delete(s.byTarget, target)
			dropped = append(dropped, target)
		}
	}
	return dropped
}
