package dht

import (
	"sort"
	"time"
)

// K is the maximum number of contacts held in any one bucket.
const K = 8

// bucketPair is one level of the split tree: E1 holds contacts sharing bit y
// with the local id, E0 holds contacts that differ at bit y.
type bucketPair struct {
	E0 []Contact
	E1 []Contact
}

// RoutingTable is the XOR-bucketed split-tree of known contacts. All E1
// buckets except the last ("tip") are always empty; only the tip may hold a
// near-bucket, and it is the only bucket eligible to split further.
type RoutingTable struct {
	Local ID
	Tree  []bucketPair
}

// NewRoutingTable returns an empty table rooted at local.
func NewRoutingTable(local ID) *RoutingTable {
	return &RoutingTable{Local: local, Tree: []bucketPair{{}}}
}

func (rt *RoutingTable) tipIndex() int {
	return len(rt.Tree) - 1
}

// Find locates the bucket that would contain id: y is the tree index
// (min(first differing bit, tip index)), z is 1 if bit y of id matches the
// local id, i is the contact's index within that bucket or len(bucket) if
// absent.
func (rt *RoutingTable) Find(id ID) (y int, z int, i int) {
	y = rt.tipIndex()
	for b := 0; b < 160; b++ {
		if bitAt(id, b) != bitAt(rt.Local, b) {
			if b < y {
				y = b
			}
			break
		}
	}
	if bitAt(id, y) == bitAt(rt.Local, y) {
		z = 1
	}
	bucket := rt.bucketAt(y, z)
	for idx, c := range bucket {
		if c.ID == id {
			return y, z, idx
		}
	}
	return y, z, len(bucket)
}

func (rt *RoutingTable) bucketAt(y, z int) []Contact {
	if z == 1 {
		return rt.Tree[y].E1
	}
	return rt.Tree[y].E0
}

func (rt *RoutingTable) setBucketAt(y, z int, contacts []Contact) {
	if z == 1 {
		rt.Tree[y].E1 = contacts
	} else {
		rt.Tree[y].E0 = contacts
	}
}

// Add inserts or refreshes a contact. The local id is never added. A
// present contact has its LastSeen refreshed. A bucket with room appends.
// A far bucket (z=0) that is full silently discards the newcomer, biasing
// the table toward contacts near the local id. A full tip near-bucket
// (z=1, y=tip) appends anyway and splits the tree by one level.
func (rt *RoutingTable) Add(c Contact) {
	if c.ID == rt.Local {
		return
	}
	y, z, i := rt.Find(c.ID)
	bucket := rt.bucketAt(y, z)
	if i < len(bucket) {
		bucket[i].LastSeen = c.LastSeen
		return
	}
	if len(bucket) < K {
		rt.setBucketAt(y, z, append(bucket, c))
		return
	}
	if z == 0 {
		return
	}
	// z == 1 and y == tip: append past capacity, then split.
	rt.setBucketAt(y, z, append(bucket, c))
	rt.split()
}

// split grows the tree by one level: the tip's E1 (now K+1 contacts) is
// redistributed into a fresh pair by the next bit position.
func (rt *RoutingTable) split() {
	tip := rt.tipIndex()
	overflow := rt.Tree[tip].E1
	rt.Tree[tip].E1 = nil
	rt.Tree = append(rt.Tree, bucketPair{})
	newTip := rt.tipIndex()
	for _, c := range overflow {
		if bitAt(c.ID, newTip) == bitAt(rt.Local, newTip) {
			rt.Tree[newTip].E1 = append(rt.Tree[newTip].E1, c)
		} else {
			rt.Tree[newTip].E0 = append(rt.Tree[newTip].E0, c)
		}
	}
}

// Closest returns up to K contacts of the tip's near bucket, sorted by
// ascending XOR distance to the local id.
func (rt *RoutingTable) Closest() []Contact {
	tip := rt.Tree[rt.tipIndex()].E1
	out := make([]Contact, len(tip))
	copy(out, tip)
	sort.Slice(out, func(i, j int) bool {
		return Less(Distance(out[i].ID, rt.Local), Distance(out[j].ID, rt.Local))
	})
	if len(out) > K {
		out = out[:K]
	}
	return out
}

// All returns every contact in the table: every E0 bucket plus the tip's E1.
func (rt *RoutingTable) All() []Contact {
	var out []Contact
	for i, pair := range rt.Tree {
		out = append(out, pair.E0...)
		if i == rt.tipIndex() {
			out = append(out, pair.E1...)
		}
	}
	return out
}

// MakeTemporary builds a scratch table rooted at id, seeded with every
// contact from rt. Temporary tables are query-planning aids: they may
// contain their own id as a contact and must not mutate rt's timestamps.
func (rt *RoutingTable) MakeTemporary(id ID) *RoutingTable {
	tmp := &RoutingTable{Local: id, Tree: []bucketPair{{}}}
	for _, c := range rt.All() {
		cc := c
		tmp.addTemporary(cc)
	}
	return tmp
}

// addTemporary is like Add but permits the table's own local id as a
// contact, since temporary tables are scratchpads, not routing state.
func (rt *RoutingTable) addTemporary(c Contact) {
	y, z, i := rt.Find(c.ID)
	bucket := rt.bucketAt(y, z)
	if i < len(bucket) {
		bucket[i].LastSeen = c.LastSeen
		return
	}
	if len(bucket) < K {
		rt.setBucketAt(y, z, append(bucket, c))
		return
	}
	if z == 0 {
		return
	}
	rt.setBucketAt(y, z, append(bucket, c))
	rt.split()
}

// Refresh drops contacts that failed the previous round's ping (LastSeen is
// the zero sentinel), pings the stalest 10% of the survivors, and rebuilds
// the tree if it has grown lopsided (many contacts but a thin tip).
func (rt *RoutingTable) Refresh(ping func(Contact), drop func(Contact)) {
	var survivors []Contact
	var dropped []Contact
	for _, c := range rt.All() {
		if c.LastSeen.IsZero() {
			dropped = append(dropped, c)
			continue
		}
		survivors = append(survivors, c)
	}
	rt.rebuildFrom(survivors)
	for _, c := range dropped {
		if drop != nil {
			drop(c)
		}
	}

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].LastSeen.Before(survivors[j].LastSeen)
	})
	staleCount := len(survivors) / 10
	for i := 0; i < staleCount; i++ {
		c := survivors[i]
		y, z, idx := rt.Find(c.ID)
		bucket := rt.bucketAt(y, z)
		if idx < len(bucket) {
			bucket[idx].LastSeen = time.Time{}
		}
		if ping != nil {
			ping(c)
		}
	}

	if len(rt.All()) > K && len(rt.Closest()) < K {
		rt.rebuildFrom(rt.All())
	}
}

func (rt *RoutingTable) rebuildFrom(contacts []Contact) {
	fresh := &RoutingTable{Local: rt.Local, Tree: []bucketPair{{}}}
	for _, c := range contacts {
		fresh.Add(c)
	}
	rt.Tree = fresh.Tree
}
