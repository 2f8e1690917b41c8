package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithByte0(b byte) ID {
	var id ID
	id[0] = b
	return id
}

func TestRoutingTableAddAndFind(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local)
	c := Contact{ID: idWithByte0(0x80), LastSeen: time.Now()}
	rt.Add(c)

	y, z, i := rt.Find(c.ID)
	assert.Equal(t, 0, y)
	assert.Equal(t, 0, z)
	assert.Less(t, i, len(rt.bucketAt(y, z)))
}

func TestRoutingTableIgnoresLocalID(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local)
	rt.Add(Contact{ID: local})
	assert.Empty(t, rt.All())
}

func TestRoutingTableRefreshesExistingContact(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local)
	other := idWithByte0(0x80)
	rt.Add(Contact{ID: other, LastSeen: time.Unix(1, 0)})
	rt.Add(Contact{ID: other, LastSeen: time.Unix(2, 0)})

	all := rt.All()
	require.Len(t, all, 1)
	assert.Equal(t, time.Unix(2, 0), all[0].LastSeen)
}

// TestRoutingTableSplitsAtCapacity mirrors spec.md §8's split scenario:
// inserting K+1 near contacts (all sharing bit 0 with local, split roughly
// evenly on bit 1) grows the tree by one level and redistributes the
// overflow by the next bit, leaving the new tip's near bucket under K.
func TestRoutingTableSplitsAtCapacity(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local)

	// 5 contacts differing from local at bit 1 (0x40 sets that bit), 4
	// matching at bit 1 (0x00) -- all match local at bit 0 (both < 0x80).
	for i := 0; i < K+1; i++ {
		var id ID
		if i < 5 {
			id[0] = 0x40
		}
		id[19] = byte(i + 1)
		rt.Add(Contact{ID: id, LastSeen: time.Now()})
	}

	assert.Greater(t, len(rt.Tree), 1)
	assert.LessOrEqual(t, len(rt.Tree[rt.tipIndex()].E1), K)
}

func TestRoutingTableFarBucketDiscardsWhenFull(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local)

	for i := 0; i < K; i++ {
		var id ID
		id[0] = 0x80
		id[19] = byte(i)
		rt.Add(Contact{ID: id, LastSeen: time.Now()})
	}
	require.Len(t, rt.Tree[0].E0, K)

	var extra ID
	extra[0] = 0x80
	extra[19] = 0xff
	rt.Add(Contact{ID: extra, LastSeen: time.Now()})
	assert.Len(t, rt.Tree[0].E0, K)
}

func TestRoutingTableClosestSortedByDistance(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local)

	near := idWithByte0(0x00)
	near[19] = 0x01
	far := idWithByte0(0x00)
	far[19] = 0x10
	rt.Add(Contact{ID: far, LastSeen: time.Now()})
	rt.Add(Contact{ID: near, LastSeen: time.Now()})

	closest := rt.Closest()
	require.Len(t, closest, 2)
	assert.Equal(t, near, closest[0].ID)
	assert.Equal(t, far, closest[1].ID)
}

func TestMakeTemporaryDoesNotMutateSource(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local)
	c := Contact{ID: idWithByte0(0x80), LastSeen: time.Now()}
	rt.Add(c)

	tmp := rt.MakeTemporary(idWithByte0(0xff))
	tmp.Add(Contact{ID: idWithByte0(0x40), LastSeen: time.Now()})

	assert.Len(t, rt.All(), 1)
}

func TestRefreshDropsZeroLastSeenContacts(t *testing.T) {
	local := idWithByte0(0x00)
	rt := NewRoutingTable(local)

	dropped := idWithByte0(0x80)
	rt.Add(Contact{ID: dropped, LastSeen: time.Time{}})

	alive := idWithByte0(0x40)
	rt.Add(Contact{ID: alive, LastSeen: time.Now()})

	var droppedContacts []Contact
	var pinged []Contact
	rt.Refresh(func(c Contact) { pinged = append(pinged, c) }, func(c Contact) { droppedContacts = append(droppedContacts, c) })

	require.Len(t, droppedContacts, 1)
	assert.Equal(t, dropped, droppedContacts[0].ID)
	assert.NotContains(t, rt.All(), Contact{ID: dropped})
}
