package dht

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPopulateUnreachableSeed mirrors spec.md §8's scenario 6: a bootstrap
// seed that never replies still counts as one visited location, and
// Populate returns once its single pending find_node settles (here,
// synchronously failing since the fake query always reports failure).
func TestPopulateUnreachableSeed(t *testing.T) {
	var self ID
	self[0] = 1
	table := NewRoutingTable(self)

	le := NewLookupEngine(func(Location, string, map[string]Value) (Value, bool) {
		return Value{}, false
	}, self)

	seed := Location{1, 2, 3, 4, 0x1A, 0xE1}
	visited := le.Populate(table, []Location{seed})
	assert.Equal(t, 1, visited)
}

func TestPopulateFollowsUpOnNodes(t *testing.T) {
	var self ID
	self[0] = 1
	table := NewRoutingTable(self)

	seedLoc := Location{1, 1, 1, 1, 0, 1}
	next := Contact{ID: idWithByte0(0x02), Loc: Location{2, 2, 2, 2, 0, 2}}

	var mu sync.Mutex
	seenNext := false

	le := NewLookupEngine(func(loc Location, verb string, args map[string]Value) (Value, bool) {
		if loc == seedLoc {
			var responder ID
			responder[0] = 0x05
			nodes := PackNodes([]Contact{next})
			return Dict(map[string]Value{"id": String(responder[:]), "nodes": String(nodes)}), true
		}
		if loc == next.Loc {
			mu.Lock()
			seenNext = true
			mu.Unlock()
			var responder ID
			return Dict(map[string]Value{"id": String(responder[:]), "nodes": String(nil)}), true
		}
		return Value{}, false
	}, self)

	visited := le.Populate(table, []Location{seedLoc})
	assert.GreaterOrEqual(t, visited, 1)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seenNext)
}

func TestPopulateSkipsBootstrapHeuristic(t *testing.T) {
	var self ID
	self[0] = 1
	table := NewRoutingTable(self)
	seedLoc := Location{1, 1, 1, 1, 0, 1}

	le := NewLookupEngine(func(loc Location, verb string, args map[string]Value) (Value, bool) {
		var responder ID
		responder[0] = 0x09
		return Dict(map[string]Value{
			"id":    String(responder[:]),
			"nodes": String(make([]byte, bootstrapNodeReplyLen)),
		}), true
	}, self)

	le.Populate(table, []Location{seedLoc})
	assert.Empty(t, table.All())
}

func TestActGetPeersAggregatesAndFiresOnV(t *testing.T) {
	var self ID
	self[0] = 1
	target := idWithByte0(0x50)
	table := NewRoutingTable(self)
	contactID := idWithByte0(0x60)
	table.Add(Contact{ID: contactID, Loc: Location{7, 7, 7, 7, 0, 1}})

	peerLoc := Location{8, 8, 8, 8, 0, 2}
	var onVCount int
	var mu sync.Mutex

	le := NewLookupEngine(func(loc Location, verb string, args map[string]Value) (Value, bool) {
		if verb == "find_node" {
			return Value{}, false
		}
		assert.Equal(t, "get_peers", verb)
		return Dict(map[string]Value{
			"id":     String(contactID[:]),
			"values": List(String(peerLoc[:])),
			"token":  String([]byte("tok")),
		}), true
	}, self)

	result := le.Act(ActParams{
		PreVerb: "get_peers",
		Target:  target,
		OnV: func(v Value) {
			mu.Lock()
			onVCount++
			mu.Unlock()
		},
		Table:  table,
		SelfID: func() ID { return self },
	})

	require.Len(t, result.Peers, 1)
	assert.Equal(t, peerLoc, result.Peers[0])
	assert.Equal(t, 1, result.NumFound)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, onVCount)
}

func TestActPutAnnouncesToTokenHolders(t *testing.T) {
	var self ID
	self[0] = 1
	target := idWithByte0(0x50)
	table := NewRoutingTable(self)
	contactID := idWithByte0(0x60)
	table.Add(Contact{ID: contactID, Loc: Location{7, 7, 7, 7, 0, 1}})

	var postCalls int
	var mu sync.Mutex

	le := NewLookupEngine(func(loc Location, verb string, args map[string]Value) (Value, bool) {
		switch verb {
		case "get":
			return Dict(map[string]Value{"id": String(contactID[:]), "token": String([]byte("tok"))}), true
		case "put":
			mu.Lock()
			postCalls++
			mu.Unlock()
			assert.Equal(t, String([]byte("payload")), args["v"])
			return Dict(map[string]Value{"id": String(contactID[:])}), true
		}
		return Value{}, false
	}, self)

	result := le.Act(ActParams{
		PreVerb:  "get",
		Target:   target,
		PostVerb: "put",
		PostArgs: map[string]Value{"v": String([]byte("payload"))},
		Table:    table,
		SelfID:   func() ID { return self },
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, postCalls)
	assert.Equal(t, 1, result.NumStored)
}

func TestActDerivePostArgsAdoptsDiscoveredValue(t *testing.T) {
	var self ID
	self[0] = 1
	target := idWithByte0(0x50)
	table := NewRoutingTable(self)
	contactID := idWithByte0(0x60)
	table.Add(Contact{ID: contactID, Loc: Location{7, 7, 7, 7, 0, 1}})

	discoveredV := String([]byte("adopted"))
	var capturedCAS Value

	le := NewLookupEngine(func(loc Location, verb string, args map[string]Value) (Value, bool) {
		switch verb {
		case "get":
			return Dict(map[string]Value{
				"id": String(contactID[:]), "token": String([]byte("tok")),
				"v": discoveredV, "k": String(make([]byte, 32)),
				"seq": Int(7), "sig": String(make([]byte, 64)),
			}), true
		case "put":
			capturedCAS = args["cas"]
			return Dict(map[string]Value{"id": String(contactID[:])}), true
		}
		return Value{}, false
	}, self)

	result := le.Act(ActParams{
		PreVerb:  "get",
		Target:   target,
		PostVerb: "put",
		DerivePostArgs: func(r map[string]Value) (map[string]Value, bool) {
			return map[string]Value{
				"v": r["v"], "k": r["k"], "seq": r["seq"], "sig": r["sig"], "cas": r["seq"],
			}, true
		},
		Table:  table,
		SelfID: func() ID { return self },
	})

	assert.Equal(t, Int(7), capturedCAS)
	assert.Equal(t, 1, result.NumStored)
}
