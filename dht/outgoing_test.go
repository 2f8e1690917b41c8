package dht

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingQueriesDispatchAndRecv(t *testing.T) {
	var sent Value
	var dest Location
	o := NewOutgoingQueries(func(loc Location, msg Value) error {
		sent = msg
		dest = loc
		return nil
	}, nil)

	var got Value
	var ok bool
	target := Location{1, 2, 3, 4, 0, 1}
	o.Query(target, "ping", map[string]Value{"id": String(make([]byte, 20))}, func(v Value, k bool) {
		got, ok = v, k
	})

	assert.Equal(t, target, dest)
	tv, hasT := sent.Get("t")
	require.True(t, hasT)
	txID, _ := tv.AsString()

	o.Recv(&parsedMessage{T: string(txID), Y: "r", R: map[string]Value{"id": String(make([]byte, 20))}}, target, nil)
	assert.True(t, ok)
	r, isDict := got.AsDict()
	require.True(t, isDict)
	assert.Contains(t, r, "id")
}

// TestOutgoingQueriesTimeout mirrors spec.md §8's unreachable-node scenario:
// a query to a node that never replies fails its continuation after
// queryTicks ticks (500ms deadline in production, exercised here directly
// via Tick()).
func TestOutgoingQueriesTimeout(t *testing.T) {
	o := NewOutgoingQueries(func(Location, Value) error { return nil }, nil)

	var mu sync.Mutex
	var failed bool
	o.Query(Location{}, "ping", nil, func(v Value, ok bool) {
		mu.Lock()
		failed = !ok
		mu.Unlock()
	})

	for i := 0; i < queryTicks; i++ {
		o.Tick()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, failed)
}

func TestOutgoingQueriesOverflowQueuesToWaiting(t *testing.T) {
	var dispatched int
	o := NewOutgoingQueries(func(Location, Value) error {
		dispatched++
		return nil
	}, nil)

	for i := 0; i < pendingCap+3; i++ {
		o.Query(Location{}, "ping", nil, func(Value, bool) {})
	}
	assert.Equal(t, pendingCap, dispatched)
	assert.Len(t, o.waiting, 3)
}

func TestOutgoingQueriesSendErrorFailsImmediately(t *testing.T) {
	o := NewOutgoingQueries(func(Location, Value) error { return assert.AnError }, nil)

	var ok bool
	called := make(chan struct{})
	o.Query(Location{}, "ping", nil, func(v Value, k bool) {
		ok = k
		close(called)
	})
	<-called
	assert.False(t, ok)
}

func TestOutgoingQueriesStopAllFailsEverything(t *testing.T) {
	o := NewOutgoingQueries(func(Location, Value) error { return nil }, nil)
	var mu sync.Mutex
	results := 0
	for i := 0; i < pendingCap+2; i++ {
		o.Query(Location{}, "ping", nil, func(Value, bool) {
			mu.Lock()
			results++
			mu.Unlock()
		})
	}
	o.StopAll()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, pendingCap+2, results)
}
