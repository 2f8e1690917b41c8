package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataStorePutGet(t *testing.T) {
	s := NewDataStore()
	var target ID
	target[0] = 1
	d := &Datum{V: String([]byte("hello")), StoredAt: time.Now()}
	s.Put(target, d)

	got, ok := s.Get(target)
	require.True(t, ok)
	assert.Equal(t, d, got)
}

func TestDataStoreGetMissing(t *testing.T) {
	s := NewDataStore()
	var target ID
	_, ok := s.Get(target)
	assert.False(t, ok)
}

func TestDataStoreSweepEvictsExpired(t *testing.T) {
	s := NewDataStore()
	var target ID
	target[0] = 2
	s.Put(target, &Datum{V: Int(1), StoredAt: time.Now().Add(-dataTTL - time.Minute)})

	dropped := s.Sweep(time.Now())
	require.Len(t, dropped, 1)
	assert.Equal(t, target, dropped[0])
	_, ok := s.Get(target)
	assert.False(t, ok)
}
