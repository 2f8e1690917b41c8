package dht

import (
	"encoding/binary"
	"net"
	"time"
)

// ID is a 20-byte Kademlia identifier: a node id, an infohash, or a BEP44 target.
type ID [20]byte

// Location is a 4-byte IPv4 address plus a 2-byte big-endian UDP port.
type Location [6]byte

// NewLocation packs an IPv4 address and port into a Location. It returns
// false if addr is not an IPv4 address.
func NewLocation(addr net.IP, port int) (Location, bool) {
	var loc Location
	v4 := addr.To4()
	if v4 == nil {
		return loc, false
	}
	copy(loc[:4], v4)
	binary.BigEndian.PutUint16(loc[4:], uint16(port))
	return loc, true
}

// UDPAddr converts a Location back into a *net.UDPAddr.
func (l Location) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(l[0], l[1], l[2], l[3]),
		Port: int(binary.BigEndian.Uint16(l[4:])),
	}
}

// Contact is a routing-table entry: a node id at a location, with the time
// it was last confirmed alive. A zero LastSeen marks a contact that was
// pinged for the current refresh round and has not yet responded.
type Contact struct {
	ID       ID
	Loc      Location
	LastSeen time.Time
}

// Node is the 26-byte wire form of a contact: ID concatenated with Location.
type Node [26]byte

func packNode(id ID, loc Location) Node {
	var n Node
	copy(n[:20], id[:])
	copy(n[20:], loc[:])
	return n
}

func unpackNode(n Node) (ID, Location) {
	var id ID
	var loc Location
	copy(id[:], n[:20])
	copy(loc[:], n[20:])
	return id, loc
}

// PackNodes concatenates a slice of contacts into their wire form.
func PackNodes(contacts []Contact) []byte {
	buf := make([]byte, 0, len(contacts)*26)
	for _, c := range contacts {
		n := packNode(c.ID, c.Loc)
		buf = append(buf, n[:]...)
	}
	return buf
}

// UnpackNodes splits a wire-form nodes blob back into id/location pairs.
// Trailing bytes that don't form a complete 26-byte record are ignored.
func UnpackNodes(b []byte) []struct {
	ID  ID
	Loc Location
} {
	out := make([]struct {
		ID  ID
		Loc Location
	}, 0, len(b)/26)
	for i := 0; i+26 <= len(b); i += 26 {
		var n Node
		copy(n[:], b[i:i+26])
		id, loc := unpackNode(n)
		out = append(out, struct {
			ID  ID
			Loc Location
		}{id, loc})
	}
	return out
}

// PackLocations concatenates a slice of locations (BEP5 "values" list entries
// are individually bencoded strings, but this helper is used for the
// bootstrap-list wire format, which is a flat concatenation).
func PackLocations(locs []Location) []byte {
	buf := make([]byte, 0, len(locs)*6)
	for _, l := range locs {
		buf = append(buf, l[:]...)
	}
	return buf
}

// UnpackLocations splits a flat concatenation of 6-byte locations.
func UnpackLocations(b []byte) []Location {
	out := make([]Location, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		var l Location
		copy(l[:], b[i:i+6])
		out = append(out, l)
	}
	return out
}

// Distance returns the bytewise XOR of two ids, interpreted as a big-endian
// 160-bit integer for comparison purposes.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance d1 is smaller than d2, comparing
// most-significant byte first.
func Less(d1, d2 ID) bool {
	for i := range d1 {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

// bitAt returns bit y of id, counting bit 0 as the most significant bit of
// byte 0.
func bitAt(id ID, y int) byte {
	byteIdx := y / 8
	bitIdx := uint(7 - y%8)
	return (id[byteIdx] >> bitIdx) & 1
}
