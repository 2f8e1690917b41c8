package dht

import (
	"crypto/ed25519"
	"crypto/rand"
	"hash/crc32"
	"net"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// DeriveBEP42ID computes a node id tied to ip using the BEP42 recipe: mask
// the address to 4 bytes, fold 3 random bits into the top byte, CRC32C the
// result, and splice the checksum with the random byte into the final id.
func DeriveBEP42ID(ip net.IP, randByte byte) (ID, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return ID{}, false
	}
	masked := [4]byte{
		v4[0] & 0x03,
		v4[1] & 0x0f,
		v4[2] & 0x3f,
		v4[3] & 0xff,
	}
	masked[0] |= (randByte & 0x7) << 5
	crc := crc32.Checksum(masked[:], crc32cTable)

	var id ID
	id[0] = byte(crc >> 24)
	id[1] = byte(crc >> 16)
	id[2] = (byte(crc>>8) & 0xf8) | (randByte & 0x7)
	if _, err := rand.Read(id[3:19]); err != nil {
		return ID{}, false
	}
	id[19] = randByte
	return id, true
}

// CheckBEP42 reports whether id is consistent with having been derived from
// ip via DeriveBEP42ID.
func CheckBEP42(ip net.IP, id ID) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	randByte := id[19]
	masked := [4]byte{
		v4[0] & 0x03,
		v4[1] & 0x0f,
		v4[2] & 0x3f,
		v4[3] & 0xff,
	}
	masked[0] |= (randByte & 0x7) << 5
	crc := crc32.Checksum(masked[:], crc32cTable)

	return id[0] == byte(crc>>24) &&
		id[1] == byte(crc>>16) &&
		id[2] == (byte(crc>>8)&0xf8)|(randByte&0x7)
}

// randomID returns a cryptographically random 20-byte id.
func randomID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// randomSecret returns a fresh 20-byte token secret nonce.
func randomSecret() [20]byte {
	var s [20]byte
	_, _ = rand.Read(s[:])
	return s
}

// randomByte is used for BEP42's rand8 component.
func randomByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}

// Keypair is this node's Ed25519 identity for signing mutable BEP44 puts.
// The secret key never leaves the process.
type Keypair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewKeypair generates a fresh Ed25519 keypair.
func NewKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{Public: pub, private: priv}, nil
}

// KeypairFromSeed derives a deterministic keypair from a 32-byte seed.
func KeypairFromSeed(seed [32]byte) Keypair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	return Keypair{Public: priv.Public().(ed25519.PublicKey), private: priv}
}

// Sign signs msg with the node's private key.
func (k Keypair) Sign(msg []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(k.private, msg))
	return sig
}

// PublicBytes returns the 32-byte public key.
func (k Keypair) PublicBytes() [32]byte {
	var b [32]byte
	copy(b[:], k.Public)
	return b
}
