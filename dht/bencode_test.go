package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoundTrip(t *testing.T) {
	cases := []Value{
		String([]byte("spam")),
		Int(42),
		Int(-3),
		List(String([]byte("a")), Int(1)),
		Dict(map[string]Value{"foo": Int(1), "bar": String([]byte("x"))}),
	}
	for _, v := range cases {
		enc := Encode(v)
		got, rest, err := Decode(enc)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, enc, Encode(got))
	}
}

func TestEncodeDictKeysSorted(t *testing.T) {
	v := Dict(map[string]Value{"z": Int(1), "a": Int(2), "m": Int(3)})
	assert.Equal(t, "d1:ai2e1:mi3e1:zi1ee", string(Encode(v)))
}

func TestDecodeMalformedNeverPanics(t *testing.T) {
	inputs := []string{
		"", "d", "l", "i", "5:ab", "d1:a", "i5", "9999999999999999999999:x",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			_, _, _ = Decode([]byte(in))
		})
	}
}

func TestFragmentOfMatchesDictEncoding(t *testing.T) {
	v := Int(7)
	frag := FragmentOf("seq", v)
	full := Encode(Dict(map[string]Value{"seq": v}))
	assert.Equal(t, full, append([]byte{'d'}, append(frag, 'e')...))
}

func TestPackSeqSaltOrderAndOmission(t *testing.T) {
	v := String([]byte("hello"))
	withoutSalt := PackSeqSalt(4, v, nil)
	expected := append(FragmentOf("seq", Int(4)), FragmentOf("v", v)...)
	assert.Equal(t, expected, withoutSalt)

	withSalt := PackSeqSalt(4, v, []byte("s"))
	expectedSalted := append(FragmentOf("salt", String([]byte("s"))), expected...)
	assert.Equal(t, expectedSalted, withSalt)
}

func TestGetOnNonDict(t *testing.T) {
	_, ok := String([]byte("x")).Get("k")
	assert.False(t, ok)
}
