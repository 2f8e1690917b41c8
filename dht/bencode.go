package dht

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrDecode is returned for any malformed bencode input. Callers across the
// UDP trust boundary must treat it as "drop this datagram", never panic.
var ErrDecode = errors.New("bencode: malformed input")

// Kind tags the four bencode value shapes.
type Kind uint8

const (
	KString Kind = iota
	KInt
	KList
	KDict
)

// Value is a bencode sum type: exactly one of Str, Int, List, Dict is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind
	Str  []byte
	Int  int64
	List []Value
	Dict map[string]Value
}

func String(s []byte) Value        { return Value{Kind: KString, Str: s} }
func Int(i int64) Value            { return Value{Kind: KInt, Int: i} }
func List(v ...Value) Value        { return Value{Kind: KList, List: v} }
func Dict(m map[string]Value) Value { return Value{Kind: KDict, Dict: m} }

// AsString returns the string payload and whether Kind is KString.
func (v Value) AsString() ([]byte, bool) {
	if v.Kind != KString {
		return nil, false
	}
	return v.Str, true
}

// AsInt returns the integer payload and whether Kind is KInt.
func (v Value) AsInt() (int64, bool) {
	if v.Kind != KInt {
		return 0, false
	}
	return v.Int, true
}

// AsList returns the list payload and whether Kind is KList.
func (v Value) AsList() ([]Value, bool) {
	if v.Kind != KList {
		return nil, false
	}
	return v.List, true
}

// AsDict returns the dict payload and whether Kind is KDict.
func (v Value) AsDict() (map[string]Value, bool) {
	if v.Kind != KDict {
		return nil, false
	}
	return v.Dict, true
}

// Get looks up a key in a dict Value, returning ok=false if v isn't a dict
// or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	m, ok := v.AsDict()
	if !ok {
		return Value{}, false
	}
	sub, ok := m[key]
	return sub, ok
}

// Encode serializes a Value in canonical bencode form: dict keys are
// emitted sorted by raw byte order.
func Encode(v Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case KString:
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Str...)
	case KInt:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
	case KList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
	case KDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendValue(buf, String([]byte(k)))
			buf = appendValue(buf, v.Dict[k])
		}
		buf = append(buf, 'e')
	}
	return buf
}

// Decode parses a single bencode value from the front of b, returning the
// value and the unconsumed remainder. It never panics on malformed input.
func Decode(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, ErrDecode
	}
	switch {
	case b[0] == 'i':
		return decodeInt(b)
	case b[0] == 'l':
		return decodeList(b)
	case b[0] == 'd':
		return decodeDict(b)
	case b[0] >= '0' && b[0] <= '9':
		return decodeString(b)
	default:
		return Value{}, nil, ErrDecode
	}
}

func decodeString(b []byte) (Value, []byte, error) {
	i := 0
	for i < len(b) && b[i] != ':' {
		if b[i] < '0' || b[i] > '9' {
			return Value{}, nil, ErrDecode
		}
		i++
	}
	if i == 0 || i >= len(b) {
		return Value{}, nil, ErrDecode
	}
	n, err := strconv.Atoi(string(b[:i]))
	if err != nil || n < 0 {
		return Value{}, nil, ErrDecode
	}
	start := i + 1
	if n > len(b)-start {
		return Value{}, nil, ErrDecode
	}
	return String(b[start : start+n]), b[start+n:], nil
}

func decodeInt(b []byte) (Value, []byte, error) {
	end := indexByte(b, 'e')
	if end < 0 {
		return Value{}, nil, ErrDecode
	}
	n, err := strconv.ParseInt(string(b[1:end]), 10, 64)
	if err != nil {
		return Value{}, nil, ErrDecode
	}
	return Int(n), b[end+1:], nil
}

func decodeList(b []byte) (Value, []byte, error) {
	rest := b[1:]
	var items []Value
	for {
		if len(rest) == 0 {
			return Value{}, nil, ErrDecode
		}
		if rest[0] == 'e' {
			return List(items...), rest[1:], nil
		}
		var item Value
		var err error
		item, rest, err = Decode(rest)
		if err != nil {
			return Value{}, nil, err
		}
		items = append(items, item)
	}
}

func decodeDict(b []byte) (Value, []byte, error) {
	rest := b[1:]
	m := make(map[string]Value)
	for {
		if len(rest) == 0 {
			return Value{}, nil, ErrDecode
		}
		if rest[0] == 'e' {
			return Dict(m), rest[1:], nil
		}
		var key Value
		var err error
		key, rest, err = decodeString(rest)
		if err != nil {
			return Value{}, nil, ErrDecode
		}
		var val Value
		val, rest, err = Decode(rest)
		if err != nil {
			return Value{}, nil, err
		}
		m[string(key.Str)] = val
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// FragmentOf encodes {key: v} as a dict and strips the wrapping 'd'/'e',
// yielding the raw "<len>:<key><value>" fragment BEP44 signs over.
func FragmentOf(key string, v Value) []byte {
	full := Encode(Dict(map[string]Value{key: v}))
	if len(full) < 2 || full[0] != 'd' || full[len(full)-1] != 'e' {
		panic(fmt.Sprintf("bencode: FragmentOf produced malformed dict encoding for key %q", key))
	}
	return full[1 : len(full)-1]
}

// PackSeqSalt builds the canonical BEP44 signed message: the salt fragment
// (omitted when salt is empty), then the seq fragment, then the v fragment,
// concatenated in that order. This must be bit-exact with any other
// conforming implementation.
func PackSeqSalt(seq int64, v Value, salt []byte) []byte {
	var buf []byte
	if len(salt) > 0 {
		buf = append(buf, FragmentOf("salt", String(salt))...)
	}
	buf = append(buf, FragmentOf("seq", Int(seq))...)
	buf = append(buf, FragmentOf("v", v)...)
	return buf
}
