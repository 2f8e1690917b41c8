package dht

import "fmt"

// Error codes used in "e" responses, per BEP5/BEP44.
const (
	ErrCodeProtocol       = 203
	ErrCodeUnknownMethod  = 204
	ErrCodeMessageTooBig  = 205
	ErrCodeInvalidSig     = 206
	ErrCodeSaltTooBig     = 207
	ErrCodeCASMismatch    = 301
	ErrCodeSeqTooLow      = 302
)

// buildQuery constructs a q-message: {t, y:"q", q:verb, a:args}.
func buildQuery(t string, verb string, args map[string]Value) Value {
	return Dict(map[string]Value{
		"t": String([]byte(t)),
		"y": String([]byte("q")),
		"q": String([]byte(verb)),
		"a": Dict(args),
	})
}

// buildResponse constructs an r-message: {t, y:"r", r:fields}.
func buildResponse(t string, fields map[string]Value) Value {
	return Dict(map[string]Value{
		"t": String([]byte(t)),
		"y": String([]byte("r")),
		"r": Dict(fields),
	})
}

// buildError constructs an e-message: {t, y:"e", e:[code, message]}.
func buildError(t string, code int64, message string) Value {
	return Dict(map[string]Value{
		"t": String([]byte(t)),
		"y": String([]byte("e")),
		"e": List(Int(code), String([]byte(message))),
	})
}

// parsedMessage is the validated shape of an incoming datagram.
type parsedMessage struct {
	T    string
	Y    string
	Verb string
	Args map[string]Value
	R    map[string]Value
	Code int64
	EMsg string
	Raw  Value
}

// parseMessage validates and classifies a decoded bencode Value per the
// recv-time rejection rules in spec.md §4.4: must decode (already true
// here), t non-empty, y in {q,r,e}, r-messages carry r.id, e-messages carry
// a 2-element e array.
func parseMessage(v Value) (*parsedMessage, error) {
	tv, ok := v.Get("t")
	if !ok {
		return nil, fmt.Errorf("%w: missing t", ErrDecode)
	}
	t, ok := tv.AsString()
	if !ok || len(t) == 0 {
		return nil, fmt.Errorf("%w: empty t", ErrDecode)
	}
	yv, ok := v.Get("y")
	if !ok {
		return nil, fmt.Errorf("%w: missing y", ErrDecode)
	}
	y, ok := yv.AsString()
	if !ok {
		return nil, fmt.Errorf("%w: bad y", ErrDecode)
	}
	msg := &parsedMessage{T: string(t), Y: string(y), Raw: v}
	switch msg.Y {
	case "q":
		qv, ok := v.Get("q")
		if !ok {
			return nil, fmt.Errorf("%w: missing q", ErrDecode)
		}
		verb, ok := qv.AsString()
		if !ok {
			return nil, fmt.Errorf("%w: bad q", ErrDecode)
		}
		msg.Verb = string(verb)
		av, ok := v.Get("a")
		if !ok {
			return nil, fmt.Errorf("%w: missing a", ErrDecode)
		}
		args, ok := av.AsDict()
		if !ok {
			return nil, fmt.Errorf("%w: bad a", ErrDecode)
		}
		msg.Args = args
	case "r":
		rv, ok := v.Get("r")
		if !ok {
			return nil, fmt.Errorf("%w: missing r", ErrDecode)
		}
		r, ok := rv.AsDict()
		if !ok {
			return nil, fmt.Errorf("%w: bad r", ErrDecode)
		}
		if _, ok := r["id"]; !ok {
			return nil, fmt.Errorf("%w: r missing id", ErrDecode)
		}
		msg.R = r
	case "e":
		ev, ok := v.Get("e")
		if !ok {
			return nil, fmt.Errorf("%w: missing e", ErrDecode)
		}
		elist, ok := ev.AsList()
		if !ok || len(elist) != 2 {
			return nil, fmt.Errorf("%w: bad e", ErrDecode)
		}
		code, ok := elist[0].AsInt()
		if !ok {
			return nil, fmt.Errorf("%w: bad e code", ErrDecode)
		}
		emsg, ok := elist[1].AsString()
		if !ok {
			return nil, fmt.Errorf("%w: bad e message", ErrDecode)
		}
		msg.Code = code
		msg.EMsg = string(emsg)
	default:
		return nil, fmt.Errorf("%w: unknown y %q", ErrDecode, y)
	}
	return msg, nil
}

func argID(args map[string]Value) (ID, bool) {
	v, ok := args["id"]
	if !ok {
		return ID{}, false
	}
	s, ok := v.AsString()
	if !ok || len(s) != 20 {
		return ID{}, false
	}
	var id ID
	copy(id[:], s)
	return id, true
}

func argTarget(args map[string]Value, key string) (ID, bool) {
	v, ok := args[key]
	if !ok {
		return ID{}, false
	}
	s, ok := v.AsString()
	if !ok || len(s) != 20 {
		return ID{}, false
	}
	var id ID
	copy(id[:], s)
	return id, true
}
