package dht

import (
	"crypto/ed25519"
	"crypto/sha1"
	"sync"
)

// bootstrapNodeReplyLen is the packed-nodes byte count (16 == not a
// multiple of 26) that flags a find_node reply as almost certainly coming
// from a well-known public bootstrap router rather than a real peer, per
// spec.md §4.6's stated heuristic.
const bootstrapNodeReplyLen = 16

// queryFunc issues verb with args to dest and blocks until the response (or
// failure sentinel) arrives. It is the synchronous face LookupEngine uses
// over OutgoingQueries' continuation-based API.
type queryFunc func(dest Location, verb string, args map[string]Value) (Value, bool)

// LookupEngine drives the iterative find_node "populate" procedure and the
// compound "act" pipeline (get_peers/get plus optional announce_peer/put
// follow-up). Grounded on spec.md §4.6; translated from the source's
// continuation-threaded "pending counter" into goroutines joined by a
// WaitGroup, per the Design Notes' own suggested translation.
type LookupEngine struct {
	query queryFunc
	self  ID
}

// NewLookupEngine builds a lookup engine that issues queries via query.
func NewLookupEngine(query queryFunc, self ID) *LookupEngine {
	return &LookupEngine{query: query, self: self}
}

// Populate performs the iterative find_node lookup for table.Local, seeded
// from seeds, mutating table with every useful contact discovered. It
// returns the number of unique locations visited.
//
// visited is checked-and-set atomically with the pending counter at enqueue
// time, so a location discovered by two concurrent workers is only ever
// queued once: this closes both the pending-count leak and the Add/Wait
// race that a dedupe-on-dequeue design invites (a dropped duplicate must
// never own an un-paired Done, and Add must never observe a zero count
// concurrently with the closing Wait). table itself is a RoutingTable
// shared by every worker, so all of its Add/Find calls go through tableMu,
// per spec.md §5's single-logical-lock rule.
func (le *LookupEngine) Populate(table *RoutingTable, seeds []Location) int {
	var mu sync.Mutex
	var tableMu sync.Mutex
	visited := make(map[Location]bool)
	pending := 0
	queueCh := make(chan Location, 256)

	enqueue := func(loc Location) {
		mu.Lock()
		if visited[loc] {
			mu.Unlock()
			return
		}
		visited[loc] = true
		pending++
		mu.Unlock()
		queueCh <- loc
	}
	release := func() {
		mu.Lock()
		pending--
		empty := pending == 0
		mu.Unlock()
		if empty {
			close(queueCh)
		}
	}

	for _, s := range seeds {
		enqueue(s)
	}
	mu.Lock()
	noSeeds := pending == 0
	mu.Unlock()
	if noSeeds {
		close(queueCh)
	}

	var wg sync.WaitGroup
	for loc := range queueCh {
		wg.Add(1)
		go func(loc Location) {
			defer wg.Done()
			defer release()
			resp, ok := le.query(loc, "find_node", map[string]Value{
				"id":     String(le.self[:]),
				"target": String(table.Local[:]),
			})
			if !ok {
				return
			}
			r, ok := resp.AsDict()
			if !ok {
				return
			}
			nodesV, ok := r["nodes"]
			if !ok {
				return
			}
			nodesBytes, ok := nodesV.AsString()
			if !ok {
				return
			}
			if len(nodesBytes) == bootstrapNodeReplyLen {
				return // heuristic: exclude the well-known public bootstrap router
			}
			if id, idOK := argID(r); idOK {
				tableMu.Lock()
				table.Add(Contact{ID: id, Loc: loc})
				tableMu.Unlock()
			}
			for _, n := range UnpackNodes(nodesBytes) {
				tableMu.Lock()
				y, z, _ := table.Find(n.ID)
				inTip := z == 1 && y == len(table.Tree)-1
				tableMu.Unlock()
				if inTip {
					enqueue(n.Loc)
				}
			}
		}(loc)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return len(visited)
}

// ActParams configures a compound act() operation.
type ActParams struct {
	PreVerb  string // "get_peers" or "get"
	Target   ID
	Seq      *int64 // for "get": only return values newer than this
	PostVerb string // "" for none, else "announce_peer" or "put"
	PostArgs map[string]Value
	// DerivePostArgs, when set, builds this contact's post-verb args from
	// its own pre-verb response instead of the shared static PostArgs.
	// Needed for the mutable-reset put path (spec.md §4.6 step 4), where
	// each contact's k/seq/sig/v/cas are adopted from that same contact's
	// "get" response rather than shared across every contact.
	DerivePostArgs func(resp map[string]Value) (map[string]Value, bool)
	OnV            func(v Value)
	Table          *RoutingTable
	SelfID         func() ID
	Salt           []byte // salt used to derive Target, for verifying mutable "get" responses
}

// ActResult aggregates the outcome of an act() call. Fields are zero when
// inapplicable to the operation that produced them.
type ActResult struct {
	NumVisited int
	NumStored  int
	NumFound   int
	Target     ID
	Peers      []Location
	Values     []Value
	V          Value
	Seq        *int64
	K          *[32]byte
	Sig        *[64]byte
	Salt       []byte
}

// Act first runs the iterative find_node lookup toward params.Target to
// populate params.Table from the current routing table's closest contacts
// (spec.md §4.6 step 2), then fans the pre-verb out over the refined tip,
// invoking OnV per useful response, then (if configured) the post-verb
// follow-up to contacts that returned a token.
func (le *LookupEngine) Act(params ActParams) ActResult {
	seeds := make([]Location, 0, len(params.Table.Closest()))
	for _, c := range params.Table.Closest() {
		seeds = append(seeds, c.Loc)
	}
	numVisited := le.Populate(params.Table, seeds)

	contacts := params.Table.Closest()
	result := ActResult{Target: params.Target, NumVisited: numVisited}

	var mu sync.Mutex
	var wg sync.WaitGroup
	dedupPeers := make(map[Location]bool)
	var bestSeq *int64
	var numFoundGet int

	for _, c := range contacts {
		wg.Add(1)
		go func(c Contact) {
			defer wg.Done()
			selfID := params.SelfID()
			args := map[string]Value{"id": String(selfID[:])}
			switch params.PreVerb {
			case "get_peers":
				args["info_hash"] = String(params.Target[:])
			case "get":
				args["target"] = String(params.Target[:])
				if params.Seq != nil {
					args["seq"] = Int(*params.Seq)
				}
			}
			resp, ok := le.query(c.Loc, params.PreVerb, args)
			if !ok {
				return
			}
			r, ok := resp.AsDict()
			if !ok {
				return
			}

			switch params.PreVerb {
			case "get_peers":
				if valuesV, ok := r["values"]; ok {
					if list, ok := valuesV.AsList(); ok {
						var fresh []Location
						mu.Lock()
						for _, item := range list {
							s, ok := item.AsString()
							if !ok || len(s) != 6 {
								continue
							}
							var loc Location
							copy(loc[:], s)
							if !dedupPeers[loc] {
								dedupPeers[loc] = true
								result.Peers = append(result.Peers, loc)
								fresh = append(fresh, loc)
							}
						}
						mu.Unlock()
						if len(fresh) > 0 && params.OnV != nil {
							params.OnV(Dict(map[string]Value{
								"ih":     String(params.Target[:]),
								"values": packLocationsValue(fresh),
							}))
						}
					}
				}
			case "get":
				if vV, ok := r["v"]; ok {
					if len(Encode(vV)) <= maxValueSize {
						accepted, seq, k, sig := verifyGetResponse(params.Target, vV, r, params.Salt)
						if accepted {
							mu.Lock()
							if bestSeq == nil || (seq != nil && *seq > *bestSeq) {
								if seq != nil {
									bestSeq = seq
									numFoundGet = 0 // replicates of a lower seq no longer count
								}
								result.V = vV
								result.Seq = seq
								result.K = k
								result.Sig = sig
							}
							if seq == nil || *seq == *bestSeq {
								numFoundGet++
							}
							mu.Unlock()
							if params.OnV != nil {
								params.OnV(Dict(map[string]Value{"target": String(params.Target[:]), "v": vV}))
							}
						}
					}
				}
			}

			if params.PostVerb != "" {
				if tokenV, ok := r["token"]; ok {
					if token, ok := tokenV.AsString(); ok {
						var postArgs map[string]Value
						if params.DerivePostArgs != nil {
							derived, ok := params.DerivePostArgs(r)
							if !ok {
								return
							}
							postArgs = make(map[string]Value, len(derived)+2)
							for k, v := range derived {
								postArgs[k] = v
							}
						} else {
							postArgs = make(map[string]Value, len(params.PostArgs)+2)
							for k, v := range params.PostArgs {
								postArgs[k] = v
							}
						}
						selfID := params.SelfID()
						postArgs["id"] = String(selfID[:])
						postArgs["token"] = String(token)
						if _, ok := le.query(c.Loc, params.PostVerb, postArgs); ok {
							mu.Lock()
							result.NumStored++
							mu.Unlock()
						}
					}
				}
			}
		}(c)
	}
	wg.Wait()

	switch params.PreVerb {
	case "get_peers":
		result.NumFound = len(result.Peers)
	case "get":
		result.NumFound = numFoundGet
	}
	return result
}

func packLocationsValue(locs []Location) Value {
	items := make([]Value, len(locs))
	for i, l := range locs {
		loc := l
		items[i] = String(loc[:])
	}
	return List(items...)
}

// verifyGetResponse validates a "get" response per spec.md §4.6: mutable
// items require k/seq/sig of correct size, target==SHA1(k∥salt), and a
// valid Ed25519 signature; immutable items require target==SHA1(encode(v)).
func verifyGetResponse(target ID, v Value, r map[string]Value, salt []byte) (ok bool, seq *int64, k *[32]byte, sig *[64]byte) {
	kV, hasK := r["k"]
	seqV, hasSeq := r["seq"]
	sigV, hasSig := r["sig"]
	if hasK || hasSeq || hasSig {
		if !(hasK && hasSeq && hasSig) {
			return false, nil, nil, nil
		}
		kBytes, ok1 := kV.AsString()
		seqN, ok2 := seqV.AsInt()
		sigBytes, ok3 := sigV.AsString()
		if !ok1 || !ok2 || !ok3 || len(kBytes) != 32 || len(sigBytes) != 64 {
			return false, nil, nil, nil
		}
		msg := PackSeqSalt(seqN, v, salt)
		if !ed25519.Verify(ed25519.PublicKey(kBytes), msg, sigBytes) {
			return false, nil, nil, nil
		}
		if mutableTarget(kBytes, salt) != target {
			return false, nil, nil, nil
		}
		var kArr [32]byte
		copy(kArr[:], kBytes)
		var sigArr [64]byte
		copy(sigArr[:], sigBytes)
		return true, &seqN, &kArr, &sigArr
	}
	if ID(sha1.Sum(Encode(v))) != target {
		return false, nil, nil, nil
	}
	return true, nil, nil, nil
}
