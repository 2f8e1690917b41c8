// Package dht implements a Mainline DHT node: the BEP5 routing table and
// query/response protocol, iterative node lookup, and BEP44 arbitrary value
// storage with Ed25519-signed mutable items. IPv4 only.
//
// A Dht owns everything: routing table, pending outgoing queries, peer and
// data stores, node identity, and the UDP socket. There are no package-level
// globals; every operation hangs off a *Dht.
package dht
