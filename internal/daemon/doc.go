// Package daemon implements the rendez server: a key–value map with three
// coordination overlays, driven by a single event-loop goroutine.
//
// # Overview
//
// One process in a distributed job runs the daemon; every participant,
// the daemon's own process included, connects to it over TCP and speaks
// the protocol defined in internal/wire. On top of the plain byte-string
// map the daemon maintains:
//
//   - wait barriers: a client blocks until a named set of keys all exist
//   - watch subscriptions: the daemon pushes an update frame to every
//     subscriber each time a watched key is mutated
//   - a shutdown signal observable by the same loop that serves requests
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 Daemon                        │
//	├──────────────────────────────────────────────┤
//	│  accept goroutine ──► newConns channel       │
//	│  reader goroutine ──► requests channel       │
//	│  (one per conn)                              │
//	├──────────────────────────────────────────────┤
//	│  event loop (single goroutine):              │
//	│    select { shutdown | newConns | requests } │
//	│    owns:                                     │
//	│      store    map[key]value                  │
//	│      waiting  map[key][]conn                 │
//	│      awaited  map[conn]remaining             │
//	│      watching map[key][]conn                 │
//	└──────────────────────────────────────────────┘
//
// # Concurrency model
//
// The store map and both overlays are owned by the event-loop goroutine
// and are never observed by any other goroutine, so they carry no locks.
// Reader goroutines only parse bytes into request values; the loop runs
// exactly one handler to completion per iteration, and all outbound
// writes (replies, deferred STOP_WAITING wakeups, watch pushes) happen on
// the loop goroutine. Requests from a single connection are therefore
// handled in send order, and watch pushes reflect the mutation order the
// loop observed.
//
// # Connection death
//
// A read error, short frame, or unknown opcode on a connection turns into
// a disconnect event. The loop closes the socket and scrubs it from every
// overlay: its entries in all key wait lists, its remaining-count, and
// all of its watch subscriptions are removed, and emptied list buckets
// are erased. A client that vanishes mid-WAIT leaves no trace.
package daemon
