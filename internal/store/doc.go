// Package store is the client side of the rendez protocol.
//
// A Store opens two sockets to the daemon: a request socket driven
// synchronously by the caller, and a listen socket dedicated to
// server-pushed watch updates, drained by a background listener
// goroutine that invokes user callbacks.
//
//	┌─────────────────────────────────────────┐
//	│                 Store                    │
//	├─────────────────────────────────────────┤
//	│  request socket ── send op, read reply  │
//	│  listen socket  ── KEY_UPDATED frames   │
//	│                    → listener goroutine │
//	│                    → Watch callbacks    │
//	├─────────────────────────────────────────┤
//	│  optional in-process daemon (IsServer)  │
//	└─────────────────────────────────────────┘
//
// User keys are namespaced with a "/" prefix on the request path; the
// unprefixed "init/" key is reserved for the worker rendezvous counter.
// The daemon itself does not interpret prefixes.
//
// Reads go through a WAIT round-trip first, so Get blocks until the key
// exists (bounded by the configured timeout) instead of racing a
// concurrent Set. Watch callbacks run serially on the listener goroutine
// and must not call back into the same Store.
package store
