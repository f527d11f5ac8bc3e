// Package wire implements the framed binary protocol spoken between rendez
// clients and the daemon.
//
// # Frame shape
//
// There is no outer framing: every request and every reply is a plain
// concatenation of the primitives below, written directly to the stream.
//
//	opcode   1 byte
//	tag      1 byte (response discriminant)
//	integer  8 bytes, fixed width, host byte order
//	vector   {len uint64}{len bytes}
//	string   {len uint64}{len bytes}
//
// A request is an opcode followed by its typed arguments:
//
//	┌────────┬──────────────┬─────────────┬─────┐
//	│ opcode │ arg1         │ arg2        │ ... │
//	│ 1 byte │ per-op shape │ per-op shape│     │
//	└────────┴──────────────┴─────────────┴─────┘
//
// CHECK and WAIT carry a key count before their keys:
//
//	┌────────┬──────────────┬──────┬─────┬──────┐
//	│ opcode │ count uint64 │ key1 │ ... │ keyN │
//	└────────┴──────────────┴──────┴─────┴──────┘
//
// # Byte order
//
// Integers travel in host byte order (binary.NativeEndian). Clients and
// the daemon are assumed to share endianness; cross-architecture clusters
// are unsupported.
//
// # Writing and reading
//
// Writers take a more-to-follow hint. When the hint is true the bytes are
// only buffered; when false the buffer is flushed. The hint coalesces
// small writes into one segment and never changes the byte stream the
// peer observes. Readers perform full reads: a primitive either arrives
// whole or the read fails.
package wire
