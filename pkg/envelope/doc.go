// Package envelope defines the canonical message exchanged between
// agents: an immutable sender/recipient pair, a JSON-representable
// payload and a per-sender monotonic timestamp. It also implements the
// JSON wire form used when the bus is bridged to an external broker and
// the canonical serialisation the ledger hashes.
package envelope
