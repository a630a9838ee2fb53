// Package ledger implements the append-only audit log: framed records
// chained by SHA-256, fsynced per commit, with periodic Merkle root
// computation. Root verification failures slash the stake of the agent
// named by the verifier.
package ledger
