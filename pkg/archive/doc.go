// Package archive persists experiment lineage: admitted patches and
// scored entries with parent pointers, score-weighted sampling and a
// Merkle root over the whole store.
package archive
