// Package registry keeps the catalogue of known agents: their metadata,
// the derived capability graph, signed-plugin loading and the hot
// directory watcher. Quarantine swaps a misbehaving agent for an inert
// stub without changing its advertised identity.
package registry
