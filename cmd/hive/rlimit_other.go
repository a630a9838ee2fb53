//go:build !linux

package main

// applyMemoryLimit is a no-op on hosts without RLIMIT_AS semantics.
func applyMemoryLimit(bytes int64) {}
