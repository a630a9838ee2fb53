//go:build linux

package main

import (
	"syscall"

	"github.com/alphafactory/hive/pkg/log"
)

// applyMemoryLimit caps the process address space. Best-effort: a
// refusal is logged, not fatal.
func applyMemoryLimit(bytes int64) {
	if bytes <= 0 {
		return
	}
	limit := &syscall.Rlimit{Cur: uint64(bytes), Max: uint64(bytes)}
	if err := syscall.Setrlimit(syscall.RLIMIT_AS, limit); err != nil {
		log.WithComponent("main").Warn().Err(err).Int64("bytes", bytes).Msg("address-space cap not applied")
	}
}
