// Package patch implements the self-improvement admission pipeline:
// diff normalisation, the allow-list and deny-pattern safety scan,
// sandboxed preflight, a round-trip idempotence probe and atomic
// application with rollback.
package patch
