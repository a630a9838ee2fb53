// Package agent defines the agent contract and the built-in variants:
// the ping liveness probe, the self-improvement proposer and the inert
// stub used for quarantine.
package agent
