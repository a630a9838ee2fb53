// Package supervisor watches supervised agents: promotion-gated
// starts, periodic liveness scans, jittered exponential-backoff
// restarts, quarantine after repeated errors and a fitness regression
// guard that pauses self-improvement.
package supervisor
