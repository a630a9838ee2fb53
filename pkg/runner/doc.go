// Package runner drives individual agent cycle loops: periodic
// RunCycle invocations with timeouts, heartbeats on success and error
// accounting on failure. Restart and quarantine policy lives in the
// supervisor.
package runner
