// Package errdefs defines the orchestrator error taxonomy. Recoverable
// failures are converted to counters and alerts close to where they
// happen; only ErrLedgerUnavailable is process-fatal. User-visible
// failures carry a structured stage tag and a short textual cause.
package errdefs
