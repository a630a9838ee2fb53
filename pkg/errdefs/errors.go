package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors - messaging
var (
	// ErrInvalidPayload marks a publish payload that is not representable
	// as JSON scalars, lists and maps, or exceeds the wire size cap.
	// Local to the publisher; never retried.
	ErrInvalidPayload = errors.New("hive: invalid envelope payload")

	// ErrEmptyRecipient marks an envelope published without a recipient.
	ErrEmptyRecipient = errors.New("hive: envelope recipient must not be empty")
)

// Sentinel errors - ledger
var (
	// ErrLedgerUnavailable marks an append that failed after local
	// retries. The supervisor treats this as process-fatal.
	ErrLedgerUnavailable = errors.New("hive: ledger unavailable")

	// ErrLedgerCorrupt marks a ledger file whose hash chain does not
	// validate on open.
	ErrLedgerCorrupt = errors.New("hive: ledger hash chain corrupt")

	// ErrMerkleMismatch marks a Merkle root verification failure. The
	// named agent is slashed; the orchestrator continues.
	ErrMerkleMismatch = errors.New("hive: merkle root mismatch")
)

// Sentinel errors - registry
var (
	// ErrPluginRejected marks a plugin archive whose signature is
	// missing, invalid, or fails the pinned digest table.
	ErrPluginRejected = errors.New("hive: plugin rejected")

	// ErrAgentUnknown marks a lookup for a name the registry never saw.
	ErrAgentUnknown = errors.New("hive: unknown agent")

	// ErrDuplicateAgent marks a registration colliding with an existing
	// name that is neither overwritten nor a newer version.
	ErrDuplicateAgent = errors.New("hive: duplicate agent name")
)

// Sentinel errors - supervisor
var (
	// ErrTooManyExperiments marks the per-process experiment cap.
	ErrTooManyExperiments = errors.New("hive: max concurrent experiments exceeded")
)

// Stage identifies the patch admission stage that produced a rejection.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageSafety    Stage = "safety"
	StagePreflight Stage = "preflight"
	StageRoundTrip Stage = "roundtrip"
	StageApply     Stage = "apply"
)

// PatchRejectedError reports a patch admission failure with the failing
// stage and a short textual cause (stderr/stdout tail for preflight).
// The archive is unchanged when this is returned.
type PatchRejectedError struct {
	Stage  Stage
	Detail string
	Err    error
}

func (e *PatchRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("patch rejected at %s stage", e.Stage)
	}
	return fmt.Sprintf("patch rejected at %s stage: %s", e.Stage, e.Detail)
}

func (e *PatchRejectedError) Unwrap() error { return e.Err }

// NewPatchRejected creates a rejection for the given stage.
func NewPatchRejected(stage Stage, detail string, err error) *PatchRejectedError {
	return &PatchRejectedError{Stage: stage, Detail: detail, Err: err}
}

// IsPatchRejected reports whether err is a patch admission rejection and
// returns it when so.
func IsPatchRejected(err error) (*PatchRejectedError, bool) {
	var pe *PatchRejectedError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrPreflightTimeout marks a preflight command set that exceeded its
// wall clock. It is surfaced as a preflight-stage rejection.
var ErrPreflightTimeout = errors.New("hive: preflight timeout")

// PluginError wraps ErrPluginRejected with the archive name and reason.
type PluginError struct {
	Name   string
	Reason string
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %q rejected: %s", e.Name, e.Reason)
}

func (e *PluginError) Unwrap() error { return ErrPluginRejected }

// NewPluginError creates a plugin rejection for the named archive.
func NewPluginError(name, reason string) *PluginError {
	return &PluginError{Name: name, Reason: reason}
}
