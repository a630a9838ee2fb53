package patch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/ledger"
	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/metrics"
)

// DefaultPreflightTimeout bounds the whole preflight command set.
const DefaultPreflightTimeout = 300 * time.Second

// Recorder persists admitted patches; the archive implements it.
type Recorder interface {
	AddPatch(hash, diff, parent string) error
}

// Admission runs the five-stage patch pipeline over a supervised
// repository root. It is the only code that mutates source under root.
type Admission struct {
	root    string
	allow   []string
	cmds    [][]string
	timeout time.Duration
	archive Recorder
	led     *ledger.Ledger
}

// Option configures an Admission.
type Option func(*Admission)

// WithPreflight sets the preflight command set.
func WithPreflight(cmds [][]string) Option {
	return func(a *Admission) { a.cmds = cmds }
}

// WithPreflightTimeout overrides the preflight wall clock.
func WithPreflightTimeout(d time.Duration) Option {
	return func(a *Admission) { a.timeout = d }
}

// WithArchive wires the admitted-patch store.
func WithArchive(r Recorder) Option {
	return func(a *Admission) { a.archive = r }
}

// WithLedger wires the audit ledger for admitted/rejected events.
func WithLedger(l *ledger.Ledger) Option {
	return func(a *Admission) { a.led = l }
}

// NewAdmission builds a pipeline over root with the given allow-list.
func NewAdmission(root string, allow []string, opts ...Option) *Admission {
	a := &Admission{root: root, allow: allow, timeout: DefaultPreflightTimeout}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Admit runs the pipeline: normalise, safety scan, preflight, tool
// round-trip, then atomic apply and record. On success it returns the
// hex SHA-256 of the normalised diff, which becomes the new parent
// reference. On failure the tree, archive and parent are unchanged and
// the error carries the failing stage.
func (a *Admission) Admit(ctx context.Context, diff, parent string) (string, error) {
	hash, err := a.admit(ctx, diff, parent)
	if err != nil {
		stage := errdefs.Stage("internal")
		detail := err.Error()
		if pe, ok := errdefs.IsPatchRejected(err); ok {
			stage = pe.Stage
			detail = pe.Detail
		}
		metrics.PatchesRejected.WithLabelValues(string(stage)).Inc()
		log.WithComponent("patch").Warn().
			Str("stage", string(stage)).Str("detail", detail).
			Msg("patch rejected")
		a.logEvent("patch.rejected", map[string]any{
			"stage":  string(stage),
			"detail": detail,
			"parent": parent,
		})
		return "", err
	}
	metrics.PatchesAdmitted.Inc()
	log.WithComponent("patch").Info().Str("hash", hash).Msg("patch admitted")
	a.logEvent("patch.admitted", map[string]any{"hash": hash, "parent": parent})
	return hash, nil
}

func (a *Admission) admit(ctx context.Context, diff, parent string) (string, error) {
	// Stage 1: normalise.
	normalized, err := Normalize(diff, a.root)
	if err != nil {
		return "", err
	}
	files, err := Parse(normalized)
	if err != nil {
		return "", errdefs.NewPatchRejected(errdefs.StageNormalize, err.Error(), err)
	}

	// Stage 2: safety scan.
	if err := Scan(normalized, files, a.allow); err != nil {
		return "", err
	}

	// Stage 3: preflight in a scratch clone.
	if err := Preflight(ctx, a.root, files, a.cmds, a.timeout); err != nil {
		return "", err
	}

	// Stage 4: tool round-trip. The normalised form must re-emit
	// byte-identically or downstream tooling cannot trust it.
	if Emit(files) != normalized {
		return "", errdefs.NewPatchRejected(errdefs.StageRoundTrip,
			"normalised diff does not round-trip", nil)
	}

	// Stage 5: apply atomically and record.
	results, err := computeResults(a.root, files)
	if err != nil {
		return "", err
	}
	if err := writeResults(a.root, results, a.allow); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(normalized))
	hash := hex.EncodeToString(sum[:])
	if a.archive != nil {
		if err := a.archive.AddPatch(hash, normalized, parent); err != nil {
			return "", errdefs.NewPatchRejected(errdefs.StageApply,
				"archive record failed: "+err.Error(), err)
		}
	}
	return hash, nil
}

func (a *Admission) logEvent(event string, fields map[string]any) {
	if a.led == nil {
		return
	}
	body, err := ledger.EventBody(event, fields)
	if err != nil {
		return
	}
	if _, err := a.led.Append(body, float64(time.Now().UnixNano())/1e9); err != nil {
		log.WithComponent("patch").Error().Err(err).Str("event", event).Msg("ledger append failed")
	}
}
