package agent

import (
	"context"
	"os"
	"sync"

	"github.com/alphafactory/hive/pkg/envelope"
	"github.com/alphafactory/hive/pkg/log"
)

// Admitter is the patch admission surface the improver feeds. It is the
// only code authorised to mutate source in the supervised workspace.
type Admitter interface {
	Admit(ctx context.Context, diff, parent string) (hash string, err error)
}

// Improver is the self-improvement agent: it watches a candidate patch
// file and submits it to the admission pipeline exactly once. The
// pipeline, not the agent, decides whether the patch lands.
type Improver struct {
	deps      Deps
	patchPath string
	parent    string
	admitter  Admitter

	mu        sync.Mutex
	submitted bool
}

// NewImprover builds a constructor for an improver reading candidate
// diffs from patchPath.
func NewImprover(patchPath, parent string, admitter Admitter) Constructor {
	return func(deps Deps) (Agent, error) {
		return &Improver{deps: deps, patchPath: patchPath, parent: parent, admitter: admitter}, nil
	}
}

func (a *Improver) Name() string           { return "improver" }
func (a *Improver) Capabilities() []string { return []string{"self-improvement"} }

func (a *Improver) RunCycle(ctx context.Context) error {
	a.mu.Lock()
	done := a.submitted
	a.mu.Unlock()
	if done {
		return nil
	}

	diff, err := os.ReadFile(a.patchPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to propose yet
		}
		return err
	}

	hash, err := a.admitter.Admit(ctx, string(diff), a.parent)
	a.mu.Lock()
	a.submitted = true
	a.mu.Unlock()
	if err != nil {
		log.WithAgent(a.Name()).Warn().Err(err).Msg("candidate patch rejected")
		return nil // rejection is an outcome, not a cycle failure
	}

	env, envErr := envelope.New(a.Name(), "orch",
		envelope.Payload{"patch": hash, "status": "admitted"},
		a.deps.Clock.Next(a.Name()))
	if envErr != nil {
		return envErr
	}
	return a.deps.Bus.Publish(ctx, "orch", env)
}

func (a *Improver) Handle(ctx context.Context, env *envelope.Envelope) error { return nil }

func (a *Improver) Close() error { return nil }
