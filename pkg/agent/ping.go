package agent

import (
	"context"
	"sync/atomic"

	"github.com/alphafactory/hive/pkg/envelope"
)

// Ping is the default built-in liveness probe: each cycle it publishes
// a counter envelope on the orchestration topic.
type Ping struct {
	deps  Deps
	count atomic.Uint64
}

// NewPing constructs the ping agent.
func NewPing(deps Deps) (Agent, error) {
	return &Ping{deps: deps}, nil
}

func (p *Ping) Name() string           { return "ping" }
func (p *Ping) Capabilities() []string { return []string{"diagnostics"} }

func (p *Ping) RunCycle(ctx context.Context) error {
	n := p.count.Add(1)
	env, err := envelope.New(p.Name(), "orch",
		envelope.Payload{"ping": float64(n)},
		p.deps.Clock.Next(p.Name()))
	if err != nil {
		return err
	}
	return p.deps.Bus.Publish(ctx, "orch", env)
}

func (p *Ping) Handle(ctx context.Context, env *envelope.Envelope) error { return nil }

func (p *Ping) Close() error { return nil }
