package agent

import (
	"context"
	"time"

	"github.com/alphafactory/hive/pkg/envelope"
)

// Publisher is the bus surface agents use to emit envelopes.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error
}

// Agent is the single capability set every agent variant implements.
// Variants are data: a name plus a constructor held by the registry,
// not a type hierarchy.
type Agent interface {
	Name() string
	Capabilities() []string
	RunCycle(ctx context.Context) error
	Handle(ctx context.Context, env *envelope.Envelope) error
	Close() error
}

// Deps bundles the orchestrator-owned services handed to constructors.
// There are no process-level singletons; everything arrives here.
type Deps struct {
	Bus   Publisher
	Clock *envelope.Clock
}

// Constructor builds a fresh agent incarnation. The runner calls it at
// bootstrap and again on every restart.
type Constructor func(deps Deps) (Agent, error)

// Period is implemented by agents that override the default cycle
// period.
type Period interface {
	CyclePeriod() time.Duration
}
