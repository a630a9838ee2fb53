package agent

import (
	"context"

	"github.com/alphafactory/hive/pkg/envelope"
)

// Stub is the inert replacement swapped in for quarantined agents. It
// keeps the original name and capability set so listings and the
// capability graph stay intact while cycles become no-ops.
type Stub struct {
	name string
	caps []string
}

// NewStub creates a stub preserving the quarantined agent's identity.
func NewStub(name string, capabilities []string) *Stub {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	return &Stub{name: name, caps: caps}
}

func (s *Stub) Name() string           { return s.name }
func (s *Stub) Capabilities() []string { return s.caps }

func (s *Stub) RunCycle(ctx context.Context) error { return nil }

func (s *Stub) Handle(ctx context.Context, env *envelope.Envelope) error { return nil }

func (s *Stub) Close() error { return nil }
