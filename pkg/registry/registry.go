package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alphafactory/hive/pkg/agent"
	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/log"
)

// StubVersionSuffix marks a quarantined agent's version.
const StubVersionSuffix = "+stub"

// AgentMetadata is the manifest describing one registered agent. The
// Constructor and ErrCount fields are mutated only under the registry
// lock; everything else is fixed at registration.
type AgentMetadata struct {
	Name           string
	Version        string
	Capabilities   []string
	ComplianceTags []string
	RequiresAPIKey bool
	Period         time.Duration
	Constructor    agent.Constructor

	// ErrCount is monotonic per incarnation; the supervisor resets it
	// on restart.
	ErrCount int
}

// Quarantined reports whether this metadata describes a stub swap.
func (m *AgentMetadata) Quarantined() bool {
	return strings.HasSuffix(m.Version, StubVersionSuffix)
}

// AgentInfo is the listing form of a registered agent.
type AgentInfo struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Capabilities   []string `json:"capabilities"`
	Compliance     []string `json:"compliance"`
	RequiresAPIKey bool     `json:"requires_api_key"`
	ErrCount       int      `json:"err_count"`
	Quarantined    bool     `json:"quarantined"`
}

// FailedImport records a discovery source that could not be loaded.
type FailedImport struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Registry is the lock-guarded store of agent metadata and the derived
// capability graph.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*AgentMetadata
	caps     map[string][]string // capability -> agent names, insertion order
	failed   []FailedImport
	disabled func(name string) bool
	apiKey   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithDisabled installs the DISABLED_AGENTS predicate.
func WithDisabled(fn func(name string) bool) Option {
	return func(r *Registry) { r.disabled = fn }
}

// WithAPIKey declares whether an API key is available; agents that
// require one are skipped at registration otherwise.
func WithAPIKey(ready bool) Option {
	return func(r *Registry) { r.apiKey = ready }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		agents: make(map[string]*AgentMetadata),
		caps:   make(map[string][]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register inserts meta. Without overwrite, a duplicate name is refused
// unless the incoming version is strictly newer, in which case the
// newer version wins. Disabled agents and agents requiring a missing
// API key are skipped silently (logged, no error).
func (r *Registry) Register(meta *AgentMetadata, overwrite bool) error {
	if meta.Name == "" {
		return fmt.Errorf("agent metadata missing name")
	}
	if r.disabled != nil && r.disabled(meta.Name) {
		log.WithComponent("registry").Info().Str("agent", meta.Name).Msg("agent disabled via env")
		return nil
	}
	if meta.RequiresAPIKey && !r.apiKey {
		log.WithComponent("registry").Warn().Str("agent", meta.Name).Msg("skipping agent, API key required but absent")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[meta.Name]; ok && !overwrite {
		if compareVersions(meta.Version, existing.Version) > 0 {
			log.WithComponent("registry").Info().
				Str("agent", meta.Name).
				Str("new", meta.Version).Str("old", existing.Version).
				Msg("overriding agent with newer version")
		} else {
			return fmt.Errorf("%w: %s", errdefs.ErrDuplicateAgent, meta.Name)
		}
	}

	r.agents[meta.Name] = meta
	r.rebuildCapsLocked()
	log.WithComponent("registry").Info().
		Str("agent", meta.Name).
		Strs("capabilities", meta.Capabilities).
		Msg("agent registered")
	return nil
}

// Quarantine swaps the named agent's implementation with an inert stub,
// preserving name, capabilities and compliance tags. The version gains
// the +stub suffix. Idempotent.
func (r *Registry) Quarantine(name string) (*AgentMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrAgentUnknown, name)
	}
	if meta.Quarantined() {
		return meta, nil
	}
	caps := meta.Capabilities
	stub := &AgentMetadata{
		Name:           meta.Name,
		Version:        meta.Version + StubVersionSuffix,
		Capabilities:   caps,
		ComplianceTags: meta.ComplianceTags,
		Period:         meta.Period,
		Constructor: func(deps agent.Deps) (agent.Agent, error) {
			return agent.NewStub(name, caps), nil
		},
	}
	r.agents[name] = stub
	r.rebuildCapsLocked()
	return stub, nil
}

// Get returns the metadata for name.
func (r *Registry) Get(name string) (*AgentMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrAgentUnknown, name)
	}
	return meta, nil
}

// IncErrCount increments the error count for name and returns the new
// value.
func (r *Registry) IncErrCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta, ok := r.agents[name]; ok {
		meta.ErrCount++
		return meta.ErrCount
	}
	return 0
}

// ErrCount reads the error count for name under the registry lock.
func (r *Registry) ErrCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta, ok := r.agents[name]; ok {
		return meta.ErrCount
	}
	return 0
}

// ResetErrCount zeroes the error count for name (fresh incarnation).
func (r *Registry) ResetErrCount(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta, ok := r.agents[name]; ok {
		meta.ErrCount = 0
	}
}

// RecordFailure remembers a discovery source that failed to load; it
// shows up in detailed listings.
func (r *Registry) RecordFailure(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.failed {
		if r.failed[i].Name == name {
			r.failed[i].Reason = reason
			return
		}
	}
	r.failed = append(r.failed, FailedImport{Name: name, Reason: reason})
}

// Names returns the sorted registered agent names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListAgents returns registered agents sorted by name plus, in detail
// form, the last-known failed imports with their reasons.
func (r *Registry) ListAgents() ([]AgentInfo, []FailedImport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]AgentInfo, 0, len(r.agents))
	for _, m := range r.agents {
		infos = append(infos, AgentInfo{
			Name:           m.Name,
			Version:        m.Version,
			Capabilities:   append([]string(nil), m.Capabilities...),
			Compliance:     append([]string(nil), m.ComplianceTags...),
			RequiresAPIKey: m.RequiresAPIKey,
			ErrCount:       m.ErrCount,
			Quarantined:    m.Quarantined(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	failed := append([]FailedImport(nil), r.failed...)
	return infos, failed
}

// AgentsByCapability returns the names exposing capability. The lookup
// is O(1) over the precomputed index.
func (r *Registry) AgentsByCapability(capability string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.caps[capability]...)
}

// Capabilities returns the sorted distinct capabilities.
func (r *Registry) Capabilities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps := make([]string, 0, len(r.caps))
	for c := range r.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// rebuildCapsLocked recomputes the capability index. Called under the
// registry lock on every registration, deregistration and quarantine.
func (r *Registry) rebuildCapsLocked() {
	caps := make(map[string][]string)
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		for _, c := range r.agents[n].Capabilities {
			caps[c] = append(caps[c], n)
		}
	}
	r.caps = caps
}

// compareVersions orders dotted numeric versions; any +suffix is
// ignored. Returns -1, 0 or 1.
func compareVersions(a, b string) int {
	pa := versionParts(a)
	pb := versionParts(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var va, vb int
		if i < len(pa) {
			va = pa[i]
		}
		if i < len(pb) {
			vb = pb[i]
		}
		if va != vb {
			if va < vb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	fields := strings.Split(v, ".")
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			break
		}
		parts = append(parts, n)
	}
	return parts
}
