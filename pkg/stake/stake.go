package stake

import (
	"fmt"
	"sync"
)

// minStake is the saturation floor for Burn so a slashed agent can be
// revived by an operator instead of vanishing from every quorum.
const minStake = 1e-9

// Registry tracks per-agent stake in (0, 1], stake-weighted votes and
// per-proposal acceptance thresholds. All methods are safe for
// concurrent use.
type Registry struct {
	mu         sync.Mutex
	stakes     map[string]float64
	votes      map[string]map[string]bool
	thresholds map[string]float64
}

// NewRegistry creates an empty stake registry.
func NewRegistry() *Registry {
	return &Registry{
		stakes:     make(map[string]float64),
		votes:      make(map[string]map[string]bool),
		thresholds: make(map[string]float64),
	}
}

// SetStake registers agentID with the given stake.
func (r *Registry) SetStake(agentID string, amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stakes[agentID] = amount
}

// Stake returns the current stake for agentID (0 when unknown).
func (r *Registry) Stake(agentID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stakes[agentID]
}

// Burn multiplies agentID's stake by (1 - fraction), saturating at a
// small positive minimum. Unknown agents are ignored.
func (r *Registry) Burn(agentID string, fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stakes[agentID]
	if !ok {
		return
	}
	s *= 1.0 - fraction
	if s < minStake {
		s = minStake
	}
	r.stakes[agentID] = s
}

// Total returns the total stake across all agents.
func (r *Registry) Total() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t float64
	for _, s := range r.stakes {
		t += s
	}
	return t
}

// SetThreshold sets the accept fraction required for proposalID.
// Proposals without a threshold are auto-admitted.
func (r *Registry) SetThreshold(proposalID string, fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds[proposalID] = fraction
}

// Vote records agentID's vote on proposalID. Voting requires stake.
func (r *Registry) Vote(proposalID, agentID string, support bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stakes[agentID]; !ok {
		return fmt.Errorf("unknown agent %q", agentID)
	}
	m, ok := r.votes[proposalID]
	if !ok {
		m = make(map[string]bool)
		r.votes[proposalID] = m
	}
	m[agentID] = support
	return nil
}

// Accepted reports whether the sum of approving stakes for proposalID
// meets its threshold. Unset thresholds default to zero, which
// auto-admits.
func (r *Registry) Accepted(proposalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	threshold := r.thresholds[proposalID]
	if threshold <= 0 {
		return true
	}
	var yes float64
	for agent, support := range r.votes[proposalID] {
		if support {
			yes += r.stakes[agent]
		}
	}
	return yes >= threshold
}
