// Package stake implements the stake registry gating agent promotion.
// Agents hold a stake in (0, 1]; slashing burns a fraction of it, and
// proposals are accepted when the approving stake meets the proposal's
// threshold.
package stake
