package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/alphafactory/hive/pkg/agent"
	"github.com/alphafactory/hive/pkg/bus"
	"github.com/alphafactory/hive/pkg/envelope"
	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/ledger"
	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/metrics"
	"github.com/alphafactory/hive/pkg/registry"
	"github.com/alphafactory/hive/pkg/runner"
	"github.com/alphafactory/hive/pkg/stake"
)

// staleBeatsPeriods is the liveness grace: an agent is unresponsive once
// its last heartbeat is older than this many cycle periods.
const staleBeatsPeriods = 5

// Config tunes the supervisor's control loops.
type Config struct {
	// ScanInterval is the liveness scan cadence.
	ScanInterval time.Duration
	// ErrThreshold marks an agent unresponsive (and restarts it) at this
	// error count.
	ErrThreshold int
	// QuarantineAfter swaps an agent for a stub at this error count.
	// Restarts reset the count, so only an agent erroring faster than it
	// is restarted reaches quarantine.
	QuarantineAfter int
	// BackoffExpAfter is the restart streak at which delays start
	// doubling.
	BackoffExpAfter int
	// HeartbeatInt is the maximum interval between heartbeats before an
	// agent counts as stale; zero means five cycle periods.
	HeartbeatInt time.Duration
	// MaxExperiments caps concurrently supervised agents.
	MaxExperiments int
	// PromotionThreshold is the approving stake an agent needs before it
	// starts; zero auto-admits.
	PromotionThreshold float64
	// RegInterval is the regression sampling cadence and the pause
	// length applied on a detected decline.
	RegInterval time.Duration
	// RegWindow is the number of samples the regression guard keeps.
	RegWindow int
	// RegDecline is the mean score drop that triggers a pause.
	RegDecline float64
}

func (c *Config) defaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 2 * time.Second
	}
	if c.ErrThreshold <= 0 {
		c.ErrThreshold = 3
	}
	if c.QuarantineAfter <= 0 {
		c.QuarantineAfter = 3
	}
	if c.BackoffExpAfter <= 0 {
		c.BackoffExpAfter = 3
	}
	if c.MaxExperiments <= 0 {
		c.MaxExperiments = 10
	}
	if c.RegInterval <= 0 {
		c.RegInterval = time.Hour
	}
	if c.RegWindow <= 0 {
		c.RegWindow = 6
	}
	if c.RegDecline <= 0 {
		c.RegDecline = 0.1
	}
}

// Supervisor owns agent lifecycle: promotion-gated starts, liveness
// scans, backoff restarts, quarantine swaps and the regression guard.
type Supervisor struct {
	cfg    Config
	reg    *registry.Registry
	bus    *bus.Bus
	led    *ledger.Ledger
	stakes *stake.Registry
	deps   agent.Deps
	ropts  runner.Options

	// Sampler feeds the regression guard a live fitness score; nil
	// disables the guard.
	sampler func() float64
	// jitter draws the restart delay base in seconds; tests pin it.
	jitter func() float64
	// after schedules a deferred restart; tests run it inline.
	after func(d time.Duration, fn func())
	// fatal ends the process on unrecoverable faults.
	fatal func(err error)

	mu         sync.Mutex
	runners    map[string]*runner.Runner
	pending    map[string]struct{}
	restarting map[string]struct{}
	scores     []float64
	lastSample time.Time
	plateau    float64  // pre-decline mean, the recovery bar
	regPaused  []string // agents paused by the regression guard
	ctx        context.Context
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSampler installs the regression guard's score source.
func WithSampler(fn func() float64) Option {
	return func(s *Supervisor) { s.sampler = fn }
}

// WithFatalHook replaces the process-exit handler (tests).
func WithFatalHook(fn func(err error)) Option {
	return func(s *Supervisor) { s.fatal = fn }
}

// New builds a supervisor over the given registry, bus, ledger and
// stake registry.
func New(cfg Config, reg *registry.Registry, b *bus.Bus, led *ledger.Ledger,
	stakes *stake.Registry, deps agent.Deps, ropts runner.Options, opts ...Option) *Supervisor {
	cfg.defaults()
	s := &Supervisor{
		cfg:        cfg,
		reg:        reg,
		bus:        b,
		led:        led,
		stakes:     stakes,
		deps:       deps,
		ropts:      ropts,
		jitter:     func() float64 { return 0.5 + rand.Float64() },
		fatal:      func(err error) { log.Logger.Fatal().Err(err).Msg("supervisor unrecoverable") },
		runners:    make(map[string]*runner.Runner),
		pending:    make(map[string]struct{}),
		restarting: make(map[string]struct{}),
	}
	s.after = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddAgent submits the named registered agent for supervision. Agents
// whose promotion proposal lacks sufficient approving stake stay
// pending; the scan loop rechecks them. The experiment cap counts both
// running and pending agents.
func (s *Supervisor) AddAgent(ctx context.Context, name string) error {
	if _, err := s.reg.Get(name); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.runners[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errdefs.ErrDuplicateAgent, name)
	}
	if _, ok := s.pending[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", errdefs.ErrDuplicateAgent, name)
	}
	if len(s.runners)+len(s.pending) >= s.cfg.MaxExperiments {
		s.mu.Unlock()
		return errdefs.ErrTooManyExperiments
	}
	s.mu.Unlock()

	proposal := promotionProposal(name)
	if s.stakes != nil && s.cfg.PromotionThreshold > 0 {
		s.stakes.SetThreshold(proposal, s.cfg.PromotionThreshold)
		// The agent backs its own promotion with its stake.
		if err := s.stakes.Vote(proposal, name, true); err != nil {
			log.WithComponent("supervisor").Debug().Err(err).Str("agent", name).Msg("no stake, promotion unbacked")
		}
	}
	if s.stakes != nil && !s.stakes.Accepted(proposal) {
		s.mu.Lock()
		s.pending[name] = struct{}{}
		s.updateGaugesLocked()
		s.mu.Unlock()
		log.WithComponent("supervisor").Info().Str("agent", name).Msg("promotion pending, stake below threshold")
		s.publishEvent(ctx, "pending", name, nil)
		return nil
	}
	return s.startAgent(ctx, name)
}

func promotionProposal(name string) string { return "promote:" + name }

func (s *Supervisor) updateGaugesLocked() {
	metrics.AgentsTotal.WithLabelValues("running").Set(float64(len(s.runners)))
	metrics.AgentsTotal.WithLabelValues("pending").Set(float64(len(s.pending)))
}

func (s *Supervisor) startAgent(ctx context.Context, name string) error {
	r := runner.New(name, s.reg, s.deps, s.ropts)
	if err := r.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.runners[name] = r
	delete(s.pending, name)
	s.updateGaugesLocked()
	s.mu.Unlock()

	// Direct messages on the agent's own topic reach its Handle.
	s.bus.Subscribe(name, func(hctx context.Context, env *envelope.Envelope) error {
		if inst := r.Agent(); inst != nil {
			return inst.Handle(hctx, env)
		}
		return nil
	})

	log.WithComponent("supervisor").Info().Str("agent", name).Msg("agent started")
	s.publishEvent(ctx, "register", name, nil)
	return nil
}

// Runner exposes the supervised runner for name, nil when absent.
func (s *Supervisor) Runner(name string) *runner.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[name]
}

// Pending reports whether name awaits promotion.
func (s *Supervisor) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[name]
	return ok
}

// Run drives the scan loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one pass of promotion rechecks, liveness checks and the
// regression guard. Exported so tests and the CLI can step it.
func (s *Supervisor) Scan(ctx context.Context) {
	s.recheckPending(ctx)
	s.checkLiveness(ctx)
	s.checkRegression(ctx)
}

func (s *Supervisor) recheckPending(ctx context.Context) {
	if s.stakes == nil {
		return
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.pending))
	for n := range s.pending {
		names = append(names, n)
	}
	s.mu.Unlock()
	for _, name := range names {
		if !s.stakes.Accepted(promotionProposal(name)) {
			continue
		}
		log.WithComponent("supervisor").Info().Str("agent", name).Msg("promotion threshold met")
		if err := s.startAgent(ctx, name); err != nil {
			log.WithComponent("supervisor").Error().Err(err).Str("agent", name).Msg("promotion start failed")
		}
	}
}

func (s *Supervisor) checkLiveness(ctx context.Context) {
	s.mu.Lock()
	runners := make(map[string]*runner.Runner, len(s.runners))
	for n, r := range s.runners {
		runners[n] = r
	}
	s.mu.Unlock()

	for name, r := range runners {
		if r.Paused() {
			continue
		}
		meta, err := s.reg.Get(name)
		if err != nil {
			continue
		}
		errCount := s.reg.ErrCount(name)

		if errCount >= s.cfg.QuarantineAfter && !meta.Quarantined() {
			s.quarantine(ctx, name, r, errCount)
			continue
		}

		grace := s.cfg.HeartbeatInt
		if grace <= 0 {
			grace = staleBeatsPeriods * r.Period()
		}
		stale := time.Since(r.LastBeat()) > grace
		if r.Done() || stale || errCount >= s.cfg.ErrThreshold {
			s.scheduleRestart(ctx, name, r)
		}
	}
}

func (s *Supervisor) quarantine(ctx context.Context, name string, r *runner.Runner, errCount int) {
	if _, err := s.reg.Quarantine(name); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Str("agent", name).Msg("quarantine failed")
		return
	}
	metrics.QuarantinesTotal.Inc()
	log.WithComponent("supervisor").Warn().
		Str("agent", name).Int("err_count", errCount).
		Msg("agent quarantined, stub swapped in")
	// The restart picks up the stub constructor and clears the error
	// count.
	if err := r.Restart(); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Str("agent", name).Msg("stub start failed")
	}
	s.publishEvent(ctx, "quarantine", name, envelope.Payload{"err_count": float64(errCount)})
}

// scheduleRestart restarts an unresponsive agent after a jittered,
// optionally exponential, delay. The base delay is uniform in
// [0.5, 1.5) seconds; once the restart streak reaches BackoffExpAfter
// it doubles per extra restart.
func (s *Supervisor) scheduleRestart(ctx context.Context, name string, r *runner.Runner) {
	s.mu.Lock()
	if _, ok := s.restarting[name]; ok {
		s.mu.Unlock()
		return
	}
	s.restarting[name] = struct{}{}
	s.mu.Unlock()

	streak := r.RestartStreak()
	delaySec := s.jitter()
	if streak >= s.cfg.BackoffExpAfter {
		delaySec *= math.Pow(2, float64(streak-s.cfg.BackoffExpAfter+1))
	}
	delay := time.Duration(delaySec * float64(time.Second))
	log.WithComponent("supervisor").Warn().
		Str("agent", name).Int("streak", streak).Dur("delay", delay).
		Msg("agent unresponsive, restart scheduled")

	s.after(delay, func() {
		defer func() {
			s.mu.Lock()
			delete(s.restarting, name)
			s.mu.Unlock()
		}()
		if ctx.Err() != nil {
			return
		}
		if err := r.Restart(); err != nil {
			log.WithComponent("supervisor").Error().Err(err).Str("agent", name).Msg("restart failed")
			return
		}
		s.publishEvent(ctx, "restart", name, envelope.Payload{"streak": float64(r.RestartStreak())})
	})
}

// checkRegression samples the fitness metric on its cadence. A mean
// decline across the window pauses every self-improvement agent until
// the metric recovers to the pre-decline plateau; the guard keeps
// sampling while paused and resumes agents only on recovery.
func (s *Supervisor) checkRegression(ctx context.Context) {
	if s.sampler == nil {
		return
	}
	s.mu.Lock()
	due := time.Since(s.lastSample) >= s.cfg.RegInterval
	if due {
		s.lastSample = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	score := s.sampler()

	s.mu.Lock()
	if len(s.regPaused) > 0 {
		if score < s.plateau {
			s.mu.Unlock()
			return
		}
		names := s.regPaused
		s.regPaused = nil
		s.scores = append(s.scores[:0], score)
		s.mu.Unlock()
		s.resumeAgents(ctx, names, score)
		return
	}

	s.scores = append(s.scores, score)
	if len(s.scores) > s.cfg.RegWindow {
		s.scores = s.scores[len(s.scores)-s.cfg.RegWindow:]
	}
	declined := regressionDetected(s.scores, s.cfg.RegDecline)
	var plateau float64
	if declined {
		plateau = mean(s.scores[:len(s.scores)/2])
		s.plateau = plateau
		s.scores = s.scores[:0]
	}
	s.mu.Unlock()
	if !declined {
		return
	}

	metrics.RegressionPausesTotal.Inc()
	for _, name := range s.reg.AgentsByCapability("self-improvement") {
		s.mu.Lock()
		r := s.runners[name]
		if r != nil {
			s.regPaused = append(s.regPaused, name)
		}
		s.mu.Unlock()
		if r == nil {
			continue
		}
		r.Pause(time.Time{})
		log.WithComponent("supervisor").Warn().
			Str("agent", name).Float64("plateau", plateau).
			Msg("fitness regression, self-improvement paused")
		s.publishEvent(ctx, "pause", name, envelope.Payload{"plateau": plateau})
	}
}

func (s *Supervisor) resumeAgents(ctx context.Context, names []string, score float64) {
	for _, name := range names {
		s.mu.Lock()
		r := s.runners[name]
		s.mu.Unlock()
		if r != nil {
			r.Resume()
		}
		log.WithComponent("supervisor").Info().
			Str("agent", name).Float64("score", score).
			Msg("fitness recovered, self-improvement resumed")
		s.publishEvent(ctx, "resume", name, envelope.Payload{"score": score})
	}
}

// regressionDetected compares the older half of the window to the newer
// half; a mean drop of at least decline is a regression. A full window
// is required.
func regressionDetected(scores []float64, decline float64) bool {
	if len(scores) < 2 {
		return false
	}
	half := len(scores) / 2
	older := mean(scores[:half])
	newer := mean(scores[half:])
	return older-newer >= decline
}

func mean(xs []float64) float64 {
	var t float64
	for _, x := range xs {
		t += x
	}
	return t / float64(len(xs))
}

// VerifyLedger recomputes the Merkle root and slashes the claiming
// agent on mismatch.
func (s *Supervisor) VerifyLedger(expected, agentID string) error {
	return s.led.VerifyRoot(expected, agentID)
}

// publishEvent emits a lifecycle event on the system topic and records
// it in the ledger. A ledger that reports itself unavailable ends the
// process: running unaudited is worse than not running.
func (s *Supervisor) publishEvent(ctx context.Context, event, agentName string, extra envelope.Payload) {
	payload := envelope.Payload{"event": event, "agent": agentName}
	for k, v := range extra {
		payload[k] = v
	}
	ts := s.deps.Clock.Next("orch")
	env, err := envelope.New("orch", "system", payload, ts)
	if err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("lifecycle envelope")
		return
	}
	if err := s.bus.Publish(ctx, "system", env); err != nil {
		log.WithComponent("supervisor").Warn().Err(err).Msg("lifecycle publish")
	}
	if s.led == nil {
		return
	}
	body, err := env.CanonicalJSON()
	if err != nil {
		return
	}
	if _, err := s.led.Append(body, ts); err != nil {
		if errors.Is(err, errdefs.ErrLedgerUnavailable) {
			s.fatal(err)
			return
		}
		log.WithComponent("supervisor").Error().Err(err).Msg("lifecycle ledger append")
	}
}
