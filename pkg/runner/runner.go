package runner

import (
	"context"
	"sync"
	"time"

	"github.com/alphafactory/hive/pkg/agent"
	"github.com/alphafactory/hive/pkg/envelope"
	"github.com/alphafactory/hive/pkg/ledger"
	"github.com/alphafactory/hive/pkg/log"
	"github.com/alphafactory/hive/pkg/metrics"
	"github.com/alphafactory/hive/pkg/registry"
)

// minPeriod keeps a zero-period agent from spinning without yielding.
const minPeriod = 10 * time.Millisecond

// Runner drives one agent's cycle loop: construct, run on a period,
// heartbeat after each successful cycle, count errors on failures. The
// supervisor owns restart and quarantine decisions; the runner only
// reports.
type Runner struct {
	name     string
	reg      *registry.Registry
	deps     agent.Deps
	led      *ledger.Ledger
	period   time.Duration
	maxCycle time.Duration

	mu            sync.Mutex
	inst          agent.Agent
	lastBeat      time.Time
	cycles        uint64
	restartCount  int
	restartStreak int
	paused        bool
	resumeAt      time.Time
	done          bool

	wake chan struct{}
}

// Options tunes a runner beyond the registry metadata.
type Options struct {
	// DefaultPeriod applies when neither the metadata nor the agent
	// itself declares one.
	DefaultPeriod time.Duration
	// MaxCycle bounds a single RunCycle call; zero means unbounded.
	MaxCycle time.Duration
	// Ledger, when set, receives best-effort heartbeat records.
	Ledger *ledger.Ledger
}

// New builds a runner for the named registered agent. The agent itself
// is constructed by Start.
func New(name string, reg *registry.Registry, deps agent.Deps, opts Options) *Runner {
	return &Runner{
		name:     name,
		reg:      reg,
		deps:     deps,
		led:      opts.Ledger,
		period:   opts.DefaultPeriod,
		maxCycle: opts.MaxCycle,
		wake:     make(chan struct{}, 1),
	}
}

func (r *Runner) Name() string { return r.name }

// Period returns the effective cycle period.
func (r *Runner) Period() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectivePeriodLocked()
}

func (r *Runner) effectivePeriodLocked() time.Duration {
	p := r.period
	if meta, err := r.reg.Get(r.name); err == nil && meta.Period > 0 {
		p = meta.Period
	}
	if r.inst != nil {
		if pa, ok := r.inst.(agent.Period); ok && pa.CyclePeriod() > 0 {
			p = pa.CyclePeriod()
		}
	}
	if p < minPeriod {
		p = minPeriod
	}
	return p
}

// Start constructs the agent's first incarnation and launches the cycle
// loop. It returns once the agent is built; the loop runs until ctx is
// cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.construct(); err != nil {
		return err
	}
	metrics.AgentUp.WithLabelValues(r.name).Set(1)
	go r.loop(ctx)
	return nil
}

func (r *Runner) construct() error {
	meta, err := r.reg.Get(r.name)
	if err != nil {
		return err
	}
	inst, err := meta.Constructor(r.deps)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.inst
	r.inst = inst
	r.lastBeat = time.Now()
	r.done = false
	r.mu.Unlock()
	if old != nil {
		if cerr := old.Close(); cerr != nil {
			log.WithAgent(r.name).Warn().Err(cerr).Msg("closing previous incarnation")
		}
	}
	return nil
}

// Restart builds a fresh incarnation: the error count resets, the
// restart counters advance and the loop picks the new instance up on
// its next cycle.
func (r *Runner) Restart() error {
	if err := r.construct(); err != nil {
		return err
	}
	r.reg.ResetErrCount(r.name)
	r.mu.Lock()
	r.restartCount++
	r.restartStreak++
	r.mu.Unlock()
	metrics.RestartsTotal.WithLabelValues(r.name).Inc()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.done = true
		inst := r.inst
		r.mu.Unlock()
		metrics.AgentUp.WithLabelValues(r.name).Set(0)
		if inst != nil {
			if err := inst.Close(); err != nil {
				log.WithAgent(r.name).Warn().Err(err).Msg("close failed")
			}
		}
	}()

	for {
		r.mu.Lock()
		inst := r.inst
		period := r.effectivePeriodLocked()
		paused := r.pausedLocked()
		if r.paused && !paused {
			r.paused = false // deadline pause elapsed
		}
		var cycle uint64
		if !paused {
			r.cycles++
			cycle = r.cycles
		}
		r.mu.Unlock()

		if !paused {
			r.step(ctx, inst, cycle)
		}

		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// step runs one cycle with the configured timeout, then either
// heartbeats or records the failure. The cycle error is returned for
// synchronous steppers; the loop ignores it.
func (r *Runner) step(ctx context.Context, inst agent.Agent, cycle uint64) error {
	cctx := ctx
	if r.maxCycle > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.maxCycle)
		defer cancel()
	}

	timer := metrics.NewTimer()
	err := inst.RunCycle(cctx)
	timer.ObserveDuration(metrics.AgentCycleDuration.WithLabelValues(r.name))

	if ctx.Err() != nil {
		return ctx.Err() // shutdown, not an agent failure
	}
	if err != nil {
		n := r.reg.IncErrCount(r.name)
		metrics.AgentErrorsTotal.WithLabelValues(r.name).Inc()
		log.WithAgent(r.name).Warn().Err(err).Int("err_count", n).Msg("cycle failed")
		return err
	}

	r.mu.Lock()
	r.lastBeat = time.Now()
	r.restartStreak = 0
	r.mu.Unlock()
	r.reg.ResetErrCount(r.name)
	r.heartbeat(ctx, cycle)
	return nil
}

func (r *Runner) heartbeat(ctx context.Context, cycle uint64) {
	ts := r.deps.Clock.Next(r.name)
	env, err := envelope.New(r.name, "orch",
		envelope.Payload{"event": "heartbeat", "cycle": float64(cycle)}, ts)
	if err != nil {
		log.WithAgent(r.name).Error().Err(err).Msg("heartbeat envelope")
		return
	}
	if r.deps.Bus != nil {
		if err := r.deps.Bus.Publish(ctx, "orch", env); err != nil {
			log.WithAgent(r.name).Warn().Err(err).Msg("heartbeat publish")
		}
	}
	if r.led != nil {
		if body, err := env.CanonicalJSON(); err == nil {
			if _, err := r.led.AppendBestEffort(body, ts); err != nil {
				log.WithAgent(r.name).Warn().Err(err).Msg("heartbeat ledger append")
			}
		}
	}
}

// LastBeat reports the time of the last successful cycle (or the last
// restart, whichever is later).
func (r *Runner) LastBeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBeat
}

// Done reports whether the cycle loop has exited.
func (r *Runner) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// RestartStreak is the count of consecutive restarts without an
// intervening successful cycle.
func (r *Runner) RestartStreak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restartStreak
}

// RestartCount is the lifetime restart total.
func (r *Runner) RestartCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restartCount
}

// MaybeStep runs at most one cycle synchronously: nothing happens when
// the runner is paused. It constructs the agent on first use, so tests
// and tooling can step an agent without the free-running loop.
func (r *Runner) MaybeStep(ctx context.Context) error {
	r.mu.Lock()
	if r.pausedLocked() {
		r.mu.Unlock()
		return nil
	}
	inst := r.inst
	r.mu.Unlock()

	if inst == nil {
		if err := r.construct(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	inst = r.inst
	r.cycles++
	cycle := r.cycles
	r.mu.Unlock()
	return r.step(ctx, inst, cycle)
}

// Pause suspends cycling until the given time; a zero time pauses until
// Resume is called. Paused runners skip cycles but are not treated as
// unresponsive.
func (r *Runner) Pause(until time.Time) {
	r.mu.Lock()
	r.paused = true
	r.resumeAt = until
	r.mu.Unlock()
}

// Resume lifts a pause immediately.
func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.resumeAt = time.Time{}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Paused reports whether the runner is currently paused.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pausedLocked()
}

func (r *Runner) pausedLocked() bool {
	return r.paused && (r.resumeAt.IsZero() || time.Now().Before(r.resumeAt))
}

// Agent returns the current incarnation, for message delivery.
func (r *Runner) Agent() agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst
}
