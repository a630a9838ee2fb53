package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphafactory/hive/pkg/agent"
	"github.com/alphafactory/hive/pkg/bus"
	"github.com/alphafactory/hive/pkg/envelope"
	"github.com/alphafactory/hive/pkg/errdefs"
	"github.com/alphafactory/hive/pkg/registry"
	"github.com/alphafactory/hive/pkg/runner"
	"github.com/alphafactory/hive/pkg/stake"
)

type failingAgent struct {
	name string
	mu   sync.Mutex
	fail bool
}

func (a *failingAgent) Name() string           { return a.name }
func (a *failingAgent) Capabilities() []string { return nil }
func (a *failingAgent) RunCycle(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("boom")
	}
	return nil
}
func (a *failingAgent) Handle(ctx context.Context, env *envelope.Envelope) error { return nil }
func (a *failingAgent) Close() error                                             { return nil }

func register(t *testing.T, reg *registry.Registry, name string, period time.Duration, caps []string, ctor agent.Constructor) {
	t.Helper()
	require.NoError(t, reg.Register(&registry.AgentMetadata{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: caps,
		Period:       period,
		Constructor:  ctor,
	}, false))
}

type fixture struct {
	sup    *Supervisor
	reg    *registry.Registry
	bus    *bus.Bus
	stakes *stake.Registry

	mu     sync.Mutex
	events []*envelope.Envelope
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		reg:    registry.New(),
		bus:    bus.New(),
		stakes: stake.NewRegistry(),
	}
	f.bus.Subscribe("system", func(ctx context.Context, env *envelope.Envelope) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, env)
		return nil
	})
	deps := agent.Deps{Bus: f.bus, Clock: envelope.NewClock(nil)}
	f.sup = New(cfg, f.reg, f.bus, nil, f.stakes, deps, runner.Options{}, opts...)
	return f
}

func (f *fixture) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Payload["event"].(string))
	}
	return out
}

func TestQuarantineAtThirdError(t *testing.T) {
	f := newFixture(t, Config{ErrThreshold: 3})
	fa := &failingAgent{name: "flaky", fail: true}
	register(t, f.reg, "flaky", time.Hour, nil, func(agent.Deps) (agent.Agent, error) { return fa, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "flaky"))

	// Two errors: below the threshold, nothing happens.
	f.reg.IncErrCount("flaky")
	f.reg.IncErrCount("flaky")
	f.sup.Scan(ctx)
	meta, err := f.reg.Get("flaky")
	require.NoError(t, err)
	assert.False(t, meta.Quarantined())

	// Third error crosses it.
	f.reg.IncErrCount("flaky")
	f.sup.Scan(ctx)
	meta, err = f.reg.Get("flaky")
	require.NoError(t, err)
	assert.True(t, meta.Quarantined())
	assert.Equal(t, "1.0.0+stub", meta.Version)
	assert.Zero(t, meta.ErrCount, "stub restart clears the error count")

	// The runner now drives the inert stub under the original identity.
	r := f.sup.Runner("flaky")
	require.NotNil(t, r)
	inst := r.Agent()
	require.NotNil(t, inst)
	assert.Equal(t, "flaky", inst.Name())
	assert.NoError(t, inst.RunCycle(ctx))

	assert.Contains(t, f.eventNames(), "quarantine")

	// Idempotent: another scan does not stack suffixes.
	f.sup.Scan(ctx)
	meta, err = f.reg.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0+stub", meta.Version)
}

func TestRestartBackoffDelays(t *testing.T) {
	var delays []time.Duration
	f := newFixture(t, Config{BackoffExpAfter: 3})
	f.sup.jitter = func() float64 { return 1.0 }
	f.sup.after = func(d time.Duration, fn func()) { delays = append(delays, d) }

	register(t, f.reg, "slow", time.Hour, nil, func(agent.Deps) (agent.Agent, error) {
		return &failingAgent{name: "slow", fail: true}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "slow"))
	r := f.sup.Runner("slow")
	require.NotNil(t, r)

	restartAt := func(streak int) time.Duration {
		for r.RestartStreak() < streak {
			require.NoError(t, r.Restart())
		}
		delays = delays[:0]
		f.sup.mu.Lock()
		delete(f.sup.restarting, "slow")
		f.sup.mu.Unlock()
		f.sup.scheduleRestart(ctx, "slow", r)
		require.Len(t, delays, 1)
		return delays[0]
	}

	// Below the streak threshold the delay is the plain jittered base.
	assert.Equal(t, time.Second, restartAt(0))
	assert.Equal(t, time.Second, restartAt(2))
	// At and beyond the threshold the delay doubles per extra restart.
	assert.Equal(t, 2*time.Second, restartAt(3))
	assert.Equal(t, 4*time.Second, restartAt(4))
	assert.Equal(t, 8*time.Second, restartAt(5))
}

func TestRestartJitterBounds(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 200; i++ {
		d := f.sup.jitter()
		assert.GreaterOrEqual(t, d, 0.5)
		assert.Less(t, d, 1.5)
	}
}

func TestStaleAgentRestarted(t *testing.T) {
	var scheduled int
	f := newFixture(t, Config{})
	f.sup.jitter = func() float64 { return 0.5 }
	f.sup.after = func(d time.Duration, fn func()) { scheduled++; fn() }

	// An agent that hangs in its cycle never beats and never errors.
	register(t, f.reg, "mute", 20*time.Millisecond, nil, func(agent.Deps) (agent.Agent, error) {
		return &hangingAgent{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "mute"))
	r := f.sup.Runner("mute")

	// Not yet stale: no restart.
	f.sup.Scan(ctx)
	assert.Zero(t, scheduled)

	// Past five periods without a beat: restarted.
	time.Sleep(150 * time.Millisecond)
	f.sup.Scan(ctx)
	assert.Equal(t, 1, scheduled)
	assert.Equal(t, 1, r.RestartCount())
	assert.Contains(t, f.eventNames(), "restart")
}

type hangingAgent struct{}

func (a *hangingAgent) Name() string           { return "mute" }
func (a *hangingAgent) Capabilities() []string { return nil }
func (a *hangingAgent) RunCycle(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (a *hangingAgent) Handle(ctx context.Context, env *envelope.Envelope) error { return nil }
func (a *hangingAgent) Close() error                                             { return nil }

func TestRestartsOnErrorThreshold(t *testing.T) {
	var delays []time.Duration
	f := newFixture(t, Config{ErrThreshold: 1, BackoffExpAfter: 1})
	f.sup.after = func(d time.Duration, fn func()) { delays = append(delays, d); fn() }

	register(t, f.reg, "fail", time.Hour, nil, func(agent.Deps) (agent.Agent, error) {
		return &failingAgent{name: "fail", fail: true}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "fail"))
	r := f.sup.Runner("fail")

	waitErr := func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if meta, err := f.reg.Get("fail"); err == nil && meta.ErrCount >= 1 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("agent never errored")
	}

	waitErr()
	f.sup.Scan(ctx)
	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], 500*time.Millisecond)
	assert.LessOrEqual(t, delays[0], 1500*time.Millisecond)
	assert.Equal(t, 1, r.RestartCount())

	// The restarted incarnation errors again; the second delay doubles
	// because the streak reached the exponent threshold.
	waitErr()
	f.sup.Scan(ctx)
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[1], 1000*time.Millisecond)
	assert.LessOrEqual(t, delays[1], 3000*time.Millisecond)
	assert.Equal(t, 2, r.RestartCount())

	// No quarantine happened: restarts kept the error count below the
	// quarantine threshold.
	meta, err := f.reg.Get("fail")
	require.NoError(t, err)
	assert.False(t, meta.Quarantined())
}

func TestPromotionGate(t *testing.T) {
	f := newFixture(t, Config{PromotionThreshold: 0.5})
	register(t, f.reg, "novel", time.Hour, nil, func(agent.Deps) (agent.Agent, error) {
		return &failingAgent{name: "novel"}, nil
	})
	f.stakes.SetStake("novel", 0.3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "novel"))

	// 0.3 < 0.5: the agent stays pending, no runner exists.
	assert.True(t, f.sup.Pending("novel"))
	assert.Nil(t, f.sup.Runner("novel"))
	f.sup.Scan(ctx)
	assert.True(t, f.sup.Pending("novel"))

	// Raising the stake to 0.8 clears the gate on the next scan.
	f.stakes.SetStake("novel", 0.8)
	f.sup.Scan(ctx)
	assert.False(t, f.sup.Pending("novel"))
	require.NotNil(t, f.sup.Runner("novel"))
	assert.Contains(t, f.eventNames(), "register")
}

func TestPromotionAutoAdmitWithoutThreshold(t *testing.T) {
	f := newFixture(t, Config{})
	register(t, f.reg, "plain", time.Hour, nil, func(agent.Deps) (agent.Agent, error) {
		return &failingAgent{name: "plain"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "plain"))
	assert.False(t, f.sup.Pending("plain"))
	assert.NotNil(t, f.sup.Runner("plain"))
}

func TestExperimentCap(t *testing.T) {
	f := newFixture(t, Config{MaxExperiments: 1})
	for _, name := range []string{"a", "b"} {
		n := name
		register(t, f.reg, n, time.Hour, nil, func(agent.Deps) (agent.Agent, error) {
			return &failingAgent{name: n}, nil
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "a"))
	assert.ErrorIs(t, f.sup.AddAgent(ctx, "b"), errdefs.ErrTooManyExperiments)
}

func TestAddAgentDuplicateAndUnknown(t *testing.T) {
	f := newFixture(t, Config{})
	register(t, f.reg, "a", time.Hour, nil, func(agent.Deps) (agent.Agent, error) {
		return &failingAgent{name: "a"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "a"))
	assert.ErrorIs(t, f.sup.AddAgent(ctx, "a"), errdefs.ErrDuplicateAgent)
	assert.ErrorIs(t, f.sup.AddAgent(ctx, "ghost"), errdefs.ErrAgentUnknown)
}

func TestRegressionGuardPausesSelfImprovement(t *testing.T) {
	scores := []float64{1.0, 1.0, 0.5, 0.4}
	i := 0
	sampler := func() float64 {
		s := scores[i%len(scores)]
		i++
		return s
	}
	f := newFixture(t, Config{
		RegInterval: time.Nanosecond,
		RegWindow:   4,
		RegDecline:  0.1,
	}, WithSampler(sampler))

	register(t, f.reg, "improver", time.Hour, []string{"self-improvement"},
		func(agent.Deps) (agent.Agent, error) { return &failingAgent{name: "improver"}, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "improver"))
	r := f.sup.Runner("improver")
	require.NotNil(t, r)

	// Each scan samples once; by the third sample the newer half of the
	// window has clearly declined and the pause fires.
	for i := 0; i < 4 && !r.Paused(); i++ {
		time.Sleep(time.Millisecond)
		f.sup.Scan(ctx)
	}
	assert.True(t, r.Paused())
	assert.Contains(t, f.eventNames(), "pause")
}

func TestRegressionGuardResumesOnRecovery(t *testing.T) {
	scores := []float64{1.0, 1.0, 0.5, 0.6, 1.0}
	i := 0
	sampler := func() float64 {
		s := scores[i%len(scores)]
		i++
		return s
	}
	f := newFixture(t, Config{
		RegInterval: time.Nanosecond,
		RegWindow:   4,
		RegDecline:  0.1,
	}, WithSampler(sampler))

	register(t, f.reg, "improver", time.Hour, []string{"self-improvement"},
		func(agent.Deps) (agent.Agent, error) { return &failingAgent{name: "improver"}, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.sup.AddAgent(ctx, "improver"))
	r := f.sup.Runner("improver")
	require.NotNil(t, r)

	// Three samples trip the guard: 1.0, 1.0, 0.5.
	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		f.sup.Scan(ctx)
	}
	require.True(t, r.Paused())

	// 0.6 is below the pre-decline plateau of 1.0: the guard keeps
	// sampling but the pause holds.
	time.Sleep(time.Millisecond)
	f.sup.Scan(ctx)
	assert.True(t, r.Paused())
	assert.NotContains(t, f.eventNames(), "resume")

	// Back at the plateau: the agent resumes and the event is emitted.
	time.Sleep(time.Millisecond)
	f.sup.Scan(ctx)
	assert.False(t, r.Paused())
	assert.Contains(t, f.eventNames(), "resume")
}

func TestRegressionDetected(t *testing.T) {
	assert.False(t, regressionDetected(nil, 0.1))
	assert.False(t, regressionDetected([]float64{1.0}, 0.1))
	assert.False(t, regressionDetected([]float64{1.0, 1.0}, 0.1))
	assert.True(t, regressionDetected([]float64{1.0, 0.8}, 0.1))
	assert.True(t, regressionDetected([]float64{1.0, 1.0, 0.5, 0.4}, 0.1))
	assert.False(t, regressionDetected([]float64{0.5, 0.5, 0.6, 0.7}, 0.1))
}
