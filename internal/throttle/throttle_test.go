package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	clock *fakeClock
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	s.clock.Advance(d)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Limits = Limits{PerMinute: 3, PerHour: 50}
	cfg.CooldownMin = time.Second
	cfg.CooldownMax = 2 * time.Second
	cfg.MinInterval = 0
	cfg.Suspicion.BurstCount = 0
	cfg.Suspicion.MinHumanInterval = 0
	cfg.Suspicion.RegularityThreshold = 0
	return cfg
}

func newTestThrottle(t *testing.T, cfg Config) (*Throttle, *fakeClock, *recordingSleeper) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	sleeper := &recordingSleeper{clock: clock}
	th, err := New(cfg, zap.NewNop(), WithClock(clock), WithSleeper(sleeper.Sleep), WithSeed(7))
	require.NoError(t, err)
	return th, clock, sleeper
}

func TestCheckAndApplyCooldownUnderCap(t *testing.T) {
	t.Parallel()

	th, clock, sleeper := newTestThrottle(t, testConfig())
	ctx := context.Background()
	for range 2 {
		require.NoError(t, th.Record(ctx, "connect", nil))
		clock.Advance(time.Second)
	}
	waited, err := th.CheckAndApplyCooldown(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, waited)
	assert.Empty(t, sleeper.waits)
}

func TestCheckAndApplyCooldownBlocksAfterMinuteCap(t *testing.T) {
	t.Parallel()

	th, clock, sleeper := newTestThrottle(t, testConfig())
	ctx := context.Background()
	start := clock.Now()
	for range 3 {
		require.NoError(t, th.Record(ctx, "connect", nil))
		clock.Advance(time.Second)
	}

	waited, err := th.CheckAndApplyCooldown(ctx, nil)
	require.NoError(t, err)
	require.Len(t, sleeper.waits, 1)
	assert.Equal(t, waited, sleeper.waits[0])

	// The oldest entry leaves the window at start+60s; now is start+3s.
	free := start.Add(time.Minute).Sub(start.Add(3 * time.Second))
	assert.GreaterOrEqual(t, waited, free+time.Second)
	assert.LessOrEqual(t, waited, free+2*time.Second)

	// After cooling down the window has room again.
	waited, err = th.CheckAndApplyCooldown(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, waited)
}

func TestCheckAndApplyCooldownHourCap(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Limits = Limits{PerMinute: 0, PerHour: 4}
	th, clock, sleeper := newTestThrottle(t, cfg)
	ctx := context.Background()
	for range 4 {
		require.NoError(t, th.Record(ctx, "message", nil))
		clock.Advance(5 * time.Minute)
	}
	waited, err := th.CheckAndApplyCooldown(ctx, nil)
	require.NoError(t, err)
	assert.Greater(t, waited, 40*time.Minute)
	assert.Len(t, sleeper.waits, 1)
}

func TestCheckAndApplyCooldownHonoursOverride(t *testing.T) {
	t.Parallel()

	th, clock, _ := newTestThrottle(t, testConfig())
	ctx := context.Background()
	require.NoError(t, th.Record(ctx, "post", nil))
	clock.Advance(time.Second)

	waited, err := th.CheckAndApplyCooldown(ctx, &Limits{PerMinute: 1})
	require.NoError(t, err)
	assert.Positive(t, waited)
}

func TestCheckAndApplyCooldownContextCanceled(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	th, err := New(testConfig(), zap.NewNop(), WithClock(clock))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	for range 3 {
		require.NoError(t, th.Record(ctx, "connect", nil))
	}
	cancel()
	_, err = th.CheckAndApplyCooldown(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDetectSuspiciousActivity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		intervals []time.Duration
		want      []string
	}{
		{
			name:      "machine regular",
			intervals: []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second},
			want:      []string{PatternRegularIntervals},
		},
		{
			name:      "human irregular",
			intervals: []time.Duration{7 * time.Second, 19 * time.Second, 12 * time.Second, 31 * time.Second, 9 * time.Second},
			want:      nil,
		},
		{
			name:      "rapid burst",
			intervals: []time.Duration{300 * time.Millisecond, 900 * time.Millisecond, 400 * time.Millisecond, 1200 * time.Millisecond, 500 * time.Millisecond},
			want:      []string{PatternRapidFire, PatternBurst},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.MinInterval = 0
			th, clock, _ := newTestThrottle(t, cfg)
			ctx := context.Background()
			require.NoError(t, th.Record(ctx, "connect", nil))
			for _, d := range tc.intervals {
				clock.Advance(d)
				require.NoError(t, th.Record(ctx, "connect", nil))
			}
			got, err := th.DetectSuspiciousActivity(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Patterns)
			assert.Equal(t, len(tc.want) > 0, got.IsSuspicious)
			assert.NotEmpty(t, got.Recommendation)
		})
	}
}

func TestGateTightensCapsWhenSuspicious(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinInterval = 0
	cfg.Limits = Limits{PerMinute: 10, PerHour: 100}
	cfg.CooldownMin = time.Second
	cfg.CooldownMax = time.Second
	cfg.StrictFactorMin = 0.5
	cfg.StrictFactorMax = 0.5
	cfg.Suspicion.BurstCount = 0
	th, clock, sleeper := newTestThrottle(t, cfg)
	ctx := context.Background()

	// Five actions exactly 3s apart: regular, but under the normal cap of ten.
	for range 5 {
		require.NoError(t, th.Record(ctx, "connect", nil))
		clock.Advance(3 * time.Second)
	}
	require.NoError(t, th.Gate(ctx, "connect"))
	require.Len(t, sleeper.waits, 1)
	assert.Positive(t, sleeper.waits[0])
	assert.Equal(t, Limits{PerMinute: 5, PerHour: 50}, th.StrictLimits())
}

func TestStrictLimitsWithinBounds(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Limits = Limits{PerMinute: 100, PerHour: 1000}
	th, _, _ := newTestThrottle(t, cfg)
	for range 50 {
		l := th.StrictLimits()
		assert.GreaterOrEqual(t, l.PerMinute, 50)
		assert.LessOrEqual(t, l.PerMinute, 70)
		assert.GreaterOrEqual(t, l.PerHour, 500)
		assert.LessOrEqual(t, l.PerHour, 700)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.CooldownMax = cfg.CooldownMin - time.Second
	_, err := New(cfg, nil)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.StrictFactorMax = 1.5
	_, err = New(cfg, nil)
	require.Error(t, err)
}

func TestRingHistoryWraps(t *testing.T) {
	t.Parallel()

	h := NewRingHistory(3)
	ctx := context.Background()
	base := time.Unix(0, 0)
	for i := range 5 {
		require.NoError(t, h.Append(ctx, Entry{At: base.Add(time.Duration(i) * time.Second), Action: "a"}))
	}
	all, err := h.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, base.Add(2*time.Second), all[0].At)
	assert.Equal(t, base.Add(4*time.Second), all[2].At)

	since, err := h.Since(ctx, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Len(t, since, 2)
}
