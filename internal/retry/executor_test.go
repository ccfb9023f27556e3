package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/session"
)

type delayRecorder struct {
	delays []time.Duration
	err    error
}

func (r *delayRecorder) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return r.err
}

type fakeRecoverer struct {
	calls int
	err   error
}

func (f *fakeRecoverer) Recover(context.Context) (*session.Handle, error) {
	f.calls++
	return nil, f.err
}

func newExecutor(t *testing.T, opts ...Option) (*Executor, *delayRecorder) {
	t.Helper()
	rec := &delayRecorder{}
	opts = append([]Option{WithSleeper(rec.Sleep)}, opts...)
	e, err := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour}, zap.NewNop(), opts...)
	require.NoError(t, err)
	return e, rec
}

func alwaysFail(err error, attempts *int) Operation {
	return func(context.Context, int) error {
		*attempts++
		return err
	}
}

func TestNetworkErrorsUseAllAttemptsWithIncreasingDelays(t *testing.T) {
	t.Parallel()

	e, rec := newExecutor(t)
	attempts := 0
	err := e.Do(context.Background(), "navigate", 5, alwaysFail(faults.New(faults.Network, "navigate", errors.New("timeout")), &attempts), nil)

	require.Error(t, err)
	assert.Equal(t, 5, attempts)
	require.Len(t, rec.delays, 4)
	for i := 1; i < len(rec.delays); i++ {
		assert.Greater(t, rec.delays[i], rec.delays[i-1])
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}, rec.delays)
	assert.Equal(t, faults.Network, faults.CategoryOf(err))
}

func TestRateLimitMakesFewerAttemptsThanNetwork(t *testing.T) {
	t.Parallel()

	e, _ := newExecutor(t)
	rateAttempts, netAttempts := 0, 0
	_ = e.Do(context.Background(), "connect", 5, alwaysFail(errors.New("429 too many requests"), &rateAttempts), nil)
	_ = e.Do(context.Background(), "connect", 5, alwaysFail(errors.New("connection reset by peer"), &netAttempts), nil)

	assert.Equal(t, 2, rateAttempts)
	assert.Equal(t, 5, netAttempts)
	assert.Less(t, rateAttempts, netAttempts)
}

func TestRateLimitBacksOffMoreAggressively(t *testing.T) {
	t.Parallel()

	e, rec := newExecutor(t)
	calls := 0
	op := func(context.Context, int) error {
		calls++
		if calls <= 2 {
			return faults.New(faults.RateLimit, "send", errors.New("throttled"))
		}
		return faults.New(faults.Network, "send", errors.New("timeout"))
	}
	_ = e.Do(context.Background(), "send", 0, op, nil)
	// First rate-limit retry waits the base delay; multiplier 4 applies from then on.
	require.NotEmpty(t, rec.delays)
	assert.Equal(t, 100*time.Millisecond, rec.delays[0])
}

func TestNonRecoverableFailsImmediately(t *testing.T) {
	t.Parallel()

	for _, category := range []faults.Category{faults.Database, faults.FileSystem, faults.Unknown, faults.ConnectionLevel} {
		e, rec := newExecutor(t)
		attempts := 0
		err := e.Do(context.Background(), "create edge", 5, alwaysFail(faults.New(category, "op", errors.New("nope")), &attempts), map[string]string{"request_id": "r-1"})

		require.Error(t, err, category)
		assert.Equal(t, 1, attempts, category)
		assert.Empty(t, rec.delays, category)
		assert.Equal(t, category, faults.CategoryOf(err))
		ctx := faults.ContextOf(err)
		assert.Equal(t, "r-1", ctx["request_id"])
		assert.Equal(t, "1", ctx["attempts"])
		assert.Contains(t, ctx, "elapsed")
	}
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	e, rec := newExecutor(t)
	var seen []int
	err := e.Do(context.Background(), "click", 5, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("net::ERR_CONNECTION_CLOSED")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Len(t, rec.delays, 2)
}

func TestCallerLimitBelowPolicy(t *testing.T) {
	t.Parallel()

	e, _ := newExecutor(t)
	attempts := 0
	_ = e.Do(context.Background(), "navigate", 2, alwaysFail(errors.New("timeout"), &attempts), nil)
	assert.Equal(t, 2, attempts)
}

func TestBrowserErrorsRecoverSession(t *testing.T) {
	t.Parallel()

	recoverer := &fakeRecoverer{}
	e, _ := newExecutor(t, WithRecoverer(recoverer))
	attempts := 0
	err := e.Do(context.Background(), "click", 5, alwaysFail(errors.New("target closed"), &attempts), nil)

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, recoverer.calls)
}

func TestFailedRecoveryStopsRetrying(t *testing.T) {
	t.Parallel()

	recoverer := &fakeRecoverer{err: faults.ErrSessionLost}
	e, rec := newExecutor(t, WithRecoverer(recoverer))
	attempts := 0
	err := e.Do(context.Background(), "click", 5, alwaysFail(errors.New("target closed"), &attempts), nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.delays)
	assert.ErrorIs(t, err, faults.ErrSessionLost)
}

func TestSleepInterruptionStops(t *testing.T) {
	t.Parallel()

	e, rec := newExecutor(t)
	rec.err = context.Canceled
	attempts := 0
	err := e.Do(context.Background(), "navigate", 5, alwaysFail(errors.New("timeout"), &attempts), nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCanceledContextDoesNotRetry(t *testing.T) {
	t.Parallel()

	e, rec := newExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := e.Do(ctx, "navigate", 5, alwaysFail(errors.New("timeout"), &attempts), nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.delays)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseDelay: time.Second, MaxDelay: time.Millisecond}, nil)
	require.Error(t, err)
	_, err = New(Config{BaseDelay: time.Second, MaxDelay: time.Minute, Randomization: 1}, nil)
	require.Error(t, err)
}
