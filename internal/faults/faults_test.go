package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, Unknown},
		{"deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), Network},
		{"canceled", context.Canceled, Unknown},
		{"profile sentinel", fmt.Errorf("open: %w", ErrProfileNotFound), ConnectionLevel},
		{"session lost", ErrSessionLost, Browser},
		{"path error", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, FileSystem},
		{"http 429", errors.New("server returned 429"), RateLimit},
		{"login wall", errors.New("redirected to login page"), Authentication},
		{"target closed", errors.New("chromedp run: target closed"), Browser},
		{"connection reset", errors.New("read tcp: connection reset by peer"), Network},
		{"pgx", errors.New("pgx: relation does not exist"), Database},
		{"mystery", errors.New("something odd"), Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestCategoryOfPrefersExplicitCategory(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", New(Database, "create edge", errors.New("timeout")))
	assert.Equal(t, Database, CategoryOf(err))
	assert.Equal(t, Network, CategoryOf(errors.New("timeout")))
}

func TestPolicies(t *testing.T) {
	t.Parallel()

	assert.Greater(t, PolicyFor(Network).MaxRetries, PolicyFor(RateLimit).MaxRetries)
	assert.Greater(t, PolicyFor(RateLimit).BackoffMultiplier, PolicyFor(Network).BackoffMultiplier)
	assert.True(t, PolicyFor(Browser).RecoverSession)
	assert.True(t, PolicyFor(ConnectionLevel).SkipConnection)
	for _, c := range []Category{Database, FileSystem, Unknown, ConnectionLevel} {
		assert.False(t, PolicyFor(c).Recoverable, c)
		assert.False(t, PolicyFor(c).Retryable, c)
	}
	assert.Equal(t, PolicyFor(Unknown), PolicyFor(Category("bogus")))
}

func TestErrorContext(t *testing.T) {
	t.Parallel()

	base := New(Network, "navigate", errors.New("timeout")).With("request_id", "r1")
	wrapped := New(Network, "workflow", base).With("step", "send").With("request_id", "outer")

	assert.Equal(t, map[string]string{"request_id": "outer", "step": "send"}, ContextOf(wrapped))
	assert.Contains(t, base.Error(), "navigate: [network] timeout (request_id=r1)")
	assert.ErrorIs(t, wrapped, base)
}
