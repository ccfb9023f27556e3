package healing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/browser/browsertest"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/crawl"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/publisher/memory"
	"github.com/JakeFAU/outreach-crawler/internal/session"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

var (
	selectors = automation.DefaultSelectors()
	listURLs  = map[checkpoint.ListKind]string{
		checkpoint.KindAllies:   "https://social.test/connections/",
		checkpoint.KindIncoming: "https://social.test/invitations/received/",
		checkpoint.KindOutgoing: "https://social.test/invitations/sent/",
	}
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC) }

func noSleep(context.Context, time.Duration) error { return nil }

func page(prefix string, n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `<a href="/in/%s%d/">x</a>`, prefix, i)
	}
	return "<html><body>" + b.String() + "</body></html>"
}

func network() *browsertest.Browser {
	return browsertest.New().
		SetPage(listURLs[checkpoint.KindAllies], page("a", 3)).
		SetPage(listURLs[checkpoint.KindIncoming], page("i", 2)).
		SetPage(listURLs[checkpoint.KindOutgoing], page("o", 0))
}

type edgeSet struct {
	mu       sync.Mutex
	existing map[string]bool
	err      error
}

func (e *edgeSet) CheckEdgeExists(_ context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.existing[id], e.err
}

func (e *edgeSet) CreateEdge(_ context.Context, edge automation.Edge) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.existing[edge.ProfileID] = true
	return nil
}

type items struct {
	mu       sync.Mutex
	edges    *edgeSet
	failures map[string]error
	seen     []string
}

func (it *items) Process(ctx context.Context, kind checkpoint.ListKind, rec checkpoint.ConnectionRecord) error {
	it.mu.Lock()
	it.seen = append(it.seen, rec.ProfileID)
	err := it.failures[rec.ProfileID]
	delete(it.failures, rec.ProfileID)
	it.mu.Unlock()
	if err != nil {
		return err
	}
	return it.edges.CreateEdge(ctx, automation.Edge{ProfileID: rec.ProfileID, Kind: string(kind)})
}

type harness struct {
	coord    *Coordinator
	launcher *browsertest.Launcher
	edges    *edgeSet
	items    *items
	events   *memory.Publisher
	path     string
}

func newHarness(t *testing.T, factory func() *browsertest.Browser) *harness {
	t.Helper()
	h := &harness{
		launcher: browsertest.NewLauncher(factory),
		edges:    &edgeSet{existing: map[string]bool{}},
		events:   memory.New(),
		path:     filepath.Join(t.TempDir(), "run-1.json"),
	}
	h.items = &items{edges: h.edges, failures: map[string]error{}}
	h.coord = h.coordinator(t)
	require.NoError(t, checkpoint.SaveState(h.path, NewRunState("run-1", checkpoint.Credentials{Username: "me"}, fixedClock{}.Now())))
	return h
}

// coordinator builds a fresh coordinator over the harness, as a new worker would.
func (h *harness) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	mgr, err := session.NewManager(h.launcher, session.Config{MaxErrors: 3}, zap.NewNop())
	require.NoError(t, err)
	pacer := throttle.NewPacer(throttle.DefaultPacing(), 3)
	pipeline := func(store *checkpoint.Store) (Lister, Processor, error) {
		l, err := crawl.NewLister(crawl.ListerConfig{URLs: listURLs, FileSize: 2, MaxIterations: 4},
			selectors, store, pacer, noSleep, fixedClock{}, nil)
		if err != nil {
			return nil, nil, err
		}
		p, err := crawl.NewProcessor(store, h.edges, h.items, nil)
		if err != nil {
			return nil, nil, err
		}
		return l, p, nil
	}
	c, err := NewCoordinator(Config{BatchSize: 2, EventsTopic: "runs"}, Deps{
		Sessions: mgr,
		Pipeline: pipeline,
		Events:   h.events,
		Clock:    fixedClock{},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

func (h *harness) eventTypes() []EventType {
	var out []EventType
	for _, m := range h.events.Messages() {
		out = append(out, m.Payload.(RunEvent).Type)
	}
	return out
}

func TestRunCompletesAndDeletesCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, network)
	require.NoError(t, h.coord.Run(context.Background(), h.path))

	_, err := checkpoint.LoadState(h.path)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3", "i1", "i2"}, h.items.seen)
	assert.Equal(t, []EventType{EventStarted, EventCompleted}, h.eventTypes())
	last := h.events.Messages()[1].Payload.(RunEvent)
	assert.Equal(t, checkpoint.Totals{Allies: 3, Incoming: 2}, last.Totals)
	assert.Equal(t, "runs", h.events.Messages()[1].Topic)

	store, err := checkpoint.NewStore(filepath.Join(filepath.Dir(h.path), "run-1"))
	require.NoError(t, err)
	idx, err := store.LoadIndex(filepath.Join(store.Dir(), "master-index.json"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, idx.ProcessingState.CompletedBatches[checkpoint.KindAllies])
	assert.Equal(t, []int{0}, idx.ProcessingState.CompletedBatches[checkpoint.KindIncoming])
}

func TestItemFailureHealsAndResumesAtSameItem(t *testing.T) {
	t.Parallel()

	h := newHarness(t, network)
	h.items.failures["a2"] = errors.New("net::ERR_CONNECTION_RESET")

	err := h.coord.Run(context.Background(), h.path)
	req, ok := AsRequest(err)
	require.True(t, ok, "expected healing request, got %v", err)
	assert.Equal(t, checkpoint.PhaseItemProcessing, req.Phase)
	assert.Equal(t, 1, req.Recursion)
	assert.Equal(t, h.path, req.StatePath)

	st, err := checkpoint.LoadState(h.path)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseHealing, st.Phase)
	assert.Equal(t, checkpoint.PhaseItemProcessing, st.HealPhase)
	assert.Equal(t, 1, st.RecursionCount)
	assert.Equal(t, checkpoint.KindAllies, st.CurrentProcessingList)
	assert.Equal(t, 0, st.CurrentBatch)
	assert.Equal(t, 1, st.CurrentIndex)
	require.NotNil(t, st.LastError)
	assert.True(t, st.LastError.Recoverable)
	assert.Equal(t, string(faults.Network), st.LastError.Category)
	assert.Equal(t, "run-1", st.LastError.Context["request_id"])
	assert.Equal(t, "0", st.LastError.Context["batch"])

	require.NoError(t, h.coordinator(t).Run(context.Background(), h.path))
	assert.Equal(t, []string{"a1", "a2", "a2", "a3", "i1", "i2"}, h.items.seen)
	assert.Equal(t, []EventType{EventStarted, EventHealing, EventCompleted}, h.eventTypes())
}

func TestListInterruptionStoresListProgress(t *testing.T) {
	t.Parallel()

	first := true
	h := newHarness(t, func() *browsertest.Browser {
		b := network()
		if first {
			first = false
			b.FailNext("navigate", nil, errors.New("net::ERR_CONNECTION_RESET"))
		}
		return b
	})

	err := h.coord.Run(context.Background(), h.path)
	req, ok := AsRequest(err)
	require.True(t, ok, "expected healing request, got %v", err)
	assert.Equal(t, checkpoint.PhaseListCreation, req.Phase)

	st, err := checkpoint.LoadState(h.path)
	require.NoError(t, err)
	require.NotNil(t, st.ListProgress)
	assert.Equal(t, checkpoint.KindIncoming, st.ListProgress.Kind)
	assert.Equal(t, 3, st.TotalConnections.Allies)
	assert.NotEmpty(t, st.MasterIndexFile)
	assert.Empty(t, h.items.seen)

	require.NoError(t, h.coordinator(t).Run(context.Background(), h.path))
	assert.Len(t, h.items.seen, 5)
}

func TestNonRecoverableFailureIsRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, network)
	h.edges.err = faults.Errorf(faults.Database, "check edge", "edge store unavailable")

	err := h.coord.Run(context.Background(), h.path)
	require.Error(t, err)
	_, isHeal := AsRequest(err)
	assert.False(t, isHeal)

	st, err := checkpoint.LoadState(h.path)
	require.NoError(t, err)
	require.NotNil(t, st.LastError)
	assert.False(t, st.LastError.Recoverable)
	assert.Equal(t, string(faults.Database), st.LastError.Category)
	assert.Equal(t, checkpoint.PhaseItemProcessing, st.LastError.Phase)
	assert.Equal(t, []EventType{EventStarted, EventFailed}, h.eventTypes())
}

func TestRecursionCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, network)
	st, err := checkpoint.LoadState(h.path)
	require.NoError(t, err)
	st.RecursionCount = DefaultMaxRecursion + 1
	st.HealPhase = checkpoint.PhaseItemProcessing
	require.NoError(t, checkpoint.SaveState(h.path, st))

	err = h.coord.Run(context.Background(), h.path)
	require.ErrorIs(t, err, ErrRecursionLimit)
	assert.Empty(t, h.launcher.Launched())

	st, err = checkpoint.LoadState(h.path)
	require.NoError(t, err)
	assert.False(t, st.LastError.Recoverable)
}

func TestRunAcceptsCheckpointAtCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, network)
	st, err := checkpoint.LoadState(h.path)
	require.NoError(t, err)
	st.RecursionCount = DefaultMaxRecursion
	require.NoError(t, checkpoint.SaveState(h.path, st))

	require.NoError(t, h.coord.Run(context.Background(), h.path))
	_, err = checkpoint.LoadState(h.path)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestLastHealAllowedBecomesFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, network)
	st, err := checkpoint.LoadState(h.path)
	require.NoError(t, err)
	st.RecursionCount = DefaultMaxRecursion
	require.NoError(t, checkpoint.SaveState(h.path, st))
	h.items.failures["a1"] = errors.New("net::ERR_CONNECTION_RESET")

	err = h.coord.Run(context.Background(), h.path)
	require.ErrorIs(t, err, ErrRecursionLimit)
	_, isHeal := AsRequest(err)
	assert.False(t, isHeal)
}

func TestRunRefusesLockedCheckpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, network)
	lock, err := checkpoint.Acquire(h.path)
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	err = h.coord.Run(context.Background(), h.path)
	require.ErrorIs(t, err, checkpoint.ErrLocked)
	assert.Empty(t, h.launcher.Launched())
}
