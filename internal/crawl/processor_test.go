package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
)

type fakeEdges struct {
	mu       sync.Mutex
	existing map[string]bool
	created  []automation.Edge
	checkErr error
}

func (f *fakeEdges) CheckEdgeExists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.existing[id], nil
}

func (f *fakeEdges) CreateEdge(_ context.Context, e automation.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing == nil {
		f.existing = map[string]bool{}
	}
	f.existing[e.ProfileID] = true
	f.created = append(f.created, e)
	return nil
}

type scriptedItems struct {
	failures map[string]error
	seen     []string
}

func (s *scriptedItems) Process(_ context.Context, _ checkpoint.ListKind, rec checkpoint.ConnectionRecord) error {
	s.seen = append(s.seen, rec.ProfileID)
	return s.failures[rec.ProfileID]
}

func records(n int) []checkpoint.ConnectionRecord {
	out := make([]checkpoint.ConnectionRecord, n)
	for i := range out {
		out[i] = checkpoint.ConnectionRecord{ProfileID: fmt.Sprintf("p%d", i+1)}
	}
	return out
}

func batchedRun(t *testing.T, n, size int) (*checkpoint.Store, *checkpoint.MasterIndex) {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	idx := checkpoint.NewMasterIndex("req-1", size, fixedClock{}.Now())
	count, err := WriteBatches(store, idx, checkpoint.KindAllies, records(n), size, fixedClock{}.Now())
	require.NoError(t, err)
	require.Equal(t, (n+size-1)/size, count)
	return store, idx
}

type positions struct{ got []Position }

func (p *positions) save(_ checkpoint.ListKind, pos Position) error {
	p.got = append(p.got, pos)
	return nil
}

func TestWriteBatchesCoversList(t *testing.T) {
	t.Parallel()

	store, idx := batchedRun(t, 250, 100)
	n, ok := idx.BatchCount(checkpoint.KindAllies)
	require.True(t, ok)
	require.Equal(t, 3, n)

	var all []checkpoint.ConnectionRecord
	for i := range n {
		b, err := store.LoadBatch(checkpoint.KindAllies, i)
		require.NoError(t, err)
		assert.Equal(t, i*100, b.Meta.Start)
		assert.Equal(t, 250, b.Meta.Total)
		all = append(all, b.Items...)
	}
	assert.Equal(t, records(250), all)
}

func TestProcessKindVisitsEveryItemOnce(t *testing.T) {
	t.Parallel()

	store, idx := batchedRun(t, 5, 2)
	edges := &fakeEdges{existing: map[string]bool{"p2": true}}
	items := &scriptedItems{failures: map[string]error{
		"p4": faults.New(faults.ConnectionLevel, "open profile", faults.ErrProfileNotFound),
	}}
	p, err := NewProcessor(store, edges, items, zap.NewNop())
	require.NoError(t, err)
	pos := &positions{}

	stats, err := p.ProcessKind(context.Background(), checkpoint.KindAllies, idx, Position{}, pos.save)
	require.NoError(t, err)
	assert.Equal(t, KindStats{Batches: 3, Processed: 3, Skipped: 1, Errors: 1}, stats)
	assert.Equal(t, []string{"p1", "p3", "p4", "p5"}, items.seen)
	assert.Equal(t, []int{0, 1, 2}, idx.ProcessingState.CompletedBatches[checkpoint.KindAllies])
	assert.Equal(t, []Position{
		{0, 0}, {0, 1}, {1, 0},
		{1, 0}, {1, 1}, {2, 0},
		{2, 0}, {3, 0},
	}, pos.got)
	assert.Equal(t, 3, idx.ProcessingState.CurrentBatch)
	assert.Zero(t, idx.ProcessingState.CurrentIndex)
}

func TestProcessKindResumesFromPosition(t *testing.T) {
	t.Parallel()

	store, idx := batchedRun(t, 6, 2)
	idx.MarkBatchComplete(checkpoint.KindAllies, 0)
	items := &scriptedItems{}
	p, err := NewProcessor(store, &fakeEdges{}, items, nil)
	require.NoError(t, err)
	pos := &positions{}

	_, err = p.ProcessKind(context.Background(), checkpoint.KindAllies, idx, Position{Batch: 1, Index: 1}, pos.save)
	require.NoError(t, err)
	assert.Equal(t, []string{"p4", "p5", "p6"}, items.seen)
}

func TestProcessKindAbortsBatchOnRecoverableError(t *testing.T) {
	t.Parallel()

	store, idx := batchedRun(t, 5, 2)
	items := &scriptedItems{failures: map[string]error{"p4": errors.New("net::ERR_TIMED_OUT")}}
	p, err := NewProcessor(store, &fakeEdges{}, items, nil)
	require.NoError(t, err)
	pos := &positions{}

	_, err = p.ProcessKind(context.Background(), checkpoint.KindAllies, idx, Position{}, pos.save)
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, BatchStats{Batch: 1, Processed: 1}, be.Stats)
	assert.Equal(t, faults.Network, faults.CategoryOf(err))
	assert.True(t, IsBatchError(err))
	assert.Equal(t, []int{0}, idx.ProcessingState.CompletedBatches[checkpoint.KindAllies])
	assert.Equal(t, Position{Batch: 1, Index: 1}, pos.got[len(pos.got)-1])
	assert.Equal(t, 1, idx.ProcessingState.CurrentIndex)
}

func TestProcessKindEdgeGraphFailureIsFatal(t *testing.T) {
	t.Parallel()

	store, idx := batchedRun(t, 2, 2)
	edges := &fakeEdges{checkErr: faults.Errorf(faults.Database, "check edge", "edge store unavailable")}
	p, err := NewProcessor(store, edges, &scriptedItems{}, nil)
	require.NoError(t, err)

	_, err = p.ProcessKind(context.Background(), checkpoint.KindAllies, idx, Position{}, (&positions{}).save)
	require.Error(t, err)
	assert.Equal(t, faults.Database, faults.CategoryOf(err))
}

func TestProcessKindRequiresBatches(t *testing.T) {
	t.Parallel()

	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	p, err := NewProcessor(store, &fakeEdges{}, &scriptedItems{}, nil)
	require.NoError(t, err)
	idx := checkpoint.NewMasterIndex("req-1", 2, fixedClock{}.Now())

	_, err = p.ProcessKind(context.Background(), checkpoint.KindIncoming, idx, Position{}, (&positions{}).save)
	require.Error(t, err)
}
