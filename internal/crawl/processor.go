package crawl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/metrics"
)

// Position addresses one item of a list.
type Position struct {
	Batch int
	Index int
}

// ItemProcessor handles one list entry that is not yet in the edge graph.
type ItemProcessor interface {
	Process(ctx context.Context, kind checkpoint.ListKind, rec checkpoint.ConnectionRecord) error
}

// Checkpointer durably records pos as the next item of kind to process. It
// is called before every item and once more after each completed batch.
type Checkpointer func(kind checkpoint.ListKind, pos Position) error

// BatchStats counts item outcomes within one batch.
type BatchStats struct {
	Batch     int `json:"batch"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// KindStats sums the batches processed for one kind.
type KindStats struct {
	Batches   int `json:"batches"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (k *KindStats) add(b BatchStats) {
	k.Batches++
	k.Processed += b.Processed
	k.Skipped += b.Skipped
	k.Errors += b.Errors
}

// BatchError aborts a batch. The batch stays incomplete so a resumed run
// revisits it from the last recorded position.
type BatchError struct {
	Kind  checkpoint.ListKind
	Stats BatchStats
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s batch %d aborted (processed=%d skipped=%d errors=%d): %v",
		e.Kind, e.Stats.Batch, e.Stats.Processed, e.Stats.Skipped, e.Stats.Errors, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Processor works through the batch files of a list.
type Processor struct {
	store  *checkpoint.Store
	edges  automation.EdgeGraph
	items  ItemProcessor
	logger *zap.Logger
}

// NewProcessor returns a Processor reading batches from store.
func NewProcessor(store *checkpoint.Store, edges automation.EdgeGraph, items ItemProcessor, logger *zap.Logger) (*Processor, error) {
	if store == nil || edges == nil || items == nil {
		return nil, fmt.Errorf("store, edge graph and item processor are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, edges: edges, items: items, logger: logger.Named("processor")}, nil
}

// ProcessKind processes the batches of kind recorded in idx, starting at
// start. Completed batches are skipped and, inside the start batch, so are
// items below start.Index. Each finished batch is marked complete in idx
// before save is told to move on to the next one.
func (p *Processor) ProcessKind(ctx context.Context, kind checkpoint.ListKind, idx *checkpoint.MasterIndex, start Position, save Checkpointer) (KindStats, error) {
	var stats KindStats
	count, ok := idx.BatchCount(kind)
	if !ok {
		return stats, faults.Errorf(faults.FileSystem, "process batches", "no batch files recorded for %s", kind)
	}
	logger := p.logger.With(zap.String("kind", string(kind)))

	for n := max(start.Batch, 0); n < count; n++ {
		if idx.IsBatchComplete(kind, n) {
			continue
		}
		from := 0
		if n == start.Batch {
			from = max(start.Index, 0)
		}
		bs, err := p.processBatch(ctx, kind, idx, n, from, save)
		if err != nil {
			logger.Warn("batch aborted", zap.Int("batch", n), zap.Error(err))
			return stats, err
		}
		idx.MarkBatchComplete(kind, n)
		setPosition(idx, kind, Position{Batch: n + 1})
		if err := save(kind, Position{Batch: n + 1}); err != nil {
			return stats, faults.New(faults.FileSystem, "checkpoint batch", err)
		}
		stats.add(bs)
		logger.Info("batch complete",
			zap.Int("batch", n),
			zap.Int("processed", bs.Processed),
			zap.Int("skipped", bs.Skipped),
			zap.Int("errors", bs.Errors),
		)
	}
	return stats, nil
}

func (p *Processor) processBatch(ctx context.Context, kind checkpoint.ListKind, idx *checkpoint.MasterIndex, n, from int, save Checkpointer) (BatchStats, error) {
	stats := BatchStats{Batch: n}
	batch, err := p.store.LoadBatch(kind, n)
	if err != nil {
		return stats, &BatchError{Kind: kind, Stats: stats, Err: faults.New(faults.FileSystem, "load batch", err)}
	}
	for i := from; i < len(batch.Items); i++ {
		if err := ctx.Err(); err != nil {
			return stats, &BatchError{Kind: kind, Stats: stats, Err: err}
		}
		rec := batch.Items[i]
		pos := Position{Batch: n, Index: i}
		setPosition(idx, kind, pos)
		if err := save(kind, pos); err != nil {
			return stats, &BatchError{Kind: kind, Stats: stats, Err: faults.New(faults.FileSystem, "checkpoint item", err)}
		}

		outcome, err := p.processItem(ctx, kind, rec)
		switch {
		case err == nil:
		case faults.CategoryOf(err) == faults.ConnectionLevel:
			outcome = "error"
			p.logger.Info("item skipped after connection-level error",
				zap.String("kind", string(kind)),
				zap.String("profile_id", rec.ProfileID),
				zap.Error(err),
			)
		default:
			return stats, &BatchError{Kind: kind, Stats: stats, Err: err}
		}
		metrics.ObserveItem(string(kind), outcome)
		switch outcome {
		case "skipped":
			stats.Skipped++
		case "error":
			stats.Errors++
		default:
			stats.Processed++
		}
	}
	return stats, nil
}

func (p *Processor) processItem(ctx context.Context, kind checkpoint.ListKind, rec checkpoint.ConnectionRecord) (string, error) {
	exists, err := p.edges.CheckEdgeExists(ctx, rec.ProfileID)
	if err != nil {
		return "", fmt.Errorf("check edge %s: %w", rec.ProfileID, err)
	}
	if exists {
		return "skipped", nil
	}
	if err := p.items.Process(ctx, kind, rec); err != nil {
		return "", err
	}
	return "processed", nil
}

func setPosition(idx *checkpoint.MasterIndex, kind checkpoint.ListKind, pos Position) {
	idx.ProcessingState.CurrentList = kind
	idx.ProcessingState.CurrentBatch = pos.Batch
	idx.ProcessingState.CurrentIndex = pos.Index
}

// IsBatchError reports whether err aborted a batch.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}
