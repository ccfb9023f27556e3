package healing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/crawl"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/metrics"
	"github.com/JakeFAU/outreach-crawler/internal/session"
)

// DefaultMaxRecursion bounds how many times one checkpoint is healed.
const DefaultMaxRecursion = 10

// Sessions is the part of the session manager a run uses.
type Sessions interface {
	Acquire(ctx context.Context) (*session.Handle, error)
	Release() error
}

// Lister expands connection lists.
type Lister interface {
	Collect(ctx context.Context, s automation.Surface, kind checkpoint.ListKind, idx *checkpoint.MasterIndex, resume *checkpoint.ListProgress) ([]checkpoint.ConnectionRecord, error)
}

// Processor works through the batches of a list.
type Processor interface {
	ProcessKind(ctx context.Context, kind checkpoint.ListKind, idx *checkpoint.MasterIndex, start crawl.Position, save crawl.Checkpointer) (crawl.KindStats, error)
}

// Pipeline builds the list and batch stages over a run directory.
type Pipeline func(store *checkpoint.Store) (Lister, Processor, error)

// Config tunes the coordinator.
type Config struct {
	BatchSize    int
	MaxRecursion int
	EventsTopic  string
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Sessions Sessions
	Pipeline Pipeline
	Events   Publisher
	Clock    automation.Clock
	Logger   *zap.Logger
}

// Coordinator runs checkpoints.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

// NewCoordinator validates cfg and deps.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Sessions == nil || deps.Pipeline == nil || deps.Clock == nil {
		return nil, fmt.Errorf("sessions, pipeline and clock are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	if cfg.MaxRecursion <= 0 {
		cfg.MaxRecursion = DefaultMaxRecursion
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("healing"),
		tracer: otel.Tracer("github.com/JakeFAU/outreach-crawler/internal/healing"),
	}, nil
}

// NewRunState returns the initial checkpoint of a run.
func NewRunState(requestID string, creds checkpoint.Credentials, at time.Time) *checkpoint.CrawlState {
	return &checkpoint.CrawlState{
		RequestID:   requestID,
		Phase:       checkpoint.PhaseInit,
		Credentials: creds,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// Run drives the checkpoint at statePath to completion. On success the
// checkpoint file is deleted. A recoverable failure is written back as a
// healing payload and returned as a *Request; any other failure is recorded
// in the checkpoint's lastError and returned.
func (c *Coordinator) Run(ctx context.Context, statePath string) error {
	lock, err := checkpoint.Acquire(statePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			c.logger.Warn("release checkpoint lock", zap.Error(err))
		}
	}()

	st, err := checkpoint.LoadState(statePath)
	if err != nil {
		return faults.New(faults.FileSystem, "load checkpoint", err)
	}
	r := &run{
		c:       c,
		path:    statePath,
		st:      st,
		started: c.deps.Clock.Now(),
		logger:  c.logger.With(zap.String("request_id", st.RequestID)),
	}

	ctx, span := c.tracer.Start(ctx, "healing.run", trace.WithAttributes(
		attribute.String("run.request_id", st.RequestID),
		attribute.Int("run.recursion", st.RecursionCount),
	))
	defer span.End()

	if st.RecursionCount > c.cfg.MaxRecursion {
		err := faults.New(faults.Unknown, "resume run", fmt.Errorf("%w (%d > %d)", ErrRecursionLimit, st.RecursionCount, c.cfg.MaxRecursion))
		return r.fail(ctx, span, err)
	}

	if st.Healing() {
		r.logger.Info("resuming healed run",
			zap.String("heal_phase", string(st.HealPhase)),
			zap.String("heal_reason", st.HealReason),
			zap.Int("recursion", st.RecursionCount),
		)
	} else {
		c.emit(ctx, st, EventStarted, nil)
	}

	err = r.execute(ctx)
	if rerr := c.deps.Sessions.Release(); rerr != nil {
		r.logger.Warn("release session", zap.Error(rerr))
	}
	if err == nil {
		return r.complete(ctx)
	}
	category := faults.CategoryOf(err)
	if faults.PolicyFor(category).Recoverable && ctx.Err() == nil {
		return r.heal(ctx, span, err)
	}
	return r.fail(ctx, span, err)
}

type run struct {
	c       *Coordinator
	path    string
	st      *checkpoint.CrawlState
	started time.Time
	logger  *zap.Logger

	store *checkpoint.Store
	idx   *checkpoint.MasterIndex
}

func (r *run) execute(ctx context.Context) error {
	if err := r.enter(checkpoint.PhaseInit); err != nil {
		return err
	}
	if err := r.openIndex(); err != nil {
		return err
	}
	lister, processor, err := r.c.deps.Pipeline(r.store)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	if err := r.enter(checkpoint.PhaseLogin); err != nil {
		return err
	}
	h, err := r.c.deps.Sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}

	if err := r.enter(checkpoint.PhaseListCreation); err != nil {
		return err
	}
	if err := r.createLists(ctx, h, lister); err != nil {
		return err
	}

	if err := r.enter(checkpoint.PhaseBatchProcessing); err != nil {
		return err
	}
	return r.processBatches(ctx, processor)
}

func (r *run) openIndex() error {
	if r.st.MasterIndexFile != "" {
		store, err := checkpoint.NewStore(filepath.Dir(r.st.MasterIndexFile))
		if err != nil {
			return faults.New(faults.FileSystem, "open run directory", err)
		}
		idx, err := store.LoadIndex(r.st.MasterIndexFile)
		if err != nil {
			return faults.New(faults.FileSystem, "load master index", err)
		}
		r.store, r.idx = store, idx
		return nil
	}
	store, err := checkpoint.NewStore(filepath.Join(filepath.Dir(r.path), r.st.RequestID))
	if err != nil {
		return faults.New(faults.FileSystem, "create run directory", err)
	}
	idx := checkpoint.NewMasterIndex(r.st.RequestID, r.c.cfg.BatchSize, r.c.deps.Clock.Now())
	path, err := store.SaveIndex(idx)
	if err != nil {
		return faults.New(faults.FileSystem, "save master index", err)
	}
	r.store, r.idx = store, idx
	r.st.MasterIndexFile = path
	return r.save()
}

func (r *run) createLists(ctx context.Context, s automation.Surface, lister Lister) error {
	for _, kind := range checkpoint.Kinds() {
		if r.idx.IsListComplete(kind) {
			continue
		}
		var resume *checkpoint.ListProgress
		if r.st.ListProgress != nil && r.st.ListProgress.Kind == kind {
			resume = r.st.ListProgress
		}
		recs, err := lister.Collect(ctx, s, kind, r.idx, resume)
		if err != nil {
			var interrupted *crawl.InterruptedError
			if errors.As(err, &interrupted) {
				progress := interrupted.Progress
				r.st.ListProgress = &progress
			}
			r.st.TotalConnections = r.idx.Metadata.Totals
			return err
		}
		r.st.ListProgress = nil
		r.st.TotalConnections.Set(kind, len(recs))
		if err := r.save(); err != nil {
			return err
		}
	}

	for _, kind := range checkpoint.Kinds() {
		if _, ok := r.idx.BatchCount(kind); ok {
			continue
		}
		recs, err := crawl.LoadList(r.store, r.idx, kind)
		if err != nil {
			return err
		}
		n, err := crawl.WriteBatches(r.store, r.idx, kind, recs, r.idx.Metadata.BatchSize, r.c.deps.Clock.Now())
		if err != nil {
			return err
		}
		if _, err := r.store.SaveIndex(r.idx); err != nil {
			return faults.New(faults.FileSystem, "save master index", err)
		}
		r.logger.Info("batches written", zap.String("kind", string(kind)), zap.Int("records", len(recs)), zap.Int("batches", n))
	}
	return nil
}

func (r *run) processBatches(ctx context.Context, processor Processor) error {
	kinds := checkpoint.Kinds()
	from := 0
	if i := slices.Index(kinds, r.st.CurrentProcessingList); i >= 0 {
		from = i
	}
	save := func(kind checkpoint.ListKind, pos crawl.Position) error {
		r.st.Phase = checkpoint.PhaseItemProcessing
		r.st.CurrentProcessingList = kind
		r.st.CurrentBatch = pos.Batch
		r.st.CurrentIndex = pos.Index
		if _, err := r.store.SaveIndex(r.idx); err != nil {
			return err
		}
		return r.save()
	}
	for _, kind := range kinds[from:] {
		start := crawl.Position{}
		if kind == r.st.CurrentProcessingList {
			start = crawl.Position{Batch: r.st.CurrentBatch, Index: r.st.CurrentIndex}
		}
		stats, err := processor.ProcessKind(ctx, kind, r.idx, start, save)
		if err != nil {
			return err
		}
		r.logger.Info("list processed",
			zap.String("kind", string(kind)),
			zap.Int("batches", stats.Batches),
			zap.Int("processed", stats.Processed),
			zap.Int("skipped", stats.Skipped),
			zap.Int("errors", stats.Errors),
		)
	}
	return nil
}

// enter records phase before any of its work starts.
func (r *run) enter(phase checkpoint.Phase) error {
	r.st.Phase = phase
	return r.save()
}

func (r *run) save() error {
	r.st.UpdatedAt = r.c.deps.Clock.Now()
	if err := checkpoint.SaveState(r.path, r.st); err != nil {
		return faults.New(faults.FileSystem, "save checkpoint", err)
	}
	return nil
}

func (r *run) complete(ctx context.Context) error {
	r.st.Phase = checkpoint.PhaseComplete
	r.st.LastError = nil
	if err := checkpoint.DeleteState(r.path); err != nil {
		return faults.New(faults.FileSystem, "delete checkpoint", err)
	}
	r.c.emit(ctx, r.st, EventCompleted, nil)
	r.logger.Info("run complete",
		zap.Int("allies", r.st.TotalConnections.Allies),
		zap.Int("incoming", r.st.TotalConnections.Incoming),
		zap.Int("outgoing", r.st.TotalConnections.Outgoing),
		zap.Duration("elapsed", r.c.deps.Clock.Now().Sub(r.started)),
	)
	return nil
}

// heal writes the healing payload in place of the checkpoint.
func (r *run) heal(ctx context.Context, span trace.Span, err error) error {
	if r.st.RecursionCount+1 > r.c.cfg.MaxRecursion {
		limit := faults.New(faults.Unknown, "heal run", fmt.Errorf("%w: %w", ErrRecursionLimit, err))
		return r.fail(ctx, span, limit)
	}
	phase := r.st.Phase
	r.st.RecursionCount++
	r.st.HealPhase = phase
	r.st.HealReason = err.Error()
	r.st.LastError = r.record(err, true)
	r.st.Phase = checkpoint.PhaseHealing
	if serr := r.save(); serr != nil {
		return r.fail(ctx, span, errors.Join(err, serr))
	}
	metrics.ObserveHeal(string(phase), string(faults.CategoryOf(err)))
	r.c.emit(ctx, r.st, EventHealing, err)
	r.logger.Warn("run needs healing",
		zap.String("phase", string(phase)),
		zap.String("category", string(faults.CategoryOf(err))),
		zap.Int("recursion", r.st.RecursionCount),
		zap.Error(err),
	)
	span.SetStatus(codes.Error, "healing requested")
	return &Request{
		RequestID: r.st.RequestID,
		StatePath: r.path,
		Phase:     phase,
		Reason:    err.Error(),
		Recursion: r.st.RecursionCount,
		Err:       err,
	}
}

func (r *run) fail(ctx context.Context, span trace.Span, err error) error {
	r.st.LastError = r.record(err, false)
	if serr := r.save(); serr != nil {
		r.logger.Error("save failed checkpoint", zap.Error(serr))
	}
	r.c.emit(ctx, r.st, EventFailed, err)
	r.logger.Error("run failed", zap.String("phase", string(r.st.Phase)), zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (r *run) record(err error, recoverable bool) *checkpoint.ErrorRecord {
	fields := faults.ContextOf(err)
	fields["request_id"] = r.st.RequestID
	fields["elapsed"] = r.c.deps.Clock.Now().Sub(r.started).Round(time.Millisecond).String()
	fields["recursion"] = strconv.Itoa(r.st.RecursionCount)
	var be *crawl.BatchError
	if errors.As(err, &be) {
		fields["batch"] = strconv.Itoa(be.Stats.Batch)
		fields["processed"] = strconv.Itoa(be.Stats.Processed)
		fields["skipped"] = strconv.Itoa(be.Stats.Skipped)
		fields["errors"] = strconv.Itoa(be.Stats.Errors)
	}
	return &checkpoint.ErrorRecord{
		Message:     err.Error(),
		Category:    string(faults.CategoryOf(err)),
		Recoverable: recoverable,
		Phase:       r.st.Phase,
		At:          r.c.deps.Clock.Now(),
		Context:     fields,
	}
}
