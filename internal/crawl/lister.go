package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
	"github.com/JakeFAU/outreach-crawler/internal/faults"
	"github.com/JakeFAU/outreach-crawler/internal/throttle"
)

// staleRounds is how many rounds without new records end an expansion.
const staleRounds = 2

// ListerConfig tunes list expansion.
type ListerConfig struct {
	// URLs maps each list kind to the page that shows it.
	URLs map[checkpoint.ListKind]string
	// FileSize is the number of records per link file.
	FileSize int
	// MaxIterations bounds the load-more rounds of one list.
	MaxIterations int
	// ScrollDistance is how far to scroll when there is no load-more control.
	ScrollDistance int
}

// Pacing is the part of the pacer list expansion uses.
type Pacing interface {
	ScrollSteps(distance int) []int
	ScrollDelay() time.Duration
	Think() time.Duration
}

// InterruptedError reports a recoverable failure part way through a list
// expansion. Progress is what a resumed run needs to continue.
type InterruptedError struct {
	Progress checkpoint.ListProgress
	Err      error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("%s list interrupted at attempt %d (file %d): %v",
		e.Progress.Kind, e.Progress.ExpansionAttempt, e.Progress.CurrentFileIndex, e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

// Lister expands connection lists.
type Lister struct {
	cfg       ListerConfig
	selectors automation.Selectors
	store     *checkpoint.Store
	pacing    Pacing
	sleep     throttle.Sleeper
	clock     automation.Clock
	logger    *zap.Logger
}

// NewLister validates cfg and returns a Lister writing into store.
func NewLister(cfg ListerConfig, selectors automation.Selectors, store *checkpoint.Store, pacing Pacing,
	sleep throttle.Sleeper, clock automation.Clock, logger *zap.Logger,
) (*Lister, error) {
	if store == nil || pacing == nil || clock == nil {
		return nil, fmt.Errorf("store, pacing and clock are required")
	}
	if cfg.FileSize <= 0 {
		return nil, fmt.Errorf("link file size must be > 0")
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be > 0")
	}
	for _, kind := range checkpoint.Kinds() {
		if cfg.URLs[kind] == "" {
			return nil, fmt.Errorf("no list url for %s", kind)
		}
	}
	if cfg.ScrollDistance <= 0 {
		cfg.ScrollDistance = 1200
	}
	if sleep == nil {
		sleep = throttle.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{
		cfg:       cfg,
		selectors: selectors,
		store:     store,
		pacing:    pacing,
		sleep:     sleep,
		clock:     clock,
		logger:    logger.Named("lister"),
	}, nil
}

// Collect expands the list of kind on s and returns every record found.
// After each round the running set is written to link files and idx is
// saved. When idx already references link files for kind they are reloaded
// first. The reopened page starts from the top again, so rounds that only
// re-reveal reloaded records are not charged against MaxIterations.
func (l *Lister) Collect(ctx context.Context, s automation.Surface, kind checkpoint.ListKind,
	idx *checkpoint.MasterIndex, resume *checkpoint.ListProgress,
) ([]checkpoint.ConnectionRecord, error) {
	records, err := LoadList(l.store, idx, kind)
	if err != nil {
		return nil, err
	}
	reloaded := len(records)
	seen := make(map[string]bool, reloaded)
	for _, rec := range records {
		seen[rec.ProfileID] = true
	}
	attempt := 0
	if resume != nil && resume.Kind == kind {
		attempt = resume.ExpansionAttempt
	}
	logger := l.logger.With(zap.String("kind", string(kind)))
	logger.Info("list creation started", zap.Int("reloaded", reloaded), zap.Int("attempt", attempt))

	interrupted := func(err error) error {
		progress := checkpoint.ListProgress{Kind: kind, ExpansionAttempt: attempt, CurrentFileIndex: fileIndexOf(len(records), l.cfg.FileSize)}
		if faults.PolicyFor(faults.CategoryOf(err)).Recoverable {
			return &InterruptedError{Progress: progress, Err: err}
		}
		return err
	}

	if err := s.Navigate(ctx, l.cfg.URLs[kind]); err != nil {
		return nil, interrupted(fmt.Errorf("open %s list: %w", kind, err))
	}
	added, visible, err := l.harvest(ctx, s, kind, seen, &records)
	if err != nil {
		return nil, interrupted(err)
	}
	if err := l.persist(idx, kind, records); err != nil {
		return nil, err
	}

	// A round is stale when it found nothing new and the page did not grow.
	stale, rounds := 0, 0
	if added == 0 && visible == 0 {
		stale++
	}
	for stale < staleRounds && rounds < l.cfg.MaxIterations {
		if visible >= reloaded {
			rounds++
		}
		attempt++
		if err := l.expand(ctx, s); err != nil {
			return nil, interrupted(err)
		}
		prev := visible
		added, visible, err = l.harvest(ctx, s, kind, seen, &records)
		if err != nil {
			return nil, interrupted(err)
		}
		if added == 0 && visible <= prev {
			stale++
		} else {
			stale = 0
		}
		if err := l.persist(idx, kind, records); err != nil {
			return nil, err
		}
		logger.Debug("list round", zap.Int("attempt", attempt), zap.Int("added", added),
			zap.Int("visible", visible), zap.Int("total", len(records)))
	}

	idx.MarkListComplete(kind)
	refs := idx.Files[kind]
	for i := range refs {
		refs[i].Complete = true
	}
	if _, err := l.store.SaveIndex(idx); err != nil {
		return nil, faults.New(faults.FileSystem, "save master index", err)
	}
	logger.Info("list creation finished", zap.Int("total", len(records)), zap.Int("attempt", attempt))
	return records, nil
}

// expand asks the page for more entries, by its load-more control when it
// has one and by scrolling otherwise.
func (l *Lister) expand(ctx context.Context, s automation.Surface) error {
	err := s.Click(ctx, l.selectors.LoadMore)
	var notFound *automation.ElementNotFoundError
	switch {
	case err == nil:
	case errors.As(err, &notFound):
		for _, step := range l.pacing.ScrollSteps(l.cfg.ScrollDistance) {
			if err := s.Scroll(ctx, step); err != nil {
				return fmt.Errorf("scroll list: %w", err)
			}
			if err := l.sleep(ctx, l.pacing.ScrollDelay()); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("load more: %w", err)
	}
	return l.sleep(ctx, l.pacing.Think())
}

// harvest appends the page's unseen profiles to records. It reports how many
// were new and how many profiles the page shows in total.
func (l *Lister) harvest(ctx context.Context, s automation.Surface, kind checkpoint.ListKind, seen map[string]bool, records *[]checkpoint.ConnectionRecord) (int, int, error) {
	html, err := s.HTML(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read list page: %w", err)
	}
	found, err := ExtractProfiles(html, l.selectors.ListItemLink, kind)
	if err != nil {
		return 0, 0, err
	}
	added := 0
	for _, rec := range found {
		if seen[rec.ProfileID] {
			continue
		}
		seen[rec.ProfileID] = true
		*records = append(*records, rec)
		added++
	}
	return added, len(found), nil
}

// persist rewrites the link files whose slice of records changed. File f
// holds records [f*size, (f+1)*size).
func (l *Lister) persist(idx *checkpoint.MasterIndex, kind checkpoint.ListKind, records []checkpoint.ConnectionRecord) error {
	size := l.cfg.FileSize
	refs := append([]checkpoint.FileReference(nil), idx.Files[kind]...)
	now := l.clock.Now()
	for f := 0; f*size < len(records); f++ {
		chunk := records[f*size : min((f+1)*size, len(records))]
		var prev *checkpoint.FileReference
		if f < len(refs) {
			prev = &refs[f]
			if prev.Count == len(chunk) {
				continue
			}
		}
		ref, err := l.store.SaveLinkFile(kind, f, chunk, prev, now)
		if err != nil {
			return faults.New(faults.FileSystem, "save link file", err)
		}
		ref.Complete = len(chunk) == size
		if f < len(refs) {
			refs[f] = ref
		} else {
			refs = append(refs, ref)
		}
	}
	idx.SetFiles(kind, refs)
	if _, err := l.store.SaveIndex(idx); err != nil {
		return faults.New(faults.FileSystem, "save master index", err)
	}
	return nil
}

func fileIndexOf(count, size int) int {
	if count == 0 {
		return 0
	}
	return (count - 1) / size
}
