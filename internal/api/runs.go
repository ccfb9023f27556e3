package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
)

var (
	// ErrRunExists is returned when creating a run whose checkpoint is present.
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidRequestID rejects ids that cannot name a spool file.
	ErrInvalidRequestID = errors.New("invalid request id")
)

// RunSummary is the list view of a checkpoint.
type RunSummary struct {
	RequestID      string                  `json:"requestId"`
	Phase          checkpoint.Phase        `json:"phase,omitempty"`
	HealPhase      checkpoint.Phase        `json:"healPhase,omitempty"`
	RecursionCount int                     `json:"recursionCount"`
	Totals         checkpoint.Totals       `json:"totalConnections"`
	LastError      *checkpoint.ErrorRecord `json:"lastError,omitempty"`
	Locked         bool                    `json:"locked"`
}

// RunDetail adds batch progress from the master index.
type RunDetail struct {
	State            *checkpoint.CrawlState       `json:"state"`
	Locked           bool                         `json:"locked"`
	BatchCounts      map[checkpoint.ListKind]int   `json:"batchCounts,omitempty"`
	CompletedBatches map[checkpoint.ListKind][]int `json:"completedBatches,omitempty"`
	CompletedLists   []checkpoint.ListKind         `json:"completedLists,omitempty"`
}

// RunRepository reads and creates checkpoints.
type RunRepository interface {
	ListRuns(ctx context.Context) ([]RunSummary, error)
	GetRun(ctx context.Context, requestID string) (*RunDetail, error)
	CreateRun(ctx context.Context, st *checkpoint.CrawlState) error
}

// SpoolRepository serves runs from the supervisor's spool directory, where
// each checkpoint is <dir>/<requestId>.json.
type SpoolRepository struct {
	dir string
}

// NewSpoolRepository returns a repository over dir.
func NewSpoolRepository(dir string) (*SpoolRepository, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &SpoolRepository{dir: dir}, nil
}

// Path returns the checkpoint path for requestID.
func (r *SpoolRepository) Path(requestID string) string {
	return filepath.Join(r.dir, requestID+".json")
}

// ListRuns implements RunRepository.
func (r *SpoolRepository) ListRuns(ctx context.Context) ([]RunSummary, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	var out []RunSummary
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(r.dir, name)
		st, err := checkpoint.LoadState(path)
		if errors.Is(err, checkpoint.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, RunSummary{
			RequestID:      st.RequestID,
			Phase:          st.Phase,
			HealPhase:      st.HealPhase,
			RecursionCount: st.RecursionCount,
			Totals:         st.TotalConnections,
			LastError:      st.LastError,
			Locked:         locked(path),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

// GetRun implements RunRepository.
func (r *SpoolRepository) GetRun(_ context.Context, requestID string) (*RunDetail, error) {
	if !validID(requestID) {
		return nil, fmt.Errorf("%q: %w", requestID, ErrInvalidRequestID)
	}
	path := r.Path(requestID)
	st, err := checkpoint.LoadState(path)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{State: st, Locked: locked(path)}
	if st.MasterIndexFile == "" {
		return detail, nil
	}
	store, err := checkpoint.NewStore(filepath.Dir(st.MasterIndexFile))
	if err != nil {
		return nil, err
	}
	idx, err := store.LoadIndex(st.MasterIndexFile)
	if err != nil {
		return nil, err
	}
	detail.BatchCounts = idx.Metadata.BatchCounts
	detail.CompletedBatches = idx.ProcessingState.CompletedBatches
	detail.CompletedLists = idx.ProcessingState.CompletedLists
	return detail, nil
}

// CreateRun implements RunRepository.
func (r *SpoolRepository) CreateRun(_ context.Context, st *checkpoint.CrawlState) error {
	if st == nil || !validID(st.RequestID) {
		return ErrInvalidRequestID
	}
	path := r.Path(st.RequestID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", st.RequestID, ErrRunExists)
	}
	return checkpoint.SaveState(path, st)
}

// locked reports whether a worker currently holds the checkpoint.
func locked(path string) bool {
	ok, err := checkpoint.IsLocked(path)
	return err == nil && ok
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, ".")
}
