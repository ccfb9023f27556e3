package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrNotFound is returned when a checkpoint file does not exist.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrLocked is returned when another worker holds the checkpoint.
	ErrLocked = errors.New("checkpoint is locked by another worker")
)

const (
	masterIndexName = "master-index.json"
	filePerm        = 0o600
	dirPerm         = 0o750
)

// LoadState reads the crawl state at path.
func LoadState(path string) (*CrawlState, error) {
	var st CrawlState
	if err := readJSON(path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveState durably replaces the crawl state at path.
func SaveState(path string, st *CrawlState) error {
	if st == nil {
		return fmt.Errorf("crawl state is required")
	}
	if strings.TrimSpace(st.RequestID) == "" {
		return fmt.Errorf("crawl state request id is required")
	}
	return writeJSON(path, st)
}

// DeleteState removes the crawl state at path. A missing file is not an error.
func DeleteState(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Lock is an exclusive advisory lock over one checkpoint file.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock for the checkpoint at path without blocking.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock checkpoint: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. The lock file stays so every worker contends on
// the same inode.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock checkpoint: %w", err)
	}
	return nil
}

// IsLocked reports whether a worker holds the checkpoint at path. It never
// creates or removes the lock file.
func IsLocked(path string) (bool, error) {
	lockPath := path + ".lock"
	if _, err := os.Stat(lockPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	fl := flock.New(lockPath)
	ok, err := fl.TryRLock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("probe checkpoint lock: %w", err)
	}
	if !ok {
		return true, nil
	}
	_ = fl.Unlock()
	return false, nil
}

// Store reads and writes the files belonging to one run directory.
type Store struct {
	dir string
}

// NewStore creates dir when needed and returns a Store rooted there.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the run directory.
func (s *Store) Dir() string {
	return s.dir
}

// SaveIndex writes the master index and returns its path.
func (s *Store) SaveIndex(idx *MasterIndex) (string, error) {
	if idx == nil {
		return "", fmt.Errorf("master index is required")
	}
	path := filepath.Join(s.dir, masterIndexName)
	if err := writeJSON(path, idx); err != nil {
		return "", err
	}
	return path, nil
}

// LoadIndex reads the master index at path.
func (s *Store) LoadIndex(path string) (*MasterIndex, error) {
	var idx MasterIndex
	if err := readJSON(path, &idx); err != nil {
		return nil, err
	}
	idx.ensureMaps()
	return &idx, nil
}

// LinkFileName returns the rotated link file name for kind.
func LinkFileName(kind ListKind, fileIndex int, at time.Time) string {
	return fmt.Sprintf("%s-connections-%d-%d.json", kind, fileIndex, at.UnixMilli())
}

// BatchFileName returns the batch file name for kind.
func BatchFileName(kind ListKind, n int) string {
	return fmt.Sprintf("%s-connections-batch-%d.json", kind, n)
}

// SaveLinkFile writes records as link file fileIndex of kind. When prev names
// an existing file for the same index it is overwritten in place.
func (s *Store) SaveLinkFile(kind ListKind, fileIndex int, records []ConnectionRecord, prev *FileReference, at time.Time) (FileReference, error) {
	name := LinkFileName(kind, fileIndex, at)
	if prev != nil && prev.Index == fileIndex && prev.FileName != "" {
		name = prev.FileName
	}
	file := LinkFile{Kind: kind, FileIndex: fileIndex, CapturedAt: at}
	if kind.IsInvitation() {
		file.Invitations = records
	} else {
		file.Connections = make([]string, 0, len(records))
		for _, rec := range records {
			file.Connections = append(file.Connections, rec.ProfileID)
		}
	}
	path := filepath.Join(s.dir, name)
	if err := writeJSON(path, file); err != nil {
		return FileReference{}, err
	}
	return FileReference{FileName: name, Path: path, Index: fileIndex, Count: len(records)}, nil
}

// LoadLinkFile reads the records behind ref.
func (s *Store) LoadLinkFile(ref FileReference) ([]ConnectionRecord, error) {
	path := ref.Path
	if path == "" {
		path = filepath.Join(s.dir, ref.FileName)
	}
	var file LinkFile
	if err := readJSON(path, &file); err != nil {
		return nil, err
	}
	return file.Records(), nil
}

// SaveBatch writes a batch file and returns its path.
func (s *Store) SaveBatch(b BatchFile) (string, error) {
	if !b.Kind.Valid() {
		return "", fmt.Errorf("invalid list kind %q", b.Kind)
	}
	path := filepath.Join(s.dir, BatchFileName(b.Kind, b.BatchNumber))
	if err := writeJSON(path, b); err != nil {
		return "", err
	}
	return path, nil
}

// LoadBatch reads batch n of kind.
func (s *Store) LoadBatch(kind ListKind, n int) (BatchFile, error) {
	var b BatchFile
	if err := readJSON(filepath.Join(s.dir, BatchFileName(kind, n)), &b); err != nil {
		return BatchFile{}, err
	}
	return b, nil
}

func readJSON(path string, v any) error {
	// #nosec G304 -- checkpoint paths come from the operator or the run directory.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON writes through a temp file and rename so readers never observe a
// partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
