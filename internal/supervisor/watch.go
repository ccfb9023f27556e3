package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch supervises every checkpoint that exists in dir or appears there,
// one supervisor per file, until ctx is done. It waits for running
// supervisors before returning.
func (s *Supervisor) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		active = map[string]struct{}{}
	)
	start := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := active[path]; ok {
			return
		}
		active[path] = struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Supervise(ctx, path)
			mu.Lock()
			delete(active, path)
			mu.Unlock()
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			default:
				s.logger.Error("supervision ended", zap.String("checkpoint", path), zap.Error(err))
			}
		}()
	}
	defer wg.Wait()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	existing := 0
	for _, e := range entries {
		if !e.IsDir() && isCheckpoint(e.Name()) {
			existing++
			start(filepath.Join(dir, e.Name()))
		}
	}
	s.logger.Info("watching spool directory", zap.String("dir", dir), zap.Int("existing", existing))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && isCheckpoint(filepath.Base(event.Name)) {
				start(event.Name)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", zap.Error(werr))
		}
	}
}

// isCheckpoint skips temp files written during atomic replaces.
func isCheckpoint(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
