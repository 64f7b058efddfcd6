package credpool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
)

// Importer adds credential values that are not stored yet.
type Importer interface {
	ImportCredentials(values []string, description string) (int, error)
}

const defaultDebounce = 200 * time.Millisecond

// FileWatcher imports cookie values from a plain-text file whenever it
// changes. The file holds one value per line; blank lines and lines
// starting with # are ignored. Values are only ever added, never removed.
type FileWatcher struct {
	path     string
	importer Importer
	logger   *zap.Logger
	debounce time.Duration
}

func NewFileWatcher(path string, importer Importer, logger *zap.Logger) *FileWatcher {
	return &FileWatcher{
		path:     path,
		importer: importer,
		logger:   logging.OrNop(logger).With(logging.Component("credwatch"), zap.String("path", path)),
		debounce: defaultDebounce,
	}
}

// Load imports the file's current contents once.
func (w *FileWatcher) Load() (int, error) {
	values, err := ReadCookieFile(w.path)
	if err != nil {
		return 0, err
	}
	n, err := w.importer.ImportCredentials(values, "imported from "+filepath.Base(w.path))
	if err != nil {
		return n, fmt.Errorf("importing credentials: %w", err)
	}
	if n > 0 {
		w.logger.Info("credentials imported", zap.Int("added", n))
	}
	return n, nil
}

// Watch blocks until ctx is cancelled, re-importing the file after each
// burst of writes. The parent directory is watched so editors that replace
// the file atomically are handled.
func (w *FileWatcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("credential file watcher started")

	target := filepath.Clean(w.path)
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("credential file watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if _, err := w.Load(); err != nil && !os.IsNotExist(err) {
					w.logger.Warn("credential reload failed", zap.Error(err))
				}
			})
			mu.Unlock()

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("credential file watcher error", zap.Error(err))
		}
	}
}

// ReadCookieFile parses a cookie list file. Commas are accepted as
// separators too, matching the AUTH_COOKIE format.
func ReadCookieFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var values []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, v := range strings.Split(line, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
	}
	return values, sc.Err()
}
