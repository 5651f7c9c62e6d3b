package playlist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"SyncFM/logger"
	"SyncFM/model"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

// 收件箱中会被导入的扩展名
var inboxExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".flac": true,
	".m4a":  true,
}

// Adder ingests one file into the playlist.
type Adder interface {
	Add(ctx context.Context, filename string, data []byte) (*model.Track, error)
}

// InboxWatcher imports audio files dropped into a directory. A file is
// imported once it has been quiet for the settle period, and removed from
// the inbox after a successful import.
type InboxWatcher struct {
	dir     string
	adder   Adder
	clock   clockwork.Clock
	quiet   time.Duration
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingFile
	wg      sync.WaitGroup
}

type pendingFile struct {
	timer clockwork.Timer
}

// NewInboxWatcher watches dir. Files already in dir are imported on Run.
func NewInboxWatcher(dir string, adder Adder, clock clockwork.Clock, quiet time.Duration) (*InboxWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox %s: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch inbox %s: %w", dir, err)
	}
	return &InboxWatcher{
		dir:     dir,
		adder:   adder,
		clock:   clock,
		quiet:   quiet,
		watcher: watcher,
		pending: make(map[string]*pendingFile),
	}, nil
}

// Run blocks until ctx is done.
func (w *InboxWatcher) Run(ctx context.Context) {
	defer w.close()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Warn("failed to scan inbox", logger.String("dir", w.dir), logger.ErrorField(err))
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.schedule(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ctx, event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.cancel(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("inbox watcher error", logger.ErrorField(err))
		}
	}
}

func (w *InboxWatcher) schedule(ctx context.Context, path string) {
	if !inboxExtensions[strings.ToLower(filepath.Ext(path))] {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok && p.timer.Stop() {
		p.timer.Reset(w.quiet)
		return
	}

	p := &pendingFile{}
	w.wg.Add(1)
	p.timer = w.clock.AfterFunc(w.quiet, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == p {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.ingest(ctx, path)
	})
	w.pending[path] = p
}

func (w *InboxWatcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok && p.timer.Stop() {
		delete(w.pending, path)
		w.wg.Done()
	}
}

func (w *InboxWatcher) ingest(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read inbox file", logger.String("path", path), logger.ErrorField(err))
		return
	}

	track, err := w.adder.Add(ctx, filepath.Base(path), data)
	if err != nil {
		logger.Warn("inbox import failed", logger.String("path", path), logger.ErrorField(err))
		return
	}
	if err := os.Remove(path); err != nil {
		logger.Warn("failed to remove imported file", logger.String("path", path), logger.ErrorField(err))
	}
	logger.Info("imported from inbox",
		logger.String("file", filepath.Base(path)),
		logger.Int64("trackId", track.ID))
}

func (w *InboxWatcher) close() {
	w.mu.Lock()
	for path, p := range w.pending {
		if p.timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.watcher.Close()
}
