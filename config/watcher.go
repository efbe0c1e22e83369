// 配置文件变更监听器实现。
//
// 轮询文件指纹（大小 + 修改时间）并在防抖窗口后触发回调。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultPollInterval is the fingerprint polling cadence. Polling is the
// portable detection mechanism; it trades sub-second latency for zero
// platform dependencies, which is fine for configuration files.
const defaultPollInterval = time.Second

// FileOp classifies what happened to a watched file.
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
	// FileOpRename 表示文件已重命名
	FileOpRename
	// FileOpChmod 表示文件权限已更改
	FileOpChmod
)

// String returns the string representation of FileOp.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	case FileOpRename:
		return "RENAME"
	case FileOpChmod:
		return "CHMOD"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one observed change to a watched file.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
	Error     error     `json:"error,omitempty"`
}

// fingerprint is the per-file change detector: a file counts as modified
// when either its size or its mtime moves. Size catches rewrites that land
// within mtime granularity.
type fingerprint struct {
	size    int64
	modTime time.Time
}

func fingerprintOf(info os.FileInfo) fingerprint {
	return fingerprint{size: info.Size(), modTime: info.ModTime()}
}

// FileWatcher polls a set of configuration files and dispatches debounced
// change events to registered callbacks. Events for the same path inside
// one debounce window are coalesced into a single dispatch.
type FileWatcher struct {
	mu sync.RWMutex

	paths         []string
	debounceDelay time.Duration
	pollInterval  time.Duration

	running   bool
	stopChan  chan struct{}
	eventChan chan FileEvent

	callbacks []func(event FileEvent)
	known     map[string]fingerprint

	logger *zap.Logger
}

// WatcherOption configures the FileWatcher.
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce window applied before dispatch.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// WithPollInterval overrides the fingerprint polling cadence.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// NewFileWatcher creates a watcher over the given paths. A path that does
// not exist yet is accepted; its creation will be reported as FileOpCreate.
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         paths,
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  defaultPollInterval,
		stopChan:      make(chan struct{}),
		eventChan:     make(chan FileEvent, 100),
		known:         make(map[string]fingerprint),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				w.logger.Warn("Config file does not exist, will watch for creation",
					zap.String("path", path))
				continue
			}
			return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
		}
	}
	return w, nil
}

// OnChange registers a callback invoked for every dispatched event.
// Callbacks run on the dispatch goroutine and must not block for long.
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start launches the poll and dispatch goroutines. It fails when the
// watcher is already running.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})

	// Baseline fingerprints so pre-existing content does not fire events.
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.known[path] = fingerprintOf(info)
		}
	}
	w.mu.Unlock()

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("File watcher started",
		zap.Strings("paths", w.Paths()),
		zap.Duration("debounce_delay", w.debounceDelay),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop halts the watcher. Stopping a stopped watcher is a no-op.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	close(w.stopChan)
	w.running = false
	w.logger.Info("File watcher stopped")
	return nil
}

// pollLoop compares fingerprints at every tick and emits raw events.
func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			for _, ev := range w.sweep() {
				select {
				case w.eventChan <- ev:
				default:
					w.logger.Warn("watcher event buffer full, dropping event",
						zap.String("path", ev.Path))
				}
			}
		}
	}
}

// sweep diffs the current state of every watched path against the known
// fingerprints and returns the resulting events.
func (w *FileWatcher) sweep() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var events []FileEvent
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, tracked := w.known[path]; tracked {
					delete(w.known, path)
					events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
				}
			}
			continue
		}

		fp := fingerprintOf(info)
		prev, tracked := w.known[path]
		switch {
		case !tracked:
			w.known[path] = fp
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case fp != prev:
			w.known[path] = fp
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	return events
}

// dispatchLoop coalesces events per path and invokes the callbacks once the
// debounce window closes. The pending map is owned by this goroutine alone;
// flushing is driven by a timer channel, not a detached AfterFunc, so there
// is no concurrent map access.
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	pending := make(map[string]FileEvent)
	timer := time.NewTimer(w.debounceDelay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event := <-w.eventChan:
			pending[event.Path] = event
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounceDelay)
			armed = true
		case <-timer.C:
			armed = false
			if len(pending) == 0 {
				continue
			}
			w.mu.RLock()
			callbacks := make([]func(FileEvent), len(w.callbacks))
			copy(callbacks, w.callbacks)
			w.mu.RUnlock()

			for path, evt := range pending {
				w.logger.Debug("Dispatching file event",
					zap.String("path", path),
					zap.String("op", evt.Op.String()))
				for _, cb := range callbacks {
					cb(evt)
				}
			}
			pending = make(map[string]FileEvent)
		}
	}
}

// AddPath adds a path to the watch set. Adding a watched path is a no-op.
func (w *FileWatcher) AddPath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range w.paths {
		if p == path {
			return nil
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	w.paths = append(w.paths, absPath)
	if info, err := os.Stat(absPath); err == nil {
		w.known[absPath] = fingerprintOf(info)
	}
	w.logger.Info("Added path to watcher", zap.String("path", absPath))
	return nil
}

// RemovePath drops a path from the watch set.
func (w *FileWatcher) RemovePath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	absPath, _ := filepath.Abs(path)
	for i, p := range w.paths {
		if p == absPath {
			w.paths = append(w.paths[:i], w.paths[i+1:]...)
			delete(w.known, absPath)
			w.logger.Info("Removed path from watcher", zap.String("path", absPath))
			return nil
		}
	}
	return fmt.Errorf("path not found: %s", path)
}

// Paths returns a copy of the watched path list.
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	paths := make([]string, len(w.paths))
	copy(paths, w.paths)
	return paths
}

// IsRunning reports whether the watcher has been started and not stopped.
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
