package watcher

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher watches sync files for content changes.
// It watches the parent directory so files replaced by editors (write to a
// temp file, then rename) keep being tracked.
type FileWatcher struct {
	watcher    *fsnotify.Watcher
	logger     *zap.Logger
	mu         sync.RWMutex
	fileHashes map[string]string
	callbacks  map[string]func(string)
	debounce   map[string]time.Duration
	dirs       map[string]bool
	timersMu   sync.Mutex
	timers     map[string]*time.Timer
	done       chan struct{}
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(logger *zap.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileWatcher{
		watcher:    watcher,
		logger:     logger,
		fileHashes: make(map[string]string),
		callbacks:  make(map[string]func(string)),
		debounce:   make(map[string]time.Duration),
		dirs:       make(map[string]bool),
		timers:     make(map[string]*time.Timer),
		done:       make(chan struct{}),
	}, nil
}

// Watch starts watching a file with a configurable debounce duration.
// The callback runs only when the SHA-256 of the file content differs from the last one seen.
func (fw *FileWatcher) Watch(path string, callback func(string), debounceDuration time.Duration) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Get initial hash
	hash, err := fileHash(path)
	if err != nil {
		return fmt.Errorf("failed to get initial hash: %w", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	dir := filepath.Dir(path)
	if !fw.dirs[dir] {
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch file: %w", err)
		}
		fw.dirs[dir] = true
	}

	fw.fileHashes[path] = hash
	fw.callbacks[path] = callback
	fw.debounce[path] = debounceDuration
	return nil
}

// Start begins watching for file changes
func (fw *FileWatcher) Start() {
	go fw.watchLoop()
}

// watchLoop is the main event loop for file watching
func (fw *FileWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// Only process events that can change content
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			path := filepath.Clean(event.Name)

			fw.mu.RLock()
			_, watched := fw.callbacks[path]
			debounceDuration := fw.debounce[path]
			fw.mu.RUnlock()

			if !watched {
				continue
			}
			fw.schedule(path, debounceDuration)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("⚠️  Watcher error", zap.Error(err))

		case <-fw.done:
			return
		}
	}
}

// schedule runs handleFileChange after the debounce, restarting the timer on each event
func (fw *FileWatcher) schedule(path string, debounceDuration time.Duration) {
	// If debounce is 0, process immediately
	if debounceDuration == 0 {
		go fw.handleFileChange(path)
		return
	}

	fw.timersMu.Lock()
	defer fw.timersMu.Unlock()

	if timer, exists := fw.timers[path]; exists {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(debounceDuration, func() {
		fw.timersMu.Lock()
		delete(fw.timers, path)
		fw.timersMu.Unlock()

		fw.handleFileChange(path)
	})
}

// handleFileChange checks if file has actually changed and calls callback
func (fw *FileWatcher) handleFileChange(path string) {
	newHash, err := fileHash(path)
	if err != nil {
		// a rename in progress leaves the path missing for a moment
		fw.logger.Debug("Failed to hash file", zap.String("path", path), zap.Error(err))
		return
	}

	fw.mu.Lock()
	callback, hasCallback := fw.callbacks[path]
	changed := hasCallback && fw.fileHashes[path] != newHash
	if changed {
		fw.fileHashes[path] = newHash
	}
	fw.mu.Unlock()

	if changed {
		callback(path)
	}
}

// fileHash calculates SHA-256 hash of a file
func fileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// Close stops the file watcher and any pending debounce timers
func (fw *FileWatcher) Close() error {
	fw.timersMu.Lock()
	for path, timer := range fw.timers {
		timer.Stop()
		delete(fw.timers, path)
	}
	fw.timersMu.Unlock()

	select {
	case <-fw.done:
	default:
		close(fw.done)
	}
	return fw.watcher.Close()
}
