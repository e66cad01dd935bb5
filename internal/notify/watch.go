package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval is the quiet period after the last file event before
// the rules reload. Editors and atomic saves produce event bursts.
const debounceInterval = 250 * time.Millisecond

// ruleWatcher hot-reloads the engine's rules file. It watches the parent
// directory because atomic saves replace the file's inode, which kills a
// direct file watch.
type ruleWatcher struct {
	engine *Engine
	path   string
	fsw    *fsnotify.Watcher
	log    *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	lastHash string
	stopped  bool

	done chan struct{}
	wg   sync.WaitGroup
}

func newRuleWatcher(engine *Engine, path string, log *slog.Logger) (*ruleWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch rules directory: %w", err)
	}

	w := &ruleWatcher{
		engine: engine,
		path:   abs,
		fsw:    fsw,
		log:    log,
		done:   make(chan struct{}),
	}
	if data, err := os.ReadFile(abs); err == nil {
		w.lastHash = hashBytes(data)
	}

	w.wg.Add(1)
	go w.run()
	w.log.Debug("watching notification rules", "path", abs)
	return w, nil
}

func (w *ruleWatcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("notification rules watcher error", "error", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer.
func (w *ruleWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.reload)
}

// reload re-reads the rules file after the quiet period. Unchanged
// content is skipped by hash; a missing file resets to the defaults.
func (w *ruleWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if w.setHash("") {
			w.engine.resetToDefaults(fmt.Sprintf("rules file unreadable: %v", err))
		}
		return
	}
	if !w.setHash(hashBytes(data)) {
		w.log.Debug("notification rules content unchanged", "path", w.path)
		return
	}
	w.engine.loadRules(data, w.path)
}

// setHash records the hash and reports whether it changed.
func (w *ruleWatcher) setHash(h string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastHash == h {
		return false
	}
	w.lastHash = h
	return true
}

func (w *ruleWatcher) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if err := w.fsw.Close(); err != nil {
		w.log.Warn("close rules watcher", "error", err)
	}
	w.wg.Wait()
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
