package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the config file and invokes a callback whenever its content
// changes and still parses as a valid config. The server uses it to apply
// log-level changes without a restart and to warn when a change needs one.
// Plain polling keeps the dependency surface flat; a 5 s interval is
// plenty for a hand-edited file.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	seenSum  [sha256.Size]byte
	seenTime time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once, then polls it in a background goroutine until
// Stop is called. The initial load must succeed; later failures keep the
// last valid config.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.snapshot()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = snap.cfg
	w.seenSum = snap.sum
	w.seenTime = snap.mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan applies one poll cycle: a cheap mtime probe first, then content hash
// and parse only when the file actually moved.
func (w *Watcher) scan() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping current config",
			"path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seenTime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.snapshot()
	if err != nil {
		slog.Warn("config reload rejected, keeping current config",
			"path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.seenSum {
		// Touched but identical; just remember the new mtime.
		w.seenTime = snap.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = snap.cfg
	w.seenSum = snap.sum
	w.seenTime = snap.mtime
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		// Outside the lock so the callback may call Current.
		w.onChange(old, snap.cfg)
	}
}

// fileSnapshot is one parsed-and-validated read of the config file.
type fileSnapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

func (w *Watcher) snapshot() (fileSnapshot, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return fileSnapshot{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fileSnapshot{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fileSnapshot{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileSnapshot{}, err
	}
	return fileSnapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
