// Package watcher observes the workspace filesystem, filters noise, and
// coalesces bursts of raw events into batched notifications.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Common watcher errors.
var (
	// ErrAlreadyRunning is returned when Start is called on a running watcher.
	ErrAlreadyRunning = errors.New("watcher already running")
)

const (
	// batchChannelBuffer is the size of the outgoing batch channel.
	batchChannelBuffer = 100
)

// EventType classifies a filesystem change.
type EventType string

// Event types, matching what downstream sync consumers understand.
const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventUnlink EventType = "unlink"
)

// Event is one filesystem change, workspace-relative.
type Event struct {
	Type EventType `json:"type"`
	Path string    `json:"path"`
	At   time.Time `json:"timestamp"`
}

// Batch is one coalesced notification: the optimized events collected over
// a single batch window.
type Batch struct {
	Events    []Event   `json:"events"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Config configures filtering and batching.
type Config struct {
	// Root is the directory to watch recursively.
	Root string `yaml:"root"`

	// BatchWindow is the delay over which raw events are accumulated
	// before one batch is emitted.
	BatchWindow time.Duration `yaml:"batch_window"`

	// MaxBatchSize flushes a batch early once this many pending events
	// accumulate.
	MaxBatchSize int `yaml:"max_batch_size"`

	// IgnorePatterns lists doublestar patterns for system and temp files
	// that never reach consumers.
	IgnorePatterns []string `yaml:"ignore_patterns"`

	// MaxDepth drops events for paths nested deeper than this many
	// segments.
	MaxDepth int `yaml:"max_depth"`
}

// DefaultConfig returns watcher defaults. Root must still be set.
func DefaultConfig() Config {
	return Config{
		BatchWindow:  50 * time.Millisecond,
		MaxBatchSize: 100,
		IgnorePatterns: []string{
			"**/.git/**",
			"**/node_modules/**",
			"**/.snapshots/**",
			"**/*.swp",
			"**/*.tmp",
			"**/.DS_Store",
			"**/*~",
		},
		MaxDepth: 12,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.BatchWindow <= 0 {
		return fmt.Errorf("batch_window must be positive, got %s", c.BatchWindow)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("max_depth must be positive, got %d", c.MaxDepth)
	}
	for _, p := range c.IgnorePatterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	return nil
}

// Stats are the watcher's running statistics.
type Stats struct {
	TotalEvents      int64   `json:"totalEvents"`
	FilteredEvents   int64   `json:"filteredEvents"`
	BatchesEmitted   int64   `json:"batchesEmitted"`
	EventsEmitted    int64   `json:"eventsEmitted"`
	AverageBatchSize float64 `json:"averageBatchSize"`
	EventsPerSecond  float64 `json:"eventsPerSecond"`
}

// Watcher ingests raw filesystem events, filters them, and emits optimized
// batches. Raw events normally come from fsnotify; tests feed Ingest
// directly.
type Watcher struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	fsw       *fsnotify.Watcher
	pending   []Event
	cancel    context.CancelFunc
	done      chan struct{}
	startTime time.Time

	totalEvents    int64
	filteredEvents int64
	batchesEmitted int64
	eventsEmitted  int64

	batches chan Batch
}

// New creates a watcher. Call Start to begin observing.
func New(cfg Config, logger *slog.Logger) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid watcher config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		config:  cfg,
		logger:  logger,
		batches: make(chan Batch, batchChannelBuffer),
	}, nil
}

// Batches returns the channel of coalesced notifications.
func (w *Watcher) Batches() <-chan Batch {
	return w.batches
}

// Start begins observing the workspace. Fails with ErrAlreadyRunning while
// a previous Start is active.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	w.fsw = fsw
	w.running = true
	w.startTime = time.Now()
	w.done = make(chan struct{})

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.addWatchesRecursive(w.config.Root); err != nil {
		w.Stop()
		return err
	}

	go w.run(runCtx)

	w.logger.Info("Change watcher started",
		"root", w.config.Root,
		"batchWindow", w.config.BatchWindow)
	return nil
}

// Stop halts observation and flushes nothing further. Idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	fsw := w.fsw
	done := w.done
	w.fsw = nil
	w.mu.Unlock()

	cancel()
	if fsw != nil {
		fsw.Close()
	}
	if done != nil {
		<-done
	}
	w.logger.Info("Change watcher stopped")
}

// Ingest feeds one raw event through the ignore filter into the pending
// batch. Exposed so alternative event sources can drive the watcher.
func (w *Watcher) Ingest(eventType EventType, path string) {
	rel := filepath.ToSlash(path)
	if w.ignored(rel) {
		w.mu.Lock()
		w.filteredEvents++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.totalEvents++
	w.pending = append(w.pending, Event{Type: eventType, Path: rel, At: time.Now()})
	shouldFlush := len(w.pending) >= w.config.MaxBatchSize
	w.mu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// Stats returns a snapshot of the running statistics.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := Stats{
		TotalEvents:    w.totalEvents,
		FilteredEvents: w.filteredEvents,
		BatchesEmitted: w.batchesEmitted,
		EventsEmitted:  w.eventsEmitted,
	}
	if w.batchesEmitted > 0 {
		stats.AverageBatchSize = float64(w.eventsEmitted) / float64(w.batchesEmitted)
	}
	if !w.startTime.IsZero() {
		if elapsed := time.Since(w.startTime).Seconds(); elapsed > 0 {
			stats.EventsPerSecond = float64(w.totalEvents) / elapsed
		}
	}
	return stats
}

// run drains fsnotify and flushes pending events once per batch window.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.BatchWindow)
	defer ticker.Stop()

	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

// handleFSEvent maps one fsnotify event into the pending batch.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.config.Root, event.Name)
	if err != nil {
		rel = event.Name
	}

	switch {
	case event.Has(fsnotify.Create):
		// New directories need their own watch before their contents are
		// visible.
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			w.watchNewDirectory(event.Name)
			return
		}
		w.Ingest(EventAdd, rel)
	case event.Has(fsnotify.Write):
		w.Ingest(EventChange, rel)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.Ingest(EventUnlink, rel)
	}
	// Chmod-only events are noise.
}

// flush optimizes and emits the pending events as one batch.
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	batch := Batch{Events: Optimize(pending), EmittedAt: time.Now()}

	w.mu.Lock()
	w.batchesEmitted++
	w.eventsEmitted += int64(len(batch.Events))
	w.mu.Unlock()

	select {
	case w.batches <- batch:
	default:
		w.logger.Warn("Batch channel full, dropping batch",
			"events", len(batch.Events))
	}
}

// Optimize coalesces a window of events per path: only the latest event
// for each path survives, and a trailing unlink supersedes everything
// before it. Relative arrival order of the surviving events is preserved.
func Optimize(events []Event) []Event {
	latest := make(map[string]Event, len(events))
	order := make([]string, 0, len(events))

	for _, ev := range events {
		if _, seen := latest[ev.Path]; !seen {
			order = append(order, ev.Path)
		}
		latest[ev.Path] = ev
	}

	out := make([]Event, 0, len(latest))
	for _, path := range order {
		out = append(out, latest[path])
	}
	return out
}

// ignored applies the noise filter: configured patterns plus the depth
// limit.
func (w *Watcher) ignored(rel string) bool {
	rel = strings.TrimPrefix(rel, "./")
	if rel == "" || rel == "." {
		return true
	}

	if strings.Count(rel, "/")+1 > w.config.MaxDepth {
		return true
	}
	for _, pattern := range w.config.IgnorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// addWatchesRecursive adds watches to all directories under root,
// skipping hidden and ignored trees.
func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}

		base := filepath.Base(path)
		if path != root && (strings.HasPrefix(base, ".") || base == "node_modules") {
			return filepath.SkipDir
		}

		w.mu.Lock()
		fsw := w.fsw
		w.mu.Unlock()
		if fsw == nil {
			return filepath.SkipAll
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory",
				"path", path,
				"error", err)
		}
		return nil
	})
}

// watchNewDirectory adds a watch for a directory created after Start.
func (w *Watcher) watchNewDirectory(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || base == "node_modules" {
		return
	}

	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	if err := fsw.Add(path); err != nil {
		w.logger.Warn("Failed to watch new directory",
			"path", path,
			"error", err)
	}
}
