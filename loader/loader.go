// Package loader serves large files as indexed, cached chunks of lines. It
// backs the virtual scroller and the streaming in-file search so clients
// never pull a whole file to render a viewport.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Common loader errors.
var (
	// ErrNotInitialized is returned for chunked access before Initialize.
	ErrNotInitialized = errors.New("loader not initialized")

	// ErrLineOutOfRange is returned for line indices outside the file.
	ErrLineOutOfRange = errors.New("line out of range")
)

// FileInfo is the shape of a file as reported by the analysis service.
type FileInfo struct {
	// TotalLines is the number of lines in the file.
	TotalLines int `json:"totalLines"`

	// TotalSize is the file size in bytes.
	TotalSize int64 `json:"totalSize"`

	// LineBreaks holds the byte offset of each line break, enabling
	// offset-addressed fetches by sources that support them.
	LineBreaks []int64 `json:"lineBreaks,omitempty"`
}

// ContentSource supplies file shape and line ranges. The production
// implementation is backed by the file store; remote analysis services
// satisfy the same interface.
type ContentSource interface {
	// Analyze returns the shape of a file. Called once per Initialize.
	Analyze(ctx context.Context, path string) (FileInfo, error)

	// ReadLines returns up to count lines starting at startLine. Short
	// reads at end of file are expected.
	ReadLines(ctx context.Context, path string, startLine, count int) ([]string, error)
}

// Config configures chunk granularity and the cache budget.
type Config struct {
	// ChunkSize is the number of lines per chunk, fixed at initialization.
	ChunkSize int `yaml:"chunk_size"`

	// MaxCachedChunks bounds the cache; the least recently used chunk is
	// evicted once exceeded.
	MaxCachedChunks int `yaml:"max_cached_chunks"`
}

// DefaultConfig returns sensible loader defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       200,
		MaxCachedChunks: 16,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxCachedChunks <= 0 {
		return fmt.Errorf("max_cached_chunks must be positive, got %d", c.MaxCachedChunks)
	}
	return nil
}

// chunkEntry is one cached chunk of lines.
type chunkEntry struct {
	index      int
	lines      []string
	lastAccess int64
}

// CacheStats reports cache occupancy for observability and tests.
type CacheStats struct {
	CachedChunks    int   `json:"cachedChunks"`
	MaxCachedChunks int   `json:"maxCachedChunks"`
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Evictions       int64 `json:"evictions"`
}

// Loader provides chunked, cached access to one file at a time.
type Loader struct {
	config Config
	source ContentSource
	logger *slog.Logger

	mu          sync.Mutex
	path        string
	info        FileInfo
	initialized bool
	cache       map[int]*chunkEntry
	accessClock int64

	hits      int64
	misses    int64
	evictions int64
}

// New creates a loader over the given content source.
func New(cfg Config, source ContentSource, logger *slog.Logger) (*Loader, error) {
	if cfg.ChunkSize == 0 && cfg.MaxCachedChunks == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loader config: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("content source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		config: cfg,
		source: source,
		logger: logger,
		cache:  make(map[int]*chunkEntry),
	}, nil
}

// Initialize learns the shape of a file through one analysis call and
// resets the chunk cache. Required before any chunked access.
func (l *Loader) Initialize(ctx context.Context, path string) (FileInfo, error) {
	info, err := l.source.Analyze(ctx, path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("analyze %s: %w", path, err)
	}

	l.mu.Lock()
	l.path = path
	l.info = info
	l.initialized = true
	l.cache = make(map[int]*chunkEntry)
	l.accessClock = 0
	l.mu.Unlock()

	l.logger.Debug("Loader initialized",
		"path", path,
		"totalLines", info.TotalLines,
		"totalSize", info.TotalSize)
	return info, nil
}

// Info returns the shape learned at initialization.
func (l *Loader) Info() (FileInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return FileInfo{}, ErrNotInitialized
	}
	return l.info, nil
}

// GetLineRange returns the lines in the inclusive range [startLine,
// endLine], resolving cached chunks where present and fetching the rest.
func (l *Loader) GetLineRange(ctx context.Context, startLine, endLine int) ([]string, error) {
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return nil, ErrNotInitialized
	}
	total := l.info.TotalLines
	chunkSize := l.config.ChunkSize
	l.mu.Unlock()

	if startLine < 0 || endLine < startLine || endLine >= total {
		return nil, fmt.Errorf("%w: [%d, %d] of %d lines", ErrLineOutOfRange, startLine, endLine, total)
	}

	firstChunk := startLine / chunkSize
	lastChunk := endLine / chunkSize

	lines := make([]string, 0, endLine-startLine+1)
	for idx := firstChunk; idx <= lastChunk; idx++ {
		chunk, err := l.getChunk(ctx, idx)
		if err != nil {
			return nil, err
		}

		chunkStart := idx * chunkSize
		from := 0
		if startLine > chunkStart {
			from = startLine - chunkStart
		}
		to := len(chunk)
		if endLine < chunkStart+len(chunk)-1 {
			to = endLine - chunkStart + 1
		}
		if from > len(chunk) {
			break
		}
		lines = append(lines, chunk[from:to]...)
	}
	return lines, nil
}

// CacheStats returns current cache occupancy.
func (l *Loader) CacheStats() CacheStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CacheStats{
		CachedChunks:    len(l.cache),
		MaxCachedChunks: l.config.MaxCachedChunks,
		Hits:            l.hits,
		Misses:          l.misses,
		Evictions:       l.evictions,
	}
}

// getChunk returns a chunk from cache or fetches, caches, and possibly
// evicts under the chunk budget.
func (l *Loader) getChunk(ctx context.Context, index int) ([]string, error) {
	l.mu.Lock()
	l.accessClock++
	if entry, ok := l.cache[index]; ok {
		entry.lastAccess = l.accessClock
		l.hits++
		lines := entry.lines
		l.mu.Unlock()
		return lines, nil
	}
	l.misses++
	path := l.path
	chunkSize := l.config.ChunkSize
	l.mu.Unlock()

	lines, err := l.source.ReadLines(ctx, path, index*chunkSize, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %d of %s: %w", index, path, err)
	}

	l.mu.Lock()
	l.accessClock++
	l.cache[index] = &chunkEntry{index: index, lines: lines, lastAccess: l.accessClock}
	l.evictLocked()
	l.mu.Unlock()
	return lines, nil
}

// evictLocked drops least recently used chunks until the cache fits the
// budget. Caller holds l.mu.
func (l *Loader) evictLocked() {
	for len(l.cache) > l.config.MaxCachedChunks {
		oldestIdx := -1
		var oldestAccess int64
		for idx, entry := range l.cache {
			if oldestIdx == -1 || entry.lastAccess < oldestAccess {
				oldestIdx = idx
				oldestAccess = entry.lastAccess
			}
		}
		delete(l.cache, oldestIdx)
		l.evictions++
		l.logger.Debug("Evicted chunk", "chunk", oldestIdx)
	}
}
