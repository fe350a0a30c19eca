// Package engine wires the workspace components into one synchronization
// engine: the secure file store, the lazy content loader, the change
// watcher, the outbound connection pool, and the collaboration manager.
// Clients talk to it through tagged messages; mutations fan out to every
// pooled connection and, when configured, to NATS.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/codecollab/syncengine/collab"
	"github.com/codecollab/syncengine/config"
	"github.com/codecollab/syncengine/loader"
	"github.com/codecollab/syncengine/metrics"
	"github.com/codecollab/syncengine/pool"
	"github.com/codecollab/syncengine/store"
	"github.com/codecollab/syncengine/watcher"
)

// NATS subjects for external fan-out.
const (
	SubjectFilePrefix = "sync.file."
	SubjectBatch      = "sync.batch"
)

var errAlreadyStarted = errors.New("engine already started")

// Options carries optional dependencies. Zero values select the
// production defaults; tests inject fakes here.
type Options struct {
	Logger *slog.Logger

	// Metrics defaults to a fresh registry when nil.
	Metrics *metrics.Metrics

	// Transport defaults to the WebSocket transport when nil.
	Transport pool.Transport

	// Provider overrides the pub/sub transport for collaboration and
	// fan-out. When nil the engine connects to NATS if configured, and
	// falls back to an in-process loopback otherwise.
	Provider collab.Provider
}

// Engine is the workspace synchronization engine.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store   *store.Store
	source  *loader.StoreSource
	watcher *watcher.Watcher
	pool    *pool.Pool
	manager *collab.Manager

	provider collab.Provider
	natsConn *nats.Conn

	mu      sync.Mutex
	loaders map[string]*loader.Loader
	started bool

	metricsServer *http.Server
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New assembles an engine from validated configuration.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	fileStore, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	w, err := watcher.New(cfg.Watcher, logger)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}

	transport := opts.Transport
	if transport == nil {
		transport = pool.NewWebSocketTransport()
	}
	connPool, err := pool.New(cfg.Pool, transport, logger)
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		store:   fileStore,
		source:  loader.NewStoreSource(fileStore),
		watcher: w,
		pool:    connPool,
		loaders: make(map[string]*loader.Loader),
	}

	if err := e.setupProvider(opts.Provider); err != nil {
		return nil, err
	}

	persistence, err := newSnapshotStore(cfg.Collab.SnapshotDir)
	if err != nil {
		return nil, fmt.Errorf("snapshots: %w", err)
	}
	e.manager = collab.NewManager(e.provider, persistence, logger)

	return e, nil
}

// setupProvider picks the pub/sub transport: injected, NATS, or loopback.
func (e *Engine) setupProvider(override collab.Provider) error {
	if override != nil {
		e.provider = override
		return nil
	}
	if url := e.cfg.NATS.URL; url != "" {
		conn, err := nats.Connect(url,
			nats.Name("syncengine"),
			nats.Timeout(e.cfg.NATS.ConnectTimeout),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		e.natsConn = conn
		e.provider = collab.NewNATSProvider(conn)
		e.logger.Info("Connected to NATS", "url", url)
		return nil
	}
	e.provider = collab.NewLoopbackProvider()
	e.logger.Debug("No NATS URL configured, using in-process fan-out")
	return nil
}

// SetCurrentUser identifies the local user for collaboration sessions.
func (e *Engine) SetCurrentUser(u collab.User) {
	e.manager.SetCurrentUser(u)
}

// Store exposes the file store for direct callers.
func (e *Engine) Store() *store.Store { return e.store }

// Pool exposes the connection pool for direct callers.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Manager exposes the collaboration manager for direct callers.
func (e *Engine) Manager() *collab.Manager { return e.manager }

// Watcher exposes the change watcher for direct callers.
func (e *Engine) Watcher() *watcher.Watcher { return e.watcher }

// Start begins watching the workspace and pumping events. It returns
// once the background goroutines are running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.watcher.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("watcher: %w", err)
	}

	e.wg.Add(3)
	go e.pumpStoreEvents(runCtx)
	go e.pumpBatches(runCtx)
	go e.pumpPoolErrors(runCtx)

	if addr := e.cfg.Metrics.Addr; addr != "" {
		e.serveMetrics(addr)
	}

	e.logger.Info("Engine started",
		"root", e.cfg.Workspace.Root,
		"project", e.cfg.Workspace.Project)
	return nil
}

func (e *Engine) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())
	e.metricsServer = &http.Server{Addr: addr, Handler: mux}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Metrics server failed", "error", err)
		}
	}()
	e.logger.Info("Serving metrics", "addr", addr)
}

// pumpStoreEvents forwards store mutations to pooled connections and to
// the fan-out subject for each event type.
func (e *Engine) pumpStoreEvents(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-e.store.Events():
			if !ok {
				return
			}
			e.metrics.StoreMutations.WithLabelValues(string(event.Type)).Inc()

			payload := filePushPayload{
				Type:   event.Type,
				Path:   event.Path,
				UserID: event.UserID,
				At:     event.At,
			}
			data, err := json.Marshal(payload)
			if err != nil {
				e.logger.Error("Failed to encode sync event", "error", err)
				continue
			}
			subject := SubjectFilePrefix + string(event.Type)
			if err := e.provider.Publish(subject, data); err != nil {
				e.logger.Warn("Fan-out publish failed", "subject", subject, "error", err)
			}
			e.broadcast(ServerMessage{Type: SrvFileSync, Result: data})
		}
	}
}

// pumpBatches forwards coalesced watcher batches the same way.
func (e *Engine) pumpBatches(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-e.watcher.Batches():
			if !ok {
				return
			}
			e.metrics.WatcherBatches.Inc()
			e.metrics.WatcherEvents.Add(float64(len(batch.Events)))

			data, err := json.Marshal(batchPushPayload{
				Events:    batch.Events,
				EmittedAt: batch.EmittedAt,
			})
			if err != nil {
				e.logger.Error("Failed to encode batch", "error", err)
				continue
			}
			if err := e.provider.Publish(SubjectBatch, data); err != nil {
				e.logger.Warn("Fan-out publish failed", "subject", SubjectBatch, "error", err)
			}
			e.broadcast(ServerMessage{Type: SrvBatch, Result: data})
		}
	}
}

// pumpPoolErrors logs transport failures surfaced by the pool.
func (e *Engine) pumpPoolErrors(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-e.pool.ErrorEvents():
			if !ok {
				return
			}
			e.logger.Warn("Connection error",
				"id", event.ConnectionID,
				"url", event.URL,
				"error", event.Err)
		}
	}
}

// broadcast pushes a server message to every live pooled connection.
// Per-connection failures are logged and do not stop the fan-out.
func (e *Engine) broadcast(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.Error("Failed to encode push", "error", err)
		return
	}
	ids := e.pool.ConnectionIDs()
	e.metrics.PoolConnections.Set(float64(len(ids)))
	for _, id := range ids {
		if err := e.pool.Send(id, data); err != nil {
			e.logger.Warn("Push failed", "connection", id, "error", err)
			continue
		}
		e.metrics.PoolMessages.Inc()
	}
}

// Mode reports the synchronization strategy for a path. Files whose
// extension is registered for collaborative editing merge concurrent
// edits; everything else is serialized through locks.
func (e *Engine) Mode(path string) SyncMode {
	ext := strings.ToLower(filepath.Ext(path))
	for _, candidate := range e.cfg.Collab.Extensions {
		if ext == strings.ToLower(candidate) {
			return ModeMerge
		}
	}
	return ModeLock
}

// loaderFor returns the lazy loader bound to path, creating and
// initializing one on first use.
func (e *Engine) loaderFor(ctx context.Context, path string) (*loader.Loader, error) {
	e.mu.Lock()
	l, ok := e.loaders[path]
	e.mu.Unlock()
	if ok {
		return l, nil
	}

	l, err := loader.New(e.cfg.Loader, e.source, e.logger)
	if err != nil {
		return nil, err
	}
	if _, err := l.Initialize(ctx, path); err != nil {
		return nil, err
	}

	e.mu.Lock()
	// Another request may have won the race; keep the first one so
	// cache state stays shared.
	if existing, ok := e.loaders[path]; ok {
		l = existing
	} else {
		e.loaders[path] = l
	}
	e.mu.Unlock()
	return l, nil
}

// invalidateLoader drops the cached loader for a path whose content
// changed out from under it.
func (e *Engine) invalidateLoader(path string) {
	e.mu.Lock()
	delete(e.loaders, path)
	e.mu.Unlock()
}

// Close tears the engine down: watcher first so no new events arrive,
// then sessions, pool, and transport.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.watcher.Stop()

	var errs []error
	if err := e.manager.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("collab: %w", err))
	}
	if err := e.pool.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := e.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("provider: %w", err))
	}
	if e.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
		cancel()
	}

	e.wg.Wait()
	e.logger.Info("Engine stopped")
	return errors.Join(errs...)
}
