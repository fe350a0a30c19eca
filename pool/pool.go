// Package pool manages a bounded set of reusable duplex connections used
// to push batched change notifications and collaboration traffic to
// clients. The pool owns connection lifecycle and health accounting; the
// actual sockets live behind the Transport interface.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common pool errors.
var (
	// ErrConnectionLimit is returned when a new connection would exceed
	// the global or per-host cap.
	ErrConnectionLimit = errors.New("connection limit exceeded")

	// ErrConnectionNotFound is returned for operations on unknown
	// connection IDs.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrPoolClosed is returned after Destroy.
	ErrPoolClosed = errors.New("pool destroyed")

	// ErrTimeout is returned when waiting for a free slot exceeds the
	// caller's deadline.
	ErrTimeout = errors.New("timed out waiting for connection slot")
)

const (
	// errorChannelBuffer is the size of the connection-error event channel.
	errorChannelBuffer = 64

	// slotPollInterval is how often a queued Get rechecks the caps.
	slotPollInterval = 10 * time.Millisecond
)

// Transport opens the actual sockets. The pool depends only on this
// narrow contract.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one duplex connection as seen by the pool.
type Conn interface {
	// Send transmits one payload. A non-nil error means the payload was
	// not delivered.
	Send(payload []byte) error

	// Close shuts the connection down, returning once the close is
	// acknowledged by the transport.
	Close() error

	// Errors delivers asynchronous transport failures. The channel is
	// closed when the connection dies.
	Errors() <-chan error
}

// State is a pooled connection's lifecycle state.
type State string

// Connection states.
const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateIdle       State = "idle"
	StateClosed     State = "closed"
)

// PooledConnection is a caller-visible snapshot of one managed connection.
type PooledConnection struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	State       State     `json:"state"`
	Subscribers int       `json:"subscribers"`
	OpenedAt    time.Time `json:"openedAt"`
}

// ErrorEvent reports a transport failure on a background channel, so
// subscribers can react (e.g. reconnect) without the pool crashing.
type ErrorEvent struct {
	ConnectionID string    `json:"connectionId"`
	URL          string    `json:"url"`
	Err          error     `json:"-"`
	At           time.Time `json:"at"`
}

// Config bounds the pool.
type Config struct {
	// MaxConnections caps the pool globally.
	MaxConnections int `yaml:"max_connections"`

	// MaxPerHost caps connections per host.
	MaxPerHost int `yaml:"max_per_host"`

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WaitForSlot queues Get calls at the caps instead of failing; the
	// caller's context bounds the wait.
	WaitForSlot bool `yaml:"wait_for_slot"`
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 32,
		MaxPerHost:     6,
		DialTimeout:    10 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxPerHost <= 0 {
		return fmt.Errorf("max_per_host must be positive, got %d", c.MaxPerHost)
	}
	if c.MaxPerHost > c.MaxConnections {
		return fmt.Errorf("max_per_host (%d) must not exceed max_connections (%d)", c.MaxPerHost, c.MaxConnections)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive, got %s", c.DialTimeout)
	}
	return nil
}

// Health is the pool's health snapshot.
type Health struct {
	TotalConnections  int           `json:"totalConnections"`
	ActiveConnections int           `json:"activeConnections"`
	IdleConnections   int           `json:"idleConnections"`
	FailedConnections int64         `json:"failedConnections"`
	TotalMessages     int64         `json:"totalMessages"`
	TotalBytes        int64         `json:"totalBytes"`
	AverageLatency    time.Duration `json:"averageLatency"`
	Uptime            time.Duration `json:"uptime"`
}

// entry is one managed connection.
type entry struct {
	id          string
	url         string
	host        string
	conn        Conn
	state       State
	subscribers map[string]bool
	openedAt    time.Time
}

// Pool manages connections keyed by URL, reference-counted by subscriber.
type Pool struct {
	config    Config
	transport Transport
	logger    *slog.Logger

	mu     sync.Mutex
	byID   map[string]*entry
	byURL  map[string]*entry
	closed bool

	failed     int64
	messages   int64
	bytes      int64
	latencySum time.Duration
	dials      int64
	startTime  time.Time

	errorEvents chan ErrorEvent
	watchWG     sync.WaitGroup
}

// New creates a pool over the given transport.
func New(cfg Config, transport Transport, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		config:      cfg,
		transport:   transport,
		logger:      logger,
		byID:        make(map[string]*entry),
		byURL:       make(map[string]*entry),
		startTime:   time.Now(),
		errorEvents: make(chan ErrorEvent, errorChannelBuffer),
	}, nil
}

// ErrorEvents returns the channel of background transport failures.
func (p *Pool) ErrorEvents() <-chan ErrorEvent {
	return p.errorEvents
}

// Get returns a connection for rawURL, reusing an existing connected or
// idle entry when one exists and opening a new connection otherwise. The
// subscriber tag is reference-counted; pass the same tag to Release.
func (p *Pool) Get(ctx context.Context, rawURL, subscriber string) (PooledConnection, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return PooledConnection{}, err
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return PooledConnection{}, ErrPoolClosed
		}

		if e, ok := p.byURL[rawURL]; ok && e.state != StateClosed {
			if e.state == StateConnecting {
				// Another caller is mid-dial; wait for it to finish.
				p.mu.Unlock()
				select {
				case <-ctx.Done():
					return PooledConnection{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
				case <-time.After(slotPollInterval):
				}
				continue
			}
			e.subscribers[subscriber] = true
			e.state = StateConnected
			snap := snapshot(e)
			p.mu.Unlock()
			return snap, nil
		}

		if p.hasCapacityLocked(host) {
			// Reserve the slot with a connecting placeholder before
			// dialing, so concurrent Gets cannot blow past the caps.
			e := &entry{
				id:          uuid.NewString(),
				url:         rawURL,
				host:        host,
				state:       StateConnecting,
				subscribers: map[string]bool{subscriber: true},
				openedAt:    time.Now(),
			}
			p.byID[e.id] = e
			p.byURL[rawURL] = e
			p.mu.Unlock()
			return p.dial(ctx, e)
		}
		p.mu.Unlock()

		if !p.config.WaitForSlot {
			return PooledConnection{}, fmt.Errorf("%w: %d connections, %d to %s",
				ErrConnectionLimit, p.config.MaxConnections, p.config.MaxPerHost, host)
		}

		select {
		case <-ctx.Done():
			return PooledConnection{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(slotPollInterval):
		}
	}
}

// dial completes a reserved placeholder entry.
func (p *Pool) dial(ctx context.Context, e *entry) (PooledConnection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()

	started := time.Now()
	conn, err := p.transport.Dial(dialCtx, e.url)
	latency := time.Since(started)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		delete(p.byID, e.id)
		delete(p.byURL, e.url)
		p.failed++
		return PooledConnection{}, fmt.Errorf("dial %s: %w", e.url, err)
	}

	e.conn = conn
	e.state = StateConnected
	p.dials++
	p.latencySum += latency

	p.watchWG.Add(1)
	go p.watch(e)

	p.logger.Debug("Connection opened",
		"id", e.id,
		"url", e.url,
		"latency", latency)
	return snapshot(e), nil
}

// Send transmits a payload on a managed connection. Transport failures
// surface to the caller; nothing is dropped silently.
func (p *Pool) Send(connectionID string, payload []byte) error {
	p.mu.Lock()
	e, ok := p.byID[connectionID]
	if !ok || e.state == StateClosed || e.conn == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	conn := e.conn
	p.mu.Unlock()

	if err := conn.Send(payload); err != nil {
		p.emitError(e, err)
		return fmt.Errorf("send on %s: %w", connectionID, err)
	}

	p.mu.Lock()
	p.messages++
	p.bytes += int64(len(payload))
	p.mu.Unlock()
	return nil
}

// Release drops one subscriber reference. The connection transitions to
// idle, not closed, when no subscribers remain, so it can be reused.
func (p *Pool) Release(connectionID, subscriber string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	delete(e.subscribers, subscriber)
	if len(e.subscribers) == 0 && e.state == StateConnected {
		e.state = StateIdle
		p.logger.Debug("Connection idle", "id", e.id, "url", e.url)
	}
	return nil
}

// ConnectionIDs lists the IDs of all connections that can accept sends.
func (p *Pool) ConnectionIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.byID))
	for id, e := range p.byID {
		if e.state == StateConnected || e.state == StateIdle {
			ids = append(ids, id)
		}
	}
	return ids
}

// Info returns a snapshot of one managed connection.
func (p *Pool) Info(connectionID string) (PooledConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[connectionID]
	if !ok {
		return PooledConnection{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	return snapshot(e), nil
}

// Health returns the pool's health counters.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := Health{
		FailedConnections: p.failed,
		TotalMessages:     p.messages,
		TotalBytes:        p.bytes,
		Uptime:            time.Since(p.startTime),
	}
	for _, e := range p.byID {
		switch e.state {
		case StateConnected, StateConnecting:
			h.ActiveConnections++
		case StateIdle:
			h.IdleConnections++
		}
		if e.state != StateClosed {
			h.TotalConnections++
		}
	}
	if p.dials > 0 {
		h.AverageLatency = p.latencySum / time.Duration(p.dials)
	}
	return h
}

// Destroy closes every managed connection, waiting for each underlying
// close acknowledgment, and rejects further use.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*entry, 0, len(p.byID))
	for _, e := range p.byID {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		p.mu.Lock()
		conn := e.conn
		e.state = StateClosed
		p.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.watchWG.Wait()
	p.logger.Info("Connection pool destroyed", "connections", len(entries))
	return firstErr
}

// watch forwards asynchronous transport failures as error events and
// retires the connection when its error channel closes.
func (p *Pool) watch(e *entry) {
	defer p.watchWG.Done()

	for err := range e.conn.Errors() {
		p.emitError(e, err)
	}

	p.mu.Lock()
	if e.state != StateClosed {
		e.state = StateClosed
		delete(p.byURL, e.url)
	}
	p.mu.Unlock()
}

// emitError reports a transport failure without blocking.
func (p *Pool) emitError(e *entry, err error) {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()

	event := ErrorEvent{ConnectionID: e.id, URL: e.url, Err: err, At: time.Now()}
	select {
	case p.errorEvents <- event:
	default:
		p.logger.Warn("Error event channel full, dropping event",
			"id", e.id,
			"error", err)
	}
}

// hasCapacityLocked checks both caps. Caller holds p.mu.
func (p *Pool) hasCapacityLocked(host string) bool {
	total, perHost := 0, 0
	for _, e := range p.byID {
		if e.state == StateClosed {
			continue
		}
		total++
		if e.host == host {
			perHost++
		}
	}
	return total < p.config.MaxConnections && perHost < p.config.MaxPerHost
}

// snapshot copies an entry into its caller-visible form. Caller holds p.mu.
func snapshot(e *entry) PooledConnection {
	return PooledConnection{
		ID:          e.id,
		URL:         e.url,
		State:       e.state,
		Subscribers: len(e.subscribers),
		OpenedAt:    e.openedAt,
	}
}

// hostOf extracts the host (without port) used for per-host caps.
func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid connection url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid connection url %q: missing host", rawURL)
	}
	return u.Hostname(), nil
}
