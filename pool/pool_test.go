package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn recording sends.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
	errs    chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{errs: make(chan error, 4)}
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.errs)
	}
	return nil
}

func (c *fakeConn) Errors() <-chan error { return c.errs }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands out fakeConns and counts dials.
type fakeTransport struct {
	mu      sync.Mutex
	conns   map[string]*fakeConn
	dials   int
	dialErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(map[string]*fakeConn)}
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeConn()
	t.conns[url] = c
	return c, nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	p, err := New(cfg, transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Destroy() })
	return p, transport
}

func TestGetReusesConnection(t *testing.T) {
	p, transport := newTestPool(t, DefaultConfig())
	ctx := context.Background()

	first, err := p.Get(ctx, "ws://relay.example.com/sync", "client-1")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, first.State)

	second, err := p.Get(ctx, "ws://relay.example.com/sync", "client-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same URL must reuse the connection")
	assert.Equal(t, 2, second.Subscribers)
	assert.Equal(t, 1, transport.dials)
}

func TestGlobalConnectionCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 2
	cfg.MaxPerHost = 2
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	_, err := p.Get(ctx, "ws://a.example.com/1", "s")
	require.NoError(t, err)
	_, err = p.Get(ctx, "ws://b.example.com/1", "s")
	require.NoError(t, err)

	_, err = p.Get(ctx, "ws://c.example.com/1", "s")
	assert.ErrorIs(t, err, ErrConnectionLimit)
}

func TestPerHostCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 10
	cfg.MaxPerHost = 2
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	_, err := p.Get(ctx, "ws://relay.example.com/a", "s")
	require.NoError(t, err)
	_, err = p.Get(ctx, "ws://relay.example.com/b", "s")
	require.NoError(t, err)

	// Third distinct URL on the same host exceeds the per-host cap.
	_, err = p.Get(ctx, "ws://relay.example.com/c", "s")
	require.ErrorIs(t, err, ErrConnectionLimit)

	// A different host still has capacity.
	_, err = p.Get(ctx, "ws://other.example.com/a", "s")
	assert.NoError(t, err)
}

func TestWaitForSlotTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MaxPerHost = 1
	cfg.WaitForSlot = true
	p, _ := newTestPool(t, cfg)

	_, err := p.Get(context.Background(), "ws://a.example.com/1", "s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx, "ws://b.example.com/1", "s")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSendRecordsTraffic(t *testing.T) {
	p, transport := newTestPool(t, DefaultConfig())

	conn, err := p.Get(context.Background(), "ws://relay.example.com/sync", "s")
	require.NoError(t, err)

	require.NoError(t, p.Send(conn.ID, []byte("hello")))
	require.NoError(t, p.Send(conn.ID, []byte("world!")))

	health := p.Health()
	assert.Equal(t, int64(2), health.TotalMessages)
	assert.Equal(t, int64(11), health.TotalBytes)

	raw := transport.conns["ws://relay.example.com/sync"]
	assert.Len(t, raw.sent, 2)
}

func TestSendFailureSurfaces(t *testing.T) {
	p, transport := newTestPool(t, DefaultConfig())

	conn, err := p.Get(context.Background(), "ws://relay.example.com/sync", "s")
	require.NoError(t, err)

	transport.conns["ws://relay.example.com/sync"].sendErr = errors.New("broken pipe")

	err = p.Send(conn.ID, []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	// The failure is also reported on the error event channel.
	select {
	case ev := <-p.ErrorEvents():
		assert.Equal(t, conn.ID, ev.ConnectionID)
	case <-time.After(time.Second):
		t.Fatal("expected a connection-error event")
	}
}

func TestSendUnknownConnection(t *testing.T) {
	p, _ := newTestPool(t, DefaultConfig())

	err := p.Send("no-such-id", []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestReleaseTransitionsToIdle(t *testing.T) {
	p, transport := newTestPool(t, DefaultConfig())
	ctx := context.Background()

	conn, err := p.Get(ctx, "ws://relay.example.com/sync", "s1")
	require.NoError(t, err)
	_, err = p.Get(ctx, "ws://relay.example.com/sync", "s2")
	require.NoError(t, err)

	require.NoError(t, p.Release(conn.ID, "s1"))
	info, err := p.Info(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, info.State, "still one subscriber left")

	require.NoError(t, p.Release(conn.ID, "s2"))
	info, err = p.Info(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, info.State, "idle, not closed, at zero subscribers")
	assert.False(t, transport.conns["ws://relay.example.com/sync"].isClosed())

	// Idle connections are reused without a new dial.
	again, err := p.Get(ctx, "ws://relay.example.com/sync", "s3")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID)
	assert.Equal(t, 1, transport.dials)
}

func TestAsyncErrorEmitsEvent(t *testing.T) {
	p, transport := newTestPool(t, DefaultConfig())

	conn, err := p.Get(context.Background(), "ws://relay.example.com/sync", "s")
	require.NoError(t, err)

	transport.conns["ws://relay.example.com/sync"].errs <- errors.New("connection reset")

	select {
	case ev := <-p.ErrorEvents():
		assert.Equal(t, conn.ID, ev.ConnectionID)
		assert.EqualError(t, ev.Err, "connection reset")
	case <-time.After(time.Second):
		t.Fatal("expected a connection-error event")
	}
}

func TestDialFailureCounted(t *testing.T) {
	p, transport := newTestPool(t, DefaultConfig())
	transport.dialErr = errors.New("refused")

	_, err := p.Get(context.Background(), "ws://down.example.com/sync", "s")
	require.Error(t, err)

	health := p.Health()
	assert.Equal(t, int64(1), health.FailedConnections)
	assert.Zero(t, health.TotalConnections, "failed placeholder must not leak a slot")

	// The slot is free again for the next attempt.
	transport.dialErr = nil
	_, err = p.Get(context.Background(), "ws://down.example.com/sync", "s")
	assert.NoError(t, err)
}

func TestDestroyClosesEverything(t *testing.T) {
	p, transport := newTestPool(t, DefaultConfig())
	ctx := context.Background()

	_, err := p.Get(ctx, "ws://a.example.com/1", "s")
	require.NoError(t, err)
	_, err = p.Get(ctx, "ws://b.example.com/1", "s")
	require.NoError(t, err)

	require.NoError(t, p.Destroy())
	for url, c := range transport.conns {
		assert.True(t, c.isClosed(), "connection %s must be closed", url)
	}

	_, err = p.Get(ctx, "ws://a.example.com/1", "s")
	assert.ErrorIs(t, err, ErrPoolClosed)

	require.NoError(t, p.Destroy(), "second destroy is a no-op")
}

func TestHealthCounters(t *testing.T) {
	p, _ := newTestPool(t, DefaultConfig())
	ctx := context.Background()

	a, err := p.Get(ctx, "ws://a.example.com/1", "s")
	require.NoError(t, err)
	_, err = p.Get(ctx, "ws://b.example.com/1", "s")
	require.NoError(t, err)
	require.NoError(t, p.Release(a.ID, "s"))

	health := p.Health()
	assert.Equal(t, 2, health.TotalConnections)
	assert.Equal(t, 1, health.ActiveConnections)
	assert.Equal(t, 1, health.IdleConnections)
	assert.Positive(t, health.Uptime)
}

func TestInvalidURL(t *testing.T) {
	p, _ := newTestPool(t, DefaultConfig())

	_, err := p.Get(context.Background(), "not a url\x00", "s")
	require.Error(t, err)
	_, err = p.Get(context.Background(), "relative/path", "s")
	assert.Error(t, err)
}

func TestConcurrentGetRespectsCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 4
	cfg.MaxPerHost = 4
	p, _ := newTestPool(t, cfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("ws://h%d.example.com/sync", i)
			if _, err := p.Get(context.Background(), url, "s"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, succeeded, "caps must hold under concurrent acquisition")
}
