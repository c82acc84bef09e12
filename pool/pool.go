package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type hostEntry struct {
	count int
	conn  *Connection
}

// Pool is the connection pool (spec.md C3): one transport per
// normalised host URI, shared across every downlink manager that
// needs it, reference counted so the transport closes exactly when
// the last manager referencing it releases it.
//
// The host -> (count, connection) map is guarded by a single mutex;
// per spec this is the one piece of shared state in the system that
// isn't confined to a single goroutine/loop thread.
type Pool struct {
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]*hostEntry
}

// New returns an empty Pool. logger may be nil, in which case
// slog.Default() is used.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger: logger,
		hosts:  make(map[string]*hostEntry),
	}
}

// OpenDownlink returns the Connection for host, dialing a fresh
// transport if this is the first caller for that host, and
// incrementing its downlink reference count either way. Callers must
// eventually call CloseDownlink with the same host to release their
// reference.
func (p *Pool) OpenDownlink(ctx context.Context, host string) (*Connection, error) {
	normalised, err := NormalizeHostURI(host)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	entry, ok := p.hosts[normalised]
	if ok {
		entry.count++
		conn := entry.conn
		p.mu.Unlock()
		return conn, nil
	}
	conn := newConnection(normalised, p.logger)
	entry = &hostEntry{count: 1, conn: conn}
	p.hosts[normalised] = entry
	p.mu.Unlock()

	if err := conn.dial(ctx); err != nil {
		p.mu.Lock()
		delete(p.hosts, normalised)
		p.mu.Unlock()
		return nil, err
	}
	p.logger.Debug("pool: opened transport", "host", normalised)
	return conn, nil
}

// CloseDownlink releases one reference on host's connection, closing
// the transport once the count reaches zero.
func (p *Pool) CloseDownlink(host string) {
	normalised, err := NormalizeHostURI(host)
	if err != nil {
		return
	}

	p.mu.Lock()
	entry, ok := p.hosts[normalised]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.count--
	shouldClose := entry.count <= 0
	if shouldClose {
		delete(p.hosts, normalised)
	}
	p.mu.Unlock()

	if shouldClose {
		p.logger.Debug("pool: closing transport", "host", normalised)
		entry.conn.Close(nil)
	}
}

// GetConnection returns the current connection for host, if one is
// open.
func (p *Pool) GetConnection(host string) (*Connection, bool) {
	normalised, err := NormalizeHostURI(host)
	if err != nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.hosts[normalised]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Count returns the number of distinct downlink references held
// against host's connection, for tests and diagnostics.
func (p *Pool) Count(host string) int {
	normalised, err := NormalizeHostURI(host)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.hosts[normalised]
	if !ok {
		return 0
	}
	return entry.count
}

// HostCount returns the number of distinct hosts with an open
// connection, for tests asserting "exactly one transport was opened".
func (p *Pool) HostCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hosts)
}

func (p *Pool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("pool.Pool{hosts: %d}", len(p.hosts))
}
