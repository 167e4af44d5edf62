package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/monetgate/monetgate/internal/config"
	"github.com/monetgate/monetgate/mapi"
	"github.com/monetgate/monetgate/monetdb"
)

// Stats holds connection pool statistics for a server.
type Stats struct {
	ServerID  string `json:"server_id"`
	Database  string `json:"database"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when a pool reaches max connections and a goroutine must wait.
type OnPoolExhausted func(serverID string)

// ServerPool manages connections for a single MonetDB server.
type ServerPool struct {
	mu             sync.Mutex
	cond           *sync.Cond // broadcast when a connection is returned
	serverID       string
	host           string
	port           int
	unixSocket     string
	dbname         string
	username       string
	password       string
	minConns       int
	maxConns       int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	acquireTimeout time.Duration
	dialTimeout    time.Duration

	idle      []*PooledConn
	active    map[*PooledConn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
}

// NewServerPool creates a new connection pool for a MonetDB server.
func NewServerPool(serverID string, sc config.ServerConfig, defaults config.PoolDefaults) *ServerPool {
	sp := &ServerPool{
		serverID:       serverID,
		host:           sc.Host,
		port:           sc.Port,
		unixSocket:     sc.UnixSocket,
		dbname:         sc.DBName,
		username:       sc.Username,
		password:       sc.Password,
		minConns:       sc.EffectiveMinConnections(defaults),
		maxConns:       sc.EffectiveMaxConnections(defaults),
		idleTimeout:    sc.EffectiveIdleTimeout(defaults),
		maxLifetime:    sc.EffectiveMaxLifetime(defaults),
		acquireTimeout: sc.EffectiveAcquireTimeout(defaults),
		dialTimeout:    sc.EffectiveDialTimeout(defaults),
		idle:           make([]*PooledConn, 0),
		active:         make(map[*PooledConn]struct{}),
		stopCh:         make(chan struct{}),
	}
	sp.cond = sync.NewCond(&sp.mu)

	// Start idle reaper
	go sp.reapLoop()

	// Pre-warm connections in background
	if sp.minConns > 0 {
		go sp.warmUp()
	}

	return sp
}

// warmUp pre-creates minConns idle connections so the pool is ready for traffic.
func (sp *ServerPool) warmUp() {
	for i := 0; i < sp.minConns; i++ {
		sp.mu.Lock()
		if sp.closed || sp.total >= sp.minConns {
			sp.mu.Unlock()
			return
		}
		sp.total++
		sp.mu.Unlock()

		pc, err := sp.dial()
		if err != nil {
			sp.mu.Lock()
			sp.total--
			sp.mu.Unlock()
			slog.Warn("warm-up connection failed", "index", i+1, "total", sp.minConns, "server", sp.serverID, "err", err)
			return
		}

		sp.mu.Lock()
		if sp.closed {
			sp.mu.Unlock()
			pc.Close()
			return
		}
		pc.MarkIdle()
		sp.idle = append(sp.idle, pc)
		sp.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "count", sp.minConns, "server", sp.serverID)
}

// Acquire gets a connection from the pool, creating one if needed.
// The context is used for cancellation and deadline propagation.
func (sp *ServerPool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadlineAt := time.Now().Add(sp.acquireTimeout)

	// If the context has an earlier deadline, use that instead.
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	sp.mu.Lock()
	for {
		// Check context cancellation
		select {
		case <-ctx.Done():
			sp.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if sp.closed {
			sp.mu.Unlock()
			return nil, fmt.Errorf("pool closed for server %s", sp.serverID)
		}

		// Try to get an idle connection
		for len(sp.idle) > 0 {
			pc := sp.idle[len(sp.idle)-1]
			sp.idle = sp.idle[:len(sp.idle)-1]

			// Check if connection is expired
			if pc.IsExpired(sp.maxLifetime) {
				pc.Close()
				sp.total--
				continue
			}

			pc.MarkActive()
			sp.active[pc] = struct{}{}
			sp.mu.Unlock()

			// Verify the connection is alive outside the lock. A dead
			// connection is discarded and the caller retries.
			if err := pc.Ping(); err != nil {
				pc.Close()
				sp.mu.Lock()
				delete(sp.active, pc)
				sp.total--
				continue
			}
			return pc, nil
		}

		// Create a new connection if under limit
		if sp.total < sp.maxConns {
			sp.total++
			sp.mu.Unlock()

			pc, err := sp.dial()
			if err != nil {
				sp.mu.Lock()
				sp.total--
				sp.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s for server %s: %w", sp.endpoint(), sp.serverID, err)
			}

			pc.MarkActive()
			sp.mu.Lock()
			sp.active[pc] = struct{}{}
			sp.mu.Unlock()
			return pc, nil
		}

		// Pool exhausted, wait for a connection to be returned
		sp.waiting++
		sp.exhausted++
		cb := sp.onPoolExhausted
		sp.mu.Unlock()

		if cb != nil {
			cb(sp.serverID)
		}

		// Wait with timeout using sync.Cond
		sp.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			sp.waiting--
			sp.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for server %s: pool exhausted", sp.acquireTimeout, sp.serverID)
		}

		// Set up a timer to wake us if we time out
		timer := time.AfterFunc(remaining, func() {
			sp.cond.Broadcast()
		})
		sp.cond.Wait() // releases mu, waits for signal, reacquires mu
		timer.Stop()

		sp.waiting--

		if sp.closed {
			sp.mu.Unlock()
			return nil, fmt.Errorf("pool closing for server %s", sp.serverID)
		}

		if time.Now().After(deadlineAt) {
			sp.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for server %s: pool exhausted", sp.acquireTimeout, sp.serverID)
		}

		// Retry from the top of the loop (mu is held)
	}
}

// Return releases a connection back to the pool.
func (sp *ServerPool) Return(pc *PooledConn) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	delete(sp.active, pc)

	if sp.closed || pc.IsExpired(sp.maxLifetime) || !pc.conn.Ready() {
		pc.Close()
		sp.total--
		sp.cond.Broadcast()
		return
	}

	pc.MarkIdle()
	sp.idle = append(sp.idle, pc)

	// Wake all waiting goroutines so they can retry
	sp.cond.Broadcast()
}

// Stats returns current pool statistics.
func (sp *ServerPool) Stats() Stats {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return Stats{
		ServerID:  sp.serverID,
		Database:  sp.dbname,
		Active:    len(sp.active),
		Idle:      len(sp.idle),
		Total:     sp.total,
		Waiting:   sp.waiting,
		MaxConns:  sp.maxConns,
		MinConns:  sp.minConns,
		Exhausted: sp.exhausted,
	}
}

// Drain closes all idle connections and waits for active ones to be returned.
func (sp *ServerPool) Drain() {
	sp.mu.Lock()

	// Close all idle connections
	for _, pc := range sp.idle {
		pc.Close()
		sp.total--
	}
	sp.idle = sp.idle[:0]

	// Wait for active connections with a timeout
	activeCount := len(sp.active)
	sp.mu.Unlock()

	if activeCount > 0 {
		slog.Info("draining active connections", "count", activeCount, "server", sp.serverID)
		timeout := time.After(30 * time.Second)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sp.mu.Lock()
				if len(sp.active) == 0 {
					sp.mu.Unlock()
					return
				}
				sp.mu.Unlock()
			case <-timeout:
				sp.mu.Lock()
				for pc := range sp.active {
					pc.Close()
					sp.total--
				}
				sp.active = make(map[*PooledConn]struct{})
				sp.mu.Unlock()
				slog.Warn("force-closed active connections after drain timeout", "server", sp.serverID)
				return
			}
		}
	}
}

// Close shuts down the pool.
func (sp *ServerPool) Close() {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return
	}
	sp.closed = true
	close(sp.stopCh)
	sp.cond.Broadcast() // wake any goroutines waiting in Acquire
	sp.mu.Unlock()

	sp.Drain()
}

func (sp *ServerPool) endpoint() string {
	if sp.unixSocket != "" {
		return sp.unixSocket
	}
	return fmt.Sprintf("%s:%d", sp.host, sp.port)
}

func (sp *ServerPool) dial() (*PooledConn, error) {
	params := mapi.ConnParams{
		Database:   sp.dbname,
		Username:   sp.username,
		Password:   sp.password,
		Hostname:   sp.host,
		Port:       sp.port,
		UnixSocket: sp.unixSocket,
	}
	conn, err := monetdb.ConnectParamsWith(params, mapi.DialOptions{DialTimeout: sp.dialTimeout})
	if err != nil {
		return nil, err
	}
	return NewPooledConn(conn, sp.serverID, sp.dbname, sp), nil
}

func (sp *ServerPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sp.reapIdle()
		case <-sp.stopCh:
			return
		}
	}
}

func (sp *ServerPool) reapIdle() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if len(sp.idle) <= sp.minConns {
		return
	}

	// Reap oldest connections first (front of the slice).
	// Keep at least minConns, preserving the newest (back of the slice).
	kept := make([]*PooledConn, 0, len(sp.idle))
	excess := len(sp.idle) - sp.minConns
	for i, pc := range sp.idle {
		if i < excess && (pc.IsIdle(sp.idleTimeout) || pc.IsExpired(sp.maxLifetime)) {
			pc.Close()
			sp.total--
		} else {
			kept = append(kept, pc)
		}
	}
	sp.idle = kept
}

// StatsCallback is called periodically with pool stats for each server.
type StatsCallback func(stats Stats)

// Manager manages connection pools for all configured servers.
type Manager struct {
	mu              sync.RWMutex
	pools           map[string]*ServerPool
	defaults        config.PoolDefaults
	onPoolExhausted OnPoolExhausted
	statsCallback   StatsCallback
	statsStopCh     chan struct{}
	closeOnce       sync.Once
}

// NewManager creates a new pool manager.
func NewManager(defaults config.PoolDefaults) *Manager {
	return &Manager{
		pools:       make(map[string]*ServerPool),
		defaults:    defaults,
		statsStopCh: make(chan struct{}),
	}
}

// SetOnPoolExhausted sets the callback for pool exhaustion events.
// Must be called before any pools are created.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
}

// StartStatsLoop starts a periodic goroutine that calls the stats callback for each pool.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	m.statsCallback = cb
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// GetOrCreate returns the pool for a server, creating it lazily if needed.
func (m *Manager) GetOrCreate(serverID string, sc config.ServerConfig) *ServerPool {
	m.mu.RLock()
	if p, ok := m.pools[serverID]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if p, ok := m.pools[serverID]; ok {
		return p
	}

	p := NewServerPool(serverID, sc, m.defaults)
	p.onPoolExhausted = m.onPoolExhausted
	m.pools[serverID] = p
	slog.Info("created pool", "server", serverID, "database", sc.DBName, "host", sc.Host, "port", sc.Port)
	return p
}

// Get returns the pool for a server if it exists.
func (m *Manager) Get(serverID string) (*ServerPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[serverID]
	return p, ok
}

// Remove closes and removes the pool for a server.
func (m *Manager) Remove(serverID string) bool {
	m.mu.Lock()
	p, ok := m.pools[serverID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, serverID)
	m.mu.Unlock()

	p.Close()
	slog.Info("removed pool", "server", serverID)
	return true
}

// DrainServer drains connections for a specific server.
func (m *Manager) DrainServer(serverID string) bool {
	m.mu.RLock()
	p, ok := m.pools[serverID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	p.Drain()
	return true
}

// AllStats returns stats for all server pools.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// ServerStats returns stats for a specific server pool.
func (m *Manager) ServerStats(serverID string) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[serverID]
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

// UpdateDefaults updates the default pool settings.
func (m *Manager) UpdateDefaults(defaults config.PoolDefaults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = defaults
}

// Close shuts down all pools and stops the stats loop. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.statsStopCh)
	})

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*ServerPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
