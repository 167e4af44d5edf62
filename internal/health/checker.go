package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/monetgate/monetgate/internal/config"
	"github.com/monetgate/monetgate/internal/metrics"
	"github.com/monetgate/monetgate/internal/pool"
	"github.com/monetgate/monetgate/internal/registry"
	"github.com/monetgate/monetgate/mapi"
	"github.com/monetgate/monetgate/monetdb"
)

// Status represents the health status of a MonetDB server.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ServerHealth holds health information for a server.
type ServerHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on MonetDB servers.
type Checker struct {
	mu       sync.RWMutex
	servers  map[string]*ServerHealth
	registry *registry.Registry
	metrics  *metrics.Collector
	poolMgr  *pool.Manager

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker with configurable parameters.
func NewChecker(r *registry.Registry, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		servers:           make(map[string]*ServerHealth),
		registry:          r,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// SetPoolManager wires a pool.Manager into the checker so servers with a
// live pool are checked via a pooled connection instead of a fresh login.
func (c *Checker) SetPoolManager(pm *pool.Manager) {
	c.poolMgr = pm
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	servers := c.registry.ListServers()

	// Run health checks in parallel with a bounded worker pool.
	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for id, sc := range servers {
		id, sc := id, sc // capture loop vars
		wg.Add(1)
		sem <- struct{}{} // acquire semaphore slot
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			healthy := c.pingServer(id, sc)
			if !healthy && c.metrics != nil {
				c.metrics.HealthCheckError(id)
			}
			c.updateStatus(id, healthy)
		}()
	}
	wg.Wait()
}

// pingServer verifies a server answers a trivial query. An existing pooled
// connection is preferred; otherwise a fresh login is performed so the full
// handshake path is exercised.
func (c *Checker) pingServer(serverID string, sc config.ServerConfig) bool {
	if c.poolMgr != nil {
		if sp, ok := c.poolMgr.Get(serverID); ok {
			return c.pingViaPool(serverID, sp)
		}
	}
	return c.pingFresh(serverID, sc)
}

// pingViaPool runs the check over a pre-authenticated pool connection,
// giving a full end-to-end health signal.
func (c *Checker) pingViaPool(serverID string, sp *pool.ServerPool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	pc, err := sp.Acquire(ctx)
	if err != nil {
		c.setLastError(serverID, "acquiring connection for health check: "+err.Error())
		return false
	}
	defer pc.Return()

	if err := pc.Ping(); err != nil {
		c.setLastError(serverID, "health check query: "+err.Error())
		return false
	}
	c.setLastError(serverID, "")
	return true
}

// pingFresh logs in with a dedicated connection and runs the check query.
func (c *Checker) pingFresh(serverID string, sc config.ServerConfig) bool {
	params := mapi.ConnParams{
		Database:   sc.DBName,
		Username:   sc.Username,
		Password:   sc.Password,
		Hostname:   sc.Host,
		Port:       sc.Port,
		UnixSocket: sc.UnixSocket,
	}
	conn, err := monetdb.ConnectParamsWith(params, mapi.DialOptions{
		DialTimeout:  c.connectionTimeout,
		ReadTimeout:  c.connectionTimeout,
		WriteTimeout: c.connectionTimeout,
	})
	if err != nil {
		c.setLastError(serverID, "health check login: "+err.Error())
		return false
	}
	defer conn.Close()

	if err := conn.Ping(); err != nil {
		c.setLastError(serverID, "health check query: "+err.Error())
		return false
	}
	c.setLastError(serverID, "")
	return true
}

func (c *Checker) setLastError(serverID, errMsg string) {
	c.mu.Lock()
	sh := c.getOrCreate(serverID)
	if errMsg != "" {
		sh.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(serverID string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sh := c.getOrCreate(serverID)
	sh.LastCheck = time.Now()

	if healthy {
		if sh.ConsecutiveFailures > 0 {
			slog.Info("server recovered", "server", serverID, "failures", sh.ConsecutiveFailures)
		}
		sh.Status = StatusHealthy
		sh.ConsecutiveFailures = 0
		sh.LastError = ""
	} else {
		sh.ConsecutiveFailures++
		if sh.ConsecutiveFailures >= c.failureThreshold {
			if sh.Status != StatusUnhealthy {
				slog.Warn("server marked unhealthy", "server", serverID, "failures", sh.ConsecutiveFailures, "error", sh.LastError)
			}
			sh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetServerHealth(serverID, sh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(serverID string) *ServerHealth {
	sh, ok := c.servers[serverID]
	if !ok {
		sh = &ServerHealth{Status: StatusUnknown}
		c.servers[serverID] = sh
	}
	return sh
}

// IsHealthy returns whether a server is healthy (or unknown, which is treated as healthy).
func (c *Checker) IsHealthy(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sh, ok := c.servers[serverID]
	if !ok {
		return true // unknown = allow through
	}
	return sh.Status != StatusUnhealthy
}

// GetStatus returns the health status for a server.
func (c *Checker) GetStatus(serverID string) ServerHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sh, ok := c.servers[serverID]
	if !ok {
		return ServerHealth{Status: StatusUnknown}
	}
	return *sh
}

// GetAllStatuses returns health statuses for all known servers.
func (c *Checker) GetAllStatuses() map[string]ServerHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]ServerHealth, len(c.servers))
	for id, sh := range c.servers {
		result[id] = *sh
	}
	return result
}

// OverallHealthy returns true if all servers are healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sh := range c.servers {
		if sh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveServer removes health state for a server that has been deleted.
func (c *Checker) RemoveServer(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.servers, serverID)
	if c.metrics != nil {
		c.metrics.RemoveServer(serverID)
	}
	slog.Info("removed health state", "server", serverID)
}
