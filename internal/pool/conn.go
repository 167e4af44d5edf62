package pool

import (
	"sync"
	"time"

	"github.com/monetgate/monetgate/monetdb"
)

// ConnState represents the state of a pooled connection.
type ConnState int

const (
	ConnStateIdle ConnState = iota
	ConnStateActive
	ConnStateClosed
)

// PooledConn wraps an authenticated MonetDB connection with pooling metadata.
type PooledConn struct {
	mu        sync.Mutex
	conn      *monetdb.Connection
	state     ConnState
	createdAt time.Time
	lastUsed  time.Time
	serverID  string
	database  string
	pool      *ServerPool // back-reference for returning to pool
}

// NewPooledConn wraps a monetdb.Connection for pool management.
func NewPooledConn(conn *monetdb.Connection, serverID, database string, p *ServerPool) *PooledConn {
	now := time.Now()
	return &PooledConn{
		conn:      conn,
		state:     ConnStateIdle,
		createdAt: now,
		lastUsed:  now,
		serverID:  serverID,
		database:  database,
		pool:      p,
	}
}

// Conn returns the underlying MonetDB connection.
func (pc *PooledConn) Conn() *monetdb.Connection {
	return pc.conn
}

// ServerID returns the server this connection belongs to.
func (pc *PooledConn) ServerID() string {
	return pc.serverID
}

// Database returns the database name this connection is bound to.
func (pc *PooledConn) Database() string {
	return pc.database
}

// MarkActive marks this connection as in-use.
func (pc *PooledConn) MarkActive() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateActive
	pc.lastUsed = time.Now()
}

// MarkIdle marks this connection as idle (returned to pool).
func (pc *PooledConn) MarkIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateIdle
	pc.lastUsed = time.Now()
}

// State returns the current connection state.
func (pc *PooledConn) State() ConnState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// CreatedAt returns when this connection was established.
func (pc *PooledConn) CreatedAt() time.Time {
	return pc.createdAt
}

// LastUsed returns when this connection was last used.
func (pc *PooledConn) LastUsed() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

// IsExpired checks if the connection has exceeded its max lifetime.
func (pc *PooledConn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pc.createdAt) > maxLifetime
}

// IsIdle checks if the connection has been idle longer than the timeout.
func (pc *PooledConn) IsIdle(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return pc.state == ConnStateIdle && time.Since(pc.lastUsed) > idleTimeout
}

// Close closes the underlying connection and marks it as closed.
func (pc *PooledConn) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateClosed
	return pc.conn.Close()
}

// Ping verifies the connection with a trivial query round trip.
func (pc *PooledConn) Ping() error {
	return pc.conn.Ping()
}

// Return releases this connection back to its pool.
func (pc *PooledConn) Return() {
	if pc.pool != nil {
		pc.pool.Return(pc)
	}
}
