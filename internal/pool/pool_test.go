package pool

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/monetgate/monetgate/internal/config"
	"github.com/monetgate/monetgate/mapi"
	"github.com/monetgate/monetgate/monetdb"
)

const testChallenge = "mb4qxlJZ:mserver:9:SHA512,SHA256:LIT:SHA512:"

// A real server answers SELECT 1 with a tinyint column.
const pingReply = "&1 0 1 1 1 0 0 0 0\n% .t # table_name\n% v # name\n% tinyint # type\n% 1 # length\n[ 1\t]"

func writeMAPIMessage(conn net.Conn, msg string) {
	header := make([]byte, 2)
	binary.LittleEndian.PutUint16(header, uint16(len(msg))<<1|1)
	conn.Write(header)
	conn.Write([]byte(msg))
}

func readMAPIMessage(conn net.Conn) (string, error) {
	var sb strings.Builder
	header := make([]byte, 2)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return "", err
		}
		unpacked := binary.LittleEndian.Uint16(header)
		length := int(unpacked >> 1)
		if length > 0 {
			chunk := make([]byte, length)
			if _, err := io.ReadFull(conn, chunk); err != nil {
				return "", err
			}
			sb.Write(chunk)
		}
		if unpacked&1 == 1 {
			return sb.String(), nil
		}
	}
}

// startMonetServer runs a MAPI server that authenticates every connection
// and answers every command with a one-row table reply.
func startMonetServer(t testing.TB) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting test server: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()

				writeMAPIMessage(conn, testChallenge)
				if _, err := readMAPIMessage(conn); err != nil {
					return
				}
				writeMAPIMessage(conn, "")

				for {
					if _, err := readMAPIMessage(conn); err != nil {
						return
					}
					writeMAPIMessage(conn, pingReply)
				}
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func testServerConfig(host string, port int) config.ServerConfig {
	return config.ServerConfig{
		Host:     host,
		Port:     port,
		DBName:   "testdb",
		Username: "monetdb",
		Password: "monetdb",
	}
}

func testDefaults() config.PoolDefaults {
	return config.PoolDefaults{
		MinConnections: 0,
		MaxConnections: 5,
		IdleTimeout:    1 * time.Minute,
		MaxLifetime:    5 * time.Minute,
		AcquireTimeout: 2 * time.Second,
		DialTimeout:    2 * time.Second,
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(testDefaults())
	defer m.Close()

	sc := testServerConfig("localhost", 50000)

	// First call creates pool
	p1 := m.GetOrCreate("analytics", sc)
	if p1 == nil {
		t.Fatal("expected non-nil pool")
	}

	// Second call returns same pool
	p2 := m.GetOrCreate("analytics", sc)
	if p1 != p2 {
		t.Error("expected same pool instance")
	}
}

func TestManagerRemove(t *testing.T) {
	m := NewManager(testDefaults())
	defer m.Close()

	m.GetOrCreate("analytics", testServerConfig("localhost", 50000))

	if !m.Remove("analytics") {
		t.Error("Remove should return true for existing pool")
	}

	if m.Remove("analytics") {
		t.Error("Remove should return false for already-removed pool")
	}
}

func TestManagerAllStats(t *testing.T) {
	m := NewManager(testDefaults())
	defer m.Close()

	sc := testServerConfig("localhost", 50000)
	m.GetOrCreate("analytics", sc)
	m.GetOrCreate("reporting", sc)

	stats := m.AllStats()
	if len(stats) != 2 {
		t.Errorf("expected 2 stats entries, got %d", len(stats))
	}
}

func dialTestConn(t *testing.T, host string, port int, sp *ServerPool) *PooledConn {
	t.Helper()
	conn, err := monetdb.ConnectParams(mapi.ConnParams{
		Database: "testdb",
		Hostname: host,
		Port:     port,
	})
	if err != nil {
		t.Fatalf("dialing test server: %v", err)
	}
	return NewPooledConn(conn, "test_server", "testdb", sp)
}

func TestPooledConnStates(t *testing.T) {
	host, port := startMonetServer(t)
	pc := dialTestConn(t, host, port, nil)
	defer pc.Close()

	if pc.State() != ConnStateIdle {
		t.Error("new connection should be idle")
	}

	pc.MarkActive()
	if pc.State() != ConnStateActive {
		t.Error("should be active after MarkActive")
	}

	pc.MarkIdle()
	if pc.State() != ConnStateIdle {
		t.Error("should be idle after MarkIdle")
	}

	if pc.ServerID() != "test_server" {
		t.Errorf("expected server_id test_server, got %s", pc.ServerID())
	}

	if pc.Database() != "testdb" {
		t.Errorf("expected database testdb, got %s", pc.Database())
	}
}

func TestPooledConnExpiry(t *testing.T) {
	host, port := startMonetServer(t)
	pc := dialTestConn(t, host, port, nil)
	defer pc.Close()

	if pc.IsExpired(5 * time.Minute) {
		t.Error("new connection should not be expired")
	}

	if pc.IsExpired(0) {
		t.Error("zero max lifetime should never expire")
	}

	// Test with very short lifetime - sleep to ensure time has passed
	time.Sleep(2 * time.Millisecond)
	if !pc.IsExpired(1 * time.Millisecond) {
		t.Error("connection should be expired with 1ms lifetime after 2ms sleep")
	}
}

func TestPooledConnIdle(t *testing.T) {
	host, port := startMonetServer(t)
	pc := dialTestConn(t, host, port, nil)
	defer pc.Close()
	pc.MarkIdle()

	// Just created, should not be idle yet
	if pc.IsIdle(5 * time.Minute) {
		t.Error("freshly used connection should not be idle")
	}

	// Should be idle with very short timeout
	time.Sleep(2 * time.Millisecond)
	if !pc.IsIdle(1 * time.Millisecond) {
		t.Error("connection should be idle with 1ms timeout")
	}
}

func TestServerPoolStats(t *testing.T) {
	sp := NewServerPool("test_server", testServerConfig("localhost", 50000), testDefaults())
	defer sp.Close()

	stats := sp.Stats()
	if stats.ServerID != "test_server" {
		t.Errorf("expected server_id test_server, got %s", stats.ServerID)
	}
	if stats.Database != "testdb" {
		t.Errorf("expected database testdb, got %s", stats.Database)
	}
	if stats.Active != 0 {
		t.Errorf("expected 0 active, got %d", stats.Active)
	}
	if stats.MaxConns != 5 {
		t.Errorf("expected max conns 5, got %d", stats.MaxConns)
	}
}

func TestManagerServerStats(t *testing.T) {
	m := NewManager(testDefaults())
	defer m.Close()

	// Stats for nonexistent server
	_, ok := m.ServerStats("nonexistent")
	if ok {
		t.Error("expected false for nonexistent server")
	}

	m.GetOrCreate("analytics", testServerConfig("localhost", 50000))

	stats, ok := m.ServerStats("analytics")
	if !ok {
		t.Error("expected true for existing server")
	}
	if stats.ServerID != "analytics" {
		t.Errorf("expected analytics, got %s", stats.ServerID)
	}
}

func TestAcquireDialsAndReturns(t *testing.T) {
	host, port := startMonetServer(t)
	sp := NewServerPool("test_server", testServerConfig(host, port), testDefaults())
	defer sp.Close()

	pc, err := sp.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	stats := sp.Stats()
	if stats.Active != 1 || stats.Total != 1 {
		t.Errorf("after acquire: active=%d total=%d, want 1/1", stats.Active, stats.Total)
	}

	sp.Return(pc)
	stats = sp.Stats()
	if stats.Active != 0 || stats.Idle != 1 {
		t.Errorf("after return: active=%d idle=%d, want 0/1", stats.Active, stats.Idle)
	}

	// A second acquire should reuse the idle connection (ping round trip).
	pc2, err := sp.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if pc2 != pc {
		t.Error("expected idle connection to be reused")
	}
	sp.Return(pc2)
}

func TestAcquireFailsWhenServerUnreachable(t *testing.T) {
	// Grab a port that is closed by the time we dial it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sp := NewServerPool("down", testServerConfig("127.0.0.1", port), testDefaults())
	defer sp.Close()

	if _, err := sp.Acquire(context.Background()); err == nil {
		t.Error("expected dial error for unreachable server")
	}
}

func TestDoubleCloseServerPool(t *testing.T) {
	sp := NewServerPool("test", testServerConfig("localhost", 50000), testDefaults())

	// Should not panic
	sp.Close()
	sp.Close()
}

func TestDoubleCloseManager(t *testing.T) {
	m := NewManager(testDefaults())

	// Should not panic
	m.Close()
	m.Close()
}

func TestConcurrentAcquireReturn(t *testing.T) {
	host, port := startMonetServer(t)

	defaults := config.PoolDefaults{
		MinConnections: 0,
		MaxConnections: 2,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 2 * time.Second,
		DialTimeout:    2 * time.Second,
	}

	sp := NewServerPool("concurrent_test", testServerConfig(host, port), defaults)
	defer sp.Close()

	// Run concurrent acquire/return cycles
	var wg sync.WaitGroup
	const goroutines = 10
	const iterations = 5

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				pc, err := sp.Acquire(context.Background())
				if err != nil {
					continue // pool may be exhausted, that's OK
				}
				// Simulate brief usage
				time.Sleep(time.Millisecond)
				sp.Return(pc)
			}
		}()
	}

	wg.Wait()

	// Verify pool is in a consistent state
	stats := sp.Stats()
	if stats.Active != 0 {
		t.Errorf("expected 0 active after all returns, got %d", stats.Active)
	}
	if stats.Total > 2 {
		t.Errorf("total %d exceeds max connections 2", stats.Total)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	host, port := startMonetServer(t)

	defaults := config.PoolDefaults{
		MinConnections: 0,
		MaxConnections: 1,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 5 * time.Second,
		DialTimeout:    2 * time.Second,
	}

	sp := NewServerPool("ctx_test", testServerConfig(host, port), defaults)
	defer sp.Close()

	acquired, err := sp.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected successful acquire, got: %v", err)
	}

	// Pool is now exhausted. Acquire with a cancelled context should fail fast.
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err = sp.Acquire(ctx)
	if err == nil {
		t.Error("expected error from cancelled context acquire")
	}

	sp.Return(acquired)
}

func TestReapIdleRemovesOldest(t *testing.T) {
	host, port := startMonetServer(t)

	defaults := config.PoolDefaults{
		MinConnections: 1,
		MaxConnections: 5,
		IdleTimeout:    1 * time.Millisecond, // very short so everything is "idle"
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 2 * time.Second,
		DialTimeout:    2 * time.Second,
	}

	sp := NewServerPool("reap_test", testServerConfig(host, port), defaults)
	defer sp.Close()

	// Fill the pool with three idle connections
	conns := make([]*PooledConn, 0, 3)
	for i := 0; i < 3; i++ {
		pc, err := sp.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		conns = append(conns, pc)
	}
	for _, pc := range conns {
		sp.Return(pc)
	}

	// Wait for idle timeout to expire
	time.Sleep(5 * time.Millisecond)

	// Reap should remove oldest (excess over minConns)
	sp.reapIdle()

	sp.mu.Lock()
	remaining := len(sp.idle)
	totalAfter := sp.total
	sp.mu.Unlock()

	if remaining < 1 {
		t.Errorf("expected at least minConns remaining, got %d", remaining)
	}
	if totalAfter != remaining {
		t.Errorf("total(%d) should match remaining idle(%d) when no active conns", totalAfter, remaining)
	}
}
