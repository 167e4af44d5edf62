package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/monetgate/monetgate/internal/config"
)

// newBenchPool creates a ServerPool backed by a local scripted server,
// pre-warmed with n connections and a large AcquireTimeout so waits
// don't skew results. Acquire of an idle connection includes a ping
// round trip, so the numbers reflect the real acquire path.
func newBenchPool(b *testing.B, n int) *ServerPool {
	b.Helper()
	host, port := startMonetServer(b)
	defaults := config.PoolDefaults{
		MinConnections: 0,
		MaxConnections: n,
		IdleTimeout:    5 * time.Minute,
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 30 * time.Second,
		DialTimeout:    5 * time.Second,
	}
	sp := NewServerPool("bench", testServerConfig(host, port), defaults)

	ctx := context.Background()
	conns := make([]*PooledConn, 0, n)
	for i := 0; i < n; i++ {
		pc, err := sp.Acquire(ctx)
		if err != nil {
			b.Fatalf("pre-warming bench pool: %v", err)
		}
		conns = append(conns, pc)
	}
	for _, pc := range conns {
		sp.Return(pc)
	}
	return sp
}

// BenchmarkAcquireReturn measures the throughput of a single goroutine
// repeatedly acquiring and immediately returning a connection.
// Pool size = 1 so no contention; measures pure acquire/return overhead.
func BenchmarkAcquireReturn(b *testing.B) {
	sp := newBenchPool(b, 1)
	defer sp.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pc, err := sp.Acquire(ctx)
		if err != nil {
			b.Fatalf("Acquire failed: %v", err)
		}
		sp.Return(pc)
	}
}

// BenchmarkAcquireReturnParallel measures throughput under concurrent access
// with a pool sized to allow all goroutines to acquire simultaneously.
func BenchmarkAcquireReturnParallel(b *testing.B) {
	// Size pool to GOMAXPROCS so goroutines rarely wait
	sp := newBenchPool(b, 12)
	defer sp.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pc, err := sp.Acquire(ctx)
			if err != nil {
				continue
			}
			sp.Return(pc)
		}
	})
}

// BenchmarkAcquireContended measures latency when goroutines compete for
// fewer connections than goroutines (realistic production scenario).
func BenchmarkAcquireContended(b *testing.B) {
	const poolSize = 4
	sp := newBenchPool(b, poolSize)
	defer sp.Close()

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pc, err := sp.Acquire(ctx)
			if err != nil {
				continue
			}
			// 1µs simulated work to ensure genuine contention at poolSize=4
			time.Sleep(time.Microsecond)
			sp.Return(pc)
		}
	})
}

// BenchmarkPoolStats measures the overhead of reading pool stats
// (called every 5s by the Prometheus metrics loop in production).
func BenchmarkPoolStats(b *testing.B) {
	sp := newBenchPool(b, 4)
	defer sp.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = sp.Stats()
	}
}

// BenchmarkConcurrentAcquireReturnThroughput measures aggregate ops/sec with a
// realistic worker-pool pattern: N workers each acquire → work → return.
func BenchmarkConcurrentAcquireReturnThroughput(b *testing.B) {
	const poolSize = 8
	sp := newBenchPool(b, poolSize)
	defer sp.Close()

	ctx := context.Background()
	const workers = 32
	work := make(chan struct{}, b.N)
	for i := 0; i < b.N; i++ {
		work <- struct{}{}
	}
	close(work)

	b.ResetTimer()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				pc, err := sp.Acquire(ctx)
				if err != nil {
					continue
				}
				sp.Return(pc)
			}
		}()
	}
	wg.Wait()
}
