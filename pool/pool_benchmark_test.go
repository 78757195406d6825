package pool

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fyerfyer/pgpool/internal/fakepg"
)

// 性能基准测试
func BenchmarkPool_AcquireRelease(b *testing.B) {
	server := fakepg.NewServer()
	p, err := New(server,
		WithConnString("host=fake"),
		WithMinConnections(10),
		WithMaxConnections(50),
		WithAutoReconnect(false),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			conn, err := p.Acquire(-1)
			if err != nil {
				b.Fatal(err)
			}
			conn.Release()
		}
	})
}

func BenchmarkPool_Query(b *testing.B) {
	server := fakepg.NewServer()
	p, err := New(server,
		WithConnString("host=fake"),
		WithMinConnections(4),
		WithMaxConnections(8),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			conn, err := p.Acquire(-1)
			if err != nil {
				b.Fatal(err)
			}
			if _, err := conn.Query("SELECT 1", time.Second); err != nil {
				b.Fatal(err)
			}
			conn.Release()
		}
	})
}
