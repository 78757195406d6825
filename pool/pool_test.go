package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyerfyer/pgpool/internal/fakepg"
	"github.com/fyerfyer/pgpool/pool/connlimit"
	"github.com/fyerfyer/pgpool/session"
)

// newTestPool 使用假服务端创建连接池
func newTestPool(t *testing.T, server *fakepg.Server, options ...Option) *Pool {
	t.Helper()
	opts := append([]Option{
		WithConnString("host=fake dbname=test"),
		WithLogger(zap.NewNop()),
	}, options...)
	p, err := New(server, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// recordingListener 记录连接事件，用于测试
type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) OnEvent(event Event, _ *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestNew_InvalidConfig(t *testing.T) {
	server := fakepg.NewServer()

	tests := []struct {
		name    string
		options []Option
	}{
		{"missing conn string", []Option{WithConnString("")}},
		{"zero max", []Option{WithConnString("x"), WithMaxConnections(0)}},
		{"min above max", []Option{WithConnString("x"), WithMinConnections(5), WithMaxConnections(2)}},
		{"negative min", []Option{WithConnString("x"), WithMinConnections(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(server, tt.options...)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := New(nil, WithConnString("x"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Zero(t, server.Connects())
}

func TestNew_EagerFill(t *testing.T) {
	server := fakepg.NewServer()
	var connected atomic.Int32

	p := newTestPool(t, server,
		WithMinConnections(2),
		WithMaxConnections(4),
		WithConnectTimeout(3*time.Second),
		WithOnConnect(func(session.RawConn) { connected.Add(1) }),
	)

	assert.Equal(t, 2, server.Connects())
	assert.Equal(t, int32(2), connected.Load())
	assert.Equal(t, 2, p.TotalConnections())
	assert.Equal(t, 2, p.IdleConnections())
	assert.Equal(t, 0, p.ActiveConnections())

	// 连接超时同时作为服务端的语句超时
	assert.Equal(t, "3000", server.Conn(0).Setting("statement_timeout"))
	assert.Equal(t, []string{"host=fake dbname=test", "host=fake dbname=test"}, server.ConnStrings())
}

func TestNew_MinZeroTreatedAsOne(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMinConnections(0))

	assert.Equal(t, 1, p.TotalConnections())
	assert.Equal(t, 1, p.Options().MinConnections)
}

func TestNew_PartialFill(t *testing.T) {
	server := fakepg.NewServer()
	server.FailNextConnects(1)

	core, logs := observer.New(zapcore.WarnLevel)
	p := newTestPool(t, server, WithMinConnections(3), WithLogger(zap.New(core)))

	assert.Equal(t, 2, p.TotalConnections())
	assert.Equal(t, 1, logs.FilterMessage("failed to create initial connection").Len())
	assert.Equal(t, 1, logs.FilterMessage("pool created with fewer connections than requested").Len())
	assert.Equal(t, int64(1), p.Stats().ConnectErrors)
}

func TestNew_AllConnectsFail(t *testing.T) {
	server := fakepg.NewServer()
	server.FailNextConnects(3)

	p, err := New(server, WithConnString("x"), WithMinConnections(3), WithLogger(zap.NewNop()))
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrNoConnections)
	assert.ErrorIs(t, err, fakepg.ErrConnectionRefused)
	assert.Equal(t, 0, server.Open())
}

// 测试非阻塞获取
func TestAcquire_NonBlocking(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMaxConnections(1))

	conn, err := p.Acquire(0)
	require.NoError(t, err)
	assert.True(t, conn.InUse())

	start := time.Now()
	_, err = p.Acquire(0)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, conn.Release())
	assert.False(t, conn.InUse())
}

func TestAcquire_CreatesOnDemand(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMinConnections(1), WithMaxConnections(3))

	var conns []*Conn
	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(time.Second)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	assert.Equal(t, 3, p.TotalConnections())
	assert.Equal(t, 0, p.IdleConnections())
	assert.Equal(t, 3, p.ActiveConnections())

	ids := map[uint64]bool{}
	for _, c := range conns {
		ids[c.ID()] = true
	}
	assert.Len(t, ids, 3)

	for _, c := range conns {
		require.NoError(t, c.Release())
	}
	assert.Equal(t, 3, p.IdleConnections())
}

func TestAcquire_ConnectFailureOnDemand(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMinConnections(1), WithMaxConnections(2))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	server.FailNextConnects(1)
	_, err = p.Acquire(time.Second)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, fakepg.ErrConnectionRefused)
	assert.Equal(t, 1, p.TotalConnections())
	assert.Equal(t, 0, p.Stats().Pending)
}

// 测试获取超时
func TestAcquire_Timeout(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMaxConnections(1))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	start := time.Now()
	_, err = p.Acquire(100 * time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int64(1), p.Stats().Timeouts)
	assert.Equal(t, 0, p.Stats().Waiters)
}

func TestAcquire_ContextCanceled(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMaxConnections(1))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = p.AcquireContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// 场景：min=2, max=4，4 个并发获取都成功，第 5 个超时，
// 归还一个后阻塞中的第 6 个恰好拿到这个连接
func TestAcquire_Scenario(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMinConnections(2), WithMaxConnections(4))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []*Conn
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, conns, 4)
	assert.Equal(t, 4, p.TotalConnections())

	start := time.Now()
	_, err := p.Acquire(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	got := make(chan *Conn, 1)
	go func() {
		conn, err := p.Acquire(-1)
		if assert.NoError(t, err) {
			got <- conn
		}
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 },
		time.Second, 5*time.Millisecond)

	released := conns[0]
	require.NoError(t, released.Release())

	select {
	case conn := <-got:
		assert.Same(t, released, conn)
		assert.True(t, conn.InUse())
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was not woken by release")
	}
}

// 测试互斥：N 个 goroutine 竞争 K 个连接，同时租出的连接数不超过 K
func TestAcquire_MutualExclusion(t *testing.T) {
	const (
		maxConns   = 3
		clients    = 12
		iterations = 20
	)

	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMaxConnections(maxConns))

	var (
		wg         sync.WaitGroup
		checkedOut atomic.Int32
		maxSeen    atomic.Int32
		owners     sync.Map
		violations atomic.Int32
	)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				conn, err := p.Acquire(-1)
				if !assert.NoError(t, err) {
					return
				}

				if _, loaded := owners.LoadOrStore(conn, true); loaded {
					violations.Add(1)
				}
				n := checkedOut.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}

				s := p.Stats()
				if s.Total > maxConns || s.Idle+s.Active != s.Total {
					violations.Add(1)
				}

				time.Sleep(time.Millisecond)

				checkedOut.Add(-1)
				owners.Delete(conn)
				assert.NoError(t, conn.Release())
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.LessOrEqual(t, maxSeen.Load(), int32(maxConns))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.Total, maxConns)
	assert.Equal(t, int64(clients*iterations), stats.Acquired)
	assert.Equal(t, int64(clients*iterations), stats.Released)
}

func TestRelease_Misuse(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server)
	other := newTestPool(t, server)

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, other.Release(conn), ErrNotOwned)
	assert.ErrorIs(t, p.Release(nil), ErrNotOwned)

	require.NoError(t, p.Release(conn))
	assert.ErrorIs(t, p.Release(conn), ErrNotLeased)
	assert.Equal(t, 1, p.IdleConnections())
}

// 测试归还时回滚未完成的事务
func TestRelease_RollsBackTransaction(t *testing.T) {
	server := fakepg.NewServer()
	core, logs := observer.New(zapcore.WarnLevel)
	p := newTestPool(t, server, WithLogger(zap.New(core)))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Begin())
	require.NoError(t, conn.Execute("INSERT INTO t VALUES (1)", time.Second))

	require.NoError(t, conn.Release())
	assert.False(t, conn.InTransaction())
	assert.Equal(t, session.TxIdle, server.Conn(0).TxStatus())
	assert.Contains(t, server.Conn(0).Queries(), "ROLLBACK")
	assert.Equal(t, int64(1), p.Stats().Rollbacks)
	assert.Equal(t, 1, logs.FilterMessage("connection released with open transaction, rolled back").Len())

	// 只有服务端处于事务中时同样回滚
	conn, err = p.Acquire(time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Execute("BEGIN", time.Second))
	require.False(t, conn.InTransaction())

	require.NoError(t, conn.Release())
	assert.Equal(t, session.TxIdle, server.Conn(0).TxStatus())
	assert.Equal(t, int64(2), p.Stats().Rollbacks)
}

func TestRelease_ClearsError(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server)

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)

	assert.Error(t, conn.Execute("bogus statement", time.Second))
	assert.NotEmpty(t, conn.LastError())

	require.NoError(t, conn.Release())
	assert.Empty(t, conn.LastError())
}

// 测试失效连接被原地替换
func TestAcquire_ReplacesStaleConnection(t *testing.T) {
	server := fakepg.NewServer()
	var closed atomic.Int32
	p := newTestPool(t, server, WithOnClose(func(session.RawConn) { closed.Add(1) }))

	first, err := p.Acquire(time.Second)
	require.NoError(t, err)
	firstID := first.ID()
	require.NoError(t, first.Release())

	server.Conn(0).Break()

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	assert.NotEqual(t, firstID, conn.ID())
	assert.NotSame(t, first, conn)
	assert.True(t, server.Conn(0).Closed())
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 1, p.TotalConnections())
	assert.Equal(t, int64(1), p.Stats().Reconnects)

	// 旧对象已经不属于池
	assert.ErrorIs(t, first.Release(), ErrNotOwned)
}

func TestAcquire_EvictsWhenReplacementFails(t *testing.T) {
	server := fakepg.NewServer()
	listener := &recordingListener{}
	p := newTestPool(t, server,
		WithMinConnections(2),
		WithMaxConnections(2),
		WithEventListener(listener),
	)

	server.BreakAll()
	server.FailNextConnects(2)

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	assert.Equal(t, 3, server.Connects())
	assert.Equal(t, 1, p.TotalConnections())
	assert.Equal(t, 0, p.IdleConnections())
	assert.Equal(t, int64(2), p.Stats().Evictions)
	assert.Equal(t, []Event{EventNew, EventNew, EventEvict, EventEvict, EventNew, EventGet}, listener.Events())
}

func TestAcquire_NoValidationWithoutAutoReconnect(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithAutoReconnect(false))

	server.Conn(0).Break()

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	assert.Equal(t, uint64(1), conn.ID())
	assert.Equal(t, session.ConnBad, conn.Status())
	assert.NotContains(t, server.Conn(0).Queries(), "SELECT 1")
}

func TestAcquire_ConnectLimiter(t *testing.T) {
	server := fakepg.NewServer()
	limiter, err := connlimit.NewWindow(time.Minute, 1, connlimit.WithMaxWait(10*time.Millisecond))
	require.NoError(t, err)

	p := newTestPool(t, server, WithMaxConnections(2), WithConnectLimiter(limiter))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	_, err = p.Acquire(time.Second)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, connlimit.ErrLimitExceeded)
	assert.Equal(t, 1, server.Connects())
}

// 测试关闭时仍有未归还的租约
func TestShutdown_OutstandingLease(t *testing.T) {
	server := fakepg.NewServer()
	core, logs := observer.New(zapcore.WarnLevel)
	p := newTestPool(t, server,
		WithMinConnections(2),
		WithDrain(200*time.Millisecond, 20*time.Millisecond),
		WithLogger(zap.New(core)),
	)

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Close())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, logs.FilterMessage("closing pool with outstanding leases").Len())
	assert.Equal(t, 0, server.Open())
	assert.Equal(t, 0, p.TotalConnections())

	assert.ErrorIs(t, conn.Release(), ErrPoolClosed)
	_, err = p.Acquire(0)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// 重复关闭是安全的
	assert.NoError(t, p.Close())
}

func TestShutdown_WaitsForRelease(t *testing.T) {
	server := fakepg.NewServer()
	core, logs := observer.New(zapcore.WarnLevel)
	p := newTestPool(t, server, WithLogger(zap.New(core)))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, conn.Release())
	}()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Zero(t, logs.Len())
	assert.Equal(t, 0, server.Open())
}

func TestShutdown_ContextCanceled(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithDrain(time.Minute, 10*time.Millisecond))

	_, err := p.Acquire(time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, server.Open())
}

func TestShutdown_WakesWaiters(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMaxConnections(1), WithDrain(50*time.Millisecond, 10*time.Millisecond))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(-1)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 },
		time.Second, 5*time.Millisecond)

	go p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by shutdown")
	}
}

func TestPool_QueryTimeoutThroughLease(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server)

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	start := time.Now()
	err = conn.Execute("SELECT pg_sleep(5)", 50*time.Millisecond)
	assert.ErrorIs(t, err, session.ErrQueryTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, server.Cancels())
	assert.Equal(t, "query execution timed out", conn.ErrorMessage())
}

func TestPool_ReleaseWithRunningCommand(t *testing.T) {
	server := fakepg.NewServer()
	server.SetCancelError(errors.New("cancel refused"))
	p := newTestPool(t, server,
		WithMaxConnections(1),
		WithValidationTimeout(100*time.Millisecond))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	oldID := conn.ID()

	// 取消失败，查询仍在服务端执行
	err = conn.Execute("SELECT pg_sleep(2)", 50*time.Millisecond)
	require.ErrorIs(t, err, session.ErrQueryTimeout)
	assert.True(t, conn.Busy())
	require.NoError(t, conn.Release())

	type outcome struct {
		conn    *Conn
		err     error
		elapsed time.Duration
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			start := time.Now()
			c, err := p.Acquire(200 * time.Millisecond)
			results <- outcome{c, err, time.Since(start)}
		}()
	}

	var leased *Conn
	var timedOut int
	for i := 0; i < 2; i++ {
		r := <-results
		assert.Less(t, r.elapsed, time.Second)
		if r.err != nil {
			assert.ErrorIs(t, r.err, ErrAcquireTimeout)
			timedOut++
			continue
		}
		leased = r.conn
	}
	require.NotNil(t, leased)
	assert.Equal(t, 1, timedOut)
	assert.NotEqual(t, oldID, leased.ID())
	assert.True(t, server.Conn(0).Closed())
	assert.Equal(t, int64(1), p.Stats().Reconnects)
	require.NoError(t, leased.Release())
}

func TestPool_StaleWithoutAutoReconnect(t *testing.T) {
	server := fakepg.NewServer()
	server.SetCancelError(errors.New("cancel refused"))
	p := newTestPool(t, server, WithMaxConnections(1), WithAutoReconnect(false))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, conn.Execute("SELECT pg_sleep(2)", 20*time.Millisecond), session.ErrQueryTimeout)
	require.NoError(t, conn.Release())

	start := time.Now()
	fresh, err := p.Acquire(time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, fresh.Busy())
	assert.Equal(t, 2, server.Connects())
	require.NoError(t, fresh.Release())
}

func TestPool_RollbackTimeoutMarksStale(t *testing.T) {
	server := fakepg.NewServer()
	server.SetHandler(func(c *fakepg.Conn, query string) (*session.Result, error) {
		if strings.EqualFold(query, "ROLLBACK") {
			time.Sleep(300 * time.Millisecond)
		}
		return nil, nil
	})
	p := newTestPool(t, server,
		WithMaxConnections(1),
		WithRollbackTimeout(50*time.Millisecond))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	oldID := conn.ID()
	require.NoError(t, conn.Begin())

	start := time.Now()
	require.NoError(t, conn.Release())
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Rollbacks)

	fresh, err := p.Acquire(time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, fresh.ID())
	assert.False(t, fresh.InTransaction())
	assert.Equal(t, int64(1), p.Stats().Reconnects)
	require.NoError(t, fresh.Release())
}

func TestPool_EventListener(t *testing.T) {
	server := fakepg.NewServer()
	listener := &recordingListener{}
	p := newTestPool(t, server, WithEventListener(listener))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Release())
	require.NoError(t, p.Close())

	assert.Equal(t, []Event{EventNew, EventGet, EventPut, EventClose}, listener.Events())
}

func TestPool_WithConn(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server)

	var value string
	err := p.WithConn(context.Background(), func(c *Conn) error {
		res, err := c.Query("SELECT 'hello'", time.Second)
		if err != nil {
			return err
		}
		value = string(res.Value(0, 0))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
	assert.Equal(t, 0, p.ActiveConnections())

	sentinel := errors.New("boom")
	err = p.WithConn(context.Background(), func(*Conn) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0, p.ActiveConnections())
}

func TestPool_WithTx(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithAutoReconnect(false))

	err := p.WithTx(context.Background(), func(c *Conn) error {
		return c.Execute("INSERT INTO t VALUES (1)", time.Second)
	})
	require.NoError(t, err)

	sentinel := errors.New("boom")
	err = p.WithTx(context.Background(), func(c *Conn) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	queries := strings.Join(server.Conn(0).Queries(), ";")
	assert.Equal(t, "BEGIN;INSERT INTO t VALUES (1);COMMIT;BEGIN;ROLLBACK",
		strings.TrimPrefix(queries, "SET statement_timeout = 5000;"))
	assert.Equal(t, int64(0), p.Stats().Rollbacks)
}

func TestPool_Stats(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMinConnections(2), WithMaxConnections(5))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)

	s := p.Stats()
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 5, s.MaxConnections)
	assert.Equal(t, int64(1), s.Acquired)
	assert.False(t, s.CreatedAt.IsZero())

	require.NoError(t, conn.Release())
	assert.Equal(t, int64(1), p.Stats().Released)
}

func TestCollector(t *testing.T) {
	server := fakepg.NewServer()
	p := newTestPool(t, server, WithMinConnections(2), WithMaxConnections(4))

	conn, err := p.Acquire(time.Second)
	require.NoError(t, err)
	defer conn.Release()

	c := NewCollector(p, "main")
	assert.Equal(t, 13, testutil.CollectAndCount(c))

	expected := `
# HELP pgpool_connections_active Number of leased connections
# TYPE pgpool_connections_active gauge
pgpool_connections_active{pool="main"} 1
# HELP pgpool_connections_idle Number of idle connections
# TYPE pgpool_connections_idle gauge
pgpool_connections_idle{pool="main"} 1
# HELP pgpool_connections_max Configured maximum number of connections
# TYPE pgpool_connections_max gauge
pgpool_connections_max{pool="main"} 4
# HELP pgpool_acquired_total Total number of successful acquisitions
# TYPE pgpool_acquired_total counter
pgpool_acquired_total{pool="main"} 1
`
	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pgpool_connections_active", "pgpool_connections_idle",
		"pgpool_connections_max", "pgpool_acquired_total")
	assert.NoError(t, err)
}
