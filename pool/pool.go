package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyerfyer/pgpool/internal/logger"
	"github.com/fyerfyer/pgpool/session"
)

var (
	// ErrInvalidConfig 表示连接池配置无效
	ErrInvalidConfig = errors.New("invalid pool configuration")

	// ErrNoConnections 表示创建时一个连接都没有建立成功
	ErrNoConnections = errors.New("failed to create any initial connections")

	// ErrPoolClosed 表示连接池正在关闭或已关闭
	ErrPoolClosed = errors.New("pool is closed")

	// ErrAcquireTimeout 表示在期限内没有获取到连接
	ErrAcquireTimeout = errors.New("timed out waiting for a connection")

	// ErrPoolExhausted 表示非阻塞获取时没有可用连接
	ErrPoolExhausted = errors.New("no connection available")

	// ErrConnect 表示按需建立连接失败
	ErrConnect = errors.New("failed to create connection")

	// ErrNotOwned 表示归还的连接不属于这个池
	ErrNotOwned = errors.New("connection does not belong to this pool")

	// ErrNotLeased 表示归还的连接当前没有被租出
	ErrNotLeased = errors.New("connection is not leased")
)

// Pool 是一个有界的 PostgreSQL 连接池。
// 所有簿记都在一把互斥锁下完成，等待者通过条件变量唤醒。
type Pool struct {
	// 不可变的配置快照
	opts Options

	// 连接器，用于建立新连接
	connector session.Connector

	logger *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond

	// 池拥有的连接，按建立顺序排列
	conns []*Conn

	// 空闲连接数，始终等于 inUse 为 false 的连接数
	idle int

	// 在锁外建立中的连接数，计入容量
	pending int

	// 阻塞在 Acquire 中的调用者数
	waiters int

	// 下一个连接编号
	nextID uint64

	shuttingDown bool
	closed       bool

	createdAt time.Time

	// 统计计数器
	acquired      atomic.Int64
	released      atomic.Int64
	timeouts      atomic.Int64
	connectErrors atomic.Int64
	reconnects    atomic.Int64
	evictions     atomic.Int64
	rollbacks     atomic.Int64
}

// New 创建一个新的连接池并预先建立 MinConnections 个连接。
// 只要至少一个连接建立成功，创建就会成功。
func New(connector session.Connector, options ...Option) (*Pool, error) {
	if connector == nil {
		return nil, fmt.Errorf("%w: connector is required", ErrInvalidConfig)
	}

	opts := DefaultOptions()
	for _, option := range options {
		option(opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.EventListeners = slices.Clone(opts.EventListeners)

	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	p := &Pool{
		opts:      *opts,
		connector: connector,
		logger:    log.Named("pgpool"),
		conns:     make([]*Conn, 0, opts.MaxConnections),
		createdAt: time.Now(),
	}
	p.cond = sync.NewCond(&p.mu)

	var lastErr error
	for i := 0; i < p.opts.MinConnections; i++ {
		raw, err := p.dial(context.Background())
		if err != nil {
			lastErr = err
			p.logger.Warn("failed to create initial connection",
				zap.Int("attempt", i+1), zap.Error(err))
			continue
		}
		c := p.newConn(raw)
		p.conns = append(p.conns, c)
		p.idle++
		p.notifyEvent(EventNew, c)
	}

	if len(p.conns) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoConnections, lastErr)
	}
	if len(p.conns) < p.opts.MinConnections {
		p.logger.Warn("pool created with fewer connections than requested",
			zap.Int("created", len(p.conns)), zap.Int("requested", p.opts.MinConnections))
	}

	p.logger.Debug("pool created",
		zap.Int("connections", len(p.conns)),
		zap.Int("max_connections", p.opts.MaxConnections))
	return p, nil
}

// Options 返回配置快照的副本
func (p *Pool) Options() Options {
	return p.opts
}

// Acquire 从池中租出一个连接。
// timeout 为 0 时不阻塞，为负数时无限等待，为正数时最多等待 timeout。
func (p *Pool) Acquire(timeout time.Duration) (*Conn, error) {
	switch {
	case timeout == 0:
		return p.acquire(context.Background(), true)
	case timeout < 0:
		return p.acquire(context.Background(), false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.acquire(ctx, false)
}

// AcquireContext 从池中租出一个连接，等待时间由 ctx 决定
func (p *Pool) AcquireContext(ctx context.Context) (*Conn, error) {
	return p.acquire(ctx, false)
}

func (p *Pool) acquire(ctx context.Context, nonBlocking bool) (*Conn, error) {
	// ctx 结束时唤醒所有等待者，让它们重新检查自己的期限
	if !nonBlocking && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.cond.Broadcast()
		})
		defer stop()
	}

	p.mu.Lock()
	for {
		if p.shuttingDown {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if c, events := p.takeIdle(); c != nil {
			p.acquired.Add(1)
			p.mu.Unlock()
			p.notify(events)
			p.notifyEvent(EventGet, c)
			return c, nil
		} else if len(events) > 0 {
			// 替换或驱逐的事件不需要等到租出成功
			p.mu.Unlock()
			p.notify(events)
			p.mu.Lock()
			continue
		}

		if len(p.conns)+p.pending < p.opts.MaxConnections {
			return p.createOnDemand(ctx)
		}

		if nonBlocking {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}

		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			p.timeouts.Add(1)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, err)
			}
			return nil, err
		}

		p.waiters++
		p.cond.Wait()
		p.waiters--
	}
}

// createOnDemand 在锁外建立一个新连接并直接租出。
// 调用时必须持有锁，返回时已经释放锁。
func (p *Pool) createOnDemand(ctx context.Context) (*Conn, error) {
	p.pending++
	p.mu.Unlock()

	raw, err := p.dial(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		// 预留的名额让给其他等待者
		p.cond.Signal()
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	if p.shuttingDown {
		p.mu.Unlock()
		p.closeRaw(raw)
		return nil, ErrPoolClosed
	}

	c := p.newConn(raw)
	c.inUse = true
	p.conns = append(p.conns, c)
	p.acquired.Add(1)
	p.mu.Unlock()

	p.notifyEvent(EventNew, c)
	p.notifyEvent(EventGet, c)
	return c, nil
}

type connEvent struct {
	event Event
	conn  *Conn
}

// takeIdle 扫描并租出第一个可用的空闲连接，调用时必须持有锁。
// 开启 AutoReconnect 时会先校验候选连接，失效的连接被原地替换，
// 替换也失败时移除该位置并继续扫描。标记为 stale 的连接无论是否
// 开启 AutoReconnect 都会被替换。
func (p *Pool) takeIdle() (*Conn, []connEvent) {
	var events []connEvent

	for i := 0; i < len(p.conns); {
		c := p.conns[i]
		if c.inUse {
			i++
			continue
		}

		if c.stale || (p.opts.AutoReconnect && !c.Validate(p.opts.ValidationQuery, p.opts.ValidationTimeout)) {
			fresh, err := p.replace(c)
			if err != nil {
				p.logger.Warn("evicting stale connection, replacement failed",
					zap.Uint64("conn_id", c.ID()), zap.Error(err))
				p.conns = slices.Delete(p.conns, i, i+1)
				p.idle--
				p.evictions.Add(1)
				events = append(events, connEvent{EventEvict, c})
				continue
			}
			p.logger.Warn("replaced stale connection",
				zap.Uint64("old_conn_id", c.ID()), zap.Uint64("conn_id", fresh.ID()))
			p.conns[i] = fresh
			p.reconnects.Add(1)
			events = append(events, connEvent{EventReconnect, fresh})
			c = fresh
		}

		c.inUse = true
		c.Touch()
		p.idle--
		return c, events
	}
	return nil, events
}

// replace 关闭一个失效连接并建立一个新连接代替它，调用时必须持有锁
func (p *Pool) replace(stale *Conn) (*Conn, error) {
	p.closeRaw(stale.Raw())

	raw, err := p.dial(context.Background())
	if err != nil {
		return nil, err
	}
	return p.newConn(raw), nil
}

// dial 建立一个新的原始连接，设置语句超时并调用 OnConnect
func (p *Pool) dial(ctx context.Context) (session.RawConn, error) {
	if p.opts.ConnectLimiter != nil {
		if err := p.opts.ConnectLimiter.Wait(ctx); err != nil {
			p.connectErrors.Add(1)
			return nil, fmt.Errorf("connect rate limited: %w", err)
		}
	}

	dialCtx := ctx
	if p.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()
	}

	raw, err := p.connector.Connect(dialCtx, p.opts.ConnString)
	if err != nil {
		p.connectErrors.Add(1)
		return nil, err
	}

	if p.opts.ConnectTimeout > 0 {
		stmt := fmt.Sprintf("SET statement_timeout = %d", p.opts.ConnectTimeout.Milliseconds())
		if res := raw.Exec(stmt); !res.OK() {
			p.logger.Debug("failed to set statement timeout", zap.String("error", raw.ErrorMessage()))
		}
	}

	if p.opts.OnConnect != nil {
		p.opts.OnConnect(raw)
	}
	return raw, nil
}

// newConn 包装一个原始连接，调用时必须持有锁
func (p *Pool) newConn(raw session.RawConn) *Conn {
	p.nextID++
	return &Conn{
		Session: session.New(p.nextID, raw,
			session.WithLogger(p.logger),
			session.WithCancelTimeout(p.opts.CancelTimeout)),
		pool:      p,
		createdAt: time.Now(),
	}
}

// closeRaw 调用 OnClose 后关闭原始连接
func (p *Pool) closeRaw(raw session.RawConn) {
	if raw == nil {
		return
	}
	if p.opts.OnClose != nil {
		p.opts.OnClose(raw)
	}
	if err := raw.Close(); err != nil {
		p.logger.Debug("failed to close connection", zap.Error(err))
	}
}

// Release 把连接归还到池中。
// 连接上未结束的事务会被回滚，然后唤醒一个等待者。
func (p *Pool) Release(c *Conn) error {
	if c == nil {
		return ErrNotOwned
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if !slices.Contains(p.conns, c) {
		p.mu.Unlock()
		p.logger.Warn("release of connection not owned by pool", zap.Uint64("conn_id", c.ID()))
		return ErrNotOwned
	}
	if !c.inUse {
		p.mu.Unlock()
		return ErrNotLeased
	}

	if c.Busy() {
		// 命令仍在执行，回滚会一直阻塞在它上面
		c.stale = true
		p.logger.Warn("connection released with a command still running, marked for replacement",
			zap.Uint64("conn_id", c.ID()))
	} else if rolled, err := c.Abandon(p.opts.RollbackTimeout); rolled {
		p.rollbacks.Add(1)
		if err != nil {
			c.stale = true
			p.logger.Warn("rollback on release failed, marked for replacement",
				zap.Uint64("conn_id", c.ID()), zap.Error(err))
		} else {
			p.logger.Warn("connection released with open transaction, rolled back",
				zap.Uint64("conn_id", c.ID()))
		}
	}

	c.inUse = false
	c.Touch()
	c.ClearError()
	p.idle++
	p.released.Add(1)
	p.cond.Signal()
	p.mu.Unlock()

	p.notifyEvent(EventPut, c)
	return nil
}

// Shutdown 关闭连接池。
// 它唤醒所有等待者，在 DrainTimeout 内等待租约归还，然后关闭所有连接。
// 超时仍未归还的租约只记录警告，不会阻止关闭。重复调用是安全的。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	p.cond.Broadcast()

	var ctxErr error
	deadline := time.Now().Add(p.opts.DrainTimeout)
	for p.idle < len(p.conns) && time.Now().Before(deadline) {
		p.mu.Unlock()

		timer := time.NewTimer(p.opts.DrainInterval)
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
		case <-timer.C:
		}
		timer.Stop()

		p.mu.Lock()
		if ctxErr != nil {
			break
		}
	}

	if outstanding := len(p.conns) - p.idle; outstanding > 0 {
		p.logger.Warn("closing pool with outstanding leases",
			zap.Int("outstanding", outstanding),
			zap.Duration("drain_timeout", p.opts.DrainTimeout))
	}

	conns := p.conns
	p.conns = nil
	p.idle = 0
	p.closed = true
	p.mu.Unlock()

	for _, c := range conns {
		p.closeRaw(c.Raw())
		p.notifyEvent(EventClose, c)
	}

	p.logger.Debug("pool closed", zap.Int("closed_connections", len(conns)))
	return ctxErr
}

// Close 使用默认的排空时间关闭连接池
func (p *Pool) Close() error {
	return p.Shutdown(context.Background())
}

// ActiveConnections 返回被租出的连接数
func (p *Pool) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) - p.idle
}

// IdleConnections 返回空闲连接数
func (p *Pool) IdleConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// TotalConnections 返回池拥有的连接数
func (p *Pool) TotalConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Stats 返回池的当前统计信息
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Active:         len(p.conns) - p.idle,
		Idle:           p.idle,
		Total:          len(p.conns),
		Pending:        p.pending,
		Waiters:        p.waiters,
		MaxConnections: p.opts.MaxConnections,
		CreatedAt:      p.createdAt,
	}
	p.mu.Unlock()

	s.Acquired = p.acquired.Load()
	s.Released = p.released.Load()
	s.Timeouts = p.timeouts.Load()
	s.ConnectErrors = p.connectErrors.Load()
	s.Reconnects = p.reconnects.Load()
	s.Evictions = p.evictions.Load()
	s.Rollbacks = p.rollbacks.Load()
	return s
}

// notifyEvent 通知所有事件监听器
func (p *Pool) notifyEvent(event Event, conn *Conn) {
	for _, listener := range p.opts.EventListeners {
		listener.OnEvent(event, conn)
	}
}

func (p *Pool) notify(events []connEvent) {
	for _, e := range events {
		p.notifyEvent(e.event, e.conn)
	}
}
