// Package direct 提供不经过连接池的单连接封装。
//
// Conn 与连接池中的连接使用同一个执行引擎，额外支持断线重连和失败重试。
// Conn 的方法不加锁；需要在多个 goroutine 间共享时，
// 以 ThreadSafe 配置创建连接并通过 Safe 获取加锁的 SafeConn。
package direct

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyerfyer/pgpool/internal/logger"
	"github.com/fyerfyer/pgpool/session"
)

var (
	// ErrInvalidConfig 表示配置无效
	ErrInvalidConfig = errors.New("invalid connection configuration")

	// ErrNotThreadSafe 表示连接没有以线程安全模式创建
	ErrNotThreadSafe = errors.New("connection was not created in thread-safe mode")

	// ErrMaxReconnects 表示重连次数已经达到上限
	ErrMaxReconnects = errors.New("maximum reconnection attempts exceeded")

	// ErrClosed 表示连接已经关闭
	ErrClosed = errors.New("connection is closed")
)

// 进程内所有直接连接共享的编号
var nextID atomic.Uint64

// Config 配置一个直接连接
type Config struct {
	// 连接字符串（必填）
	ConnString string

	// 建立连接的超时时间，0 表示不限制
	ConnectTimeout time.Duration

	// 是否允许通过 Safe 在多个 goroutine 间共享
	ThreadSafe bool

	// 连接失效时是否允许自动重连
	AutoReconnect bool

	// 连续重连失败的上限，0 表示不限制
	MaxReconnectAttempts int

	// 连接建立后和关闭前的回调
	OnConnect func(raw session.RawConn)
	OnClose   func(raw session.RawConn)

	Logger *zap.Logger
}

// QueryOptions 控制单次调用的行为
type QueryOptions struct {
	// 查询超时时间，session.NoTimeout 表示无限等待，0 表示不等待
	Timeout time.Duration

	// 调用失败且连接已损坏时，在 AutoReconnect 开启的情况下重连并重试一次
	RetryOnFailure bool
}

// DefaultQueryOptions 是未指定选项时使用的默认值
var DefaultQueryOptions = QueryOptions{Timeout: session.NoTimeout}

// Conn 是一个不属于任何连接池的数据库连接
type Conn struct {
	sess      *session.Session
	connector session.Connector
	cfg       Config
	logger    *zap.Logger

	// 连续失败的重连次数
	attempts int
	closed   bool

	// 只在 ThreadSafe 模式下由 SafeConn 使用
	mu sync.Mutex
}

// Connect 建立一个直接连接
func Connect(ctx context.Context, connector session.Connector, cfg Config) (*Conn, error) {
	if connector == nil {
		return nil, fmt.Errorf("%w: connector is required", ErrInvalidConfig)
	}
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("%w: connection string is required", ErrInvalidConfig)
	}
	if cfg.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("%w: max reconnect attempts must not be negative", ErrInvalidConfig)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	c := &Conn{
		connector: connector,
		cfg:       cfg,
		logger:    log.Named("direct"),
	}

	raw, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	id := nextID.Add(1)
	c.sess = session.New(id, raw, session.WithLogger(c.logger))
	c.logger.Debug("connection established", zap.Uint64("conn_id", id))
	return c, nil
}

func (c *Conn) dial(ctx context.Context) (session.RawConn, error) {
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	raw, err := c.connector.Connect(ctx, c.cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(raw)
	}
	return raw, nil
}

func (c *Conn) closeRaw() {
	raw := c.sess.Raw()
	if raw == nil {
		return
	}
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(raw)
	}
	if err := raw.Close(); err != nil {
		c.logger.Debug("failed to close connection", zap.Uint64("conn_id", c.sess.ID()), zap.Error(err))
	}
}

// ID 返回进程内唯一的连接编号
func (c *Conn) ID() uint64 {
	return c.sess.ID()
}

// Raw 返回底层的原始连接，重连失败后为 nil
func (c *Conn) Raw() session.RawConn {
	return c.sess.Raw()
}

// Session 返回连接使用的执行引擎
func (c *Conn) Session() *session.Session {
	return c.sess
}

// ErrorMessage 返回最近一次失败的错误信息
func (c *Conn) ErrorMessage() string {
	return c.sess.ErrorMessage()
}

// LastActivity 返回最近一次成功执行命令的时间
func (c *Conn) LastActivity() time.Time {
	return c.sess.LastActivity()
}

// InTransaction 报告是否处于显式事务中
func (c *Conn) InTransaction() bool {
	return c.sess.InTransaction()
}

// Validate 报告连接是否可用
func (c *Conn) Validate() bool {
	if c.closed {
		return false
	}
	return c.sess.Validate(session.DefaultValidationQuery, session.NoTimeout)
}

// Reconnect 关闭当前连接并重新建立。
// 连续失败次数达到 MaxReconnectAttempts 后不再尝试。
func (c *Conn) Reconnect() error {
	if c.closed {
		return ErrClosed
	}
	if c.cfg.MaxReconnectAttempts > 0 && c.attempts >= c.cfg.MaxReconnectAttempts {
		c.sess.SetError(ErrMaxReconnects.Error())
		return ErrMaxReconnects
	}

	c.closeRaw()
	c.attempts++

	raw, err := c.dial(context.Background())
	if err != nil {
		c.sess.Replace(nil)
		c.sess.SetError(err.Error())
		c.logger.Warn("reconnect failed",
			zap.Uint64("conn_id", c.sess.ID()),
			zap.Int("attempt", c.attempts),
			zap.Error(err))
		return err
	}

	c.attempts = 0
	c.sess.Replace(raw)
	c.logger.Debug("reconnected", zap.Uint64("conn_id", c.sess.ID()))
	return nil
}

// Close 回滚未结束的事务并关闭连接，可以重复调用
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.sess.InTransaction() {
		if err := c.sess.Rollback(); err != nil {
			c.logger.Warn("failed to roll back transaction on close",
				zap.Uint64("conn_id", c.sess.ID()), zap.Error(err))
		}
	}
	c.closeRaw()
	c.sess.Replace(nil)
	return nil
}

// Safe 返回加锁版本的连接
func (c *Conn) Safe() (*SafeConn, error) {
	if !c.cfg.ThreadSafe {
		return nil, ErrNotThreadSafe
	}
	return &SafeConn{c: c}, nil
}

// options 返回生效的查询选项
func options(opts *QueryOptions) QueryOptions {
	if opts == nil {
		return DefaultQueryOptions
	}
	return *opts
}

// retry 在调用失败、连接已损坏且允许重连时重连并重试一次
func (c *Conn) retry(opts QueryOptions, fn func() error) error {
	if c.closed {
		return ErrClosed
	}
	err := fn()
	if err == nil || !opts.RetryOnFailure || !c.cfg.AutoReconnect {
		return err
	}
	if c.sess.Status() != session.ConnBad {
		return err
	}

	c.logger.Info("connection lost, reconnecting before retry",
		zap.Uint64("conn_id", c.sess.ID()), zap.Error(err))
	if rerr := c.Reconnect(); rerr != nil {
		return err
	}
	return fn()
}
