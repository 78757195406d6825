package pool

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyerfyer/pgpool/pool/connlimit"
	"github.com/fyerfyer/pgpool/session"
)

// Options 定义连接池的配置选项。
// New 会复制一份作为不可变快照。
type Options struct {
	// ConnString 是传给 Connector 的连接字符串
	ConnString string

	// MinConnections 是创建时预先建立的连接数，0 按 1 处理
	MinConnections int

	// MaxConnections 是池中连接数的上限，包括正在建立的连接
	MaxConnections int

	// ConnectTimeout 是建立连接的超时时间，同时作为服务端的 statement_timeout
	ConnectTimeout time.Duration

	// AutoReconnect 指定是否在租出空闲连接前校验它
	AutoReconnect bool

	// ValidationQuery 是校验连接使用的查询
	ValidationQuery string

	// ValidationTimeout 是校验查询的超时时间，为 0 时使用 ConnectTimeout
	ValidationTimeout time.Duration

	// RollbackTimeout 是归还连接时回滚未完成事务的超时时间，为 0 时使用 ConnectTimeout
	RollbackTimeout time.Duration

	// CancelTimeout 是查询超时后发送取消请求的超时时间
	CancelTimeout time.Duration

	// DrainTimeout 是关闭时等待租约归还的最长时间
	DrainTimeout time.Duration

	// DrainInterval 是关闭时检查租约的间隔
	DrainInterval time.Duration

	// OnConnect 在每个新连接建立后调用
	OnConnect func(raw session.RawConn)

	// OnClose 在每个连接关闭前调用
	OnClose func(raw session.RawConn)

	// ConnectLimiter 限制建立连接的速率
	ConnectLimiter connlimit.Limiter

	// Logger 是日志记录器
	Logger *zap.Logger

	// EventListeners 是连接事件的监听器列表
	EventListeners []EventListener
}

// DefaultOptions 返回默认的连接池选项
func DefaultOptions() *Options {
	return &Options{
		MinConnections:  1,
		MaxConnections:  10,
		ConnectTimeout:  5 * time.Second,
		AutoReconnect:   true,
		ValidationQuery: session.DefaultValidationQuery,
		CancelTimeout:   session.DefaultCancelTimeout,
		DrainTimeout:    time.Second,
		DrainInterval:   100 * time.Millisecond,
	}
}

// validate 检查配置并补全派生的默认值
func (o *Options) validate() error {
	if o.ConnString == "" {
		return fmt.Errorf("%w: connection string is required", ErrInvalidConfig)
	}
	if o.MaxConnections < 1 {
		return fmt.Errorf("%w: max connections must be at least 1, got %d", ErrInvalidConfig, o.MaxConnections)
	}
	if o.MinConnections < 0 {
		return fmt.Errorf("%w: min connections must not be negative, got %d", ErrInvalidConfig, o.MinConnections)
	}
	if o.MinConnections == 0 {
		o.MinConnections = 1
	}
	if o.MinConnections > o.MaxConnections {
		return fmt.Errorf("%w: min connections (%d) exceeds max connections (%d)",
			ErrInvalidConfig, o.MinConnections, o.MaxConnections)
	}

	if o.ValidationQuery == "" {
		o.ValidationQuery = session.DefaultValidationQuery
	}
	if o.ValidationTimeout <= 0 {
		o.ValidationTimeout = o.ConnectTimeout
	}
	if o.ValidationTimeout <= 0 {
		o.ValidationTimeout = session.NoTimeout
	}
	if o.RollbackTimeout <= 0 {
		o.RollbackTimeout = o.ValidationTimeout
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = session.DefaultCancelTimeout
	}
	if o.DrainTimeout < 0 {
		o.DrainTimeout = 0
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 100 * time.Millisecond
	}
	return nil
}

// Option 是用于配置池选项的函数类型
type Option func(*Options)

// WithConnString 设置连接字符串
func WithConnString(connString string) Option {
	return func(opts *Options) {
		opts.ConnString = connString
	}
}

// WithMinConnections 设置预先建立的连接数
func WithMinConnections(n int) Option {
	return func(opts *Options) {
		opts.MinConnections = n
	}
}

// WithMaxConnections 设置最大连接数
func WithMaxConnections(n int) Option {
	return func(opts *Options) {
		opts.MaxConnections = n
	}
}

// WithConnectTimeout 设置建立连接的超时时间
func WithConnectTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.ConnectTimeout = timeout
	}
}

// WithAutoReconnect 设置是否校验并替换失效的空闲连接
func WithAutoReconnect(enabled bool) Option {
	return func(opts *Options) {
		opts.AutoReconnect = enabled
	}
}

// WithValidationQuery 设置校验查询
func WithValidationQuery(query string) Option {
	return func(opts *Options) {
		opts.ValidationQuery = query
	}
}

// WithValidationTimeout 设置校验查询的超时时间
func WithValidationTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.ValidationTimeout = timeout
	}
}

// WithRollbackTimeout 设置归还时回滚的超时时间
func WithRollbackTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.RollbackTimeout = timeout
	}
}

// WithCancelTimeout 设置取消请求的超时时间
func WithCancelTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.CancelTimeout = timeout
	}
}

// WithDrain 设置关闭时等待租约归还的总时间和检查间隔
func WithDrain(timeout, interval time.Duration) Option {
	return func(opts *Options) {
		opts.DrainTimeout = timeout
		opts.DrainInterval = interval
	}
}

// WithOnConnect 设置建立连接后的回调函数
func WithOnConnect(callback func(raw session.RawConn)) Option {
	return func(opts *Options) {
		opts.OnConnect = callback
	}
}

// WithOnClose 设置关闭连接前的回调函数
func WithOnClose(callback func(raw session.RawConn)) Option {
	return func(opts *Options) {
		opts.OnClose = callback
	}
}

// WithConnectLimiter 设置建立连接的限流器
func WithConnectLimiter(limiter connlimit.Limiter) Option {
	return func(opts *Options) {
		opts.ConnectLimiter = limiter
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithEventListener 添加事件监听器
func WithEventListener(listener EventListener) Option {
	return func(opts *Options) {
		opts.EventListeners = append(opts.EventListeners, listener)
	}
}
