// Package session 实现单个数据库连接上的执行引擎：
// 发送命令、等待套接字就绪、读取结果，并在超时时取消服务端的查询。
//
// Session 本身不做任何加锁。调用者必须保证同一时刻只有一个
// goroutine 在使用它（连接池通过租约保证这一点，direct 包通过可选的互斥锁保证）。
package session

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCancelTimeout 是发送取消请求的默认超时时间
	DefaultCancelTimeout = time.Second

	// DefaultValidationQuery 是校验连接时使用的查询
	DefaultValidationQuery = "SELECT 1"
)

// Session 保存一个原始连接以及它的使用状态
type Session struct {
	// 底层连接，由 Session 独占
	raw RawConn

	// 连接标识，由创建者分配
	id uint64

	// 最近一次失败的错误信息
	lastErr string

	// 最近一次活动时间
	lastActivity time.Time

	// 是否处于 BEGIN 与 COMMIT/ROLLBACK 之间
	txActive bool

	// 取消请求的超时时间
	cancelTimeout time.Duration

	logger *zap.Logger
}

// Option 用于配置 Session
type Option func(*Session)

// WithLogger 设置日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCancelTimeout 设置取消请求的超时时间
func WithCancelTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.cancelTimeout = timeout
		}
	}
}

// New 创建一个新的 Session
func New(id uint64, raw RawConn, options ...Option) *Session {
	s := &Session{
		raw:           raw,
		id:            id,
		lastActivity:  time.Now(),
		cancelTimeout: DefaultCancelTimeout,
		logger:        zap.NewNop(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// ID 返回连接标识
func (s *Session) ID() uint64 {
	return s.id
}

// Raw 返回底层连接。
// 直接操作底层连接可能破坏 Session 的状态，谨慎使用。
func (s *Session) Raw() RawConn {
	return s.raw
}

// Replace 替换底层连接并重置事务状态，旧连接由调用者负责关闭
func (s *Session) Replace(raw RawConn) {
	s.raw = raw
	s.txActive = false
	s.lastErr = ""
	s.lastActivity = time.Now()
}

// ErrorMessage 返回最近一次错误的信息
func (s *Session) ErrorMessage() string {
	if s.lastErr != "" {
		return s.lastErr
	}
	if s.raw != nil {
		if msg := s.raw.ErrorMessage(); msg != "" {
			return msg
		}
	}
	return "no error information available"
}

// LastError 返回 Session 记录的错误信息，没有错误时为空
func (s *Session) LastError() string {
	return s.lastErr
}

// ClearError 清除错误信息
func (s *Session) ClearError() {
	s.lastErr = ""
}

// SetError 记录错误信息
func (s *Session) SetError(msg string) {
	s.lastErr = msg
}

// LastActivity 返回最近一次活动时间
func (s *Session) LastActivity() time.Time {
	return s.lastActivity
}

// Touch 把最近活动时间更新为当前时间
func (s *Session) Touch() {
	s.lastActivity = time.Now()
}

// InTransaction 报告本地记录的事务状态
func (s *Session) InTransaction() bool {
	return s.txActive
}

// ServerTxStatus 返回服务端报告的事务状态
func (s *Session) ServerTxStatus() TxStatus {
	if s.raw == nil {
		return TxUnknown
	}
	return s.raw.TxStatus()
}

// Status 返回底层连接状态
func (s *Session) Status() ConnStatus {
	if s.raw == nil {
		return ConnBad
	}
	return s.raw.Status()
}

// Busy 非阻塞地报告连接上是否还有未结束的命令，
// 例如超时后取消请求失败的查询
func (s *Session) Busy() bool {
	return s.raw != nil && s.raw.IsBusy()
}

// Validate 通过一次往返查询检查连接是否可用。
// 只有返回行的成功结果才算通过。
// 上一条命令仍在执行时最多等待 timeout，之后视为不可用。
func (s *Session) Validate(query string, timeout time.Duration) bool {
	if s.raw == nil || s.raw.Status() != ConnOK {
		return false
	}
	if s.raw.IsBusy() && !s.settle(timeout) {
		return false
	}
	if query == "" {
		query = DefaultValidationQuery
	}

	res, err := s.run("validation", func(raw RawConn) error {
		return raw.SendQuery(query)
	}, timeout)
	s.lastErr = ""
	return err == nil && res.Status == StatusTuplesOK
}
