// Package fakepg 提供一个内存中的脚本化 PostgreSQL 服务端，
// 实现 session.Connector 与 session.RawConn，用于测试连接池和执行引擎。
package fakepg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyerfyer/pgpool/session"
)

// ErrConnectionRefused 是连接失败时返回的默认错误
var ErrConnectionRefused = errors.New("could not connect to server: Connection refused")

// Handler 可以接管查询的执行。
// 返回 (nil, nil) 表示交给默认行为处理。
type Handler func(c *Conn, query string) (*session.Result, error)

// Server 是一个假的数据库服务端
type Server struct {
	mu sync.Mutex

	conns        []*Conn
	handler      Handler
	failConnects int
	connectErr   error
	connectDelay time.Duration
	cancelErr    error
	connStrings  []string

	nextID   atomic.Int64
	connects atomic.Int64
	closes   atomic.Int64
	cancels  atomic.Int64
}

// NewServer 创建一个新的假服务端
func NewServer() *Server {
	return &Server{connectErr: ErrConnectionRefused}
}

// Connect 实现 session.Connector 接口
func (s *Server) Connect(ctx context.Context, connString string) (session.RawConn, error) {
	s.mu.Lock()
	delay := s.connectDelay
	s.connStrings = append(s.connStrings, connString)
	fail := s.failConnects > 0
	if fail {
		s.failConnects--
	}
	connectErr := s.connectErr
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, connectErr
	}

	c := newConn(s, int(s.nextID.Add(1)))
	s.connects.Add(1)

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

// FailNextConnects 让接下来的 n 次连接失败
func (s *Server) FailNextConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnects = n
}

// SetConnectDelay 设置每次建立连接前的延迟
func (s *Server) SetConnectDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectDelay = d
}

// SetCancelError 让取消请求返回指定错误
func (s *Server) SetCancelError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelErr = err
}

// SetHandler 设置自定义的查询处理函数
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Conns 返回所有建立过的连接，按建立顺序排列
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// Conn 返回第 i 个建立的连接
func (s *Server) Conn(i int) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.conns) {
		return nil
	}
	return s.conns[i]
}

// ConnStrings 返回每次连接使用的连接字符串
func (s *Server) ConnStrings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.connStrings))
	copy(out, s.connStrings)
	return out
}

// Connects 返回成功建立的连接数
func (s *Server) Connects() int {
	return int(s.connects.Load())
}

// Closes 返回被关闭的连接数
func (s *Server) Closes() int {
	return int(s.closes.Load())
}

// Cancels 返回收到的取消请求数
func (s *Server) Cancels() int {
	return int(s.cancels.Load())
}

// Open 返回仍然打开的连接数
func (s *Server) Open() int {
	return s.Connects() - s.Closes()
}

// BreakAll 让所有已建立的连接失效
func (s *Server) BreakAll() {
	for _, c := range s.Conns() {
		c.Break()
	}
}

func (s *Server) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Server) currentCancelErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelErr
}
