package direct

import (
	"github.com/fyerfyer/pgpool/session"
)

// SafeConn 是 Conn 的加锁版本，每个方法在持有连接锁期间调用对应的 Conn 方法。
//
// 需要把多个调用组合成一个原子操作时，先调用 Lock，
// 再通过 Unsafe 返回的 Conn 执行，最后调用 Unlock。
type SafeConn struct {
	c *Conn
}

// Lock 获取连接锁
func (s *SafeConn) Lock() {
	s.c.mu.Lock()
}

// Unlock 释放连接锁
func (s *SafeConn) Unlock() {
	s.c.mu.Unlock()
}

// TryLock 尝试获取连接锁，不等待
func (s *SafeConn) TryLock() bool {
	return s.c.mu.TryLock()
}

// Unsafe 返回不加锁的连接，只能在持有锁时使用
func (s *SafeConn) Unsafe() *Conn {
	return s.c
}

// ID 返回连接编号
func (s *SafeConn) ID() uint64 {
	return s.c.ID()
}

// ErrorMessage 返回最近一次失败的错误信息
func (s *SafeConn) ErrorMessage() string {
	s.Lock()
	defer s.Unlock()
	return s.c.ErrorMessage()
}

// Validate 报告连接是否可用
func (s *SafeConn) Validate() bool {
	s.Lock()
	defer s.Unlock()
	return s.c.Validate()
}

// Reconnect 重新建立连接
func (s *SafeConn) Reconnect() error {
	s.Lock()
	defer s.Unlock()
	return s.c.Reconnect()
}

// Execute 执行一条命令
func (s *SafeConn) Execute(query string, opts *QueryOptions) error {
	s.Lock()
	defer s.Unlock()
	return s.c.Execute(query, opts)
}

// Query 执行一条查询
func (s *SafeConn) Query(query string, opts *QueryOptions) (*session.Result, error) {
	s.Lock()
	defer s.Unlock()
	return s.c.Query(query, opts)
}

// QueryParams 执行一条参数化查询
func (s *SafeConn) QueryParams(query string, args session.QueryArgs, opts *QueryOptions) (*session.Result, error) {
	s.Lock()
	defer s.Unlock()
	return s.c.QueryParams(query, args, opts)
}

// Prepare 创建一个命名预处理语句
func (s *SafeConn) Prepare(name, query string, paramTypes []uint32) error {
	s.Lock()
	defer s.Unlock()
	return s.c.Prepare(name, query, paramTypes)
}

// ExecutePrepared 执行一个命名预处理语句
func (s *SafeConn) ExecutePrepared(name string, params [][]byte, formats []int16, resultFormat int16, opts *QueryOptions) (*session.Result, error) {
	s.Lock()
	defer s.Unlock()
	return s.c.ExecutePrepared(name, params, formats, resultFormat, opts)
}

// Deallocate 释放一个命名预处理语句
func (s *SafeConn) Deallocate(name string) error {
	s.Lock()
	defer s.Unlock()
	return s.c.Deallocate(name)
}

// Begin 开始一个事务
func (s *SafeConn) Begin() error {
	s.Lock()
	defer s.Unlock()
	return s.c.Begin()
}

// Commit 提交当前事务
func (s *SafeConn) Commit() error {
	s.Lock()
	defer s.Unlock()
	return s.c.Commit()
}

// Rollback 回滚当前事务
func (s *SafeConn) Rollback() error {
	s.Lock()
	defer s.Unlock()
	return s.c.Rollback()
}

// Close 关闭连接
func (s *SafeConn) Close() error {
	s.Lock()
	defer s.Unlock()
	return s.c.Close()
}
