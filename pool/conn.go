package pool

import (
	"time"

	"github.com/fyerfyer/pgpool/session"
)

// Conn 是池中的一个连接。
// 租出期间只能由持有租约的调用者使用，所有执行引擎和事务操作都通过内嵌的 Session 提供。
type Conn struct {
	*session.Session

	pool      *Pool
	createdAt time.Time

	// 受 pool.mu 保护
	inUse bool
	// stale 表示归还时连接状态不可信，下次租出前必须替换
	stale bool
}

// InUse 报告连接当前是否被租出
func (c *Conn) InUse() bool {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.inUse
}

// CreatedAt 返回连接建立的时间
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Release 把连接归还到所属的池中
func (c *Conn) Release() error {
	return c.pool.Release(c)
}
