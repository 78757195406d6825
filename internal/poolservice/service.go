// Package poolservice 管理命名的连接池和命名的租约，供命令行工具的交互模式使用。
package poolservice

import (
	"errors"
	"time"

	"github.com/fyerfyer/pgpool/pool"
)

var (
	// ErrPoolNotFound 表示请求的连接池不存在
	ErrPoolNotFound = errors.New("pool not found")

	// ErrPoolExists 表示连接池已存在
	ErrPoolExists = errors.New("pool already exists")

	// ErrLeaseNotFound 表示请求的租约不存在
	ErrLeaseNotFound = errors.New("lease not found")

	// ErrLeaseExists 表示租约名称已被占用
	ErrLeaseExists = errors.New("lease already exists")
)

// PoolInfo 包含连接池的基本信息
type PoolInfo struct {
	// 连接池名称
	Name string
	// 连接字符串
	ConnString string
	// 统计信息
	Stats pool.Stats
}

// LeaseInfo 包含一个租约的基本信息
type LeaseInfo struct {
	// 租约名称
	Name string
	// 所属连接池
	Pool string
	// 连接编号
	ConnID uint64
	// 是否处于显式事务中
	InTransaction bool
	// 获取租约的时间
	AcquiredAt time.Time
}

// Service 定义连接池服务接口
type Service interface {
	// OpenPool 创建一个命名连接池
	OpenPool(name string, options ...pool.Option) error

	// GetPool 获取指定名称的连接池
	GetPool(name string) (*pool.Pool, error)

	// ListPools 列出所有连接池，按名称排序
	ListPools() []PoolInfo

	// PoolStats 获取连接池统计信息
	PoolStats(name string) (pool.Stats, error)

	// Acquire 从连接池获取一个连接并以 leaseName 登记
	Acquire(poolName, leaseName string, timeout time.Duration) (*pool.Conn, error)

	// Lease 返回已登记的连接
	Lease(leaseName string) (*pool.Conn, error)

	// Release 归还一个租约
	Release(leaseName string) error

	// ListLeases 列出所有租约，按名称排序
	ListLeases() []LeaseInfo

	// ClosePool 归还连接池的所有租约并关闭它
	ClosePool(name string) error

	// Close 关闭所有连接池
	Close() error
}
