package poolservice

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fyerfyer/pgpool/pool"
	"github.com/fyerfyer/pgpool/session"
)

// InMemoryService 实现了 Service 接口的内存版本
type InMemoryService struct {
	// 建立连接使用的连接器
	connector session.Connector
	// 连接池名称到连接池的映射
	pools map[string]poolEntry
	// 租约名称到租约的映射
	leases map[string]leaseEntry
	// 保护映射的互斥锁
	mu sync.RWMutex
}

// poolEntry 包含连接池及其元数据
type poolEntry struct {
	p         *pool.Pool
	createdAt time.Time
}

// leaseEntry 包含一个被租用的连接
type leaseEntry struct {
	pool       string
	conn       *pool.Conn
	acquiredAt time.Time
}

// NewInMemoryService 创建一个新的内存连接池服务
func NewInMemoryService(connector session.Connector) *InMemoryService {
	return &InMemoryService{
		connector: connector,
		pools:     make(map[string]poolEntry),
		leases:    make(map[string]leaseEntry),
	}
}

// OpenPool 创建一个命名连接池
func (s *InMemoryService) OpenPool(name string, options ...pool.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[name]; exists {
		return ErrPoolExists
	}

	p, err := pool.New(s.connector, options...)
	if err != nil {
		return err
	}

	s.pools[name] = poolEntry{p: p, createdAt: time.Now()}
	return nil
}

// GetPool 获取指定名称的连接池
func (s *InMemoryService) GetPool(name string) (*pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.pools[name]
	if !exists {
		return nil, ErrPoolNotFound
	}
	return entry.p, nil
}

// ListPools 列出所有连接池
func (s *InMemoryService) ListPools() []PoolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]PoolInfo, 0, len(s.pools))
	for name, entry := range s.pools {
		result = append(result, PoolInfo{
			Name:       name,
			ConnString: entry.p.Options().ConnString,
			Stats:      entry.p.Stats(),
		})
	}
	slices.SortFunc(result, func(a, b PoolInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result
}

// PoolStats 获取连接池统计信息
func (s *InMemoryService) PoolStats(name string) (pool.Stats, error) {
	p, err := s.GetPool(name)
	if err != nil {
		return pool.Stats{}, err
	}
	return p.Stats(), nil
}

// Acquire 从连接池获取一个连接并登记为租约。
// 获取连接可能阻塞，期间不持有服务的锁。
func (s *InMemoryService) Acquire(poolName, leaseName string, timeout time.Duration) (*pool.Conn, error) {
	s.mu.RLock()
	_, taken := s.leases[leaseName]
	entry, exists := s.pools[poolName]
	s.mu.RUnlock()

	if taken {
		return nil, ErrLeaseExists
	}
	if !exists {
		return nil, ErrPoolNotFound
	}

	conn, err := entry.p.Acquire(timeout)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 等待期间可能有人占用了同名租约
	if _, taken := s.leases[leaseName]; taken {
		_ = conn.Release()
		return nil, ErrLeaseExists
	}
	s.leases[leaseName] = leaseEntry{pool: poolName, conn: conn, acquiredAt: time.Now()}
	return conn, nil
}

// Lease 返回已登记的连接
func (s *InMemoryService) Lease(leaseName string) (*pool.Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lease, exists := s.leases[leaseName]
	if !exists {
		return nil, ErrLeaseNotFound
	}
	return lease.conn, nil
}

// Release 归还一个租约
func (s *InMemoryService) Release(leaseName string) error {
	s.mu.Lock()
	lease, exists := s.leases[leaseName]
	if exists {
		delete(s.leases, leaseName)
	}
	s.mu.Unlock()

	if !exists {
		return ErrLeaseNotFound
	}
	return lease.conn.Release()
}

// ListLeases 列出所有租约
func (s *InMemoryService) ListLeases() []LeaseInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]LeaseInfo, 0, len(s.leases))
	for name, lease := range s.leases {
		result = append(result, LeaseInfo{
			Name:          name,
			Pool:          lease.pool,
			ConnID:        lease.conn.ID(),
			InTransaction: lease.conn.InTransaction(),
			AcquiredAt:    lease.acquiredAt,
		})
	}
	slices.SortFunc(result, func(a, b LeaseInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result
}

// ClosePool 归还连接池的所有租约并关闭它
func (s *InMemoryService) ClosePool(name string) error {
	s.mu.Lock()
	entry, exists := s.pools[name]
	if !exists {
		s.mu.Unlock()
		return ErrPoolNotFound
	}
	delete(s.pools, name)
	leases := s.takeLeases(name)
	s.mu.Unlock()

	var errs []error
	for _, lease := range leases {
		if err := lease.conn.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := entry.p.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// takeLeases 移除并返回属于连接池的租约，调用时必须持有锁
func (s *InMemoryService) takeLeases(poolName string) []leaseEntry {
	var out []leaseEntry
	for name, lease := range s.leases {
		if lease.pool == poolName {
			out = append(out, lease)
			delete(s.leases, name)
		}
	}
	return out
}

// Close 关闭所有连接池
func (s *InMemoryService) Close() error {
	s.mu.RLock()
	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	s.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if err := s.ClosePool(name); err != nil && !errors.Is(err, ErrPoolNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
