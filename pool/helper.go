package pool

import (
	"context"
	"fmt"
)

// WithConn 租出一个连接执行 fn，结束后归还
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.AcquireContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection from pool: %w", err)
	}
	defer conn.Release()

	return fn(conn)
}

// WithTx 在一个事务中执行 fn。
// fn 返回错误时回滚，否则提交。
func (p *Pool) WithTx(ctx context.Context, fn func(*Conn) error) error {
	return p.WithConn(ctx, func(conn *Conn) error {
		if err := conn.Begin(); err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(conn); err != nil {
			// 如果操作失败，回滚事务
			if rbErr := conn.Rollback(); rbErr != nil {
				return fmt.Errorf("operation failed (%w) and transaction rollback failed: %v", err, rbErr)
			}
			return err
		}

		if err := conn.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}
