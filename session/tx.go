package session

import (
	"fmt"
	"time"
)

// Begin 开始一个事务
func (s *Session) Begin() error {
	if s.txActive {
		s.lastErr = "transaction already active"
		return ErrTxActive
	}
	if err := s.Execute("BEGIN", NoTimeout); err != nil {
		return err
	}
	s.txActive = true
	return nil
}

// Commit 提交当前事务。
// 无论服务端是否成功，本地事务标记都会被清除。
func (s *Session) Commit() error {
	return s.finish("COMMIT", "commit", NoTimeout)
}

// Rollback 回滚当前事务。
// 无论服务端是否成功，本地事务标记都会被清除。
func (s *Session) Rollback() error {
	return s.finish("ROLLBACK", "rollback", NoTimeout)
}

// Abandon 在归还连接前结束任何未完成的事务。
// 本地标记或服务端状态任一表明处于事务中时发送 ROLLBACK，
// 返回是否发送了回滚以及回滚的错误。
func (s *Session) Abandon(timeout time.Duration) (bool, error) {
	if s.raw == nil {
		s.txActive = false
		return false, nil
	}
	if !s.txActive && !s.raw.TxStatus().InTransaction() {
		return false, nil
	}

	err := s.Execute("ROLLBACK", timeout)
	s.txActive = false
	return true, err
}

func (s *Session) finish(command, verb string, timeout time.Duration) error {
	if !s.txActive {
		s.lastErr = "no active transaction to " + verb
		return fmt.Errorf("%w to %s", ErrNoTx, verb)
	}
	err := s.Execute(command, timeout)
	s.txActive = false
	return err
}
