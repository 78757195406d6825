// Package adapters 提供基于真实驱动的 session.RawConn 实现：
// PgxConn 使用 jackc/pgx 的 pgconn，SQLConn 使用 lib/pq 的 database/sql 驱动。
package adapters

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fyerfyer/pgpool/session"
)

var (
	// ErrConnClosed 表示连接已经关闭
	ErrConnClosed = errors.New("connection is closed")

	// ErrUnsupportedFormat 表示驱动不支持请求的参数或结果格式
	ErrUnsupportedFormat = errors.New("binary format is not supported by this driver")
)

// closeTimeout 限制关闭连接时与服务端交互的时间
const closeTimeout = 5 * time.Second

// lifecycle 协调连接上正在执行的调用与 Close。
// 连接池关闭时可能在其他 goroutine 中关闭仍被租用的连接，
// Close 会先取消所有调用并等待它们返回，再释放底层连接。
type lifecycle struct {
	ctx  context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	closed bool
	calls  sync.WaitGroup
}

func (l *lifecycle) init() {
	l.ctx, l.stop = context.WithCancel(context.Background())
}

// enter 登记一次调用，连接已关闭时返回 ErrConnClosed
func (l *lifecycle) enter() (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrConnClosed
	}
	l.calls.Add(1)
	return l.ctx, nil
}

func (l *lifecycle) leave() {
	l.calls.Done()
}

// shutdown 取消并等待所有调用，只有第一次调用返回 true
func (l *lifecycle) shutdown() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	l.mu.Unlock()

	l.stop()
	l.calls.Wait()
	return true
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func fatal(message, sqlState string) *session.Result {
	return &session.Result{
		Status:       session.StatusFatalError,
		ErrorMessage: message,
		SQLState:     sqlState,
	}
}

// serverError 按服务端的习惯格式化错误文本
func serverError(severity, message, code string) *session.Result {
	if severity == "" {
		severity = "ERROR"
	}
	return fatal(severity+": "+message, code)
}

// statementVerbs 返回每条语句的第一个关键字（大写），空语句被跳过
func statementVerbs(query string) []string {
	var verbs []string
	for _, stmt := range strings.Split(query, ";") {
		fields := strings.Fields(stmt)
		if len(fields) == 0 {
			continue
		}
		verbs = append(verbs, strings.ToUpper(fields[0]))
	}
	return verbs
}

// nextTxStatus 根据执行成功的语句推断事务状态
func nextTxStatus(cur session.TxStatus, stmt string) session.TxStatus {
	fields := strings.Fields(strings.ToUpper(stmt))
	if len(fields) == 0 {
		return cur
	}
	switch fields[0] {
	case "BEGIN", "START":
		return session.TxInBlock
	case "COMMIT", "END", "ABORT":
		return session.TxIdle
	case "ROLLBACK":
		// ROLLBACK TO SAVEPOINT 不结束事务
		if len(fields) > 1 && fields[1] == "TO" {
			if cur == session.TxFailed {
				return session.TxInBlock
			}
			return cur
		}
		return session.TxIdle
	default:
		return cur
	}
}
