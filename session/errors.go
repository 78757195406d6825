package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConn 表示连接无效或已关闭
	ErrInvalidConn = errors.New("invalid connection")

	// ErrInvalidArgument 表示查询或语句名为空
	ErrInvalidArgument = errors.New("invalid connection, statement name, or query")

	// ErrSendFailed 表示命令无法发送到服务端
	ErrSendFailed = errors.New("failed to send command")

	// ErrConsumeFailed 表示读取服务端输入失败
	ErrConsumeFailed = errors.New("failed to consume input")

	// ErrQueryTimeout 表示查询执行超时
	ErrQueryTimeout = errors.New("query execution timed out")

	// ErrNoResult 表示没有从服务端收到结果
	ErrNoResult = errors.New("no result received")

	// ErrTxActive 表示事务已经开始
	ErrTxActive = errors.New("transaction already active")

	// ErrNoTx 表示没有活跃的事务
	ErrNoTx = errors.New("no active transaction")
)

// ResultError 表示服务端返回了一个非成功状态的结果
type ResultError struct {
	Status   ExecStatus
	Message  string
	SQLState string
}

// Error 实现 error 接口
func (e *ResultError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.SQLState)
	}
	if e.Message == "" {
		return fmt.Sprintf("unexpected result status %s", e.Status)
	}
	return e.Message
}

// resultError 根据结果构造错误
func resultError(res *Result) *ResultError {
	msg := res.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("unexpected result status %s", res.Status)
	}
	return &ResultError{
		Status:   res.Status,
		Message:  msg,
		SQLState: res.SQLState,
	}
}
