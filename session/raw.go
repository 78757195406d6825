package session

import (
	"context"
)

// ConnStatus 表示底层连接的状态
type ConnStatus int

const (
	// ConnOK 表示连接可用
	ConnOK ConnStatus = iota
	// ConnBad 表示连接已损坏，需要重建
	ConnBad
)

// String 返回连接状态的字符串表示
func (s ConnStatus) String() string {
	switch s {
	case ConnOK:
		return "ok"
	case ConnBad:
		return "bad"
	default:
		return "unknown"
	}
}

// TxStatus 是服务端报告的事务状态
type TxStatus byte

const (
	// TxUnknown 表示底层连接无法报告事务状态
	TxUnknown TxStatus = 0
	// TxIdle 表示不在事务块中
	TxIdle TxStatus = 'I'
	// TxInBlock 表示处于事务块中
	TxInBlock TxStatus = 'T'
	// TxFailed 表示处于失败的事务块中，只能回滚
	TxFailed TxStatus = 'E'
)

// InTransaction 报告服务端是否认为连接处于事务块中
func (s TxStatus) InTransaction() bool {
	return s == TxInBlock || s == TxFailed
}

// RawConn 是对数据库原始连接的抽象。
// 连接池和执行引擎只通过这个接口与服务端交互，
// 具体的协议实现由 pool/adapters 提供。
//
// 实现不需要是并发安全的：同一时刻只有持有租约的调用者会使用它。
type RawConn interface {
	// SendQuery 异步发送一条简单查询
	SendQuery(query string) error

	// SendQueryParams 异步发送一条参数化查询。
	// params 中的 nil 表示 SQL NULL。
	SendQueryParams(query string, paramTypes []uint32, params [][]byte, paramFormats []int16, resultFormat int16) error

	// SendPrepare 异步发送一个命名预处理语句
	SendPrepare(name, query string, paramTypes []uint32) error

	// SendQueryPrepared 异步执行一个命名预处理语句
	SendQueryPrepared(name string, params [][]byte, paramFormats []int16, resultFormat int16) error

	// Ready 返回一个在有输入可读时可接收的通道
	Ready() <-chan struct{}

	// ConsumeInput 消费已到达的输入
	ConsumeInput() error

	// IsBusy 报告当前命令是否仍在执行
	IsBusy() bool

	// GetResult 返回下一个结果，没有更多结果时返回 nil。
	// 如果命令仍在执行，GetResult 会阻塞直到结果可用。
	GetResult() *Result

	// Exec 同步执行一条简单查询并返回最后一个结果
	Exec(query string) *Result

	// Cancel 请求服务端取消正在执行的命令
	Cancel(ctx context.Context) error

	// Status 返回连接状态
	Status() ConnStatus

	// TxStatus 返回服务端报告的事务状态
	TxStatus() TxStatus

	// ErrorMessage 返回最近一次传输层错误的文本
	ErrorMessage() string

	// Close 关闭连接并释放资源
	Close() error
}

// Connector 负责建立新的原始连接
type Connector interface {
	// Connect 使用连接字符串建立一个新连接
	Connect(ctx context.Context, connString string) (RawConn, error)
}

// ConnectorFunc 允许把普通函数当作 Connector 使用
type ConnectorFunc func(ctx context.Context, connString string) (RawConn, error)

// Connect 实现 Connector 接口
func (f ConnectorFunc) Connect(ctx context.Context, connString string) (RawConn, error) {
	return f(ctx, connString)
}
