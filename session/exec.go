package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NoTimeout 表示无限等待
const NoTimeout time.Duration = -1

// QueryArgs 描述参数化查询的参数
type QueryArgs struct {
	// 参数类型 OID，nil 表示由服务端推断
	ParamTypes []uint32

	// 参数值，nil 元素表示 NULL
	Params [][]byte

	// 参数格式，nil 表示全部为文本格式
	ParamFormats []int16

	// 结果格式
	ResultFormat int16
}

// Execute 执行一条命令，只关心成功与否
func (s *Session) Execute(query string, timeout time.Duration) error {
	_, err := s.Query(query, timeout)
	return err
}

// Query 执行一条查询并返回结果。
// timeout 为负数时使用同步路径并无限等待。
func (s *Session) Query(query string, timeout time.Duration) (*Result, error) {
	if query == "" {
		return nil, s.invalid("invalid connection or query")
	}
	if s.raw == nil {
		return nil, s.invalid("invalid connection or query")
	}

	if timeout < 0 {
		return s.exec(query)
	}

	return s.run("query", func(raw RawConn) error {
		return raw.SendQuery(query)
	}, timeout)
}

// QueryParams 执行一条参数化查询
func (s *Session) QueryParams(query string, args QueryArgs, timeout time.Duration) (*Result, error) {
	if query == "" || s.raw == nil {
		return nil, s.invalid("invalid connection or query")
	}

	return s.run("query", func(raw RawConn) error {
		return raw.SendQueryParams(query, args.ParamTypes, args.Params, args.ParamFormats, args.ResultFormat)
	}, timeout)
}

// Prepare 在连接上创建一个命名预处理语句。
// 参数个数由 paramTypes 的长度决定，nil 表示全部由服务端推断。
func (s *Session) Prepare(name, query string, paramTypes []uint32, timeout time.Duration) error {
	if name == "" || query == "" || s.raw == nil {
		return s.invalid("invalid connection, statement name, or query")
	}

	_, err := s.run("prepare", func(raw RawConn) error {
		return raw.SendPrepare(name, query, paramTypes)
	}, timeout)
	return err
}

// ExecutePrepared 执行一个命名预处理语句并返回结果
func (s *Session) ExecutePrepared(name string, params [][]byte, formats []int16, resultFormat int16, timeout time.Duration) (*Result, error) {
	if name == "" || s.raw == nil {
		return nil, s.invalid("invalid connection or statement name")
	}

	return s.run("prepared statement", func(raw RawConn) error {
		return raw.SendQueryPrepared(name, params, formats, resultFormat)
	}, timeout)
}

// Deallocate 释放一个命名预处理语句
func (s *Session) Deallocate(name string, timeout time.Duration) error {
	if name == "" || s.raw == nil {
		return s.invalid("invalid connection or statement name")
	}
	return s.Execute("DEALLOCATE "+name, timeout)
}

// invalid 记录参数错误
func (s *Session) invalid(msg string) error {
	s.lastErr = msg
	if s.raw == nil {
		return ErrInvalidConn
	}
	return ErrInvalidArgument
}

// exec 走同步路径执行简单查询
func (s *Session) exec(query string) (*Result, error) {
	s.discardResults()
	s.lastErr = ""

	res := s.raw.Exec(query)
	return s.check(res, "query")
}

// run 依次执行 发送 -> 等待 -> 读取 -> 清空剩余结果
func (s *Session) run(op string, send func(RawConn) error, timeout time.Duration) (*Result, error) {
	s.discardResults()
	s.lastErr = ""

	if err := send(s.raw); err != nil {
		msg := err.Error()
		s.lastErr = msg
		return nil, fmt.Errorf("%w: %s", ErrSendFailed, msg)
	}

	if err := s.wait(timeout); err != nil {
		return nil, err
	}

	res := s.raw.GetResult()
	out, err := s.check(res, op)
	s.discardResults()
	return out, err
}

// check 检查结果状态，只有 COMMAND_OK 与 TUPLES_OK 视为成功
func (s *Session) check(res *Result, op string) (*Result, error) {
	if res == nil {
		s.lastErr = "no result received from " + op
		return nil, fmt.Errorf("%w from %s", ErrNoResult, op)
	}

	if !res.OK() {
		rerr := resultError(res)
		s.lastErr = rerr.Message
		s.logger.Debug("command failed",
			zap.Uint64("conn_id", s.id),
			zap.String("status", res.Status.String()),
			zap.String("sqlstate", res.SQLState))
		return nil, rerr
	}

	s.lastActivity = time.Now()
	return res, nil
}

// wait 等待当前命令完成。
// timeout 为负数时无限等待；为 0 时只接受第一次检查时已经就绪的结果。
func (s *Session) wait(timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		ready := s.raw.Ready()

		// 已经就绪的输入优先于计时器
		select {
		case <-ready:
		default:
			select {
			case <-ready:
			case <-expired:
				s.lastErr = ErrQueryTimeout.Error()
				s.cancel()
				return ErrQueryTimeout
			}
		}

		if err := s.raw.ConsumeInput(); err != nil {
			s.lastErr = err.Error()
			return fmt.Errorf("%w: %v", ErrConsumeFailed, err)
		}

		if !s.raw.IsBusy() {
			return nil
		}
	}
}

// settle 等待上一条未结束的命令完成，不发送取消请求。
// timeout 为负数时无限等待，超时返回 false。
func (s *Session) settle(timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for s.raw.IsBusy() {
		select {
		case <-s.raw.Ready():
		case <-expired:
			return false
		}
		if err := s.raw.ConsumeInput(); err != nil {
			return false
		}
	}
	return true
}

// cancel 尽力取消服务端正在执行的命令，失败只记录日志
func (s *Session) cancel() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cancelTimeout)
	defer cancel()

	if err := s.raw.Cancel(ctx); err != nil {
		s.logger.Debug("cancel request failed", zap.Uint64("conn_id", s.id), zap.Error(err))
		return
	}
	s.logger.Debug("cancel request sent", zap.Uint64("conn_id", s.id))
}

// discardResults 丢弃连接上缓存的所有结果
func (s *Session) discardResults() {
	for s.raw.GetResult() != nil {
	}
}
