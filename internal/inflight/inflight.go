// Package inflight 把阻塞式的数据库调用包装成
// "发送 / 就绪通道 / 读取结果" 的异步形式，供各个 RawConn 实现复用。
package inflight

import (
	"errors"

	"github.com/fyerfyer/pgpool/session"
)

// ErrBusy 表示上一条命令仍在执行或其结果尚未读取
var ErrBusy = errors.New("another command is already in progress")

// closed 是一个已经关闭的通道，空闲连接的 Ready 返回它
var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Closed 返回一个永远可接收的通道
func Closed() <-chan struct{} {
	return closed
}

// Call 表示一个在后台 goroutine 中执行的调用
type Call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Start 在新的 goroutine 中执行 fn
func Start[T any](fn func() (T, error)) *Call[T] {
	c := &Call[T]{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		c.val, c.err = fn()
	}()
	return c
}

// Done 返回调用结束时关闭的通道
func (c *Call[T]) Done() <-chan struct{} {
	return c.done
}

// Finished 非阻塞地报告调用是否已经结束
func (c *Call[T]) Finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait 阻塞直到调用结束并返回结果
func (c *Call[T]) Wait() (T, error) {
	<-c.done
	return c.val, c.err
}

// Pipeline 管理一个连接上正在执行的命令以及尚未读取的结果。
// 它不是并发安全的，与所属连接一样只由持有租约的调用者使用。
type Pipeline struct {
	call    *Call[[]*session.Result]
	pending []*session.Result
	lastErr string
}

// Send 在后台执行 fn。
// fn 返回的错误被视为传输层失败，转换为一个 FatalError 结果。
func (p *Pipeline) Send(fn func() ([]*session.Result, error)) error {
	if p.call != nil || len(p.pending) > 0 {
		return ErrBusy
	}
	p.call = Start(fn)
	return nil
}

// Ready 返回当前命令完成时可接收的通道，没有命令时立即可接收
func (p *Pipeline) Ready() <-chan struct{} {
	if p.call == nil {
		return closed
	}
	return p.call.Done()
}

// Consume 非阻塞地收集已经完成的命令的结果
func (p *Pipeline) Consume() error {
	if p.call != nil && p.call.Finished() {
		p.collect()
	}
	return nil
}

// Busy 报告命令是否仍在执行
func (p *Pipeline) Busy() bool {
	if p.call == nil {
		return false
	}
	if p.call.Finished() {
		p.collect()
		return false
	}
	return true
}

// Next 返回下一个结果，必要时等待命令完成，没有更多结果时返回 nil
func (p *Pipeline) Next() *session.Result {
	if p.call != nil {
		p.collect()
	}
	if len(p.pending) == 0 {
		return nil
	}
	res := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return res
}

// Run 同步执行 fn 并返回最后一个结果
func (p *Pipeline) Run(fn func() ([]*session.Result, error)) *session.Result {
	for p.Next() != nil {
	}
	if err := p.Send(fn); err != nil {
		return &session.Result{Status: session.StatusFatalError, ErrorMessage: err.Error()}
	}

	var last *session.Result
	for res := p.Next(); res != nil; res = p.Next() {
		last = res
	}
	return last
}

// Wait 阻塞直到当前命令结束，不丢弃结果
func (p *Pipeline) Wait() {
	if p.call != nil {
		p.collect()
	}
}

// InFlight 报告是否有尚未结束的命令，不会收集结果
func (p *Pipeline) InFlight() bool {
	return p.call != nil && !p.call.Finished()
}

// Err 返回最近一次传输层错误的文本
func (p *Pipeline) Err() string {
	return p.lastErr
}

// SetErr 记录传输层错误的文本
func (p *Pipeline) SetErr(msg string) {
	p.lastErr = msg
}

func (p *Pipeline) collect() {
	results, err := p.call.Wait()
	p.call = nil
	p.pending = append(p.pending, results...)
	if err != nil {
		p.lastErr = err.Error()
		p.pending = append(p.pending, &session.Result{
			Status:       session.StatusFatalError,
			ErrorMessage: err.Error(),
		})
	}
}
